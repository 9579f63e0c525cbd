package connreg

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct{ id string }

func (h fakeHandle) ID() string                         { return h.id }
func (h fakeHandle) Send(context.Context, []byte) error { return nil }
func (h fakeHandle) Close() error                       { return nil }

func TestRegistry_MultiDevice(t *testing.T) {
	r := New()
	phone := fakeHandle{"c1"}
	laptop := fakeHandle{"c2"}

	r.Register("alice", phone)
	r.Register("alice", laptop)
	r.Register("alice", phone) // re-register is a no-op

	handles := r.HandlesFor("alice")
	require.Len(t, handles, 2)
	assert.Equal(t, "c1", handles[0].ID())
	assert.Equal(t, "c2", handles[1].ID())
	assert.Equal(t, 2, r.Len())

	assert.Equal(t, 1, r.Unregister("alice", phone))
	assert.Equal(t, 0, r.Unregister("alice", laptop))
	assert.Empty(t, r.HandlesFor("alice"))
	assert.Empty(t, r.Users())
}

func TestRegistry_UnregisterUnknown(t *testing.T) {
	r := New()
	assert.Equal(t, 0, r.Unregister("bob", fakeHandle{"x"}))

	r.Register("bob", fakeHandle{"a"})
	assert.Equal(t, 1, r.Unregister("bob", fakeHandle{"other"}))
}

func TestRegistry_Users(t *testing.T) {
	r := New()
	r.Register("carol", fakeHandle{"1"})
	r.Register("alice", fakeHandle{"2"})
	assert.Equal(t, []string{"alice", "carol"}, r.Users())
}

func TestRegistry_Concurrency(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := fakeHandle{fmt.Sprintf("c%d", i)}
			r.Register("u", h)
			r.HandlesFor("u")
			r.Unregister("u", h)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
