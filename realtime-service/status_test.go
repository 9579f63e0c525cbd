package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/up" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Node-Id", "rt-1")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	nodeID, err := probe(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", nodeID)
}

func TestProbeDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := probe(context.Background(), srv.URL)
	assert.Error(t, err)

	srv.Close()
	_, err = probe(context.Background(), srv.URL)
	assert.Error(t, err)
}
