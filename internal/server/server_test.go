// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLandingPageListsEndpoints(t *testing.T) {
	s := NewAPIServer()
	require.NoError(t, s.Init())

	require.NoError(t, s.Register("/metrics", "Metrics", "Prometheus metrics",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/metrics")
	assert.Contains(t, rec.Body.String(), "Prometheus metrics")
}

func TestUnknownPathIs404(t *testing.T) {
	s := NewAPIServer()
	require.NoError(t, s.Init())

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisteredHandlerServes(t *testing.T) {
	s := NewAPIServer()
	require.NoError(t, s.Init())

	require.NoError(t, s.Register("/ping", "Ping", "liveness",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("pong"))
		})))

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, "pong", rec.Body.String())
}
