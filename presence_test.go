package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPresenceExpiry(t *testing.T) {
	p := newMemoryPresence()
	now := baseTime
	p.now = func() time.Time { return now }

	online, err := p.IsOnline(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, p.Ping(context.Background(), "alice"))

	now = baseTime.Add(presenceTTL - time.Second)
	online, err = p.IsOnline(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, online)

	now = baseTime.Add(presenceTTL + time.Second)
	online, err = p.IsOnline(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPingHandler(t *testing.T) {
	p := newMemoryPresence()
	handler := pingHandler(p)

	req := authedRequest(t, http.MethodPost, "/me/ping", "alice", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	online, err := p.IsOnline(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, online)
}
