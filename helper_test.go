package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matchnow/backend/store"
)

// baseTime is a fixed instant so window math in tests is deterministic.
var baseTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// seedUser writes a profile document directly into the store.
func seedUser(t *testing.T, st store.Store, p UserProfile) {
	t.Helper()
	require.NoError(t, st.Set(context.Background(), colUsers, p.UID, p.encode()))
}

// completeProfile builds a profile that passes the discovery bar. Callers
// tweak the fields the test actually cares about.
func completeProfile(uid string, lat, lng float64, radius int) UserProfile {
	return UserProfile{
		UID:               uid,
		Name:              "User " + uid,
		Age:               25,
		Lat:               lat,
		Lng:               lng,
		HasCoords:         true,
		SearchRadius:      radius,
		ProfilePictureURL: "https://pics.example/" + uid + ".jpg",
		Photos:            []string{"a.jpg", "b.jpg"},
	}
}

// seedPoll writes a poll document created at the given time, with everyone
// in votes recorded under their option.
func seedPoll(t *testing.T, st store.Store, created time.Time, options []string, votes map[string]int) string {
	t.Helper()
	responses := make(map[string][]string, len(options))
	for i := range options {
		responses[strconv.Itoa(i)] = []string{}
	}
	for uid, opt := range votes {
		key := strconv.Itoa(opt)
		responses[key] = append(responses[key], uid)
	}
	poll := DailyPoll{
		Question:  "Coffee or tea?",
		Options:   options,
		CreatedAt: created,
		Responses: responses,
	}
	id := todayPollID(created)
	require.NoError(t, st.Set(context.Background(), colPolls, id, poll.encode()))
	return id
}

// authedRequest builds a request carrying a valid token for uid.
func authedRequest(t *testing.T, method, target, uid string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	token, err := issueToken(uid)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// jsonBody encodes v for use as a request body.
func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(v))
	return &buf
}

// decodeBody unmarshals a recorded JSON response into out.
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}
