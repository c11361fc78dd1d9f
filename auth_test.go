package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchnow/backend/store"
)

func TestRegisterLoginFlow(t *testing.T) {
	st := store.NewMemory()
	register := registerHandler(st)
	login := loginHandler(st)

	creds := map[string]string{"email": "Alice@Example.com", "password": "hunter22"}

	rec := httptest.NewRecorder()
	register(rec, httptest.NewRequest(http.MethodPost, "/register", jsonBody(t, creds)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Token string `json:"token"`
		ID    string `json:"id"`
	}
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created.Token)
	require.NotEmpty(t, created.ID)

	// The token carries the new uid.
	uid, ok := parseUserIDFromJWT(created.Token)
	require.True(t, ok)
	assert.Equal(t, created.ID, uid)

	// A profile shell exists for the new user.
	doc, err := st.Get(context.Background(), colUsers, created.ID)
	require.NoError(t, err)
	profile := decodeUserProfile(created.ID, doc)
	assert.Empty(t, profile.Matches)
	assert.Empty(t, profile.ChatsWith)

	// Email matching is case-insensitive on login.
	rec = httptest.NewRecorder()
	login(rec, httptest.NewRequest(http.MethodPost, "/login", jsonBody(t, map[string]string{
		"email": "alice@example.com", "password": "hunter22",
	})))
	require.Equal(t, http.StatusOK, rec.Code)

	var logged struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &logged)
	assert.Equal(t, created.ID, logged.ID)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	st := store.NewMemory()
	register := registerHandler(st)
	creds := map[string]string{"email": "bob@example.com", "password": "pw123456"}

	rec := httptest.NewRecorder()
	register(rec, httptest.NewRequest(http.MethodPost, "/register", jsonBody(t, creds)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	register(rec, httptest.NewRequest(http.MethodPost, "/register", jsonBody(t, creds)))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "email_exists")
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	st := store.NewMemory()
	register := registerHandler(st)
	login := loginHandler(st)

	rec := httptest.NewRecorder()
	register(rec, httptest.NewRequest(http.MethodPost, "/register", jsonBody(t, map[string]string{
		"email": "carol@example.com", "password": "correct-horse",
	})))
	require.Equal(t, http.StatusCreated, rec.Code)

	cases := []map[string]string{
		{"email": "carol@example.com", "password": "wrong"},
		{"email": "nobody@example.com", "password": "correct-horse"},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		login(rec, httptest.NewRequest(http.MethodPost, "/login", jsonBody(t, c)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid_credentials")
	}
}

func TestTokenExpiry(t *testing.T) {
	fresh, err := issueToken("alice")
	require.NoError(t, err)
	uid, ok := parseUserIDFromJWT(fresh)
	require.True(t, ok)
	assert.Equal(t, "alice", uid)

	// A token past its exp claim is rejected, not just decorated.
	stale := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "alice",
		"exp":     jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	signed, err := stale.SignedString(jwtSecret)
	require.NoError(t, err)
	_, ok = parseUserIDFromJWT(signed)
	assert.False(t, ok)
}

func TestTokenRejectsUnsignedAlg(t *testing.T) {
	forged := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id": "alice",
		"exp":     jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := forged.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, ok := parseUserIDFromJWT(signed)
	assert.False(t, ok)
}

func TestAuthenticateMiddleware(t *testing.T) {
	var seen string
	handler := authenticate(func(w http.ResponseWriter, r *http.Request) {
		seen = callerID(r)
		w.WriteHeader(http.StatusOK)
	})

	t.Run("bearer header", func(t *testing.T) {
		req := authedRequest(t, http.MethodGet, "/anything", "alice", nil)
		rec := httptest.NewRecorder()
		handler(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alice", seen)
	})

	t.Run("token query param", func(t *testing.T) {
		token, err := issueToken("bob")
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/anything?token="+token, nil)
		rec := httptest.NewRecorder()
		handler(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "bob", seen)
	})

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/anything", nil)
		rec := httptest.NewRecorder()
		handler(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/anything", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		rec := httptest.NewRecorder()
		handler(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
