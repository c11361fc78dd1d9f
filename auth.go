package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/matchnow/backend/store"
)

// UserIDKey is the key type for storing the caller's uid in context
type UserIDKey string

const userIDKey UserIDKey = "userID"

// jwtSecret is set from config in main; tests override it.
var jwtSecret = []byte("dev_secret_change_in_production")

func issueToken(uid string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": uid,
		"exp":     jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
	})
	return token.SignedString(jwtSecret)
}

func registerHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}

		type RegisterRequest struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}

		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}

		req.Email = strings.ToLower(strings.TrimSpace(req.Email))
		req.Password = strings.TrimSpace(req.Password)
		if req.Email == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "missing_fields")
			return
		}

		hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "hash_error")
			log.Error().Err(err).Msg("hashing password")
			return
		}

		uid := uuid.NewString()

		// The account keyed by email and the empty profile shell are
		// created together so a half-registered user never exists.
		err = st.RunTransaction(r.Context(), func(tx store.Tx) error {
			if _, err := tx.Get(colAccounts, req.Email); err == nil {
				return errEmailTaken
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err := tx.Set(colAccounts, req.Email, store.Doc{
				"uid":          uid,
				"passwordHash": string(hashedPassword),
				"createdAt":    store.FormatTime(time.Now()),
			}); err != nil {
				return err
			}
			return tx.Set(colUsers, uid, store.Doc{
				"matches":   []string{},
				"chatsWith": []string{},
				"photos":    []string{},
			})
		})
		if errors.Is(err, errEmailTaken) {
			writeError(w, http.StatusConflict, "email_exists")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "register_error")
			log.Error().Err(err).Str("email", req.Email).Msg("saving account")
			return
		}

		tokenString, err := issueToken(uid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "token_generation_error")
			log.Error().Err(err).Msg("generating token for new user")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{"token": tokenString, "id": uid})
	}
}

var errEmailTaken = errors.New("email already registered")

func loginHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}

		type LoginRequest struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}

		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}

		req.Email = strings.ToLower(strings.TrimSpace(req.Email))
		req.Password = strings.TrimSpace(req.Password)
		if req.Email == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "missing_fields")
			return
		}

		account, err := st.Get(r.Context(), colAccounts, req.Email)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		} else if err != nil {
			log.Error().Err(err).Msg("querying account")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(account.String("passwordHash")), []byte(req.Password)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}

		uid := account.String("uid")
		tokenString, err := issueToken(uid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "token_generation_error")
			log.Error().Err(err).Msg("generating token")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"token": tokenString, "id": uid})
	}
}

// authenticate wraps a handler with bearer-token auth and places the
// caller's uid in the request context.
func authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := getUserIDFromRequest(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, uid)))
	}
}

// getUserIDFromRequest accepts the Authorization header or, for WebSocket
// clients that cannot set headers, a token query parameter.
func getUserIDFromRequest(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return parseUserIDFromJWT(strings.TrimPrefix(authHeader, "Bearer "))
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return parseUserIDFromJWT(token)
	}
	return "", false
}

func parseUserIDFromJWT(tokenStr string) (string, bool) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	uid, ok := claims["user_id"].(string)
	if !ok || uid == "" {
		return "", false
	}
	return uid, true
}

// callerID returns the uid the authenticate middleware stored.
func callerID(r *http.Request) string {
	uid, _ := r.Context().Value(userIDKey).(string)
	return uid
}
