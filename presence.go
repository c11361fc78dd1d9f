package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/rs/zerolog/log"
)

// presenceTTL is how long a ping keeps a user "online". Clients ping every
// 30s, so a missed ping or two does not flip them offline.
const presenceTTL = 90 * time.Second

// Presence answers whether a user has pinged recently.
type Presence interface {
	Ping(ctx context.Context, uid string) error
	IsOnline(ctx context.Context, uid string) (bool, error)
}

// RedisPresence keeps one volatile key per online user and lets Redis expiry
// do the offline transition.
type RedisPresence struct {
	client *redis.Client
}

func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client}
}

func presenceKey(uid string) string {
	return "presence:" + uid
}

func (p *RedisPresence) Ping(_ context.Context, uid string) error {
	return p.client.Set(presenceKey(uid), "1", presenceTTL).Err()
}

func (p *RedisPresence) IsOnline(_ context.Context, uid string) (bool, error) {
	n, err := p.client.Exists(presenceKey(uid)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// memoryPresence is the in-process fake used by tests and by deployments
// without Redis configured.
type memoryPresence struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func newMemoryPresence() *memoryPresence {
	return &memoryPresence{seen: make(map[string]time.Time), now: time.Now}
}

func (p *memoryPresence) Ping(_ context.Context, uid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[uid] = p.now()
	return nil
}

func (p *memoryPresence) IsOnline(_ context.Context, uid string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.seen[uid]
	if !ok {
		return false, nil
	}
	return p.now().Sub(at) < presenceTTL, nil
}

// POST /me/ping
func pingHandler(presence Presence) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		if err := presence.Ping(r.Context(), callerID(r)); err != nil {
			log.Error().Err(err).Msg("recording presence ping")
			writeError(w, http.StatusInternalServerError, "presence_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
}
