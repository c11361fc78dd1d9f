package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/matchnow/backend/store"
)

// ErrNotMatched is returned when a user tries to open a chat with someone
// they have not matched with.
var ErrNotMatched = errors.New("users are not matched")

// ChatService owns chat documents and their message sub-collections.
type ChatService struct {
	store store.Store
	now   func() time.Time
}

func NewChatService(st store.Store) *ChatService {
	return &ChatService{store: st, now: time.Now}
}

// StartOrOpen returns the chat between uid and peer, creating it if needed.
// Creation writes the chat document, a synthetic init message and both
// users' chatsWith arrays in one atomic batch, so a crash cannot leave a
// chat half-created. The bool reports whether the chat was created by this
// call.
func (s *ChatService) StartOrOpen(ctx context.Context, uid, peer string) (Chat, bool, error) {
	if peer == "" || peer == uid {
		return Chat{}, false, ErrNotMatched
	}

	selfDoc, err := s.store.Get(ctx, colUsers, uid)
	if err != nil {
		return Chat{}, false, err
	}
	self := decodeUserProfile(uid, selfDoc)
	matched := false
	for _, m := range self.Matches {
		if m == peer {
			matched = true
			break
		}
	}
	if !matched {
		return Chat{}, false, ErrNotMatched
	}

	id := chatID(uid, peer)
	if doc, err := s.store.Get(ctx, colChats, id); err == nil {
		return decodeChat(id, doc), false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Chat{}, false, err
	}

	now := s.now()
	chat := Chat{ID: id, Users: []string{uid, peer}, LastUpdated: now}
	initMsg := Message{ID: initMessageID, From: uid, To: peer, Timestamp: now}

	err = s.store.ApplyBatch(ctx, []store.BatchOp{
		{Collection: colChats, ID: id, Doc: store.Doc{
			"users":       []any{uid, peer},
			"lastMessage": "",
			"lastUpdated": store.FormatTime(now),
		}},
		{Collection: messagesCollection(id), ID: initMessageID, Doc: initMsg.encode()},
		{Collection: colUsers, ID: uid, Ops: []store.Op{store.ArrayUnion("chatsWith", peer)}},
		{Collection: colUsers, ID: peer, Ops: []store.Op{store.ArrayUnion("chatsWith", uid)}},
	})
	if err != nil {
		// A concurrent open from the other side may have won; re-read.
		if errors.Is(err, store.ErrConflict) {
			if doc, gerr := s.store.Get(ctx, colChats, id); gerr == nil {
				return decodeChat(id, doc), false, nil
			}
		}
		return Chat{}, false, err
	}
	return chat, true, nil
}

// Send persists a message and bumps the chat's preview fields. The chat must
// already exist; messages never implicitly open one.
func (s *ChatService) Send(ctx context.Context, from, to, body string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, errors.New("empty message body")
	}

	id := chatID(from, to)
	chatDoc, err := s.store.Get(ctx, colChats, id)
	if err != nil {
		return Message{}, err
	}
	if !decodeChat(id, chatDoc).hasUser(from) {
		return Message{}, store.ErrNotFound
	}

	msg := Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Body:      body,
		Timestamp: s.now(),
	}
	err = s.store.ApplyBatch(ctx, []store.BatchOp{
		{Collection: messagesCollection(id), ID: msg.ID, Doc: msg.encode()},
		{Collection: colChats, ID: id, Ops: []store.Op{
			store.SetField("lastMessage", body),
			store.SetField("lastUpdated", store.FormatTime(msg.Timestamp)),
		}},
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// History returns a chat's messages in chronological order, init message
// first. Non-participants get ErrNotFound rather than a hint that the chat
// exists.
func (s *ChatService) History(ctx context.Context, uid, id string) ([]Message, error) {
	chatDoc, err := s.store.Get(ctx, colChats, id)
	if err != nil {
		return nil, err
	}
	if !decodeChat(id, chatDoc).hasUser(uid) {
		return nil, store.ErrNotFound
	}

	entries, err := s.store.List(ctx, messagesCollection(id))
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, decodeMessage(e.ID, e.Data))
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].ID == initMessageID {
			return true
		}
		if msgs[j].ID == initMessageID {
			return false
		}
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

// ChatSummary is one row of the chat overview screen.
type ChatSummary struct {
	ChatID         string    `json:"chat_id"`
	PeerUID        string    `json:"peer_uid"`
	PeerName       string    `json:"peer_name"`
	PeerPictureURL string    `json:"peer_picture_url"`
	PeerOnline     bool      `json:"peer_online"`
	LastMessage    string    `json:"last_message"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Summaries lists the caller's chats, newest activity first. Peer profiles
// load through the request-scoped dataloader so n chats cost one batched
// read.
func (s *ChatService) Summaries(ctx context.Context, uid string, presence Presence) ([]ChatSummary, error) {
	selfDoc, err := s.store.Get(ctx, colUsers, uid)
	if err != nil {
		return nil, err
	}
	self := decodeUserProfile(uid, selfDoc)
	if len(self.ChatsWith) == 0 {
		return []ChatSummary{}, nil
	}

	loader := profileLoaderFrom(ctx, s.store)
	peers, err := loader.LoadExisting(ctx, self.ChatsWith)
	if err != nil {
		return nil, err
	}
	byUID := make(map[string]UserProfile, len(peers))
	for _, p := range peers {
		byUID[p.UID] = p
	}

	out := make([]ChatSummary, 0, len(self.ChatsWith))
	for _, peer := range self.ChatsWith {
		id := chatID(uid, peer)
		chatDoc, err := s.store.Get(ctx, colChats, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		chat := decodeChat(id, chatDoc)

		sum := ChatSummary{
			ChatID:      id,
			PeerUID:     peer,
			LastMessage: chat.LastMessage,
			LastUpdated: chat.LastUpdated,
		}
		if p, ok := byUID[peer]; ok {
			sum.PeerName = p.Name
			sum.PeerPictureURL = p.ProfilePictureURL
		}
		if presence != nil {
			online, err := presence.IsOnline(ctx, peer)
			if err != nil {
				log.Warn().Err(err).Str("uid", peer).Msg("presence lookup failed")
			} else {
				sum.PeerOnline = online
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		return out[i].ChatID < out[j].ChatID
	})
	return out, nil
}

// --- WebSocket hub ---

// ChatFrame is a client-sent WebSocket frame.
type ChatFrame struct {
	Type string `json:"type"` // "message" | "typing"
	To   string `json:"to,omitempty"`
	Body string `json:"body,omitempty"`
}

// ServerEvent is a server-sent WebSocket frame.
type ServerEvent struct {
	Type string `json:"type"` // "message" | "typing" | "info" | "error" | "poll_countdown" | "poll_closed"
	From string `json:"from,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Client is one WebSocket connection. A user may hold several at once.
type Client struct {
	userID string
	conn   *websocket.Conn
	send   chan ServerEvent
	chats  *ChatService
}

// Hub tracks connected clients and fans events out to them. It also owns the
// countdown for the active poll so every connected client hears when the
// voting window closes.
type Hub struct {
	clientsByUser map[string]map[*Client]bool
	mu            sync.RWMutex

	pollMu sync.Mutex
	pollCd *Countdown
}

func newHub() *Hub {
	return &Hub{clientsByUser: make(map[string]map[*Client]bool)}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clientsByUser[c.userID] == nil {
		h.clientsByUser[c.userID] = make(map[*Client]bool)
	}
	h.clientsByUser[c.userID][c] = true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if peers, ok := h.clientsByUser[c.userID]; ok {
		delete(peers, c)
		if len(peers) == 0 {
			delete(h.clientsByUser, c.userID)
		}
	}
}

func (h *Hub) sendToUser(userID string, evt ServerEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if peers, ok := h.clientsByUser[userID]; ok {
		for c := range peers {
			select {
			case c.send <- evt:
			default:
				// Drop event if the client's buffer is full
			}
		}
	}
}

func (h *Hub) broadcast(evt ServerEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, peers := range h.clientsByUser {
		for c := range peers {
			select {
			case c.send <- evt:
			default:
			}
		}
	}
}

// armPollCountdown starts ticking down the voting window of a newly created
// poll, replacing any countdown still running for a previous poll. Clients
// receive the remaining seconds once per second and a final poll_closed
// event when the window ends.
func (h *Hub) armPollCountdown(pollID string, window time.Duration) {
	h.pollMu.Lock()
	if h.pollCd != nil {
		h.pollCd.Stop()
	}
	cd := NewCountdown(window)
	h.pollCd = cd
	h.pollMu.Unlock()

	go func() {
		for left := range cd.C {
			if left <= 0 {
				h.broadcast(ServerEvent{Type: "poll_closed", Data: pollID})
				return
			}
			h.broadcast(ServerEvent{
				Type: "poll_countdown",
				Data: map[string]any{"poll_id": pollID, "remaining_s": int(left.Seconds())},
			})
		}
	}()
}

// Stop cancels the hub's poll countdown, if any. Called on shutdown.
func (h *Hub) Stop() {
	h.pollMu.Lock()
	defer h.pollMu.Unlock()
	if h.pollCd != nil {
		h.pollCd.Stop()
		h.pollCd = nil
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// For development: allow the Vite dev origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsChatHandler(chats *ChatService, hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Browsers cannot set headers on WS requests, so the token may
		// arrive as a query param; getUserIDFromRequest handles both.
		userID, ok := getUserIDFromRequest(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("uid", userID).Msg("ws upgrade failed")
			return
		}

		client := &Client{
			userID: userID,
			conn:   conn,
			send:   make(chan ServerEvent, 16),
			chats:  chats,
		}
		hub.register(client)

		client.send <- ServerEvent{Type: "info", Data: "connected"}

		go clientWriter(client)
		clientReader(client, hub)
	}
}

func clientReader(c *Client, hub *Hub) {
	defer func() {
		hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame ChatFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.send <- ServerEvent{Type: "error", Data: "invalid message format"}
			continue
		}

		switch frame.Type {
		case "message":
			msg, err := c.chats.Send(context.Background(), c.userID, frame.To, frame.Body)
			if err != nil {
				c.send <- ServerEvent{Type: "error", Data: "cannot send message"}
				continue
			}

			out := ServerEvent{Type: "message", From: c.userID, Data: msg}
			hub.sendToUser(frame.To, out)
			hub.sendToUser(c.userID, out) // echo so the sender UI updates instantly

		case "typing":
			hub.sendToUser(frame.To, ServerEvent{Type: "typing", From: c.userID})

		default:
			c.send <- ServerEvent{Type: "error", Data: "unknown message type"}
		}
	}
}

func clientWriter(c *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			// ping to keep the connection alive
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// --- HTTP handlers ---

// chatsDispatcher routes /chats/open, /chats/summary and
// /chats/{chatID}/messages.
func chatsDispatcher(chats *ChatService, presence Presence) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		// parts[0] == "chats"
		switch {
		case len(parts) == 2 && parts[1] == "open":
			openChat(chats, w, r)
		case len(parts) == 2 && parts[1] == "summary":
			chatSummaries(chats, presence, w, r)
		case len(parts) == 3 && parts[2] == "messages":
			chatHistory(chats, parts[1], w, r)
		default:
			writeError(w, http.StatusNotFound, "not_found")
		}
	})
}

// POST /chats/open?peer={uid}
func openChat(chats *ChatService, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_method")
		return
	}
	peer := r.URL.Query().Get("peer")
	if peer == "" {
		writeError(w, http.StatusBadRequest, "missing_peer")
		return
	}

	chat, created, err := chats.StartOrOpen(r.Context(), callerID(r), peer)
	switch {
	case errors.Is(err, ErrNotMatched):
		writeError(w, http.StatusForbidden, "not_matched")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case err != nil:
		log.Error().Err(err).Msg("opening chat")
		writeError(w, http.StatusInternalServerError, "db_error")
	default:
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, chat)
	}
}

// GET /chats/summary
func chatSummaries(chats *ChatService, presence Presence, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_method")
		return
	}
	out, err := chats.Summaries(r.Context(), callerID(r), presence)
	if err != nil {
		log.Error().Err(err).Msg("listing chat summaries")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /chats/{chatID}/messages
func chatHistory(chats *ChatService, id string, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_method")
		return
	}
	msgs, err := chats.History(r.Context(), callerID(r), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case err != nil:
		log.Error().Err(err).Str("chat", id).Msg("loading chat history")
		writeError(w, http.StatusInternalServerError, "db_error")
	default:
		writeJSON(w, http.StatusOK, msgs)
	}
}
