package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/matchnow/backend/store"
)

var (
	// ErrPollClosed rejects votes after the 1-hour window.
	ErrPollClosed = errors.New("poll: voting window closed")

	// ErrInvalidOption rejects votes for an option index the poll does not
	// have.
	ErrInvalidOption = errors.New("poll: no such option")

	// ErrPollExists refuses to overwrite an already-created daily poll.
	ErrPollExists = errors.New("poll: already created for today")
)

// PollService resolves the poll of the day and records votes. The clock is
// injectable so tests can walk through the voting window.
type PollService struct {
	store store.Store
	now   func() time.Time
}

func NewPollService(st store.Store) *PollService {
	return &PollService{store: st, now: time.Now}
}

// todayPollID derives the poll document id from the local calendar date.
func todayPollID(now time.Time) string {
	return fmt.Sprintf("poll-%04d-%02d-%02d", now.Year(), int(now.Month()), now.Day())
}

// PollView is the resolved state of today's poll for one user.
type PollView struct {
	Available      bool          `json:"available"`
	PollID         string        `json:"poll_id,omitempty"`
	Question       string        `json:"question,omitempty"`
	Options        []string      `json:"options,omitempty"`
	Expired        bool          `json:"expired"`
	Voted          bool          `json:"voted"`
	SelectedOption int           `json:"selected_option"` // -1 when not voted
	Remaining      time.Duration `json:"-"`
	RemainingMS    int64         `json:"remaining_ms"`
}

// ResolveToday fetches today's poll and computes the caller's view of it.
// A missing poll is not an error; the view just reports unavailable.
func (s *PollService) ResolveToday(ctx context.Context, uid string) (PollView, error) {
	id := todayPollID(s.now())
	doc, err := s.store.Get(ctx, colPolls, id)
	if errors.Is(err, store.ErrNotFound) {
		return PollView{Available: false, SelectedOption: -1}, nil
	}
	if err != nil {
		return PollView{}, err
	}

	poll := decodeDailyPoll(id, doc)
	view := PollView{
		Available:      true,
		PollID:         id,
		Question:       poll.Question,
		Options:        poll.Options,
		SelectedOption: -1,
	}

	if idx, voted := poll.voteOf(uid); voted {
		view.Voted = true
		view.SelectedOption = idx
	}

	remaining := poll.remaining(s.now())
	if remaining <= 0 {
		// Expired polls stay readable; an existing vote is still shown.
		view.Expired = true
		return view, nil
	}
	view.Remaining = remaining
	view.RemainingMS = remaining.Milliseconds()
	return view, nil
}

// Vote-submission retry policy for conflicting concurrent writes.
const (
	voteAttempts = 3
	voteBackoff  = 25 * time.Millisecond
)

// SubmitVote atomically records uid's vote for the given option. The
// transaction reads the full responses mapping, removes uid from every
// option's voter set, then appends it to the target option, so the
// single-vote invariant holds even under concurrent submissions. Aborted
// transactions are retried with backoff before the conflict is surfaced.
func (s *PollService) SubmitVote(ctx context.Context, pollID, uid string, option int) error {
	var err error
	for attempt := 1; attempt <= voteAttempts; attempt++ {
		err = s.store.RunTransaction(ctx, func(tx store.Tx) error {
			doc, err := tx.Get(colPolls, pollID)
			if err != nil {
				return err
			}
			poll := decodeDailyPoll(pollID, doc)
			if option < 0 || option >= len(poll.Options) {
				return ErrInvalidOption
			}
			if poll.remaining(s.now()) <= 0 {
				return ErrPollClosed
			}

			updated := make(map[string][]string, len(poll.Options))
			for i := range poll.Options {
				key := strconv.Itoa(i)
				voters := poll.Responses[key]
				kept := make([]string, 0, len(voters))
				for _, v := range voters {
					if v != uid {
						kept = append(kept, v)
					}
				}
				updated[key] = kept
			}
			key := strconv.Itoa(option)
			updated[key] = append(updated[key], uid)

			return tx.Update(colPolls, pollID, store.SetField("responses", updated))
		})
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		log.Warn().Str("poll", pollID).Int("attempt", attempt).Msg("vote transaction conflicted, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * voteBackoff):
		}
	}
	return err
}

// CreateToday creates the poll document for the current date with an empty
// responses mapping. The id is derived, never chosen by the caller.
func (s *PollService) CreateToday(ctx context.Context, question string, options []string) (string, error) {
	id := todayPollID(s.now())
	poll := DailyPoll{
		ID:        id,
		Question:  question,
		Options:   options,
		CreatedAt: s.now(),
		Responses: make(map[string][]string, len(options)),
	}
	for i := range options {
		poll.Responses[strconv.Itoa(i)] = []string{}
	}

	err := s.store.RunTransaction(ctx, func(tx store.Tx) error {
		if _, err := tx.Get(colPolls, id); err == nil {
			return ErrPollExists
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.Set(colPolls, id, poll.encode())
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Countdown ticks down the remainder of a poll window at one-second
// granularity. Values on C decrease monotonically; a final zero is sent and
// the channel closed when the window ends. Stop cancels the ticker so a
// discarded countdown does not leak its goroutine.
type Countdown struct {
	C    <-chan time.Duration
	stop chan struct{}
	once sync.Once
}

func NewCountdown(remaining time.Duration) *Countdown {
	return newCountdown(remaining, time.Second)
}

func newCountdown(remaining time.Duration, tick time.Duration) *Countdown {
	ch := make(chan time.Duration, 1)
	cd := &Countdown{C: ch, stop: make(chan struct{})}
	deadline := time.Now().Add(remaining)

	// send never blocks: a stale buffered value is replaced so a slow
	// consumer always sees the freshest remainder.
	send := func(d time.Duration) {
		select {
		case ch <- d:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- d:
			default:
			}
		}
	}

	go func() {
		defer close(ch)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-cd.stop:
				return
			case <-ticker.C:
				left := time.Until(deadline)
				if left <= 0 {
					send(0)
					return
				}
				send(left)
			}
		}
	}()
	return cd
}

// Stop cancels the countdown. Safe to call more than once and after the
// countdown has finished on its own.
func (c *Countdown) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// --- HTTP handlers ---

// GET /poll/today
func pollTodayHandler(polls *PollService) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		view, err := polls.ResolveToday(r.Context(), callerID(r))
		if err != nil {
			log.Error().Err(err).Msg("resolving today's poll")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		writeJSON(w, http.StatusOK, view)
	})
}

// POST /poll/today/vote
func pollVoteHandler(polls *PollService) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		var req struct {
			Option *int `json:"option"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Option == nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}

		pollID := todayPollID(polls.now())
		err := polls.SubmitVote(r.Context(), pollID, callerID(r), *req.Option)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found")
		case errors.Is(err, ErrInvalidOption):
			writeError(w, http.StatusBadRequest, "invalid_option")
		case errors.Is(err, ErrPollClosed):
			writeError(w, http.StatusConflict, "poll_closed")
		case errors.Is(err, store.ErrConflict):
			writeError(w, http.StatusConflict, "conflict")
		case err != nil:
			log.Error().Err(err).Str("poll", pollID).Msg("submitting vote")
			writeError(w, http.StatusInternalServerError, "db_error")
		default:
			writeJSON(w, http.StatusOK, map[string]bool{"voted": true})
		}
	})
}

// POST /polls
// Creates today's poll and arms a countdown that tells connected clients
// when the voting window closes.
func createPollHandler(polls *PollService, hub *Hub) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		var req struct {
			Question string   `json:"question"`
			Options  []string `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}
		if req.Question == "" || len(req.Options) < 2 {
			writeError(w, http.StatusBadRequest, "invalid_poll")
			return
		}

		id, err := polls.CreateToday(r.Context(), req.Question, req.Options)
		if errors.Is(err, ErrPollExists) {
			writeError(w, http.StatusConflict, "poll_exists")
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("creating poll")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}

		if hub != nil {
			hub.armPollCountdown(id, pollWindow)
		}
		writeJSON(w, http.StatusCreated, map[string]string{"poll_id": id})
	})
}
