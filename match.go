package main

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/matchnow/backend/store"
)

// MatchService classifies today's poll cohort into confirmed and potential
// matches for a requesting user and records likes.
type MatchService struct {
	store store.Store
	now   func() time.Time
}

func NewMatchService(st store.Store) *MatchService {
	return &MatchService{store: st, now: time.Now}
}

// MatchEntry is one candidate in a match list.
type MatchEntry struct {
	UID               string  `json:"id"`
	Name              string  `json:"name"`
	Age               int     `json:"age"`
	ProfilePictureURL string  `json:"profile_picture_url"`
	Distance          float64 `json:"distance_miles"`
}

// MatchLists holds the two disjoint result lists of the eligibility filter.
type MatchLists struct {
	Confirmed []MatchEntry `json:"confirmed"`
	Potential []MatchEntry `json:"potential"`
}

// classifyCandidates runs the eligibility rules over a cohort snapshot.
// Candidates missing a required match field are skipped. A mutual like is
// confirmed regardless of distance; a one-way like from the requester is
// potential only when the distance fits inside both search radii. A
// candidate the requester never liked produces no entry at all.
//
// Both lists come back sorted by distance (uid as tiebreak) so the same
// snapshot always yields the same order.
func classifyCandidates(self UserProfile, candidates []UserProfile) MatchLists {
	lists := MatchLists{Confirmed: []MatchEntry{}, Potential: []MatchEntry{}}

	for _, c := range candidates {
		if c.UID == self.UID || !c.hasMatchFields() {
			continue
		}

		distance := distanceMiles(self.Lat, self.Lng, c.Lat, c.Lng)
		entry := MatchEntry{
			UID:               c.UID,
			Name:              c.Name,
			Age:               c.Age,
			ProfilePictureURL: c.ProfilePictureURL,
			Distance:          distance,
		}

		mutual := self.likes(c.UID) && c.likes(self.UID)
		withinBoth := distance <= float64(self.SearchRadius) && distance <= float64(c.SearchRadius)

		switch {
		case mutual:
			lists.Confirmed = append(lists.Confirmed, entry)
		case self.likes(c.UID) && withinBoth:
			lists.Potential = append(lists.Potential, entry)
		}
	}

	sortEntries(lists.Confirmed)
	sortEntries(lists.Potential)
	return lists
}

func sortEntries(entries []MatchEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Distance != entries[j].Distance {
			return entries[i].Distance < entries[j].Distance
		}
		return entries[i].UID < entries[j].UID
	})
}

// BuildMatches runs the whole discovery sequence: fetch the requester,
// resolve today's poll and the requester's option, then load that option's
// cohort and classify it. A requester who has not voted (or a day with no
// poll) yields empty lists, never an error.
func (s *MatchService) BuildMatches(ctx context.Context, uid string) (MatchLists, error) {
	empty := MatchLists{Confirmed: []MatchEntry{}, Potential: []MatchEntry{}}

	selfDoc, err := s.store.Get(ctx, colUsers, uid)
	if err != nil {
		return empty, err
	}
	self := decodeUserProfile(uid, selfDoc)
	if !self.hasMatchFields() {
		// Without the required fields (coordinates above all) there is
		// no distance to measure against anyone.
		return empty, nil
	}

	pollID := todayPollID(s.now())
	pollDoc, err := s.store.Get(ctx, colPolls, pollID)
	if errors.Is(err, store.ErrNotFound) {
		return empty, nil
	}
	if err != nil {
		return empty, err
	}
	poll := decodeDailyPoll(pollID, pollDoc)

	option, voted := poll.voteOf(uid)
	if !voted {
		return empty, nil
	}

	cohort := make([]string, 0)
	for _, member := range poll.Responses[strconv.Itoa(option)] {
		if member != uid {
			cohort = append(cohort, member)
		}
	}
	if len(cohort) == 0 {
		return empty, nil
	}

	candidates, err := profileLoaderFrom(ctx, s.store).LoadExisting(ctx, cohort)
	if err != nil {
		return empty, err
	}
	return classifyCandidates(self, candidates), nil
}

// PerformMatch records a like from uid toward target. When the target has
// already liked back, both matches fields are updated in one atomic batch
// so a mutual match never half-exists. Returns "mutual" or "pending".
func (s *MatchService) PerformMatch(ctx context.Context, uid, target string) (string, error) {
	targetDoc, err := s.store.Get(ctx, colUsers, target)
	if err != nil {
		return "", err
	}
	theirs := decodeUserProfile(target, targetDoc)

	if theirs.likes(uid) {
		err := s.store.ApplyBatch(ctx, []store.BatchOp{
			{Collection: colUsers, ID: uid, Ops: []store.Op{store.ArrayUnion("matches", target)}},
			{Collection: colUsers, ID: target, Ops: []store.Op{store.ArrayUnion("matches", uid)}},
		})
		if err != nil {
			return "", err
		}
		return "mutual", nil
	}

	if err := s.store.Update(ctx, colUsers, uid, store.ArrayUnion("matches", target)); err != nil {
		return "", err
	}
	return "pending", nil
}

// --- HTTP handlers ---

// GET /matches
func matchesHandler(matches *MatchService) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		lists, err := matches.BuildMatches(r.Context(), callerID(r))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("building match lists")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		writeJSON(w, http.StatusOK, lists)
	})
}

// POST /matches/{id}/like
func likeHandler(matches *MatchService) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		// Expect: /matches/{id}/like
		if len(parts) != 3 || parts[0] != "matches" || parts[2] != "like" {
			http.NotFound(w, r)
			return
		}
		target := parts[1]
		me := callerID(r)
		if target == me {
			writeError(w, http.StatusBadRequest, "invalid_target")
			return
		}

		state, err := matches.PerformMatch(r.Context(), me, target)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		if err != nil {
			log.Error().Err(err).Str("target", target).Msg("recording like")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": state})
	})
}
