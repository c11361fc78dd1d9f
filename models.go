package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/matchnow/backend/store"
)

// Collection names in the document store.
const (
	colUsers    = "users"
	colPolls    = "polls"
	colChats    = "chats"
	colAccounts = "accounts"
)

// messagesCollection is the sub-collection of a chat holding its messages.
func messagesCollection(chatID string) string {
	return colChats + "/" + chatID + "/messages"
}

// The five love languages a profile may declare.
var loveLanguages = []string{
	"Words of Affirmation",
	"Acts of Service",
	"Receiving Gifts",
	"Quality Time",
	"Physical Touch",
}

func isLoveLanguage(s string) bool {
	for _, l := range loveLanguages {
		if l == s {
			return true
		}
	}
	return false
}

// UserProfile is the typed view of a users/{uid} document. Remote documents
// have a loose shape, so decoding fills defaults instead of failing; the
// HasCoords flag records whether the location fields were actually present
// because a zero coordinate is a valid place.
type UserProfile struct {
	UID               string   `json:"id"`
	Name              string   `json:"name"`
	Age               int      `json:"age"`
	Bio               string   `json:"bio"`
	LoveLanguage      string   `json:"loveLanguage"`
	Location          string   `json:"location"`
	Lat               float64  `json:"lat"`
	Lng               float64  `json:"lng"`
	HasCoords         bool     `json:"-"`
	SearchRadius      int      `json:"searchRadius"` // miles
	ProfilePictureURL string   `json:"profilePictureUrl"`
	Photos            []string `json:"photos"`
	Matches           []string `json:"matches"`
	ChatsWith         []string `json:"chatsWith"`
}

const defaultSearchRadius = 100

func decodeUserProfile(uid string, doc store.Doc) UserProfile {
	return UserProfile{
		UID:               uid,
		Name:              doc.String("name"),
		Age:               doc.Int("age", 0),
		Bio:               doc.String("bio"),
		LoveLanguage:      doc.String("loveLanguage"),
		Location:          doc.String("location"),
		Lat:               doc.Float64("lat", 0),
		Lng:               doc.Float64("lng", 0),
		HasCoords:         doc.Has("lat") && doc.Has("lng"),
		SearchRadius:      doc.Int("searchRadius", defaultSearchRadius),
		ProfilePictureURL: doc.String("profilePictureUrl"),
		Photos:            doc.Strings("photos"),
		Matches:           doc.Strings("matches"),
		ChatsWith:         doc.Strings("chatsWith"),
	}
}

func (p UserProfile) encode() store.Doc {
	photos := p.Photos
	if photos == nil {
		photos = []string{}
	}
	matches := p.Matches
	if matches == nil {
		matches = []string{}
	}
	chatsWith := p.ChatsWith
	if chatsWith == nil {
		chatsWith = []string{}
	}
	doc := store.Doc{
		"name":              p.Name,
		"age":               p.Age,
		"bio":               p.Bio,
		"loveLanguage":      p.LoveLanguage,
		"location":          p.Location,
		"searchRadius":      p.SearchRadius,
		"profilePictureUrl": p.ProfilePictureURL,
		"photos":            photos,
		"matches":           matches,
		"chatsWith":         chatsWith,
	}
	// A zero coordinate is a real place, so presence is tracked separately
	// and absent coordinates stay absent in the document.
	if p.HasCoords {
		doc["lat"] = p.Lat
		doc["lng"] = p.Lng
	}
	return doc
}

// hasMatchFields reports whether the profile carries everything the match
// filter needs. Candidates missing any of these are skipped, not errors.
func (p UserProfile) hasMatchFields() bool {
	return p.Name != "" && p.Age > 0 && p.ProfilePictureURL != "" && p.HasCoords
}

// isComplete is the bar the edit screen prompts toward: the match fields
// plus at least three photos counting the profile picture. Matching only
// requires hasMatchFields; a thin photo roll never hides a match.
func (p UserProfile) isComplete() bool {
	photos := len(p.Photos)
	if p.ProfilePictureURL != "" {
		photos++
	}
	return p.hasMatchFields() && photos >= 3
}

func (p UserProfile) likes(uid string) bool {
	for _, m := range p.Matches {
		if m == uid {
			return true
		}
	}
	return false
}

// validateProfile checks the save preconditions and returns one reason per
// violated rule. An empty slice means the profile may be written.
func validateProfile(p UserProfile) []string {
	var reasons []string
	if strings.TrimSpace(p.Name) == "" {
		reasons = append(reasons, "name is required")
	}
	if p.Age < 18 {
		reasons = append(reasons, "age must be at least 18")
	}
	if p.SearchRadius < 1 {
		reasons = append(reasons, "search radius must be a positive number")
	}
	if p.LoveLanguage != "" && !isLoveLanguage(p.LoveLanguage) {
		reasons = append(reasons, "unknown love language")
	}
	if (p.Location != "") != p.HasCoords {
		reasons = append(reasons, "location label and coordinates must be set together")
	}
	if len(p.Photos) > 3 {
		reasons = append(reasons, "at most 3 extra photos")
	}
	return reasons
}

// pollWindow is how long a daily poll accepts votes after creation.
const pollWindow = time.Hour

// DailyPoll is the typed view of a polls/{poll-YYYY-MM-DD} document. The
// responses mapping goes from option index (string key) to voter uids.
type DailyPoll struct {
	ID        string
	Question  string
	Options   []string
	CreatedAt time.Time
	Responses map[string][]string
}

func decodeDailyPoll(id string, doc store.Doc) DailyPoll {
	return DailyPoll{
		ID:        id,
		Question:  doc.String("question"),
		Options:   doc.Strings("options"),
		CreatedAt: doc.Time("createdAt"),
		Responses: doc.StringMap("responses"),
	}
}

func (p DailyPoll) encode() store.Doc {
	responses := p.Responses
	if responses == nil {
		responses = map[string][]string{}
	}
	return store.Doc{
		"question":  p.Question,
		"options":   p.Options,
		"createdAt": store.FormatTime(p.CreatedAt),
		"responses": responses,
	}
}

// voteOf scans every option's voter set for uid. The single-vote invariant
// means at most one option can contain it.
func (p DailyPoll) voteOf(uid string) (int, bool) {
	for key, voters := range p.Responses {
		for _, v := range voters {
			if v == uid {
				var idx int
				if _, err := fmt.Sscanf(key, "%d", &idx); err == nil {
					return idx, true
				}
			}
		}
	}
	return 0, false
}

// remaining is the time left in the voting window at now; zero or negative
// means the poll is expired.
func (p DailyPoll) remaining(now time.Time) time.Duration {
	return pollWindow - now.Sub(p.CreatedAt)
}

// chatID derives the deterministic, commutative chat document id for a pair
// of users: uids sorted descending, joined with a dash.
func chatID(a, b string) string {
	ids := []string{a, b}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return strings.Join(ids, "-")
}

// Chat is the typed view of a chats/{id} document.
type Chat struct {
	ID          string    `json:"id"`
	Users       []string  `json:"users"`
	LastMessage string    `json:"last_message"`
	LastUpdated time.Time `json:"last_updated"`
}

func decodeChat(id string, doc store.Doc) Chat {
	return Chat{
		ID:          id,
		Users:       doc.Strings("users"),
		LastMessage: doc.String("lastMessage"),
		LastUpdated: doc.Time("lastUpdated"),
	}
}

// peerOf returns the other participant, or "" when uid is not part of the
// chat.
func (c Chat) peerOf(uid string) string {
	for _, u := range c.Users {
		if u != uid {
			return u
		}
	}
	return ""
}

func (c Chat) hasUser(uid string) bool {
	for _, u := range c.Users {
		if u == uid {
			return true
		}
	}
	return false
}

// initMessageID is the synthetic first message marking chat creation. It is
// rendered specially by clients and excluded from normal display logic.
const initMessageID = "init"

// Message is one entry of a chat's messages sub-collection.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func decodeMessage(id string, doc store.Doc) Message {
	return Message{
		ID:        id,
		From:      doc.String("from"),
		To:        doc.String("to"),
		Body:      doc.String("message"),
		Timestamp: doc.Time("timestamp"),
	}
}

func (m Message) encode() store.Doc {
	return store.Doc{
		"from":      m.From,
		"to":        m.To,
		"message":   m.Body,
		"timestamp": store.FormatTime(m.Timestamp),
	}
}
