package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/matchnow/backend/store"
)

// profileView is what /me/profile returns: the profile plus the
// completeness flag edit screens use to prompt for missing photos.
type profileView struct {
	UserProfile
	Complete bool `json:"complete"`
}

// profileUpdate is the PUT /me/profile request body. Coordinates are
// pointers because absent and zero mean different things.
type profileUpdate struct {
	Name         string   `json:"name"`
	Age          int      `json:"age"`
	Bio          string   `json:"bio"`
	LoveLanguage string   `json:"loveLanguage"`
	Location     string   `json:"location"`
	Lat          *float64 `json:"lat"`
	Lng          *float64 `json:"lng"`
	SearchRadius int      `json:"searchRadius"`
	Photos       []string `json:"photos"`
}

// GET and PUT /me/profile
func myProfileHandler(st store.Store, geo ReverseGeocoder) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		uid := callerID(r)
		switch r.Method {
		case http.MethodGet:
			doc, err := st.Get(r.Context(), colUsers, uid)
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found")
				return
			}
			if err != nil {
				log.Error().Err(err).Str("uid", uid).Msg("loading profile")
				writeError(w, http.StatusInternalServerError, "db_error")
				return
			}
			p := decodeUserProfile(uid, doc)
			writeJSON(w, http.StatusOK, profileView{UserProfile: p, Complete: p.isComplete()})

		case http.MethodPut:
			var req profileUpdate
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_json")
				return
			}

			p := UserProfile{
				UID:          uid,
				Name:         req.Name,
				Age:          req.Age,
				Bio:          req.Bio,
				LoveLanguage: req.LoveLanguage,
				Location:     req.Location,
				SearchRadius: req.SearchRadius,
				Photos:       req.Photos,
			}
			if p.SearchRadius == 0 {
				p.SearchRadius = defaultSearchRadius
			}
			if req.Lat != nil && req.Lng != nil {
				p.Lat, p.Lng, p.HasCoords = *req.Lat, *req.Lng, true
			}

			// Coordinates without a label get one from the geocoder so
			// clients do not have to run reverse lookups themselves.
			if p.HasCoords && p.Location == "" && geo != nil {
				label, err := geo.Reverse(r.Context(), p.Lat, p.Lng)
				if err != nil {
					log.Warn().Err(err).Str("uid", uid).Msg("labelling coordinates")
				} else {
					p.Location = label
				}
			}

			if reasons := validateProfile(p); len(reasons) > 0 {
				writeValidationError(w, reasons)
				return
			}

			// Matches, chats and the profile picture are owned by other
			// flows; a profile save must not clobber them.
			err := st.RunTransaction(r.Context(), func(tx store.Tx) error {
				existing, err := tx.Get(colUsers, uid)
				if err != nil {
					return err
				}
				prev := decodeUserProfile(uid, existing)
				p.Matches = prev.Matches
				p.ChatsWith = prev.ChatsWith
				p.ProfilePictureURL = prev.ProfilePictureURL
				return tx.Set(colUsers, uid, p.encode())
			})
			switch {
			case errors.Is(err, store.ErrNotFound):
				writeError(w, http.StatusNotFound, "not_found")
			case err != nil:
				log.Error().Err(err).Str("uid", uid).Msg("saving profile")
				writeError(w, http.StatusInternalServerError, "db_error")
			default:
				writeJSON(w, http.StatusOK, profileView{UserProfile: p, Complete: p.isComplete()})
			}

		default:
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
		}
	})
}

// photoSlots are the allowed upload targets: the profile picture plus three
// extra photos. Keys are deterministic so re-uploading a slot replaces it.
var photoSlots = map[string]bool{"profile": true, "0": true, "1": true, "2": true}

const maxPhotoBytes = 5 << 20

// POST /me/photos (multipart: "photo" file, "slot" field)
func photoUploadHandler(st store.Store, uploader Uploader) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		if uploader == nil {
			writeError(w, http.StatusServiceUnavailable, "uploads_disabled")
			return
		}
		uid := callerID(r)

		if err := r.ParseMultipartForm(maxPhotoBytes); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_upload")
			return
		}
		slot := r.FormValue("slot")
		if !photoSlots[slot] {
			writeError(w, http.StatusBadRequest, "invalid_slot")
			return
		}
		file, header, err := r.FormFile("photo")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing_photo")
			return
		}
		defer file.Close()

		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "image/jpeg"
		}
		if !strings.HasPrefix(contentType, "image/") {
			writeError(w, http.StatusBadRequest, "not_an_image")
			return
		}

		key := fmt.Sprintf("users/%s/%s.jpg", uid, slot)
		url, err := uploader.Put(r.Context(), key, contentType, file)
		if err != nil {
			log.Error().Err(err).Str("uid", uid).Str("slot", slot).Msg("uploading photo")
			writeError(w, http.StatusBadGateway, "upload_failed")
			return
		}

		var op store.Op
		if slot == "profile" {
			op = store.SetField("profilePictureUrl", url)
		} else {
			op = store.ArrayUnion("photos", url)
		}
		if err := st.Update(r.Context(), colUsers, uid, op); err != nil {
			log.Error().Err(err).Str("uid", uid).Msg("recording photo url")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	})
}

// UserSummary is the public card other users see.
type UserSummary struct {
	UID               string `json:"id"`
	Name              string `json:"name"`
	ProfilePictureURL string `json:"profilePictureUrl"`
	Online            bool   `json:"online"`
}

// PublicProfile is a full profile with the private arrays stripped.
type PublicProfile struct {
	UID               string   `json:"id"`
	Name              string   `json:"name"`
	Age               int      `json:"age"`
	Bio               string   `json:"bio"`
	LoveLanguage      string   `json:"loveLanguage"`
	Location          string   `json:"location"`
	ProfilePictureURL string   `json:"profilePictureUrl"`
	Photos            []string `json:"photos"`
}

// usersDispatcher routes /users/{id} and /users/{id}/profile.
func usersDispatcher(st store.Store, presence Presence) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		// parts[0] == "users"
		if len(parts) < 2 || parts[1] == "" {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		uid := parts[1]

		profile, err := profileLoaderFrom(r.Context(), st).Load(r.Context(), uid)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		if err != nil {
			log.Error().Err(err).Str("uid", uid).Msg("loading user")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}

		switch {
		case len(parts) == 2:
			online := false
			if presence != nil {
				if on, err := presence.IsOnline(r.Context(), uid); err == nil {
					online = on
				}
			}
			writeJSON(w, http.StatusOK, UserSummary{
				UID:               profile.UID,
				Name:              profile.Name,
				ProfilePictureURL: profile.ProfilePictureURL,
				Online:            online,
			})
		case len(parts) == 3 && parts[2] == "profile":
			photos := profile.Photos
			if photos == nil {
				photos = []string{}
			}
			writeJSON(w, http.StatusOK, PublicProfile{
				UID:               profile.UID,
				Name:              profile.Name,
				Age:               profile.Age,
				Bio:               profile.Bio,
				LoveLanguage:      profile.LoveLanguage,
				Location:          profile.Location,
				ProfilePictureURL: profile.ProfilePictureURL,
				Photos:            photos,
			})
		default:
			writeError(w, http.StatusNotFound, "not_found")
		}
	})
}
