package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// ReverseGeocoder turns coordinates into a short human label like
// "Austin, Texas". Profiles store the label alongside the raw coordinates
// so match screens never need a live geocoder.
type ReverseGeocoder interface {
	Reverse(ctx context.Context, lat, lng float64) (string, error)
}

// HTTPGeocoder calls a Nominatim-compatible reverse endpoint.
type HTTPGeocoder struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGeocoder(baseURL string) *HTTPGeocoder {
	return &HTTPGeocoder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// nominatimResponse is the subset of the reverse payload we read.
type nominatimResponse struct {
	Address struct {
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		County  string `json:"county"`
		State   string `json:"state"`
		Country string `json:"country"`
	} `json:"address"`
}

func (g *HTTPGeocoder) Reverse(ctx context.Context, lat, lng float64) (string, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "matchnow-backend")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("reverse geocode request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reverse geocode returned status %d", resp.StatusCode)
	}

	var body nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("reverse geocode decode failed: %w", err)
	}

	locality := body.Address.City
	if locality == "" {
		locality = body.Address.Town
	}
	if locality == "" {
		locality = body.Address.Village
	}
	if locality == "" {
		locality = body.Address.County
	}
	region := body.Address.State
	if region == "" {
		region = body.Address.Country
	}

	switch {
	case locality != "" && region != "":
		return locality + ", " + region, nil
	case locality != "":
		return locality, nil
	case region != "":
		return region, nil
	default:
		return "", fmt.Errorf("reverse geocode returned no usable address")
	}
}

// staticGeocoder returns a fixed label. Tests use it, and it also serves as
// the fallback when no geocoder is configured.
type staticGeocoder struct {
	label string
}

func (g staticGeocoder) Reverse(context.Context, float64, float64) (string, error) {
	return g.label, nil
}

// GET /geocode/reverse?lat={lat}&lng={lng}
func reverseGeocodeHandler(geo ReverseGeocoder) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		if geo == nil {
			writeError(w, http.StatusServiceUnavailable, "geocoder_disabled")
			return
		}
		lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
		lng, err2 := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
		if err1 != nil || err2 != nil {
			writeError(w, http.StatusBadRequest, "invalid_coordinates")
			return
		}
		if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			writeError(w, http.StatusBadRequest, "invalid_coordinates")
			return
		}

		label, err := geo.Reverse(r.Context(), lat, lng)
		if err != nil {
			log.Warn().Err(err).Float64("lat", lat).Float64("lng", lng).Msg("reverse geocode failed")
			writeError(w, http.StatusBadGateway, "geocoder_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"label": label})
	})
}
