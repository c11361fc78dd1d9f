package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGeocoderLabels(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		label   string
	}{
		{"city and state", `{"address":{"city":"Austin","state":"Texas"}}`, "Austin, Texas"},
		{"town fallback", `{"address":{"town":"Marfa","state":"Texas"}}`, "Marfa, Texas"},
		{"village fallback", `{"address":{"village":"Utting","state":"Bavaria"}}`, "Utting, Bavaria"},
		{"country fallback", `{"address":{"city":"Monaco","country":"Monaco"}}`, "Monaco, Monaco"},
		{"state only", `{"address":{"state":"Texas"}}`, "Texas"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/reverse", r.URL.Path)
				assert.Equal(t, "jsonv2", r.URL.Query().Get("format"))
				fmt.Fprint(w, tc.payload)
			}))
			defer srv.Close()

			geo := NewHTTPGeocoder(srv.URL)
			label, err := geo.Reverse(context.Background(), austinLat, austinLng)
			require.NoError(t, err)
			assert.Equal(t, tc.label, label)
		})
	}
}

func TestHTTPGeocoderErrors(t *testing.T) {
	t.Run("upstream failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := NewHTTPGeocoder(srv.URL).Reverse(context.Background(), 0, 0)
		assert.Error(t, err)
	})

	t.Run("empty address", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"address":{}}`)
		}))
		defer srv.Close()

		_, err := NewHTTPGeocoder(srv.URL).Reverse(context.Background(), 0, 0)
		assert.Error(t, err)
	})
}

func TestReverseGeocodeHandler(t *testing.T) {
	handler := reverseGeocodeHandler(staticGeocoder{label: "Austin, Texas"})

	t.Run("ok", func(t *testing.T) {
		req := authedRequest(t, http.MethodGet, "/geocode/reverse?lat=30.27&lng=-97.74", "alice", nil)
		rec := httptest.NewRecorder()
		handler(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "Austin, Texas")
	})

	t.Run("missing coords", func(t *testing.T) {
		req := authedRequest(t, http.MethodGet, "/geocode/reverse", "alice", nil)
		rec := httptest.NewRecorder()
		handler(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("out of range", func(t *testing.T) {
		req := authedRequest(t, http.MethodGet, "/geocode/reverse?lat=91&lng=0", "alice", nil)
		rec := httptest.NewRecorder()
		handler(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
