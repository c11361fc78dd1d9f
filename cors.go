package main

import "net/http"

// The backend needs Cross-Origin Resource Sharing to function with the
// mobile web shell and local dev frontends in modern browsers. The origin
// allowlist comes from config; requests from other origins get the first
// configured origin so browsers refuse the response.

func withCORS(allowed []string, next http.Handler) http.Handler {
	allowedSet := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allowedSet[o] = true
	}
	fallback := ""
	if len(allowed) > 0 {
		fallback = allowed[0]
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedSet[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		} else if fallback != "" {
			w.Header().Set("Access-Control-Allow-Origin", fallback)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
