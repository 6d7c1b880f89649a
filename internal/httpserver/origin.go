package httpserver

import (
	"net/http"
	"strings"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/origin"
)

const (
	corsAllowMethods  = "GET, OPTIONS"
	corsAllowHeaders  = "Authorization, X-API-Key"
	corsExposeHeaders = "X-Request-ID"
	corsMaxAge        = "600"
)

// withOriginPolicy guards browser-facing routes. Requests without an Origin
// pass through untouched; foreign origins get 403; allowed origins get CORS
// headers and preflights are answered here.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Origin"))
		if raw == "" {
			next(w, r)
			return
		}

		allowed, host, ok := origin.NormalizeHeader(raw)
		if !ok || !s.origins.Allow(allowed, host, r.Host) {
			WriteJSON(w, http.StatusForbidden, map[string]any{"error": "origin not allowed"})
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", allowed)
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		h.Add("Vary", "Origin")

		if r.Method != http.MethodOptions {
			next(w, r)
			return
		}
		if m := r.Header.Get("Access-Control-Request-Method"); m != "" && m != http.MethodGet {
			h.Set("Allow", corsAllowMethods)
			WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Max-Age", corsMaxAge)
		w.WriteHeader(http.StatusNoContent)
	}
}
