package api

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// maxBodyBytes bounds request bodies read during key extraction.
const maxBodyBytes = 1 << 20

// authenticate rejects requests that do not carry the shared API key.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.log.Warn("request rejected, bad credential", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, NewAuthError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	got := extractKey(r)
	if got == "" || s.apiKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) == 1
}

// extractKey retrieves the API key from the request, in order:
// 1. Header: X-Api-Key
// 2. Authorization: Bearer <key>
// 3. JSON body field "key" (POST only; the body is restored for the handler)
func extractKey(r *http.Request) string {
	if k := r.Header.Get("X-Api-Key"); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	if r.Method == http.MethodPost && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return ""
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var probe struct {
			Key string `json:"key"`
		}
		if json.Unmarshal(body, &probe) == nil {
			return probe.Key
		}
	}
	return ""
}
