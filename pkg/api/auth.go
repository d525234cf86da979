package api

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// requireAuth enforces HTTP basic auth against the configured user list.
func (s *server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Auth.Basic.Enabled {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok || !s.checkCredentials(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="coveragoor"`)
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid credentials"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkCredentials compares the given username and password against the
// configured users. Passwords are stored as bcrypt hashes.
func (s *server) checkCredentials(username, password string) bool {
	for _, user := range s.cfg.Auth.Basic.Users {
		if subtle.ConstantTimeCompare(
			[]byte(user.Username), []byte(username),
		) != 1 {
			continue
		}

		return bcrypt.CompareHashAndPassword(
			[]byte(user.PasswordHash), []byte(password),
		) == nil
	}

	return false
}
