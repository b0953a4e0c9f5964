package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/pulserelay/pulse/internal/config"
)

// sessionCookie is the name of the admin session cookie set by /ui/login.
const sessionCookie = "pulse_session"

var errInvalidSession = errors.New("invalid session")

type sessionClaims struct {
	jwt.RegisteredClaims
}

// issueSession signs a session token valid for the configured TTL.
func issueSession(auth config.AuthConfig) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(auth.SessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(auth.SessionSecret))
}

// verifySession checks the request's session cookie signature and expiry.
func verifySession(r *http.Request, auth config.AuthConfig) error {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return errInvalidSession
	}

	token, err := jwt.ParseWithClaims(cookie.Value, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidSession
		}
		return []byte(auth.SessionSecret), nil
	})
	if err != nil || !token.Valid {
		return errInvalidSession
	}
	return nil
}

// handleLogin exchanges the admin key for a session cookie.
//
// The submitted key is compared against the configured bcrypt hash, so the
// plaintext admin key never lives in configuration.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.APIKey == "" {
		writeError(w, http.StatusBadRequest, "Missing API Key")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(a.cfg.Auth.AdminKeyHash), []byte(body.APIKey)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid API Key")
		return
	}

	token, err := issueSession(a.cfg.Auth)
	if err != nil {
		a.logger.Error("signing session token failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(a.cfg.Auth.SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeSuccess(w)
}

// handleSession reports whether the caller holds a live session.
func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if err := verifySession(r, a.cfg.Auth); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"session": true})
}

// requireSession guards the admin surface behind the session cookie.
func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := verifySession(r, a.cfg.Auth); err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid session")
			return
		}
		next.ServeHTTP(w, r)
	})
}
