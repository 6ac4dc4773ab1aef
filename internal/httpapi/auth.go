package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

const headerCronSecret = "X-Cron-Secret"

type ctxKey string

const subjectKey ctxKey = "subject"

var errUnauthorized = errors.New("unauthorized")

// authenticator admits the cron caller (shared secret, either in
// X-Cron-Secret or as the bearer token) and operators holding an HS256 JWT.
// With neither secret configured every request is refused.
type authenticator struct {
	cron   []byte
	jwtKey []byte
}

func newAuthenticator(cronSecret, jwtSecret string) *authenticator {
	a := &authenticator{}
	if s := strings.TrimSpace(cronSecret); s != "" {
		a.cron = []byte(s)
	}
	if s := strings.TrimSpace(jwtSecret); s != "" {
		a.jwtKey = []byte(s)
	}
	return a
}

func (a *authenticator) require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := a.check(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Error:   "Unauthorized",
				Message: err.Error(),
				Details: map[string]any{},
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, subject)))
	})
}

func (a *authenticator) check(r *http.Request) (string, error) {
	if got := r.Header.Get(headerCronSecret); got != "" {
		if a.cronMatches(got) {
			return "cron", nil
		}
		return "", errors.Wrap(errUnauthorized, "bad cron secret")
	}
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", errors.Wrap(errUnauthorized, "missing bearer token")
	}
	token = strings.TrimSpace(token)
	if a.cronMatches(token) {
		return "cron", nil
	}
	if a.jwtKey == nil {
		return "", errors.Wrap(errUnauthorized, "invalid token")
	}
	return a.verify(token)
}

func (a *authenticator) cronMatches(got string) bool {
	return a.cron != nil && subtle.ConstantTimeCompare([]byte(got), a.cron) == 1
}

func (a *authenticator) verify(token string) (string, error) {
	t, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return a.jwtKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !t.Valid {
		return "", errors.Wrap(errUnauthorized, "invalid token")
	}
	sub, _ := t.Claims.GetSubject()
	if sub == "" {
		sub = "operator"
	}
	return sub, nil
}

// Subject is the authenticated caller of r: "cron" or the JWT subject.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}
