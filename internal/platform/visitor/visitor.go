// Package visitor issues and reads the stable anonymous visitor id.
package visitor

import (
	"crypto/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shishu/api/internal/platform/requestctx"
)

// HeaderName lets non-browser clients present their visitor id explicitly.
const HeaderName = "X-Visitor-ID"

// Options configure the visitor cookie.
type Options struct {
	CookieName string
	MaxAge     time.Duration
	Secure     bool
	Now        func() time.Time
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh ULID visitor id.
func NewID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// Valid reports whether raw is a well formed visitor id.
func Valid(raw string) bool {
	_, err := ulid.ParseStrict(strings.TrimSpace(raw))
	return err == nil
}

// Middleware places the visitor id on the request context, minting one and
// setting the cookie when the request carries none.
func Middleware(opts Options) func(http.Handler) http.Handler {
	name := strings.TrimSpace(opts.CookieName)
	if name == "" {
		name = "shishu_vid"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderName)))
			if !Valid(id) {
				id = ""
				if cookie, err := r.Cookie(name); err == nil && Valid(cookie.Value) {
					id = strings.ToUpper(cookie.Value)
				}
			}
			if id == "" {
				id = NewID(now())
				http.SetCookie(w, &http.Cookie{
					Name:     name,
					Value:    id,
					Path:     "/",
					MaxAge:   int(opts.MaxAge / time.Second),
					HttpOnly: true,
					Secure:   opts.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			next.ServeHTTP(w, r.WithContext(requestctx.WithVisitorID(r.Context(), id)))
		})
	}
}
