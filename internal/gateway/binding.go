package gateway

import (
	"crypto/sha256"
	"net/http"

	"github.com/gorilla/securecookie"
)

const sessionCookieName = "cli_gateway_session"

// binder ties a client to its session ID through a signed, encrypted cookie.
type binder struct {
	codec  *securecookie.SecureCookie
	secure bool
}

func newBinder(secret string, secure bool) *binder {
	hashKey := sha256.Sum256([]byte("hash:" + secret))
	blockKey := sha256.Sum256([]byte("block:" + secret))

	codec := securecookie.New(hashKey[:], blockKey[:])
	// Session lifetime is governed by the reaper, not by the cookie.
	codec.MaxAge(0)

	return &binder{codec: codec, secure: secure}
}

func (b *binder) bind(w http.ResponseWriter, sessionID string) error {
	value, err := b.codec.Encode(sessionCookieName, sessionID)
	if err != nil {
		return err
	}
	http.SetCookie(w, b.cookie(value, 0))
	return nil
}

// resolve returns the session ID bound to the request, if any.
func (b *binder) resolve(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", false
	}
	var sessionID string
	if err := b.codec.Decode(sessionCookieName, c.Value, &sessionID); err != nil {
		return "", false
	}
	return sessionID, sessionID != ""
}

func (b *binder) clear(w http.ResponseWriter) {
	http.SetCookie(w, b.cookie("", -1))
}

func (b *binder) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   b.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
