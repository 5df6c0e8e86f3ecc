package account

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// DefaultSessionCookie is the cookie the browser session token travels in.
const DefaultSessionCookie = "spidbridge_session"

// ErrNoSession is returned by Read when the request carries no valid
// session token.
var ErrNoSession = errors.New("no active session")

// SessionClaims is the signed content of the browser session. Besides the
// account identity it records which IdP authenticated the session and the
// federation session index, so a later logout can address the right
// single-logout endpoint.
type SessionClaims struct {
	jwt.RegisteredClaims
	Name         string `json:"name"`
	IdP          string `json:"idp,omitempty"`
	NameID       string `json:"nameid,omitempty"`
	SessionIndex string `json:"six,omitempty"`
}

// UID returns the numeric account id carried in the subject claim.
func (c *SessionClaims) UID() int64 {
	id, _ := strconv.ParseInt(c.Subject, 10, 64)
	return id
}

// SessionManager issues and reads HMAC-signed session cookies.
type SessionManager struct {
	secret     []byte
	ttl        time.Duration
	cookieName string
	secure     bool
	issuer     string
	logger     hclog.Logger
}

// NewSessionManager builds a SessionManager. secure controls the cookie's
// Secure flag and should be true everywhere except plain-HTTP development.
func NewSessionManager(secret []byte, ttl time.Duration, issuer string, secure bool, logger hclog.Logger) *SessionManager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionManager{
		secret:     secret,
		ttl:        ttl,
		cookieName: DefaultSessionCookie,
		secure:     secure,
		issuer:     issuer,
		logger:     logger.Named("session"),
	}
}

// Issue writes a fresh session cookie for the user.
func (m *SessionManager) Issue(w http.ResponseWriter, u *User, idpID, nameID, sessionIndex string) error {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
		Name:         u.Name,
		IdP:          idpID,
		NameID:       nameID,
		SessionIndex: sessionIndex,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return fmt.Errorf("sign session token: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	m.logger.Debug("session issued", "uid", u.ID, "idp", idpID)
	return nil
}

// Read parses and verifies the session cookie on a request.
func (m *SessionManager) Read(r *http.Request) (*SessionClaims, error) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		return nil, ErrNoSession
	}
	var claims SessionClaims
	token, err := jwt.ParseWithClaims(cookie.Value, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrNoSession
	}
	return &claims, nil
}

// Destroy clears the session cookie.
func (m *SessionManager) Destroy(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
