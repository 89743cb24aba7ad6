// Package auth mints and verifies the tokens that bind a peer identity to
// one spindle instance.
//
// Two kinds of token exist. A join-invite ({u, n}) is handed out out-of-band
// and entitles a client to call join and receive an identity. A session
// token ({u, n, i}) is minted by join and lets the client reclaim its peer
// id on a later connection via authenticate. Both are HMAC-signed JWTs;
// verification rejects any token whose server binding (u or n) does not
// match this instance.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is wrapped by every verification failure. Its text is the
// exact user-visible message for authentication errors.
var ErrInvalidToken = errors.New("invalid token")

// claims is the fixed claim set. WSURL and Server bind the token to one
// instance; PeerID is present only in session tokens.
type claims struct {
	WSURL  string `json:"u"`
	Server string `json:"n"`
	PeerID string `json:"i,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies spindle tokens with a process-wide
// symmetric secret.
type Authenticator struct {
	secret []byte
	wsURL  string
	name   string
}

// New creates an Authenticator for the server identified by wsURL and name.
func New(secret []byte, wsURL, name string) *Authenticator {
	return &Authenticator{
		secret: append([]byte(nil), secret...),
		wsURL:  wsURL,
		name:   name,
	}
}

// SignInvite mints a join-invite token for this server.
func (a *Authenticator) SignInvite() (string, error) {
	return a.sign(claims{WSURL: a.wsURL, Server: a.name})
}

// SignSession mints a session token binding peerID to this server.
func (a *Authenticator) SignSession(peerID string) (string, error) {
	return a.sign(claims{WSURL: a.wsURL, Server: a.name, PeerID: peerID})
}

func (a *Authenticator) sign(c claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyInvite checks that token is a valid token for this server. Session
// tokens also pass: they carry a superset of the invite claims.
func (a *Authenticator) VerifyInvite(token string) error {
	_, err := a.verify(token)
	return err
}

// VerifySession checks that token is a valid session token for this server
// and returns the peer id it embeds.
func (a *Authenticator) VerifySession(token string) (string, error) {
	c, err := a.verify(token)
	if err != nil {
		return "", err
	}
	if c.PeerID == "" {
		return "", fmt.Errorf("%w: no peer id", ErrInvalidToken)
	}
	return c.PeerID, nil
}

func (a *Authenticator) verify(token string) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.WSURL != a.wsURL || c.Server != a.name {
		return nil, fmt.Errorf("%w: issued for another server", ErrInvalidToken)
	}
	return c, nil
}
