// Package authjwt wires a JWT bearer-token check into the broker's
// authenticate hook: the krmx/link payload's optional "auth" field is
// expected to carry a token whose "username" claim matches the link
// attempt's username.
package authjwt

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaykit/sessionbroker/internal/broker"
)

// Claims is the minimal claim set this verifier expects. Unlike a
// general-purpose auth service, the broker only needs enough to confirm
// the token was issued for the username being linked.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed bearer tokens against a shared secret.
type Verifier struct {
	secretKey []byte
}

// NewVerifier builds a Verifier around an HMAC secret key.
func NewVerifier(secretKey string) *Verifier {
	return &Verifier{secretKey: []byte(secretKey)}
}

// Validate parses tokenString and confirms its username claim matches
// username. A missing, malformed, expired, or mismatched token is an
// error with a message suitable to hand straight to the link rejection.
func (v *Verifier) Validate(tokenString, username string) error {
	if tokenString == "" {
		return errors.New("authjwt: missing token")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authjwt: unexpected signing method %v", t.Header["alg"])
		}
		return v.secretKey, nil
	})
	if err != nil {
		return fmt.Errorf("authjwt: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return errors.New("authjwt: invalid token")
	}
	if claims.Username != username {
		return errors.New("authjwt: token username does not match link request")
	}
	return nil
}

// Listener returns a broker.AuthenticateListener that rejects any link
// attempt whose "auth" payload field does not carry a valid token for
// the username being linked. Install with server.OnAuthenticate.
func (v *Verifier) Listener() broker.AuthenticateListener {
	return func(username string, isNewUser bool, auth string, reject broker.RejectFunc, markAsync broker.MarkAsyncFunc) {
		if err := v.Validate(auth, username); err != nil {
			reject("authentication failed")
		}
	}
}
