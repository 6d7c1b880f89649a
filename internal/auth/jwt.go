package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

// maxJWTLen bounds the tokens handed to the parser.
const maxJWTLen = 20 * 1024

// voiceClaims is the token payload. exp, iat and sid are required; room and
// participant narrow what the holder may touch.
type voiceClaims struct {
	SID         string  `json:"sid"`
	Room        *string `json:"room,omitempty"`
	Participant *string `json:"participant,omitempty"`
	jwt.RegisteredClaims
}

type jwtVerifier struct {
	secret []byte
	now    func() time.Time
}

func newJWTVerifier(secret string) jwtVerifier {
	return jwtVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Verify checks the HS256 signature and the time claims of token. The sid
// claim becomes Claims.Subject.
func (v jwtVerifier) Verify(token string) (Claims, error) {
	if token == "" || len(token) > maxJWTLen {
		return Claims{}, ErrInvalidCredentials
	}

	var c voiceClaims
	_, err := jwt.ParseWithClaims(token, &c, v.key,
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
		jwt.WithStrictDecoding(),
	)
	if err != nil {
		if errors.Is(err, ErrUnsupportedJWT) {
			return Claims{}, ErrUnsupportedJWT
		}
		return Claims{}, ErrInvalidCredentials
	}
	if c.IssuedAt == nil || c.SID == "" {
		return Claims{}, ErrInvalidCredentials
	}

	out := Claims{Subject: c.SID}
	if out.Room, err = scopeClaim(c.Room); err != nil {
		return Claims{}, err
	}
	if out.Participant, err = scopeClaim(c.Participant); err != nil {
		return Claims{}, err
	}
	return out, nil
}

func (v jwtVerifier) key(t *jwt.Token) (any, error) {
	if t.Method != jwt.SigningMethodHS256 {
		return nil, ErrUnsupportedJWT
	}
	return v.secret, nil
}

// scopeClaim accepts an absent claim or a single non-empty path segment.
func scopeClaim(v *string) (string, error) {
	if v == nil {
		return "", nil
	}
	if *v == "" || strings.Contains(*v, "/") {
		return "", ErrInvalidCredentials
	}
	return *v, nil
}
