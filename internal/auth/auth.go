// Package auth verifies relay credentials: a shared API key or an HS256 JWT
// optionally scoped to one room.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Claims is what a verified credential grants.
type Claims struct {
	// Subject is the JWT sid; empty for API keys.
	Subject string
	// Room restricts record paths to rooms/{Room}; empty allows every room.
	Room string
	// Participant, when set, is the only participant id the holder may use.
	Participant string
}

// AllowsPath reports whether the holder may touch path.
func (c Claims) AllowsPath(path string) bool {
	if c.Room == "" {
		return true
	}
	prefix := "rooms/" + c.Room
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// AllowsWrite reports whether the holder may write or delete path. A
// participant-bound credential may touch anything in its own inbox, its own
// presence record, and the records it sends to other inboxes:
// offers/{id}, answers/{id} and candidates/{id}-{uuid}.
func (c Claims) AllowsWrite(path string) bool {
	if !c.AllowsPath(path) {
		return false
	}
	if c.Participant == "" {
		return true
	}
	segs := strings.Split(path, "/")
	if len(segs) < 4 || segs[0] != "rooms" {
		return false
	}
	switch segs[2] {
	case "presence":
		return len(segs) == 4 && segs[3] == c.Participant
	case "signals":
		if segs[3] == c.Participant {
			return true
		}
		if len(segs) != 6 {
			return false
		}
		return c.ownsSignalKey(segs[4], segs[5])
	default:
		return false
	}
}

func (c Claims) ownsSignalKey(inbox, key string) bool {
	switch inbox {
	case "offers", "answers":
		return key == c.Participant
	case "candidates":
		id, ok := strings.CutPrefix(key, c.Participant+"-")
		if !ok {
			return false
		}
		_, err := uuid.Parse(id)
		return err == nil && len(id) == 36
	default:
		return false
	}
}

type Verifier interface {
	Verify(credential string) (Claims, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return noneVerifier{}, nil
	case config.AuthModeAPIKey:
		return apiKeyVerifier{expected: []byte(cfg.APIKey)}, nil
	case config.AuthModeJWT:
		return newJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

type noneVerifier struct{}

func (noneVerifier) Verify(string) (Claims, error) { return Claims{}, nil }

// apiKeyVerifier grants unscoped access to holders of the shared key.
type apiKeyVerifier struct {
	expected []byte
}

func (v apiKeyVerifier) Verify(key string) (Claims, error) {
	if len(v.expected) == 0 || subtle.ConstantTimeCompare([]byte(key), v.expected) != 1 {
		return Claims{}, ErrInvalidCredentials
	}
	return Claims{}, nil
}

// CredentialFromQuery extracts the credential from ?apiKey= or ?token=. Each
// mode prefers its own parameter and accepts the other as an alias.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	return pickCredential(mode, q.Get("apiKey"), q.Get("token"))
}

// WireAuthMessage is the first frame a client sends when it did not put its
// credential in the URL.
type WireAuthMessage struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

func CredentialFromAuthMessage(mode config.AuthMode, msg WireAuthMessage) (string, error) {
	return pickCredential(mode, msg.APIKey, msg.Token)
}

// CredentialFromRequest reads X-API-Key or an Authorization header
// (Bearer or ApiKey scheme).
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
	token := ""
	if scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " "); ok {
		value = strings.TrimSpace(value)
		switch strings.ToLower(scheme) {
		case "bearer":
			token = value
		case "apikey":
			if apiKey == "" {
				apiKey = value
			}
		}
	}
	return pickCredential(mode, apiKey, token)
}

func pickCredential(mode config.AuthMode, apiKey, token string) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey != "" {
			return apiKey, nil
		}
		if token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token != "" {
			return token, nil
		}
		if apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
