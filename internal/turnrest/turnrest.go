// Package turnrest issues coturn-compatible ephemeral TURN credentials for
// the /ice endpoint.
//
//	username   = <unix_expiry>:<prefix>:<participant_or_random>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// See draft-uberti-behave-turn-rest and coturn's use-auth-secret mode.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/config"
)

var ErrInvalidUser = errors.New("turnrest: user must be non-empty and free of ':'")

type Generator struct {
	sharedSecret   []byte
	ttl            int64
	usernamePrefix string
	now            func() time.Time
	randomUser     func() string
}

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
	// RandomUser names anonymous requests; defaults to a random UUID.
	RandomUser func() string
}

// FromConfig builds a generator from the relay's TURN REST settings.
func FromConfig(cfg config.TurnRESTConfig) (*Generator, error) {
	return NewGenerator(GeneratorConfig{
		SharedSecret:   cfg.SharedSecret,
		TTLSeconds:     cfg.TTLSeconds,
		UsernamePrefix: cfg.UsernamePrefix,
	})
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RandomUser == nil {
		cfg.RandomUser = uuid.NewString
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttl:            cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		randomUser:     cfg.RandomUser,
	}, nil
}

type Credentials struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
	ExpiryUnix int64  `json:"expiresAt"`
}

// Generate issues credentials bound to user, typically a participant id.
func (g *Generator) Generate(user string) (Credentials, error) {
	if user == "" || strings.Contains(user, ":") {
		return Credentials{}, ErrInvalidUser
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, g.usernamePrefix, user)
	return Credentials{
		Username:   username,
		Credential: sign(g.sharedSecret, username),
		ExpiryUnix: expiry,
	}, nil
}

// Apply returns a copy of servers with fresh credentials on every TURN entry.
// An empty user gets a random one. STUN entries are left untouched.
func (g *Generator) Apply(servers []webrtc.ICEServer, user string) ([]webrtc.ICEServer, Credentials, error) {
	if user == "" {
		user = g.randomUser()
	}
	creds, err := g.Generate(user)
	if err != nil {
		return nil, Credentials{}, err
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.HasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out, creds, nil
}

func sign(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
