package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/config"
)

const maxICEResponseBytes = 64 * 1024

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	ExpiresAt  int64              `json:"expiresAt,omitempty"`
}

// iceURL maps the relay WebSocket URL onto the /ice endpoint of the same
// server.
func iceURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/relay") + "/ice"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func fetchICEServers(ctx context.Context, p config.Peer) ([]webrtc.ICEServer, error) {
	endpoint, err := iceURL(p.RelayURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case p.Token != "":
		req.Header.Set("Authorization", "Bearer "+p.Token)
	case p.APIKey != "":
		req.Header.Set("X-API-Key", p.APIKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", endpoint, resp.Status)
	}

	var body iceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxICEResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice response: %w", err)
	}
	return body.ICEServers, nil
}
