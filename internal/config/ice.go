package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

const (
	envICEServersJSON = "VOICE_MESH_ICE_SERVERS_JSON"

	envStunURLs       = "VOICE_MESH_STUN_URLS"
	envTurnURLs       = "VOICE_MESH_TURN_URLS"
	envTurnUsername   = "VOICE_MESH_TURN_USERNAME"
	envTurnCredential = "VOICE_MESH_TURN_CREDENTIAL"
)

var (
	errNoICEURLs      = errors.New("missing urls")
	errTURNNeedsLogin = errors.New("turn urls require username and credential")
	errInvalidICEURL  = errors.New("invalid stun/turn url")
)

// ICEServerEntry is the JSON and YAML shape of one ICE server. urls may be a
// single string or a list.
type ICEServerEntry struct {
	URLs       urlList `json:"urls" yaml:"urls"`
	Username   string  `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string  `json:"credential,omitempty" yaml:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if json.Unmarshal(b, &one) == nil {
		*l = urlList{one}
		return nil
	}
	return json.Unmarshal(b, (*[]string)(l))
}

func (l *urlList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = urlList{node.Value}
		return nil
	}
	return node.Decode((*[]string)(l))
}

// ParseICEServersJSON decodes a JSON array of ICEServerEntry and validates it.
// With turnCredsInjected set, TURN entries may omit credentials because the
// relay mints them per /ice request.
func ParseICEServersJSON(raw string, turnCredsInjected bool) ([]webrtc.ICEServer, error) {
	var entries []ICEServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	return ICEServersFromEntries(entries, turnCredsInjected)
}

// ICEServersFromEntries validates entries and converts them to pion ICE
// servers. Blank URLs are skipped.
func ICEServersFromEntries(entries []ICEServerEntry, turnCredsInjected bool) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server, err := e.iceServer(turnCredsInjected)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func (e ICEServerEntry) iceServer(turnCredsInjected bool) (webrtc.ICEServer, error) {
	var urls []string
	for _, u := range e.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return webrtc.ICEServer{}, errNoICEURLs
	}

	turn := false
	for _, u := range urls {
		isTURN, err := classifyICEURL(u)
		if err != nil {
			return webrtc.ICEServer{}, err
		}
		turn = turn || isTURN
	}

	server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(e.Username)}
	if cred := strings.TrimSpace(e.Credential); cred != "" {
		server.Credential = cred
	}
	if turn && !turnCredsInjected && !hasCredentials(server) {
		return webrtc.ICEServer{}, errTURNNeedsLogin
	}
	return server, nil
}

// classifyICEURL parses u as a STUN or TURN URI and reports whether it is TURN.
func classifyICEURL(u string) (turn bool, err error) {
	uri, err := stun.ParseURI(u)
	if err != nil {
		return false, fmt.Errorf("%w %q: %v", errInvalidICEURL, u, err)
	}
	switch uri.Scheme {
	case stun.SchemeTypeTURN, stun.SchemeTypeTURNS:
		return true, nil
	case stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS:
		return false, nil
	default:
		return false, fmt.Errorf("%w %q", errInvalidICEURL, u)
	}
}

// iceServersFromEnv resolves the relay's ICE list. The JSON variable wins
// over the STUN/TURN convenience variables.
func iceServersFromEnv(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, turnCredsInjected bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, turnCredsInjected)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential, turnCredsInjected)
}

// ParseICEServersFromConvenienceEnv builds at most one STUN and one TURN
// server from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, turnCredsInjected bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if urls := splitCommaSeparated(stunURLs); len(urls) > 0 {
		s, err := ICEServerEntry{URLs: urls}.iceServer(turnCredsInjected)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, s)
	}
	if urls := splitCommaSeparated(turnURLs); len(urls) > 0 {
		s, err := ICEServerEntry{URLs: urls, Username: turnUsername, Credential: turnCredential}.iceServer(turnCredsInjected)
		if errors.Is(err, errTURNNeedsLogin) {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

// UsableICEServers drops TURN servers that lack credentials; pion refuses them
// when constructing a PeerConnection.
func UsableICEServers(servers []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if !HasTURNURL(s) || hasCredentials(s) {
			out = append(out, s)
		}
	}
	return out
}

// HasTURNURL reports whether any of the server's URLs is turn: or turns:.
func HasTURNURL(server webrtc.ICEServer) bool {
	for _, u := range server.URLs {
		if turn, err := classifyICEURL(strings.TrimSpace(u)); err == nil && turn {
			return true
		}
	}
	return false
}

func hasCredentials(s webrtc.ICEServer) bool {
	cred, _ := s.Credential.(string)
	return strings.TrimSpace(s.Username) != "" && strings.TrimSpace(cred) != ""
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
