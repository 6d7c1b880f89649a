package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Peer flag names. Flags override env vars, which override the config file.
const (
	FlagRelayURL      = "relay-url"
	FlagRoom          = "room"
	FlagParticipantID = "participant-id"
	FlagRole          = "role"
	FlagAPIKey        = "api-key"
	FlagToken         = "token"
	FlagCodec         = "codec"
	FlagAudioFile     = "audio-file"
	FlagMuted         = "muted"
	FlagICEServers    = "ice-servers-json"
	FlagUDPPortMin    = "udp-port-min"
	FlagUDPPortMax    = "udp-port-max"
	FlagNAT1To1IPs    = "nat-1to1-ips"
	FlagLogFormat     = "log-format"
	FlagLogLevel      = "log-level"
	FlagSignalTimeout = "signal-timeout"
)

const (
	DefaultPeerRelayURL      = "ws://127.0.0.1:8080/relay"
	DefaultPeerRole          = "player"
	DefaultPeerCodec         = "json"
	DefaultPeerSignalTimeout = 10 * time.Second
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// Peer is the configuration of one voice-mesh participant.
type Peer struct {
	RelayURL      string
	Room          string
	ParticipantID string
	Role          string
	APIKey        string
	Token         string
	// Codec selects the relay wire codec: json or msgpack.
	Codec     string
	AudioFile string
	Muted     bool

	ICEServers   []webrtc.ICEServer
	UDPPortRange *UDPPortRange
	NAT1To1IPs   []string

	LogFormat     LogFormat
	LogLevel      slog.Level
	SignalTimeout time.Duration
}

type peerSetting struct {
	flag  string
	env   string
	def   string
	usage string
}

var peerSettings = []peerSetting{
	{FlagRelayURL, "VOICE_MESH_RELAY_URL", DefaultPeerRelayURL, "Relay WebSocket URL"},
	{FlagRoom, "VOICE_MESH_ROOM", "", "Room to join"},
	{FlagParticipantID, "VOICE_MESH_PARTICIPANT_ID", "", "Participant id (default: random UUID)"},
	{FlagRole, "VOICE_MESH_ROLE", DefaultPeerRole, "Participant role (gm or player)"},
	{FlagAPIKey, "VOICE_MESH_API_KEY", "", "Relay API key"},
	{FlagToken, "VOICE_MESH_TOKEN", "", "Relay JWT"},
	{FlagCodec, "VOICE_MESH_CODEC", DefaultPeerCodec, "Relay wire codec: json or msgpack"},
	{FlagAudioFile, "VOICE_MESH_AUDIO_FILE", "", "Ogg/Opus file to send instead of silence"},
	{FlagMuted, "VOICE_MESH_MUTED", "false", "Join muted"},
	{FlagICEServers, envICEServersJSON, "", "ICE server JSON config"},
	{FlagUDPPortMin, "VOICE_MESH_UDP_PORT_MIN", "0", "Min UDP port for ICE (0 = unset)"},
	{FlagUDPPortMax, "VOICE_MESH_UDP_PORT_MAX", "0", "Max UDP port for ICE (0 = unset)"},
	{FlagNAT1To1IPs, "VOICE_MESH_NAT_1TO1_IPS", "", "Comma-separated public IPs to advertise as host candidates"},
	{FlagLogFormat, "VOICE_MESH_LOG_FORMAT", string(LogFormatText), "Log format: text or json"},
	{FlagLogLevel, "VOICE_MESH_LOG_LEVEL", "info", "Log level: debug, info, warn, error"},
	{FlagSignalTimeout, "VOICE_MESH_SIGNAL_TIMEOUT", DefaultPeerSignalTimeout.String(), "Timeout for each signaling write"},
}

// peerFile is the YAML config file layout.
type peerFile struct {
	RelayURL      string           `yaml:"relay_url"`
	Room          string           `yaml:"room"`
	ParticipantID string           `yaml:"participant_id"`
	Role          string           `yaml:"role"`
	APIKey        string           `yaml:"api_key"`
	Token         string           `yaml:"token"`
	Codec         string           `yaml:"codec"`
	AudioFile     string           `yaml:"audio_file"`
	Muted         *bool            `yaml:"muted"`
	ICEServers    []ICEServerEntry `yaml:"ice_servers"`
	UDPPortMin    uint16           `yaml:"udp_port_min"`
	UDPPortMax    uint16           `yaml:"udp_port_max"`
	NAT1To1IPs    []string         `yaml:"nat_1to1_ips"`
	LogFormat     string           `yaml:"log_format"`
	LogLevel      string           `yaml:"log_level"`
	SignalTimeout string           `yaml:"signal_timeout"`
}

func (f peerFile) values() map[string]string {
	out := map[string]string{
		FlagRelayURL:      f.RelayURL,
		FlagRoom:          f.Room,
		FlagParticipantID: f.ParticipantID,
		FlagRole:          f.Role,
		FlagAPIKey:        f.APIKey,
		FlagToken:         f.Token,
		FlagCodec:         f.Codec,
		FlagAudioFile:     f.AudioFile,
		FlagNAT1To1IPs:    strings.Join(f.NAT1To1IPs, ","),
		FlagLogFormat:     f.LogFormat,
		FlagLogLevel:      f.LogLevel,
		FlagSignalTimeout: f.SignalTimeout,
	}
	if f.Muted != nil {
		out[FlagMuted] = strconv.FormatBool(*f.Muted)
	}
	if f.UDPPortMin != 0 {
		out[FlagUDPPortMin] = strconv.Itoa(int(f.UDPPortMin))
	}
	if f.UDPPortMax != 0 {
		out[FlagUDPPortMax] = strconv.Itoa(int(f.UDPPortMax))
	}
	return out
}

// BindPeerFlags registers the peer flags on fs.
func BindPeerFlags(fs *pflag.FlagSet) {
	for _, s := range peerSettings {
		usage := s.usage + " (env " + s.env + ")"
		switch s.flag {
		case FlagMuted:
			fs.Bool(s.flag, false, usage)
		case FlagUDPPortMin, FlagUDPPortMax:
			fs.Uint16(s.flag, 0, usage)
		case FlagSignalTimeout:
			fs.Duration(s.flag, DefaultPeerSignalTimeout, usage)
		default:
			fs.String(s.flag, s.def, usage)
		}
	}
}

// LoadPeer resolves the peer configuration from defaults, the YAML file at
// path (optional), env vars and the flags explicitly set on fs (optional).
func LoadPeer(lookup func(string) (string, bool), path string, fs *pflag.FlagSet) (Peer, error) {
	values := make(map[string]string, len(peerSettings))
	for _, s := range peerSettings {
		values[s.flag] = s.def
	}

	var fileICE []ICEServerEntry
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Peer{}, fmt.Errorf("read config file: %w", err)
		}
		f, err := decodePeerFile(raw)
		if err != nil {
			return Peer{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		for k, v := range f.values() {
			if v != "" {
				values[k] = v
			}
		}
		fileICE = f.ICEServers
	}

	for _, s := range peerSettings {
		if v, ok := lookup(s.env); ok && strings.TrimSpace(v) != "" {
			values[s.flag] = v
		}
	}

	if fs != nil {
		fs.Visit(func(f *pflag.Flag) {
			if _, known := values[f.Name]; known {
				values[f.Name] = f.Value.String()
			}
		})
	}

	return resolvePeer(values, fileICE)
}

func decodePeerFile(raw []byte) (peerFile, error) {
	var f peerFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return peerFile{}, err
	}
	return f, nil
}

func resolvePeer(values map[string]string, fileICE []ICEServerEntry) (Peer, error) {
	p := Peer{
		RelayURL:      strings.TrimSpace(values[FlagRelayURL]),
		Room:          strings.TrimSpace(values[FlagRoom]),
		ParticipantID: strings.TrimSpace(values[FlagParticipantID]),
		Role:          strings.TrimSpace(values[FlagRole]),
		APIKey:        strings.TrimSpace(values[FlagAPIKey]),
		Token:         strings.TrimSpace(values[FlagToken]),
		Codec:         strings.ToLower(strings.TrimSpace(values[FlagCodec])),
		AudioFile:     strings.TrimSpace(values[FlagAudioFile]),
	}

	u, err := url.Parse(p.RelayURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return Peer{}, fmt.Errorf("--%s must be a ws:// or wss:// URL (got %q)", FlagRelayURL, p.RelayURL)
	}
	if p.Room == "" {
		return Peer{}, fmt.Errorf("--%s must be set", FlagRoom)
	}
	if strings.Contains(p.Room, "/") {
		return Peer{}, fmt.Errorf("--%s must not contain '/'", FlagRoom)
	}
	if p.ParticipantID == "" {
		p.ParticipantID = uuid.NewString()
	}
	if strings.Contains(p.ParticipantID, "/") {
		return Peer{}, fmt.Errorf("--%s must not contain '/'", FlagParticipantID)
	}
	if p.Codec != "json" && p.Codec != "msgpack" {
		return Peer{}, fmt.Errorf("invalid --%s %q (expected json or msgpack)", FlagCodec, p.Codec)
	}
	if p.APIKey != "" && p.Token != "" {
		return Peer{}, fmt.Errorf("--%s and --%s are mutually exclusive", FlagAPIKey, FlagToken)
	}

	muted, err := strconv.ParseBool(strings.TrimSpace(values[FlagMuted]))
	if err != nil {
		return Peer{}, fmt.Errorf("invalid --%s %q: %w", FlagMuted, values[FlagMuted], err)
	}
	p.Muted = muted

	if raw := strings.TrimSpace(values[FlagICEServers]); raw != "" {
		servers, err := ParseICEServersJSON(raw, false)
		if err != nil {
			return Peer{}, fmt.Errorf("--%s: %w", FlagICEServers, err)
		}
		p.ICEServers = servers
	} else if len(fileICE) > 0 {
		servers, err := ICEServersFromEntries(fileICE, false)
		if err != nil {
			return Peer{}, fmt.Errorf("ice_servers: %w", err)
		}
		p.ICEServers = servers
	}

	portMin, err := parsePortValue(values[FlagUDPPortMin])
	if err != nil {
		return Peer{}, fmt.Errorf("invalid --%s: %w", FlagUDPPortMin, err)
	}
	portMax, err := parsePortValue(values[FlagUDPPortMax])
	if err != nil {
		return Peer{}, fmt.Errorf("invalid --%s: %w", FlagUDPPortMax, err)
	}
	if portMin != 0 || portMax != 0 {
		if portMin == 0 || portMax == 0 {
			return Peer{}, fmt.Errorf("--%s and --%s must be set together (or both unset)", FlagUDPPortMin, FlagUDPPortMax)
		}
		if portMin > portMax {
			return Peer{}, fmt.Errorf("--%s (%d) must be <= --%s (%d)", FlagUDPPortMin, portMin, FlagUDPPortMax, portMax)
		}
		p.UDPPortRange = &UDPPortRange{Min: portMin, Max: portMax}
	}

	if raw := strings.TrimSpace(values[FlagNAT1To1IPs]); raw != "" {
		ips, err := parseIPList(raw)
		if err != nil {
			return Peer{}, fmt.Errorf("invalid --%s: %w", FlagNAT1To1IPs, err)
		}
		p.NAT1To1IPs = ips
	}

	if p.LogFormat, err = parseLogFormat(values[FlagLogFormat]); err != nil {
		return Peer{}, err
	}
	if p.LogLevel, err = parseLogLevel(values[FlagLogLevel]); err != nil {
		return Peer{}, err
	}
	p.SignalTimeout, err = time.ParseDuration(strings.TrimSpace(values[FlagSignalTimeout]))
	if err != nil {
		return Peer{}, fmt.Errorf("invalid --%s %q: %w", FlagSignalTimeout, values[FlagSignalTimeout], err)
	}
	if p.SignalTimeout <= 0 {
		return Peer{}, fmt.Errorf("--%s must be > 0", FlagSignalTimeout)
	}

	return p, nil
}

// NewPeerLogger builds the participant logger writing to w.
func NewPeerLogger(p Peer, w io.Writer) (*slog.Logger, error) {
	return newLogger(w, p.LogFormat, p.LogLevel)
}

func parsePortValue(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(v), nil
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
