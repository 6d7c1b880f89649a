package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

func writePeerFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peer.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadPeer_Defaults(t *testing.T) {
	p, err := LoadPeer(lookupMap(map[string]string{"VOICE_MESH_ROOM": "tavern"}), "", nil)
	if err != nil {
		t.Fatalf("LoadPeer: %v", err)
	}
	if p.RelayURL != DefaultPeerRelayURL {
		t.Fatalf("RelayURL=%q, want %q", p.RelayURL, DefaultPeerRelayURL)
	}
	if p.Room != "tavern" {
		t.Fatalf("Room=%q", p.Room)
	}
	if _, err := uuid.Parse(p.ParticipantID); err != nil {
		t.Fatalf("ParticipantID=%q, want a generated UUID: %v", p.ParticipantID, err)
	}
	if p.Role != DefaultPeerRole || p.Codec != DefaultPeerCodec {
		t.Fatalf("Role=%q Codec=%q", p.Role, p.Codec)
	}
	if p.SignalTimeout != DefaultPeerSignalTimeout {
		t.Fatalf("SignalTimeout=%v", p.SignalTimeout)
	}
	if p.UDPPortRange != nil || p.Muted {
		t.Fatalf("unexpected port range %+v muted=%v", p.UDPPortRange, p.Muted)
	}
	if p.LogFormat != LogFormatText || p.LogLevel != slog.LevelInfo {
		t.Fatalf("log format=%q level=%v", p.LogFormat, p.LogLevel)
	}
}

func TestLoadPeer_RequiresRoom(t *testing.T) {
	if _, err := LoadPeer(noEnv, "", nil); err == nil {
		t.Fatalf("expected error without a room")
	}
}

func TestLoadPeer_Precedence(t *testing.T) {
	path := writePeerFile(t, `
relay_url: wss://relay.example.com/relay
room: from-file
participant_id: gm
role: gm
codec: msgpack
muted: true
udp_port_min: 40000
udp_port_max: 40100
ice_servers:
  - urls: stun:stun.example.com:3478
signal_timeout: 3s
`)
	env := lookupMap(map[string]string{
		"VOICE_MESH_ROOM":           "from-env",
		"VOICE_MESH_PARTICIPANT_ID": "env-id",
	})
	fs := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	BindPeerFlags(fs)
	if err := fs.Parse([]string{"--participant-id", "flag-id", "--udp-port-max", "40200"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	p, err := LoadPeer(env, path, fs)
	if err != nil {
		t.Fatalf("LoadPeer: %v", err)
	}
	if p.RelayURL != "wss://relay.example.com/relay" {
		t.Fatalf("RelayURL=%q, want file value", p.RelayURL)
	}
	if p.Room != "from-env" {
		t.Fatalf("Room=%q, want env value", p.Room)
	}
	if p.ParticipantID != "flag-id" {
		t.Fatalf("ParticipantID=%q, want flag value", p.ParticipantID)
	}
	if p.Role != "gm" || p.Codec != "msgpack" || !p.Muted {
		t.Fatalf("Role=%q Codec=%q Muted=%v", p.Role, p.Codec, p.Muted)
	}
	if p.UDPPortRange == nil || p.UDPPortRange.Min != 40000 || p.UDPPortRange.Max != 40200 {
		t.Fatalf("UDPPortRange=%+v, want 40000-40200", p.UDPPortRange)
	}
	if len(p.ICEServers) != 1 || p.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("ICEServers=%+v", p.ICEServers)
	}
	if p.SignalTimeout != 3*time.Second {
		t.Fatalf("SignalTimeout=%v, want 3s", p.SignalTimeout)
	}
}

func TestLoadPeer_UnsetFlagsDoNotOverride(t *testing.T) {
	fs := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	BindPeerFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	p, err := LoadPeer(lookupMap(map[string]string{
		"VOICE_MESH_ROOM":           "tavern",
		"VOICE_MESH_SIGNAL_TIMEOUT": "2s",
		"VOICE_MESH_MUTED":          "true",
	}), "", fs)
	if err != nil {
		t.Fatalf("LoadPeer: %v", err)
	}
	if p.SignalTimeout != 2*time.Second || !p.Muted {
		t.Fatalf("SignalTimeout=%v Muted=%v, want env values", p.SignalTimeout, p.Muted)
	}
}

func TestLoadPeer_RejectsUnknownFileKeys(t *testing.T) {
	path := writePeerFile(t, "room: tavern\nbogus: 1\n")
	if _, err := LoadPeer(noEnv, path, nil); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestLoadPeer_EmptyFileIsAllowed(t *testing.T) {
	path := writePeerFile(t, "")
	if _, err := LoadPeer(lookupMap(map[string]string{"VOICE_MESH_ROOM": "tavern"}), path, nil); err != nil {
		t.Fatalf("LoadPeer: %v", err)
	}
}

func TestLoadPeer_Validation(t *testing.T) {
	cases := map[string]map[string]string{
		"bad relay scheme":  {"VOICE_MESH_RELAY_URL": "http://relay"},
		"slash in room":     {"VOICE_MESH_ROOM": "a/b"},
		"slash in id":       {"VOICE_MESH_PARTICIPANT_ID": "a/b"},
		"bad codec":         {"VOICE_MESH_CODEC": "cbor"},
		"both credentials":  {"VOICE_MESH_API_KEY": "k", "VOICE_MESH_TOKEN": "t"},
		"half port range":   {"VOICE_MESH_UDP_PORT_MIN": "40000"},
		"inverted range":    {"VOICE_MESH_UDP_PORT_MIN": "40100", "VOICE_MESH_UDP_PORT_MAX": "40000"},
		"bad nat ip":        {"VOICE_MESH_NAT_1TO1_IPS": "not-an-ip"},
		"bad log level":     {"VOICE_MESH_LOG_LEVEL": "loud"},
		"zero timeout":      {"VOICE_MESH_SIGNAL_TIMEOUT": "0s"},
		"turn without cred": {envICEServersJSON: `[{"urls":"turn:turn.example.com"}]`},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			m := map[string]string{"VOICE_MESH_ROOM": "tavern"}
			for k, v := range env {
				m[k] = v
			}
			if _, err := LoadPeer(lookupMap(m), "", nil); err == nil {
				t.Fatalf("expected error for %v", env)
			}
		})
	}
}

func TestLoadPeer_NAT1To1IPs(t *testing.T) {
	p, err := LoadPeer(lookupMap(map[string]string{
		"VOICE_MESH_ROOM":         "tavern",
		"VOICE_MESH_NAT_1TO1_IPS": " 203.0.113.1, 2001:db8::1 ",
	}), "", nil)
	if err != nil {
		t.Fatalf("LoadPeer: %v", err)
	}
	if len(p.NAT1To1IPs) != 2 || p.NAT1To1IPs[0] != "203.0.113.1" || p.NAT1To1IPs[1] != "2001:db8::1" {
		t.Fatalf("NAT1To1IPs=%v", p.NAT1To1IPs)
	}
}
