package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/config"
)

func TestICEURL(t *testing.T) {
	cases := map[string]string{
		"ws://127.0.0.1:8080/relay":          "http://127.0.0.1:8080/ice",
		"wss://voice.example.com/relay?x=1":  "https://voice.example.com/ice",
		"wss://voice.example.com/mesh/relay": "https://voice.example.com/mesh/ice",
		"ws://voice.example.com":             "http://voice.example.com/ice",
	}
	for in, want := range cases {
		got, err := iceURL(in)
		if err != nil {
			t.Fatalf("iceURL(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("iceURL(%q)=%q, want %q", in, got, want)
		}
	}
	if _, err := iceURL("http://voice.example.com/relay"); err == nil {
		t.Fatalf("iceURL accepted an http URL")
	}
}

func TestFetchICEServers_SendsCredentials(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ice" {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"iceServers":[{"urls":["stun:stun.example.com:3478"]}]}`)
	}))
	defer srv.Close()

	p := config.Peer{
		RelayURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay",
		APIKey:   "secret",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	servers, err := fetchICEServers(ctx, p)
	if err != nil {
		t.Fatalf("fetchICEServers: %v", err)
	}
	if gotKey != "secret" {
		t.Fatalf("X-API-Key=%q, want secret", gotKey)
	}
	if len(servers) != 1 || len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("servers=%+v", servers)
	}
}

func TestFetchICEServers_RejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := config.Peer{RelayURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay"}
	if _, err := fetchICEServers(context.Background(), p); err == nil {
		t.Fatalf("fetchICEServers succeeded on 401")
	}
}

func TestReadCommands(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	in := strings.NewReader("mute\n\nbogus\n  UNMUTE \np\nquit\n")

	var got []command
	for c := range readCommands(context.Background(), in, logger) {
		got = append(got, c)
	}
	want := []command{cmdMute, cmdUnmute, cmdPeers, cmdLeave}
	if len(got) != len(want) {
		t.Fatalf("commands=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("commands=%v, want %v", got, want)
		}
	}
}

func TestReadCommands_StopsWhenCanceled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmds := readCommands(ctx, strings.NewReader("mute\nunmute\n"), logger)
	select {
	case c, ok := <-cmds:
		if ok {
			t.Fatalf("received %v after cancel, want closed channel", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("command reader still running after cancel")
	}
}

func TestSanitizeFileComponent(t *testing.T) {
	if got := sanitizeFileComponent("../gm one"); got != "___gm_one" {
		t.Fatalf("sanitizeFileComponent=%q", got)
	}
	if got := sanitizeFileComponent(""); got != "track" {
		t.Fatalf("sanitizeFileComponent(\"\")=%q", got)
	}
}

func TestJoinCmd_RejectsMissingRoom(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"join", "--relay-url", "ws://127.0.0.1:1/relay"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	t.Setenv("VOICE_MESH_ROOM", "")

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), config.FlagRoom) {
		t.Fatalf("Execute err=%v, want missing --%s", err, config.FlagRoom)
	}
}
