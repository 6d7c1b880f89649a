package webrtcpeer

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerFactory_ScopesAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	l := NewLoggerFactory(log).NewLogger("ice")
	l.Tracef("trace %d", 1)
	l.Debug("debug")
	l.Warnf("candidate %s failed", "host")

	out := buf.String()
	if strings.Contains(out, "trace 1") || strings.Contains(out, "msg=debug") {
		t.Fatalf("below-level messages logged: %q", out)
	}
	if !strings.Contains(out, `msg="candidate host failed"`) {
		t.Fatalf("missing formatted warning: %q", out)
	}
	if !strings.Contains(out, "scope=ice") || !strings.Contains(out, "component=pion") {
		t.Fatalf("missing scope attributes: %q", out)
	}
}
