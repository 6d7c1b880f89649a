package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
)

type command int

const (
	cmdMute command = iota + 1
	cmdUnmute
	cmdPeers
	cmdLeave
)

func parseCommand(line string) (command, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "mute", "m":
		return cmdMute, true
	case "unmute", "u":
		return cmdUnmute, true
	case "peers", "p":
		return cmdPeers, true
	case "leave", "quit", "q":
		return cmdLeave, true
	default:
		return 0, false
	}
}

// readCommands parses one command per line from r until EOF or until ctx is
// done.
func readCommands(ctx context.Context, r io.Reader, logger *slog.Logger) <-chan command {
	out := make(chan command)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := sc.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			c, ok := parseCommand(line)
			if !ok {
				logger.Warn("unknown command (expected mute, unmute, peers or leave)", "input", line)
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
