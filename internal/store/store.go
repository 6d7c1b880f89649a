// Package store defines the key-addressed, push-notified record store that
// carries signaling records between participants.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MaxPathBytes bounds the length of any record path.
const MaxPathBytes = 512

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrClosed      = errors.New("store closed")
)

// Child is a record directly below a subscribed path.
type Child struct {
	// Key is the last path segment of the record.
	Key   string
	Value []byte
}

// Store is implemented by the in-process MemoryStore and by relay.Client.
//
// SubscribeNewChildren replays records that already exist below path and then
// reports every subsequent write to a direct child. Callbacks for a single
// subscription are invoked sequentially, in write order.
type Store interface {
	Write(ctx context.Context, path string, value []byte) error
	SubscribeNewChildren(ctx context.Context, path string, fn func(Child)) (unsubscribe func(), err error)
	Delete(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// ValidatePath reports whether p is a well-formed record path.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if len(p) > MaxPathBytes {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidPath, MaxPathBytes)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, p)
		}
		if seg == "." || seg == ".." {
			return fmt.Errorf("%w: relative segment in %q", ErrInvalidPath, p)
		}
		for i := 0; i < len(seg); i++ {
			if !isSegmentChar(seg[i]) {
				return fmt.Errorf("%w: invalid character %q in %q", ErrInvalidPath, seg[i], p)
			}
		}
	}
	return nil
}

func isSegmentChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', ':', '@':
		return true
	default:
		return false
	}
}

// parentAndKey splits p into its parent path and last segment.
func parentAndKey(p string) (parent, key string) {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}
