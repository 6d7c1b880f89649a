// Package signaling exchanges offers, answers, ICE candidates and presence
// between participants of a room through a store.Store.
//
// Every listener records its start time when it subscribes and silently drops
// records written before that instant, so leftovers from an earlier session
// with the same peer are never replayed into a new negotiation.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/metrics"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/store"
)

// Description is a delivered offer or answer.
type Description struct {
	From      string
	SDP       string
	Timestamp time.Time
}

// Candidate is a delivered remote ICE candidate.
type Candidate struct {
	From      string
	Init      webrtc.ICECandidateInit
	Timestamp time.Time
}

// Presence is a delivered presence record of another participant.
type Presence struct {
	ParticipantID string
	Role          string
	Status        PresenceStatus
	Timestamp     time.Time
	// Preexisting is true when the record was written no later than the
	// millisecond the listener subscribed, i.e. the participant was already in
	// the room. Two participants joining within the same millisecond both see
	// each other as preexisting and both offer.
	Preexisting bool
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// Channel is the signaling channel of one room.
type Channel struct {
	store   store.Store
	room    string
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewChannel(st store.Store, room string, opts Options) (*Channel, error) {
	if st == nil {
		return nil, fmt.Errorf("signaling: nil store")
	}
	if err := store.ValidatePath(room); err != nil || strings.Contains(room, "/") {
		return nil, fmt.Errorf("signaling: invalid room id %q", room)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Channel{
		store:   st,
		room:    room,
		log:     log.With("room", room),
		metrics: opts.Metrics,
		now:     now,
	}, nil
}

func (c *Channel) Room() string { return c.room }

func (c *Channel) inboxPath(to string, kind Kind) string {
	return store.Join("rooms", c.room, "signals", to, string(kind))
}

func (c *Channel) presencePath() string {
	return store.Join("rooms", c.room, "presence")
}

func (c *Channel) timestamp() int64 {
	return c.now().UnixMilli()
}

func (c *Channel) SendOffer(ctx context.Context, from, to, sdp string) error {
	return c.sendDescription(ctx, KindOffers, webrtc.SDPTypeOffer, from, to, sdp)
}

func (c *Channel) SendAnswer(ctx context.Context, from, to, sdp string) error {
	return c.sendDescription(ctx, KindAnswers, webrtc.SDPTypeAnswer, from, to, sdp)
}

func (c *Channel) sendDescription(ctx context.Context, kind Kind, typ webrtc.SDPType, from, to, sdp string) error {
	if err := validateParticipants(from, to); err != nil {
		return err
	}
	data, err := json.Marshal(descriptionRecord{
		Type:      typ.String(),
		SDP:       sdp,
		From:      from,
		Timestamp: c.timestamp(),
	})
	if err != nil {
		return err
	}
	if err := c.store.Write(ctx, store.Join(c.inboxPath(to, kind), from), data); err != nil {
		return fmt.Errorf("signaling: send %s to %s: %w", typ, to, err)
	}
	c.metrics.Inc(metrics.SignalsSent)
	return nil
}

func (c *Channel) SendICECandidate(ctx context.Context, from, to string, candidate webrtc.ICECandidateInit) error {
	if err := validateParticipants(from, to); err != nil {
		return err
	}
	data, err := json.Marshal(candidateRecordFromPion(from, candidate, c.timestamp()))
	if err != nil {
		return err
	}
	key := from + "-" + uuid.NewString()
	if err := c.store.Write(ctx, store.Join(c.inboxPath(to, KindCandidates), key), data); err != nil {
		return fmt.Errorf("signaling: send candidate to %s: %w", to, err)
	}
	c.metrics.Inc(metrics.SignalsSent)
	return nil
}

// ListenForOffers delivers offers addressed to self. Delivered offers are
// deleted from the store.
func (c *Channel) ListenForOffers(ctx context.Context, self string, fn func(Description)) (func(), error) {
	return c.listenForDescriptions(ctx, KindOffers, self, fn)
}

// ListenForAnswers delivers answers addressed to self. Delivered answers are
// deleted from the store.
func (c *Channel) ListenForAnswers(ctx context.Context, self string, fn func(Description)) (func(), error) {
	return c.listenForDescriptions(ctx, KindAnswers, self, fn)
}

func (c *Channel) listenForDescriptions(ctx context.Context, kind Kind, self string, fn func(Description)) (func(), error) {
	if err := validateParticipant(self); err != nil {
		return nil, err
	}
	inbox := c.inboxPath(self, kind)
	startTime := c.timestamp()
	log := c.log.With("self", self, "kind", string(kind))

	return c.store.SubscribeNewChildren(ctx, inbox, func(child store.Child) {
		rec, err := parseDescriptionRecord(kind, child.Value)
		if err == nil && rec.From != child.Key {
			err = fmt.Errorf("%w: from=%q stored under key %q", ErrInvalidRecord, rec.From, child.Key)
		}
		if err != nil {
			c.metrics.Inc(metrics.SignalsDroppedInvalid)
			log.Warn("signal_dropped_invalid", "key", child.Key, "err", err)
			return
		}
		if rec.Timestamp < startTime {
			c.metrics.Inc(metrics.SignalsDroppedStale)
			log.Debug("signal_dropped_stale", "from", rec.From, "timestamp", rec.Timestamp, "start_time", startTime)
			return
		}

		c.metrics.Inc(metrics.SignalsDelivered)
		fn(Description{
			From:      rec.From,
			SDP:       rec.SDP,
			Timestamp: time.UnixMilli(rec.Timestamp),
		})

		if err := c.store.Delete(ctx, store.Join(inbox, child.Key)); err != nil {
			log.Debug("signal_delete_failed", "from", rec.From, "err", err)
		}
	})
}

// ListenForICECandidates delivers candidates addressed to self. Candidate
// records are left in the store; Cleanup removes them.
func (c *Channel) ListenForICECandidates(ctx context.Context, self string, fn func(Candidate)) (func(), error) {
	if err := validateParticipant(self); err != nil {
		return nil, err
	}
	startTime := c.timestamp()
	log := c.log.With("self", self, "kind", string(KindCandidates))

	return c.store.SubscribeNewChildren(ctx, c.inboxPath(self, KindCandidates), func(child store.Child) {
		rec, err := parseCandidateRecord(child.Value)
		if err == nil && !strings.HasPrefix(child.Key, rec.From+"-") {
			err = fmt.Errorf("%w: from=%q stored under key %q", ErrInvalidRecord, rec.From, child.Key)
		}
		if err != nil {
			c.metrics.Inc(metrics.SignalsDroppedInvalid)
			log.Warn("signal_dropped_invalid", "key", child.Key, "err", err)
			return
		}
		if rec.Timestamp < startTime {
			c.metrics.Inc(metrics.SignalsDroppedStale)
			return
		}

		c.metrics.Inc(metrics.SignalsDelivered)
		fn(Candidate{
			From:      rec.From,
			Init:      rec.ToPion(),
			Timestamp: time.UnixMilli(rec.Timestamp),
		})
	})
}

// UpdatePresence publishes a best-effort liveness flag for self.
func (c *Channel) UpdatePresence(ctx context.Context, self, role string, status PresenceStatus) error {
	if err := validateParticipant(self); err != nil {
		return err
	}
	data, err := json.Marshal(presenceRecord{
		ParticipantID: self,
		Role:          role,
		Status:        status,
		Timestamp:     c.timestamp(),
	})
	if err != nil {
		return err
	}
	if err := c.store.Write(ctx, store.Join(c.presencePath(), self), data); err != nil {
		return fmt.Errorf("signaling: update presence: %w", err)
	}
	return nil
}

// ListenForPresence delivers presence records of every participant other than
// self, including the ones already present when the listener subscribed.
func (c *Channel) ListenForPresence(ctx context.Context, self string, fn func(Presence)) (func(), error) {
	if err := validateParticipant(self); err != nil {
		return nil, err
	}
	startTime := c.timestamp()

	return c.store.SubscribeNewChildren(ctx, c.presencePath(), func(child store.Child) {
		rec, err := parsePresenceRecord(child.Value)
		if err == nil && rec.ParticipantID != child.Key {
			err = fmt.Errorf("%w: participantId=%q stored under key %q", ErrInvalidRecord, rec.ParticipantID, child.Key)
		}
		if err != nil {
			c.metrics.Inc(metrics.SignalsDroppedInvalid)
			c.log.Warn("presence_dropped_invalid", "key", child.Key, "err", err)
			return
		}
		if rec.ParticipantID == self {
			return
		}
		fn(Presence{
			ParticipantID: rec.ParticipantID,
			Role:          rec.Role,
			Status:        rec.Status,
			Timestamp:     time.UnixMilli(rec.Timestamp),
			Preexisting:   rec.Timestamp <= startTime,
		})
	})
}

// Cleanup removes every inbox record addressed to self and self's presence
// record.
func (c *Channel) Cleanup(ctx context.Context, self string) error {
	if err := validateParticipant(self); err != nil {
		return err
	}
	if err := c.store.Remove(ctx, store.Join("rooms", c.room, "signals", self)); err != nil {
		return fmt.Errorf("signaling: cleanup inbox: %w", err)
	}
	if err := c.store.Delete(ctx, store.Join(c.presencePath(), self)); err != nil {
		return fmt.Errorf("signaling: cleanup presence: %w", err)
	}
	return nil
}

func validateParticipants(from, to string) error {
	if err := validateParticipant(from); err != nil {
		return err
	}
	return validateParticipant(to)
}

func validateParticipant(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("signaling: invalid participant id %q", id)
	}
	if err := store.ValidatePath(id); err != nil {
		return fmt.Errorf("signaling: invalid participant id %q: %w", id, err)
	}
	return nil
}
