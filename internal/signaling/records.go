package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

var ErrInvalidRecord = errors.New("signaling: invalid record")

// Kind names the per-recipient inbox a record is written to.
type Kind string

const (
	KindOffers     Kind = "offers"
	KindAnswers    Kind = "answers"
	KindCandidates Kind = "candidates"
)

// PresenceStatus is the liveness flag published by UpdatePresence.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

type descriptionRecord struct {
	Type      string `json:"type"`
	SDP       string `json:"sdp"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}

type candidateRecord struct {
	Candidate        string  `json:"candidate"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex"`
	SDPMid           *string `json:"sdpMid"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
	From             string  `json:"from"`
	Timestamp        int64   `json:"timestamp"`
}

type presenceRecord struct {
	ParticipantID string         `json:"participantId"`
	Role          string         `json:"role"`
	Status        PresenceStatus `json:"status"`
	Timestamp     int64          `json:"timestamp"`
}

func candidateRecordFromPion(from string, init webrtc.ICECandidateInit, ts int64) candidateRecord {
	return candidateRecord{
		Candidate:        init.Candidate,
		SDPMLineIndex:    init.SDPMLineIndex,
		SDPMid:           init.SDPMid,
		UsernameFragment: init.UsernameFragment,
		From:             from,
		Timestamp:        ts,
	}
}

func (c candidateRecord) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMLineIndex:    c.SDPMLineIndex,
		SDPMid:           c.SDPMid,
		UsernameFragment: c.UsernameFragment,
	}
}

// decodeStrict decodes exactly one JSON document, rejecting unknown fields
// and trailing data.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: unexpected trailing data", ErrInvalidRecord)
	}
	return nil
}

func parseDescriptionRecord(kind Kind, data []byte) (descriptionRecord, error) {
	var rec descriptionRecord
	if err := decodeStrict(data, &rec); err != nil {
		return descriptionRecord{}, err
	}
	if err := rec.validate(kind); err != nil {
		return descriptionRecord{}, err
	}
	return rec, nil
}

func (r descriptionRecord) validate(kind Kind) error {
	want := ""
	switch kind {
	case KindOffers:
		want = webrtc.SDPTypeOffer.String()
	case KindAnswers:
		want = webrtc.SDPTypeAnswer.String()
	default:
		return fmt.Errorf("%w: kind %q does not carry session descriptions", ErrInvalidRecord, kind)
	}
	if r.Type != want {
		return fmt.Errorf("%w: %s record has type=%q", ErrInvalidRecord, kind, r.Type)
	}
	if strings.TrimSpace(r.SDP) == "" {
		return fmt.Errorf("%w: %s record missing sdp", ErrInvalidRecord, kind)
	}
	if r.From == "" {
		return fmt.Errorf("%w: %s record missing from", ErrInvalidRecord, kind)
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("%w: %s record missing timestamp", ErrInvalidRecord, kind)
	}
	return nil
}

func parseCandidateRecord(data []byte) (candidateRecord, error) {
	var rec candidateRecord
	if err := decodeStrict(data, &rec); err != nil {
		return candidateRecord{}, err
	}
	if err := rec.validate(); err != nil {
		return candidateRecord{}, err
	}
	return rec, nil
}

func (c candidateRecord) validate() error {
	if c.From == "" {
		return fmt.Errorf("%w: candidate record missing from", ErrInvalidRecord)
	}
	if c.Timestamp <= 0 {
		return fmt.Errorf("%w: candidate record missing timestamp", ErrInvalidRecord)
	}
	if c.SDPMid == nil && c.SDPMLineIndex == nil {
		return fmt.Errorf("%w: candidate record needs sdpMid or sdpMLineIndex", ErrInvalidRecord)
	}
	return validateCandidateLine(c.Candidate)
}

// validateCandidateLine checks an SDP candidate attribute value
// ("candidate:..." or the bare form).
func validateCandidateLine(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty candidate", ErrInvalidRecord)
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(raw, "candidate:")); err != nil {
		return fmt.Errorf("%w: candidate %q: %v", ErrInvalidRecord, raw, err)
	}
	return nil
}

func parsePresenceRecord(data []byte) (presenceRecord, error) {
	var rec presenceRecord
	if err := decodeStrict(data, &rec); err != nil {
		return presenceRecord{}, err
	}
	if rec.ParticipantID == "" {
		return presenceRecord{}, fmt.Errorf("%w: presence record missing participantId", ErrInvalidRecord)
	}
	switch rec.Status {
	case PresenceOnline, PresenceOffline:
	default:
		return presenceRecord{}, fmt.Errorf("%w: presence status %q", ErrInvalidRecord, rec.Status)
	}
	if rec.Timestamp <= 0 {
		return presenceRecord{}, fmt.Errorf("%w: presence record missing timestamp", ErrInvalidRecord)
	}
	return rec, nil
}
