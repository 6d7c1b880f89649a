package webrtcpeer

import (
	"errors"
	"io"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// RTPReader is the receive side of *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RecordOpus writes every packet of an Opus track to an Ogg file at path
// until the track ends. It returns the number of packets written.
func RecordOpus(track RTPReader, path string) (int, error) {
	w, err := oggwriter.New(path, OpusClockRate, OpusChannels)
	if err != nil {
		return 0, err
	}
	n, err := copyOpus(track, w)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Discard reads and drops every packet of a track until it ends.
func Discard(track RTPReader) int {
	n := 0
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return n
		}
		n++
	}
}

func copyOpus(track RTPReader, w *oggwriter.OggWriter) (int, error) {
	n := 0
	for {
		pkt, _, err := track.ReadRTP()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if err := w.WriteRTP(pkt); err != nil {
			return n, err
		}
		n++
	}
}
