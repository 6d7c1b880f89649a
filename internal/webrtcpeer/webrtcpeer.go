// Package webrtcpeer builds pion PeerConnections for voice sessions: an
// Opus-only media engine, the default interceptors, and the network settings
// a participant is configured with.
package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/config"
)

const (
	OpusPayloadType = 111
	OpusClockRate   = 48000
	OpusChannels    = 2
	opusFmtp        = "minptime=10;useinbandfec=1"
)

// OpusCapability is the only codec voice sessions negotiate.
var OpusCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   OpusClockRate,
	Channels:    OpusChannels,
	SDPFmtpLine: opusFmtp,
}

type Options struct {
	UDPPortRange *config.UDPPortRange
	NAT1To1IPs   []string
	// IncludeLoopback gathers loopback candidates, for single-host rooms.
	IncludeLoopback bool
	// Net replaces the OS network stack; tests pass a vnet.Net.
	Net    transport.Net
	Logger *slog.Logger
}

// OptionsFromPeer maps a participant's configuration onto API options.
func OptionsFromPeer(p config.Peer, log *slog.Logger) Options {
	return Options{
		UDPPortRange: p.UDPPortRange,
		NAT1To1IPs:   p.NAT1To1IPs,
		Logger:       log,
	}
}

func NewAPI(opts Options) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: OpusCapability,
		PayloadType:        OpusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, opts); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, opts Options) error {
	if opts.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortRange.Min, opts.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if len(opts.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(opts.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if opts.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(opts.Logger)
	}
	return nil
}
