package webrtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/transport/v2"
	"github.com/pion/webrtc/v3"
)

// Config holds the settings shared by every peer connection of a process
type Config struct {
	ICEServers  []webrtc.ICEServer
	PortMin     uint16
	PortMax     uint16
	PLIInterval time.Duration

	// Net replaces the host network stack, for example with a vnet
	Net           transport.Net
	LoggerFactory logging.LoggerFactory
}

// NewAPI builds a pion API with the default codecs and interceptors (NACK,
// RTCP reports, TWCC) registered.
func NewAPI(cfg Config) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}
