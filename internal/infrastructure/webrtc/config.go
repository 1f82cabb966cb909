package webrtc

import (
	"fmt"
	"time"

	"chatnest/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// Config holds the peer connection settings shared by data and media sessions.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	ConnectTimeout time.Duration
}

// ConfigFrom maps the application config onto pion types.
func ConfigFrom(cfg *config.Config) Config {
	var c Config
	for _, s := range cfg.WebRTC.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	c.PortRange.Min = cfg.WebRTC.PortRange.Min
	c.PortRange.Max = cfg.WebRTC.PortRange.Max
	c.ConnectTimeout = cfg.Signal.ConnectTimeout
	return c
}

func newAPI(cfg Config) (*webrtc.API, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	// NACK, RTCP reports and TWCC; drainRTCP and the PLI loop rely on them.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}
