package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

type APIConfig struct {
	Logger *slog.Logger
	// Net replaces the host network, e.g. with a vnet for tests.
	Net transport.Net
}

// NewAPI builds the pion API used for every peer connection of a session:
// default codecs, and pion's own logs routed into slog.
func NewAPI(cfg APIConfig) (*webrtc.API, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(cfg.Logger),
	}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}
