package main

import (
	"log/slog"
	"net/http"

	"github.com/wilsonzlin/aero/rtc-client/internal/config"
	"github.com/wilsonzlin/aero/rtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/rtc-client/internal/peer"
	"github.com/wilsonzlin/aero/rtc-client/internal/session"
	"github.com/wilsonzlin/aero/rtc-client/internal/transport"
)

// setup loads the config and installs its logger as the default.
func setup(loader *config.Loader) (config.Config, *slog.Logger, error) {
	cfg, err := loader.Config()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	logStartupWarnings(logger, cfg)
	return cfg, logger, nil
}

func socketHeader(cfg config.Config) http.Header {
	h := http.Header{}
	for k, v := range cfg.RTC.SocketHeaders {
		h.Set(k, v)
	}
	return h
}

func newTransport(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) transport.Transport {
	switch cfg.Transport {
	case config.TransportLegacy:
		return transport.NewLegacy(transport.LegacyConfig{
			Header:  socketHeader(cfg),
			Logger:  logger,
			Metrics: m,
		})
	default:
		return transport.NewWebSocket(transport.WebSocketConfig{
			Header:       socketHeader(cfg),
			PingInterval: transport.DefaultPingInterval,
			Logger:       logger,
			Metrics:      m,
		})
	}
}

// newSession builds the session described by cfg. It does not connect.
func newSession(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*session.Session, error) {
	// Build the pion API up front so codec or network errors surface before
	// any call is attempted.
	api, err := peer.NewAPI(peer.APIConfig{Logger: logger})
	if err != nil {
		return nil, err
	}

	return session.New(session.Config{
		SessionID:                  cfg.SessionID,
		Secret:                     cfg.Secret,
		WebSocketURL:               cfg.WebSocketURL,
		APIURL:                     cfg.APIURL,
		Transport:                  newTransport(cfg, logger, m),
		AskTimeout:                 cfg.AskTimeout,
		ReconnectDelay:             cfg.ReconnectDelay,
		HeartbeatTimeoutMultiplier: cfg.HeartbeatTimeoutMultiplier,
		Peer: peer.PoolConfig{
			Factory:              peer.PionFactory(api, cfg.WebRTCConfiguration()),
			RenegotiationDelay:   cfg.RTC.RenegotiationDelay,
			DisableRenegotiation: cfg.RTC.DisableRenegotiation,
			OfferOptions:         cfg.RTC.OfferOptions(),
			AnswerOptions:        cfg.RTC.AnswerOptions(),
			DataQueueSize:        cfg.RTC.DataQueueSize,
			DataBytesPerSecond:   cfg.RTC.DataBytesPerSecond,
		},
		Logger:  logger,
		Metrics: m,
	})
}
