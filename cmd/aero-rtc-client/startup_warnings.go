package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/rtc-client/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	// The key is the last path segment of the socket URL.
	if u, err := url.Parse(cfg.WebSocketURL); err == nil && strings.EqualFold(u.Scheme, "ws") && cfg.Secret != "" {
		logger.Warn("startup security warning: the API key travels in cleartext over ws://",
			"warning_code", "secret_over_cleartext_socket",
			"ws_host", u.Host,
			"mode", cfg.Mode,
		)
	}
	if u, err := url.Parse(cfg.APIURL); err == nil && strings.EqualFold(u.Scheme, "http") && cfg.Secret != "" {
		logger.Warn("startup security warning: the API key travels in cleartext over http://",
			"warning_code", "secret_over_cleartext_api",
			"api_host", u.Host,
			"mode", cfg.Mode,
		)
	}

	if strings.EqualFold(cfg.RTC.ICETransportPolicy, webrtc.ICETransportPolicyRelay.String()) && !hasTURNServer(cfg.ICEServers) {
		logger.Warn("startup warning: ice_transport_policy=relay without any TURN server; calls cannot connect",
			"warning_code", "relay_policy_without_turn",
			"ice_servers", len(cfg.ICEServers),
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured while --mode=prod; peers behind NAT will not connect",
			"warning_code", "no_ice_servers_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.HeartbeatTimeoutMultiplier == 1 {
		logger.Warn("startup warning: --heartbeat-multiplier=1 declares the server unreachable after a single late heartbeat",
			"warning_code", "heartbeat_multiplier_one",
		)
	}

	if cfg.RTC.DisableRenegotiation {
		logger.Info("renegotiation disabled; tracks added after the first offer need a new call",
			"warning_code", "renegotiation_disabled",
		)
	}
}

func hasTURNServer(servers []webrtc.ICEServer) bool {
	for _, server := range servers {
		for _, raw := range server.URLs {
			u := strings.ToLower(strings.TrimSpace(raw))
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}
