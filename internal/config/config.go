package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
	"github.com/wilsonzlin/aero/rtc-client/internal/turnrest"
)

const (
	envVarMode      = "AERO_RTC_MODE"
	envVarLogFormat = "AERO_RTC_LOG_FORMAT"
	envVarLogLevel  = "AERO_RTC_LOG_LEVEL"
	envVarConfig    = "AERO_RTC_CONFIG"

	envVarServerURL    = "AERO_RTC_SERVER_URL"
	envVarWebSocketURL = "AERO_RTC_WS_URL"
	envVarAPIURL       = "AERO_RTC_API_URL"
	envVarSessionID    = "AERO_RTC_SESSION_ID"
	envVarSecret       = "AERO_RTC_SECRET"
	envVarTransport    = "AERO_RTC_TRANSPORT"

	envVarAskTimeout          = "AERO_RTC_ASK_TIMEOUT"
	envVarReconnectDelay      = "AERO_RTC_RECONNECT_DELAY"
	envVarHeartbeatMultiplier = "AERO_RTC_HEARTBEAT_MULTIPLIER"
	envVarRenegotiationDelay  = "AERO_RTC_RENEGOTIATION_DELAY"
	envVarMetricsAddr         = "AERO_RTC_METRICS_ADDR"
)

const (
	DefaultAskTimeout          = 5 * time.Second
	DefaultReconnectDelay      = 5 * time.Second
	DefaultHeartbeatMultiplier = 2

	webSocketPath = "ws"
	apiPath       = "api"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// TransportKind selects the signaling socket implementation.
type TransportKind string

const (
	TransportWebSocket TransportKind = "websocket"
	TransportLegacy    TransportKind = "legacy"
)

type Config struct {
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	ConfigFile string

	// ServerURL is the http(s) origin of the chat server. WebSocketURL and
	// APIURL are derived from it unless set explicitly.
	ServerURL    string
	WebSocketURL string
	APIURL       string

	SessionID string
	Secret    string
	Transport TransportKind

	AskTimeout                 time.Duration
	ReconnectDelay             time.Duration
	HeartbeatTimeoutMultiplier int

	// MetricsAddr enables the debug HTTP server when non-empty.
	MetricsAddr string

	ICEServers []webrtc.ICEServer
	RTC        RTCConfig
}

// Loader holds the flag set that env values seed. Commands register its
// flags on their own flag sets and call Config after parsing.
type Loader struct {
	fs     *pflag.FlagSet
	lookup func(string) (string, bool)

	envSet map[string]bool

	modeStr, logFormatStr, logLevelStr string
	configFile                         string

	serverURL, webSocketURL, apiURL string
	sessionID, secret, transport    string

	askTimeout          time.Duration
	reconnectDelay      time.Duration
	heartbeatMultiplier int
	renegotiationDelay  time.Duration
	metricsAddr         string

	iceServersJSON, stunURLs, turnURLs string
	turnUsername, turnCredential       string
	turnSharedSecret                   string
	turnCredentialTTL                  time.Duration

	clock clock.Clock
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	l, err := newLoader(lookup)
	if err != nil {
		return Config{}, err
	}
	if err := l.fs.Parse(args); err != nil {
		return Config{}, err
	}
	return l.Config()
}

func NewLoader() (*Loader, error) {
	return newLoader(os.LookupEnv)
}

func newLoader(lookup func(string) (string, bool)) (*Loader, error) {
	l := &Loader{lookup: lookup, envSet: map[string]bool{}, clock: clock.Real()}
	for _, key := range []string{envVarLogFormat, envVarLogLevel, envVarRenegotiationDelay} {
		if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
			l.envSet[key] = true
		}
	}

	var err error
	if l.askTimeout, err = envDurationOrDefault(lookup, envVarAskTimeout, DefaultAskTimeout); err != nil {
		return nil, err
	}
	if l.reconnectDelay, err = envDurationOrDefault(lookup, envVarReconnectDelay, DefaultReconnectDelay); err != nil {
		return nil, err
	}
	if l.renegotiationDelay, err = envDurationOrDefault(lookup, envVarRenegotiationDelay, DefaultRenegotiationDelay); err != nil {
		return nil, err
	}
	if l.heartbeatMultiplier, err = envIntOrDefault(lookup, envVarHeartbeatMultiplier, DefaultHeartbeatMultiplier); err != nil {
		return nil, err
	}
	if l.turnCredentialTTL, err = envDurationOrDefault(lookup, envTurnCredentialTTL, turnrest.DefaultTTL); err != nil {
		return nil, err
	}

	modeDefault := envOrDefault(lookup, envVarMode, string(ModeDev))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	fs := pflag.NewFlagSet("aero-rtc-client", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&l.modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&l.logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&l.logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.StringVar(&l.configFile, "config", envOrDefault(lookup, envVarConfig, ""), "YAML file with an rtc section (env "+envVarConfig+")")

	fs.StringVar(&l.serverURL, "server-url", envOrDefault(lookup, envVarServerURL, ""), "Chat server origin, e.g. https://chat.example.com (env "+envVarServerURL+")")
	fs.StringVar(&l.webSocketURL, "ws-url", envOrDefault(lookup, envVarWebSocketURL, ""), "Signaling socket URL without the key (default <server-url>/ws; env "+envVarWebSocketURL+")")
	fs.StringVar(&l.apiURL, "api-url", envOrDefault(lookup, envVarAPIURL, ""), "REST base URL (default <server-url>/api; env "+envVarAPIURL+")")
	fs.StringVar(&l.sessionID, "session-id", envOrDefault(lookup, envVarSessionID, ""), "Id of the signed-in user (env "+envVarSessionID+")")
	fs.StringVar(&l.secret, "secret", envOrDefault(lookup, envVarSecret, ""), "API key of the signed-in user (env "+envVarSecret+")")
	fs.StringVar(&l.transport, "transport", envOrDefault(lookup, envVarTransport, string(TransportWebSocket)), "Signaling transport: websocket or legacy (env "+envVarTransport+")")

	fs.DurationVar(&l.askTimeout, "ask-timeout", l.askTimeout, "Time to wait for a correlated reply (env "+envVarAskTimeout+")")
	fs.DurationVar(&l.reconnectDelay, "reconnect-delay", l.reconnectDelay, "Delay between reconnection attempts (env "+envVarReconnectDelay+")")
	fs.IntVar(&l.heartbeatMultiplier, "heartbeat-multiplier", l.heartbeatMultiplier, "Missed heartbeat periods before the server is unreachable (env "+envVarHeartbeatMultiplier+")")
	fs.DurationVar(&l.renegotiationDelay, "renegotiation-delay", l.renegotiationDelay, "Debounce for renegotiation offers; overrides the config file (env "+envVarRenegotiationDelay+")")
	fs.StringVar(&l.metricsAddr, "metrics-addr", envOrDefault(lookup, envVarMetricsAddr, ""), "Debug HTTP listen address, empty disables it (env "+envVarMetricsAddr+")")

	fs.StringVar(&l.iceServersJSON, "ice-servers-json", envOrDefault(lookup, envICEServersJSON, ""), "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&l.stunURLs, "stun-urls", envOrDefault(lookup, envStunURLs, ""), "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&l.turnURLs, "turn-urls", envOrDefault(lookup, envTurnURLs, ""), "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&l.turnUsername, "turn-username", envOrDefault(lookup, envTurnUsername, ""), "TURN username ("+envTurnUsername+")")
	fs.StringVar(&l.turnCredential, "turn-credential", envOrDefault(lookup, envTurnCredential, ""), "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&l.turnSharedSecret, "turn-shared-secret", envOrDefault(lookup, envTurnSharedSecret, ""), "Mint TURN credentials from this secret when none are given ("+envTurnSharedSecret+")")
	fs.DurationVar(&l.turnCredentialTTL, "turn-credential-ttl", l.turnCredentialTTL, "Lifetime of minted TURN credentials ("+envTurnCredentialTTL+")")

	l.fs = fs
	return l, nil
}

func (l *Loader) FlagSet() *pflag.FlagSet { return l.fs }

// Config validates the parsed values. Call it after the flag set has been
// parsed.
func (l *Loader) Config() (Config, error) {
	mode, err := parseMode(l.modeStr)
	if err != nil {
		return Config{}, err
	}

	logFormatStr := l.logFormatStr
	if !l.envSet[envVarLogFormat] && !l.fs.Changed("log-format") {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	logLevelStr := l.logLevelStr
	if !l.envSet[envVarLogLevel] && !l.fs.Changed("log-level") {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	transport, err := parseTransportKind(l.transport)
	if err != nil {
		return Config{}, err
	}

	if l.askTimeout <= 0 {
		return Config{}, fmt.Errorf("--ask-timeout must be > 0, got %s", l.askTimeout)
	}
	if l.reconnectDelay <= 0 {
		return Config{}, fmt.Errorf("--reconnect-delay must be > 0, got %s", l.reconnectDelay)
	}
	if l.heartbeatMultiplier < 1 {
		return Config{}, fmt.Errorf("--heartbeat-multiplier must be >= 1, got %d", l.heartbeatMultiplier)
	}

	webSocketURL, apiURL, err := resolveEndpoints(l.serverURL, l.webSocketURL, l.apiURL)
	if err != nil {
		return Config{}, err
	}

	rtc, err := loadRTCFile(l.configFile)
	if err != nil {
		return Config{}, err
	}
	if l.envSet[envVarRenegotiationDelay] || l.fs.Changed("renegotiation-delay") {
		if l.renegotiationDelay < 0 {
			return Config{}, fmt.Errorf("--renegotiation-delay must be >= 0, got %s", l.renegotiationDelay)
		}
		rtc.RenegotiationDelay = l.renegotiationDelay
	}

	turnUsername, turnCredential, err := l.turnCredentials()
	if err != nil {
		return Config{}, err
	}
	iceServers, err := iceServersFromValues(l.iceServersJSON, l.stunURLs, l.turnURLs, turnUsername, turnCredential, rtc.ICEServers)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Mode:                       mode,
		LogFormat:                  logFormat,
		LogLevel:                   level,
		ConfigFile:                 l.configFile,
		ServerURL:                  strings.TrimSpace(l.serverURL),
		WebSocketURL:               webSocketURL,
		APIURL:                     apiURL,
		SessionID:                  strings.TrimSpace(l.sessionID),
		Secret:                     strings.TrimSpace(l.secret),
		Transport:                  transport,
		AskTimeout:                 l.askTimeout,
		ReconnectDelay:             l.reconnectDelay,
		HeartbeatTimeoutMultiplier: l.heartbeatMultiplier,
		MetricsAddr:                strings.TrimSpace(l.metricsAddr),
		ICEServers:                 iceServers,
		RTC:                        rtc,
	}, nil
}

// turnCredentials mints TURN credentials for the signed-in user when a
// shared secret is configured and no static credentials were given.
func (l *Loader) turnCredentials() (string, string, error) {
	username, credential := strings.TrimSpace(l.turnUsername), strings.TrimSpace(l.turnCredential)
	secret := strings.TrimSpace(l.turnSharedSecret)
	if secret == "" || username != "" || credential != "" {
		return username, credential, nil
	}
	minter, err := turnrest.NewMinter(turnrest.MinterConfig{
		SharedSecret: secret,
		TTL:          l.turnCredentialTTL,
		Clock:        l.clock,
	})
	if err != nil {
		return "", "", fmt.Errorf("--turn-shared-secret: %w", err)
	}
	creds, err := minter.Mint(strings.TrimSpace(l.sessionID))
	if err != nil {
		return "", "", fmt.Errorf("--turn-shared-secret: %w", err)
	}
	return creds.Username, creds.Credential, nil
}

// resolveEndpoints derives the socket and REST URLs from the server origin.
// Explicit values win. Both may stay empty when nothing is configured;
// the session rejects that when it is built.
func resolveEndpoints(serverURL, webSocketURL, apiURL string) (string, string, error) {
	webSocketURL = strings.TrimSpace(webSocketURL)
	apiURL = strings.TrimSpace(apiURL)
	if webSocketURL != "" {
		if err := validateURL(webSocketURL, "ws", "wss"); err != nil {
			return "", "", fmt.Errorf("invalid --ws-url: %w", err)
		}
	}
	if apiURL != "" {
		if err := validateURL(apiURL, "http", "https"); err != nil {
			return "", "", fmt.Errorf("invalid --api-url: %w", err)
		}
	}

	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return webSocketURL, apiURL, nil
	}
	if err := validateURL(serverURL, "http", "https"); err != nil {
		return "", "", fmt.Errorf("invalid --server-url: %w", err)
	}
	base, _ := url.Parse(serverURL)
	base.Path = strings.TrimSuffix(base.Path, "/")

	if webSocketURL == "" {
		ws := *base
		ws.Scheme = "ws"
		if base.Scheme == "https" {
			ws.Scheme = "wss"
		}
		ws.Path += "/" + webSocketPath
		webSocketURL = ws.String()
	}
	if apiURL == "" {
		rest := *base
		rest.Path += "/" + apiPath
		apiURL = rest.String()
	}
	return webSocketURL, apiURL, nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("%q: scheme must be one of %s", raw, strings.Join(schemes, ", "))
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseTransportKind(raw string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(TransportWebSocket), "ws":
		return TransportWebSocket, nil
	case string(TransportLegacy):
		return TransportLegacy, nil
	default:
		return "", fmt.Errorf("invalid transport %q (expected websocket or legacy)", raw)
	}
}
