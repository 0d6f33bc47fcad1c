package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"

	"github.com/wilsonzlin/aero/rtc-client/internal/deepcopy"
)

const (
	DefaultRenegotiationDelay = 100 * time.Millisecond
	DefaultDataQueueSize      = 1024
)

// RTCConfig is the peer connection section of the config file. Keys left
// out of the file keep their built-in defaults.
type RTCConfig struct {
	ICEServers         []ICEServer `yaml:"ice_servers"`
	BundlePolicy       string      `yaml:"bundle_policy"`
	RTCPMuxPolicy      string      `yaml:"rtcp_mux_policy"`
	ICETransportPolicy string      `yaml:"ice_transport_policy"`

	RenegotiationDelay   time.Duration `yaml:"renegotiation_delay"`
	DisableRenegotiation bool          `yaml:"disable_renegotiation"`
	DataQueueSize        int           `yaml:"data_queue_size"`
	DataBytesPerSecond   int64         `yaml:"data_bytes_per_second"`

	Offer  NegotiationOptions `yaml:"offer"`
	Answer NegotiationOptions `yaml:"answer"`

	// SocketHeaders are added to the signaling socket handshake.
	SocketHeaders map[string]string `yaml:"socket_headers"`
}

type NegotiationOptions struct {
	VoiceActivityDetection bool `yaml:"voice_activity_detection"`
	// ICERestart only applies to offers.
	ICERestart bool `yaml:"ice_restart"`
}

var defaultRTC = RTCConfig{
	BundlePolicy:       webrtc.BundlePolicyMaxBundle.String(),
	RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire.String(),
	ICETransportPolicy: webrtc.ICETransportPolicyAll.String(),
	RenegotiationDelay: DefaultRenegotiationDelay,
	DataQueueSize:      DefaultDataQueueSize,
	SocketHeaders: map[string]string{
		"User-Agent": "aero-rtc-client",
	},
}

// DefaultRTC returns a private copy of the built-in RTC section.
func DefaultRTC() RTCConfig {
	return deepcopy.MustCopy(defaultRTC)
}

// loadRTCFile decodes path over a copy of the defaults. Mappings merge key
// by key; lists replace the default list.
func loadRTCFile(path string) (RTCConfig, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRTC(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RTCConfig{}, fmt.Errorf("read config file: %w", err)
	}
	file := struct {
		RTC RTCConfig `yaml:"rtc"`
	}{RTC: DefaultRTC()}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return RTCConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := file.RTC.validate(); err != nil {
		return RTCConfig{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return file.RTC, nil
}

func (c RTCConfig) validate() error {
	if _, err := parseBundlePolicy(c.BundlePolicy); err != nil {
		return err
	}
	if _, err := parseRTCPMuxPolicy(c.RTCPMuxPolicy); err != nil {
		return err
	}
	if _, err := parseICETransportPolicy(c.ICETransportPolicy); err != nil {
		return err
	}
	if c.RenegotiationDelay < 0 {
		return fmt.Errorf("renegotiation_delay must be >= 0, got %s", c.RenegotiationDelay)
	}
	if c.DataQueueSize < 0 {
		return fmt.Errorf("data_queue_size must be >= 0, got %d", c.DataQueueSize)
	}
	if c.DataBytesPerSecond < 0 {
		return fmt.Errorf("data_bytes_per_second must be >= 0, got %d", c.DataBytesPerSecond)
	}
	return nil
}

// WebRTCConfiguration is the configuration every native peer connection
// of the session is created with.
func (c Config) WebRTCConfiguration() webrtc.Configuration {
	// Policies were validated by load.
	bundle, _ := parseBundlePolicy(c.RTC.BundlePolicy)
	mux, _ := parseRTCPMuxPolicy(c.RTC.RTCPMuxPolicy)
	transport, _ := parseICETransportPolicy(c.RTC.ICETransportPolicy)
	return webrtc.Configuration{
		ICEServers:         c.ICEServers,
		BundlePolicy:       bundle,
		RTCPMuxPolicy:      mux,
		ICETransportPolicy: transport,
	}
}

func (c RTCConfig) OfferOptions() *webrtc.OfferOptions {
	if c.Offer == (NegotiationOptions{}) {
		return nil
	}
	return &webrtc.OfferOptions{
		OfferAnswerOptions: webrtc.OfferAnswerOptions{VoiceActivityDetection: c.Offer.VoiceActivityDetection},
		ICERestart:         c.Offer.ICERestart,
	}
}

func (c RTCConfig) AnswerOptions() *webrtc.AnswerOptions {
	if !c.Answer.VoiceActivityDetection {
		return nil
	}
	return &webrtc.AnswerOptions{
		OfferAnswerOptions: webrtc.OfferAnswerOptions{VoiceActivityDetection: true},
	}
}

func parseBundlePolicy(raw string) (webrtc.BundlePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return 0, nil
	case webrtc.BundlePolicyBalanced.String():
		return webrtc.BundlePolicyBalanced, nil
	case webrtc.BundlePolicyMaxCompat.String():
		return webrtc.BundlePolicyMaxCompat, nil
	case webrtc.BundlePolicyMaxBundle.String():
		return webrtc.BundlePolicyMaxBundle, nil
	default:
		return 0, fmt.Errorf("invalid bundle_policy %q (expected balanced, max-compat, max-bundle)", raw)
	}
}

func parseRTCPMuxPolicy(raw string) (webrtc.RTCPMuxPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return 0, nil
	case webrtc.RTCPMuxPolicyNegotiate.String():
		return webrtc.RTCPMuxPolicyNegotiate, nil
	case webrtc.RTCPMuxPolicyRequire.String():
		return webrtc.RTCPMuxPolicyRequire, nil
	default:
		return 0, fmt.Errorf("invalid rtcp_mux_policy %q (expected negotiate or require)", raw)
	}
}

func parseICETransportPolicy(raw string) (webrtc.ICETransportPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", webrtc.ICETransportPolicyAll.String():
		return webrtc.ICETransportPolicyAll, nil
	case webrtc.ICETransportPolicyRelay.String():
		return webrtc.ICETransportPolicyRelay, nil
	default:
		return webrtc.ICETransportPolicyAll, fmt.Errorf("invalid ice_transport_policy %q (expected all or relay)", raw)
	}
}
