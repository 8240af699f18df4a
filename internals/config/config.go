// Package config loads the server configuration from a YAML file (path in
// CONFIG_FILE) with environment overrides. A missing file yields defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/confabrtc/confab/internals/engine"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Domain is the expected Origin of every HTTP and websocket request.
	Domain string `yaml:"domain"`

	HTTP      HTTPConfig      `yaml:"http"`
	Mediasoup MediasoupConfig `yaml:"mediasoup"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Signaling SignalingConfig `yaml:"signaling"`

	// ThrottleSecret gates the network throttle coordinator. Empty disables
	// throttling entirely. Env: NETWORK_THROTTLE_SECRET.
	ThrottleSecret string `yaml:"-"`

	// Terminal enables the debug state registry. Env: TERMINAL.
	Terminal bool `yaml:"-"`
}

type HTTPConfig struct {
	ListenIP        string        `yaml:"listenIp"`
	ListenPort      int           `yaml:"listenPort"`
	TLS             *TLSConfig    `yaml:"tls"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert"`
	KeyFile  string `yaml:"key"`
}

type MediasoupConfig struct {
	NumWorkers     int            `yaml:"numWorkers"`
	WorkerSettings WorkerSettings `yaml:"workerSettings"`

	RouterOptions struct {
		MediaCodecs []engine.RtpCodecCapability `yaml:"mediaCodecs"`
	} `yaml:"routerOptions"`

	WebRtcServerOptions struct {
		// Port of the first listen info is incremented by the worker slot
		// index so each worker gets a distinct port.
		ListenInfos []engine.TransportListenInfo `yaml:"listenInfos"`
	} `yaml:"webRtcServerOptions"`

	WebRtcTransportOptions           WebRtcTransportConfig `yaml:"webRtcTransportOptions"`
	AdditionalWebRtcTransportOptions struct {
		MaxIncomingBitrate int `yaml:"maxIncomingBitrate"`
	} `yaml:"additionalWebRtcTransportOptions"`

	PlainTransportOptions struct {
		ListenInfo engine.TransportListenInfo `yaml:"listenInfo"`
	} `yaml:"plainTransportOptions"`
}

type WorkerSettings struct {
	LogLevel            string   `yaml:"logLevel"`
	LogTags             []string `yaml:"logTags"`
	DtlsCertificateFile string   `yaml:"dtlsCertificateFile"`
	DtlsPrivateKeyFile  string   `yaml:"dtlsPrivateKeyFile"`
	DisableLiburing     bool     `yaml:"disableLiburing"`
}

type WebRtcTransportConfig struct {
	InitialAvailableOutgoingBitrate int `yaml:"initialAvailableOutgoingBitrate"`
	MinimumAvailableOutgoingBitrate int `yaml:"minimumAvailableOutgoingBitrate"`
	MaxSctpMessageSize              int `yaml:"maxSctpMessageSize"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SignalingConfig struct {
	RateLimitPerSec float64 `yaml:"rateLimitPerSec"`
	RateLimitBurst  int     `yaml:"rateLimitBurst"`
}

func Default() *Config {
	return &Config{
		Domain: "localhost",
		HTTP: HTTPConfig{
			ListenIP:        "0.0.0.0",
			ListenPort:      4443,
			ShutdownTimeout: 10 * time.Second,
		},
		Mediasoup: MediasoupConfig{
			NumWorkers: runtime.NumCPU(),
			WorkerSettings: WorkerSettings{
				LogLevel: "warn",
				LogTags:  []string{"info", "ice", "dtls", "rtp", "srtp", "rtcp"},
			},
			RouterOptions: struct {
				MediaCodecs []engine.RtpCodecCapability `yaml:"mediaCodecs"`
			}{MediaCodecs: DefaultMediaCodecs()},
			WebRtcServerOptions: struct {
				ListenInfos []engine.TransportListenInfo `yaml:"listenInfos"`
			}{ListenInfos: []engine.TransportListenInfo{
				{Protocol: "udp", IP: "0.0.0.0", Port: 44444},
				{Protocol: "tcp", IP: "0.0.0.0", Port: 44444},
			}},
			WebRtcTransportOptions: WebRtcTransportConfig{
				InitialAvailableOutgoingBitrate: 1000000,
				MinimumAvailableOutgoingBitrate: 600000,
				MaxSctpMessageSize:              262144,
			},
			PlainTransportOptions: struct {
				ListenInfo engine.TransportListenInfo `yaml:"listenInfo"`
			}{ListenInfo: engine.TransportListenInfo{Protocol: "udp", IP: "0.0.0.0"}},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Signaling: SignalingConfig{
			RateLimitPerSec: 50,
			RateLimitBurst:  100,
		},
	}
}

// DefaultMediaCodecs is the codec set offered by the routers when the config
// file does not specify one.
func DefaultMediaCodecs() []engine.RtpCodecCapability {
	return []engine.RtpCodecCapability{
		{
			Kind:      engine.MediaKindAudio,
			MimeType:  "audio/opus",
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      engine.MediaKindVideo,
			MimeType:  "video/VP8",
			ClockRate: 90000,
			Parameters: map[string]any{
				"x-google-start-bitrate": 1000,
			},
		},
		{
			Kind:      engine.MediaKindVideo,
			MimeType:  "video/VP9",
			ClockRate: 90000,
			Parameters: map[string]any{
				"profile-id":             2,
				"x-google-start-bitrate": 1000,
			},
		},
		{
			Kind:      engine.MediaKindVideo,
			MimeType:  "video/H264",
			ClockRate: 90000,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "4d0032",
				"level-asymmetry-allowed": 1,
				"x-google-start-bitrate":  1000,
			},
		},
	}
}

// Load reads the config file named by CONFIG_FILE (default confab.yaml),
// applies env overrides and validates the result.
func Load() (*Config, error) {
	path := getEnv("CONFIG_FILE", "confab.yaml")
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// No file: defaults plus env.
	case err != nil:
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Domain = getEnv("DOMAIN", c.Domain)
	c.HTTP.ListenIP = getEnv("HTTP_LISTEN_IP", c.HTTP.ListenIP)
	c.HTTP.ListenPort = getEnvInt("HTTP_LISTEN_PORT", c.HTTP.ListenPort)
	c.Mediasoup.NumWorkers = getEnvInt("MEDIASOUP_NUM_WORKERS", c.Mediasoup.NumWorkers)
	c.ThrottleSecret = os.Getenv("NETWORK_THROTTLE_SECRET")
	c.Terminal = os.Getenv("TERMINAL") != ""
}

func (c *Config) Validate() error {
	var errs []error

	if c.Domain == "" {
		errs = append(errs, fmt.Errorf("domain must not be empty"))
	}
	if c.HTTP.ListenPort <= 0 || c.HTTP.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("http.listenPort %d out of range", c.HTTP.ListenPort))
	}
	if c.Mediasoup.NumWorkers < 1 {
		errs = append(errs, fmt.Errorf("mediasoup.numWorkers must be at least 1"))
	}
	if len(c.Mediasoup.RouterOptions.MediaCodecs) == 0 {
		errs = append(errs, fmt.Errorf("mediasoup.routerOptions.mediaCodecs must not be empty"))
	}
	if len(c.Mediasoup.WebRtcServerOptions.ListenInfos) == 0 {
		errs = append(errs, fmt.Errorf("mediasoup.webRtcServerOptions.listenInfos must not be empty"))
	}
	if c.HTTP.TLS != nil && (c.HTTP.TLS.CertFile == "" || c.HTTP.TLS.KeyFile == "") {
		errs = append(errs, fmt.Errorf("http.tls requires both cert and key"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
