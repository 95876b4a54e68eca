package core

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the server
// components. It is read once at startup and never modified afterwards.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// UDP port on which the server will listen.
	Port int `mapstructure:"port"`
	// Maximum number of peers that may be connected at the same time.
	MaxPeers int `mapstructure:"max_peers"`
	// Shared secret clients must present when asking to join.
	ConnectionKey string `mapstructure:"connection_key"`
	// Message sent to every peer as soon as it connects.
	WelcomeMessage string `mapstructure:"welcome_message"`
	// How long the poll loop sleeps between draining transport events.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`

	Admission struct {
		// How long an accepted request may hold a slot before the peer connects.
		// Zero means reservations only end when the transport reports back.
		ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
		// Number of client hosts (IP, ignoring port) for which repeated rejections are counted.
		RejectionMemory int `mapstructure:"rejection_memory"`
	} `mapstructure:"admission"`

	Transport struct {
		// Connections with no traffic for this long are considered dead.
		MaxIdleTimeout  time.Duration `mapstructure:"max_idle_timeout"`
		KeepAlivePeriod time.Duration `mapstructure:"keep_alive_period"`
		// Time a client has to present its connection key.
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
		// Number of outbound messages buffered per peer before sends fail.
		SendQueueSize int `mapstructure:"send_queue_size"`
		// X.509 certificate and key. A self-signed certificate is generated if blank.
		CertificateFile string `mapstructure:"certificate_file"`
		KeyFile         string `mapstructure:"key_file"`
	} `mapstructure:"transport"`

	InternalAPI struct {
		// Serve /health, /healthz and /metrics.
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
		// Time allowed for in-flight requests when the server shuts down.
		GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
	} `mapstructure:"internal_api"`

	Debugging struct {
		// Start a pprof server on localhost.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		PprofPort    int  `mapstructure:"pprof_port"`
		// Dump every transport event to the log at debug level.
		EventLoggingEnabled bool `mapstructure:"event_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "GAMEPORT"

// setDefaults registers the values used when neither the config file nor the
// environment provide one.
func setDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("port", 7777)
	v.SetDefault("max_peers", 10)
	// No usable default, but viper only consults the environment for keys it knows.
	v.SetDefault("connection_key", "")
	v.SetDefault("welcome_message", "Hello client!")
	v.SetDefault("poll_interval", 15*time.Millisecond)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file_path", "")

	v.SetDefault("admission.reservation_ttl", time.Duration(0))
	v.SetDefault("admission.rejection_memory", 1024)

	v.SetDefault("transport.max_idle_timeout", 10*time.Second)
	v.SetDefault("transport.keep_alive_period", 3*time.Second)
	v.SetDefault("transport.handshake_timeout", 5*time.Second)
	v.SetDefault("transport.send_queue_size", 64)
	v.SetDefault("transport.certificate_file", "")
	v.SetDefault("transport.key_file", "")

	v.SetDefault("internal_api.enabled", true)
	v.SetDefault("internal_api.port", 8081)
	v.SetDefault("internal_api.graceful_shutdown_timeout", 5*time.Second)

	v.SetDefault("debugging.pprof_enabled", false)
	v.SetDefault("debugging.pprof_port", 6060)
	v.SetDefault("debugging.event_logging_enabled", false)
}

// LoadConfig reads config.yaml from the directory configPath, applying defaults
// and GAMEPORT_* environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envVarPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("no config file in path %s", filepath.Clean(configPath))
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the values the server cannot run without.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if c.MaxPeers < 1 {
		return fmt.Errorf("invalid max_peers %d: must be at least 1", c.MaxPeers)
	}
	if c.ConnectionKey == "" {
		return errors.New("connection_key must be set")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid poll_interval %v: must be positive", c.PollInterval)
	}
	return nil
}

// ListenAddress returns the host:port the transport binds to.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// InternalAPIAddress returns the address of the health and metrics HTTP server.
func (c *Config) InternalAPIAddress() string {
	return fmt.Sprintf(":%d", c.InternalAPI.Port)
}

// WelcomePayload returns the bytes of the first message sent to every peer.
func (c *Config) WelcomePayload() []byte {
	return []byte(c.WelcomeMessage)
}
