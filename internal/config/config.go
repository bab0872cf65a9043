package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/vovakirdan/carelink/internal/reconnect"
)

// Roles a client may connect as.
const (
	RoleProvider = "provider"
	RoleDoctor   = "doctor"
	RoleAdmin    = "admin"
)

// Config holds relay server and client configuration values.
type Config struct {
	LogLevel string       `mapstructure:"log_level" yaml:"log_level"`
	Server   ServerConfig `mapstructure:"server" yaml:"server"`
	Client   ClientConfig `mapstructure:"client" yaml:"client"`
}

// ServerConfig configures the development relay server.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`
	JWTSecret         string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer         string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience       string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	JWTTTL            time.Duration `mapstructure:"jwt_ttl" yaml:"jwt_ttl"`
	// FrameRateLimit caps inbound frames per connection per minute; 0 disables it.
	FrameRateLimit int           `mapstructure:"frame_rate_limit" yaml:"frame_rate_limit"`
	LiveKit        LiveKitConfig `mapstructure:"livekit" yaml:"livekit"`
	Users          []SeedUser    `mapstructure:"users" yaml:"users"`
}

// LiveKitConfig enables SFU join credentials in video session responses.
type LiveKitConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	URL       string `mapstructure:"url" yaml:"url"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	APISecret string `mapstructure:"api_secret" yaml:"api_secret"`
}

// SeedUser is created on relay start when missing.
type SeedUser struct {
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password"`
	Role        string `mapstructure:"role" yaml:"role"`
	DisplayName string `mapstructure:"display_name" yaml:"display_name"`
}

// ClientConfig configures the signaling client.
type ClientConfig struct {
	APIURL    string `mapstructure:"api_url" yaml:"api_url"`
	NotifyURL string `mapstructure:"notify_url" yaml:"notify_url"`
	SignalURL string `mapstructure:"signal_url" yaml:"signal_url"`
	CallURL   string `mapstructure:"call_url" yaml:"call_url"`
	StorePath string `mapstructure:"store_path" yaml:"store_path"`

	Heartbeat       time.Duration    `mapstructure:"heartbeat" yaml:"heartbeat"`
	Reconnect       reconnect.Policy `mapstructure:"reconnect" yaml:"reconnect"`
	NotificationCap int              `mapstructure:"notification_cap" yaml:"notification_cap"`

	InviteTimeout time.Duration `mapstructure:"invite_timeout" yaml:"invite_timeout"`
	NotifyCaller  bool          `mapstructure:"notify_caller" yaml:"notify_caller"`

	Redial  RedialConfig  `mapstructure:"redial" yaml:"redial"`
	Window  WindowConfig  `mapstructure:"window" yaml:"window"`
	Refresh RefreshConfig `mapstructure:"refresh" yaml:"refresh"`

	ICEServers      []string `mapstructure:"ice_servers" yaml:"ice_servers"`
	RingtoneCommand []string `mapstructure:"ringtone_command" yaml:"ringtone_command"`
	DesktopNotify   []string `mapstructure:"desktop_notify_command" yaml:"desktop_notify_command"`
}

// RedialConfig bounds caller-side automatic retries.
type RedialConfig struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// WindowConfig configures the external call window and its monitor.
type WindowConfig struct {
	Command      []string      `mapstructure:"command" yaml:"command"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Ceiling      time.Duration `mapstructure:"ceiling" yaml:"ceiling"`
}

// RefreshConfig configures the consolidated dashboard refresh.
type RefreshConfig struct {
	Debounce  time.Duration            `mapstructure:"debounce" yaml:"debounce"`
	Intervals map[string]time.Duration `mapstructure:"intervals" yaml:"intervals"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			DatabasePath:      "carelink-relay.db",
			JWTSecret:         "change-me",
			JWTIssuer:         "carelink",
			JWTAudience:       "carelink",
			JWTTTL:            24 * time.Hour,
			FrameRateLimit:    600,
		},
		Client: ClientConfig{
			APIURL:          "http://localhost:8080/api",
			NotifyURL:       "ws://localhost:8080/ws/notifications",
			SignalURL:       "ws://localhost:8080/ws/video-call",
			CallURL:         "http://localhost:8080/call",
			StorePath:       "carelink-client.db",
			Heartbeat:       30 * time.Second,
			Reconnect:       reconnect.DefaultPolicy(),
			NotificationCap: 50,
			InviteTimeout:   30 * time.Second,
			NotifyCaller:    true,
			Redial: RedialConfig{
				MaxRetries: 3,
				RetryDelay: 30 * time.Second,
			},
			Window: WindowConfig{
				Command:      []string{"xdg-open"},
				PollInterval: time.Second,
				Ceiling:      5 * time.Minute,
			},
			Refresh: RefreshConfig{
				Debounce: 500 * time.Millisecond,
				Intervals: map[string]time.Duration{
					RoleProvider: 10 * time.Second,
					RoleDoctor:   2 * time.Second,
					RoleAdmin:    30 * time.Second,
				},
			},
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// PollInterval returns the fallback polling interval for role.
func (c ClientConfig) PollInterval(role string) time.Duration {
	if d, ok := c.Refresh.Intervals[role]; ok && d > 0 {
		return d
	}
	return 30 * time.Second
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.JWTSecret == "" {
		errs = append(errs, errors.New("server.jwt_secret is required"))
	}
	if c.Client.NotificationCap <= 0 {
		errs = append(errs, fmt.Errorf("client.notification_cap must be positive, got %d", c.Client.NotificationCap))
	}
	if c.Client.Redial.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("client.redial.max_retries must be positive, got %d", c.Client.Redial.MaxRetries))
	}
	if c.Client.Heartbeat <= 0 {
		errs = append(errs, errors.New("client.heartbeat must be positive"))
	}
	return errors.Join(errs...)
}

// ValidRole reports whether role is one of the known client roles.
func ValidRole(role string) bool {
	switch role {
	case RoleProvider, RoleDoctor, RoleAdmin:
		return true
	default:
		return false
	}
}
