package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"remoteconnect/cmd/internal/admin"
	"remoteconnect/cmd/internal/control"
	"remoteconnect/cmd/internal/realtime"
	"remoteconnect/cmd/internal/transfer"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Screen sources.
const (
	ScreenPattern = "pattern"
	ScreenFile    = "file"
)

// Config contains all runtime configuration.
//
// Layers, later wins: defaults, YAML file (--config or RC_CONFIG), RC_* environment, flags.
type Config struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`
	// HTTPAddr serves /healthz, /readyz and /metrics. Empty disables the ops listener.
	HTTPAddr string `yaml:"http_addr"`

	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=json pretty"`

	// MaxConnections caps concurrent desktop connections. Zero means unlimited.
	MaxConnections   int           `yaml:"max_connections" validate:"gte=0"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gt=0"`
	WriteTimeout     time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	MaxFrameBytes    int           `yaml:"max_frame_bytes" validate:"gt=0"`

	ControlTimeout    time.Duration `yaml:"control_timeout" validate:"gt=0"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" validate:"gt=0"`
	InactivityPoll    time.Duration `yaml:"inactivity_poll" validate:"gt=0"`

	UploadDir       string        `yaml:"upload_dir" validate:"required"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" validate:"gt=0"`
	SessionIdleTTL  time.Duration `yaml:"session_idle_ttl" validate:"gt=0"`
	JanitorInterval time.Duration `yaml:"janitor_interval" validate:"gt=0"`

	ScreenInterval time.Duration `yaml:"screen_interval" validate:"gt=0"`
	ScreenSource   string        `yaml:"screen_source" validate:"oneof=pattern file"`
	ScreenFile     string        `yaml:"screen_file" validate:"required_if=ScreenSource file"`

	LivenessInterval time.Duration `yaml:"liveness_interval" validate:"gt=0"`

	AutoAccept bool `yaml:"auto_accept"`
	// OTPLength overrides the generated password length when non-zero.
	OTPLength int `yaml:"otp_length" validate:"omitempty,min=6,max=64"`

	DatabaseURL string `yaml:"database_url"`
	DBMaxConns  int32  `yaml:"db_max_conns" validate:"gte=0"`
	DBMinConns  int32  `yaml:"db_min_conns" validate:"gte=0"`
	// If true /readyz returns 503 unless the audit database is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	AdminConsole string `yaml:"admin_console" validate:"oneof=auto on off"`

	RateLimitMsgs   int           `yaml:"rate_limit_msgs" validate:"gt=0"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window" validate:"gt=0"`

	ReadHeaderTimeout time.Duration `yaml:"http_read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "0.0.0.0:8080",
		HTTPAddr:   "127.0.0.1:8081",
		LogLevel:   "info",
		LogFormat:  "json",

		HandshakeTimeout: realtime.DefaultHandshakeTimeout,
		WriteTimeout:     realtime.DefaultWriteTimeout,
		IdleTimeout:      realtime.DefaultIdleTimeout,
		MaxFrameBytes:    realtime.DefaultMaxFrameBytes,

		ControlTimeout:    control.DefaultControlTimeout,
		InactivityTimeout: control.DefaultInactivityTimeout,
		InactivityPoll:    control.DefaultInactivityPoll,

		UploadDir:       transfer.DefaultDir,
		MaxUploadBytes:  transfer.DefaultMaxSize,
		SessionIdleTTL:  transfer.DefaultSessionIdleTTL,
		JanitorInterval: transfer.DefaultJanitorInterval,

		ScreenInterval: realtime.DefaultScreenInterval,
		ScreenSource:   ScreenPattern,

		LivenessInterval: realtime.DefaultLivenessInterval,

		DBMaxConns: 10,

		AdminConsole: admin.ModeAuto,

		RateLimitMsgs:   realtime.DefaultRateLimitMsgs,
		RateLimitWindow: realtime.DefaultRateLimitWindow,

		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// LoadConfig builds the layered Config from .env, the optional YAML file, the environment and
// args (without the program name).
func LoadConfig(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: .env: %w", err)
	}

	// Flags are parsed first to find --config, then replayed on top of the other layers.
	parsed := pflag.NewFlagSet("remoteconnect", pflag.ContinueOnError)
	path := parsed.String("config", EnvString("RC_CONFIG", ""), "path to a YAML config file")
	scratch := DefaultConfig()
	bindFlags(parsed, &scratch)
	if err := parsed.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: flags: %w", err)
	}

	cfg := DefaultConfig()
	if strings.TrimSpace(*path) != "" {
		if err := loadYAML(*path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	final := pflag.NewFlagSet("remoteconnect", pflag.ContinueOnError)
	bindFlags(final, &cfg)
	var flagErr error
	parsed.Visit(func(f *pflag.Flag) {
		if final.Lookup(f.Name) == nil || flagErr != nil {
			return
		}
		flagErr = final.Set(f.Name, f.Value.String())
	})
	if flagErr != nil {
		return Config{}, fmt.Errorf("config: flags: %w", flagErr)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the validator tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func loadYAML(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) {
	c.ListenAddr = EnvString("RC_LISTEN_ADDR", c.ListenAddr)
	c.HTTPAddr = EnvString("RC_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = EnvString("RC_LOG_LEVEL", c.LogLevel)
	c.LogFormat = EnvString("RC_LOG_FORMAT", c.LogFormat)

	c.MaxConnections = EnvInt("RC_MAX_CONNECTIONS", c.MaxConnections)
	c.HandshakeTimeout = EnvDuration("RC_HANDSHAKE_TIMEOUT", c.HandshakeTimeout)
	c.WriteTimeout = EnvDuration("RC_WRITE_TIMEOUT", c.WriteTimeout)
	c.IdleTimeout = EnvDuration("RC_IDLE_TIMEOUT", c.IdleTimeout)
	c.MaxFrameBytes = EnvInt("RC_MAX_FRAME_BYTES", c.MaxFrameBytes)

	c.ControlTimeout = EnvDuration("RC_CONTROL_TIMEOUT", c.ControlTimeout)
	c.InactivityTimeout = EnvDuration("RC_INACTIVITY_TIMEOUT", c.InactivityTimeout)
	c.InactivityPoll = EnvDuration("RC_INACTIVITY_POLL", c.InactivityPoll)

	c.UploadDir = EnvString("RC_UPLOAD_DIR", c.UploadDir)
	c.MaxUploadBytes = EnvInt64("RC_MAX_UPLOAD_BYTES", c.MaxUploadBytes)
	c.SessionIdleTTL = EnvDuration("RC_SESSION_IDLE_TTL", c.SessionIdleTTL)
	c.JanitorInterval = EnvDuration("RC_JANITOR_INTERVAL", c.JanitorInterval)

	c.ScreenInterval = EnvDuration("RC_SCREEN_INTERVAL", c.ScreenInterval)
	c.ScreenSource = EnvString("RC_SCREEN_SOURCE", c.ScreenSource)
	c.ScreenFile = EnvString("RC_SCREEN_FILE", c.ScreenFile)

	c.LivenessInterval = EnvDuration("RC_LIVENESS_INTERVAL", c.LivenessInterval)

	c.AutoAccept = EnvBool("RC_AUTO_ACCEPT", c.AutoAccept)
	c.OTPLength = EnvInt("RC_OTP_LENGTH", c.OTPLength)

	c.DatabaseURL = EnvString("RC_DATABASE_URL", c.DatabaseURL)
	c.DBMaxConns = EnvInt32("RC_DB_MAX_CONNS", c.DBMaxConns)
	c.DBMinConns = EnvInt32("RC_DB_MIN_CONNS", c.DBMinConns)
	c.ReadinessRequireDB = EnvBool("RC_READINESS_REQUIRE_DB", c.ReadinessRequireDB)

	c.AdminConsole = EnvString("RC_ADMIN_CONSOLE", c.AdminConsole)

	c.RateLimitMsgs = EnvInt("RC_RATE_LIMIT_MSGS", c.RateLimitMsgs)
	c.RateLimitWindow = EnvDuration("RC_RATE_LIMIT_WINDOW", c.RateLimitWindow)

	c.ReadHeaderTimeout = EnvDuration("RC_HTTP_READ_HEADER_TIMEOUT", c.ReadHeaderTimeout)
	c.ShutdownTimeout = EnvDuration("RC_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
}

func bindFlags(fs *pflag.FlagSet, c *Config) {
	fs.StringVar(&c.ListenAddr, "listen-addr", c.ListenAddr, "desktop protocol listen address")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "ops HTTP listen address (empty disables)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug|info|warn|error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "json|pretty")

	fs.IntVar(&c.MaxConnections, "max-connections", c.MaxConnections, "concurrent connection cap (0 = unlimited)")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "upgrade handshake deadline")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "per-frame write deadline")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "disconnect after this much silence")
	fs.IntVar(&c.MaxFrameBytes, "max-frame-bytes", c.MaxFrameBytes, "largest accepted frame payload")

	fs.DurationVar(&c.ControlTimeout, "control-timeout", c.ControlTimeout, "maximum control grant")
	fs.DurationVar(&c.InactivityTimeout, "inactivity-timeout", c.InactivityTimeout, "revoke control after this much inactivity")
	fs.DurationVar(&c.InactivityPoll, "inactivity-poll", c.InactivityPoll, "inactivity check interval")

	fs.StringVar(&c.UploadDir, "upload-dir", c.UploadDir, "shared files directory")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload-bytes", c.MaxUploadBytes, "largest accepted upload")
	fs.DurationVar(&c.SessionIdleTTL, "session-idle-ttl", c.SessionIdleTTL, "expire idle transfer sessions after")
	fs.DurationVar(&c.JanitorInterval, "janitor-interval", c.JanitorInterval, "transfer janitor interval")

	fs.DurationVar(&c.ScreenInterval, "screen-interval", c.ScreenInterval, "screen broadcast interval")
	fs.StringVar(&c.ScreenSource, "screen-source", c.ScreenSource, "pattern|file")
	fs.StringVar(&c.ScreenFile, "screen-file", c.ScreenFile, "image kept current by an external capturer")

	fs.DurationVar(&c.LivenessInterval, "liveness-interval", c.LivenessInterval, "stale connection sweep interval")

	fs.BoolVar(&c.AutoAccept, "auto-accept", c.AutoAccept, "accept every connection request")
	fs.IntVar(&c.OTPLength, "otp-length", c.OTPLength, "generated password length")

	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "Postgres URL for the audit trail")
	fs.Int32Var(&c.DBMaxConns, "db-max-conns", c.DBMaxConns, "pool max connections")
	fs.Int32Var(&c.DBMinConns, "db-min-conns", c.DBMinConns, "pool min connections")
	fs.BoolVar(&c.ReadinessRequireDB, "readiness-require-db", c.ReadinessRequireDB, "fail /readyz without a database")

	fs.StringVar(&c.AdminConsole, "admin-console", c.AdminConsole, "auto|on|off")

	fs.IntVar(&c.RateLimitMsgs, "rate-limit-msgs", c.RateLimitMsgs, "messages allowed per window")
	fs.DurationVar(&c.RateLimitWindow, "rate-limit-window", c.RateLimitWindow, "rate limit window")

	fs.DurationVar(&c.ReadHeaderTimeout, "http-read-header-timeout", c.ReadHeaderTimeout, "ops HTTP header deadline")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "graceful shutdown budget")
}

func (c Config) realtimeConfig() realtime.Config {
	return realtime.Config{
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		IdleTimeout:      c.IdleTimeout,
		MaxFrameBytes:    c.MaxFrameBytes,
		ScreenInterval:   c.ScreenInterval,
		LivenessInterval: c.LivenessInterval,
		RateLimitMsgs:    c.RateLimitMsgs,
		RateLimitWindow:  c.RateLimitWindow,
		Control: control.Config{
			ControlTimeout:    c.ControlTimeout,
			InactivityTimeout: c.InactivityTimeout,
			InactivityPoll:    c.InactivityPoll,
		},
	}
}

func (c Config) transferConfig() transfer.Config {
	return transfer.Config{
		Dir:             c.UploadDir,
		MaxSize:         c.MaxUploadBytes,
		SessionIdleTTL:  c.SessionIdleTTL,
		JanitorInterval: c.JanitorInterval,
	}
}
