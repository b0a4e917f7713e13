package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flowpbx/callforward/internal/provisioning"
)

// Config holds all runtime configuration for the callforward server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort    int
	TLSCert     string
	TLSKey      string
	LogLevel    string
	LogFormat   string // "text" or "json"
	CORSOrigins string

	// Rule store.
	DataDir      string
	StoreDriver  string // sqlite, postgres or memory
	DatabaseURL  string // postgres connection string
	StoreTimeout time.Duration

	// Provisioning adapter.
	Provisioning            string // chime or memory
	AWSRegion               string
	SMAID                   string // SIP media application id
	ProvisioningTimeout     time.Duration
	ProvisioningReadRetries int
	Capabilities            string
	MemoryNumbers           string // comma-separated E.164 numbers for the memory adapter
	MemoryTrunks            string // comma-separated id=name pairs for the memory adapter

	// Audio prompts.
	AudioDriver    string // s3 or local
	AudioBucket    string
	AudioEndpoint  string
	AudioAccessKey string
	AudioSecretKey string
	AudioUseSSL    bool
	AudioDir       string
	SeedPrompts    bool

	// Call handling.
	GreetingKey    string
	UnavailableKey string
	RingbackKey    string
	LoopGreeting   bool
	GreetingRepeat int
	BridgeTimeout  time.Duration
	SessionTTL     time.Duration
	SyncInterval   time.Duration

	// Management API auth.
	JWKSURL   string
	JWTSecret string // hex-encoded HMAC secret
	JWTIssuer string
	RateLimit float64 // requests per second per client, 0 disables
}

// defaults
const (
	defaultHTTPPort       = 8080
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultCORSOrigins    = "*"
	defaultDataDir        = "./data"
	defaultStoreDriver    = "sqlite"
	defaultStoreTimeout   = 2 * time.Second
	defaultProvisioning   = "chime"
	defaultAWSRegion      = "us-east-1"
	defaultProvTimeout    = 5 * time.Second
	defaultReadRetries    = 3
	defaultCapabilities   = "all"
	defaultAudioDriver    = "s3"
	defaultAudioEndpoint  = "s3.amazonaws.com"
	defaultGreetingKey    = "greeting.wav"
	defaultUnavailableKey = "unavailable.wav"
	defaultGreetingRepeat = 5
	defaultBridgeTimeout  = 30 * time.Second
	defaultSessionTTL     = time.Hour
	defaultSyncInterval   = 5 * time.Minute
	defaultRateLimit      = 20
)

// envPrefix is the prefix for all callforward environment variables.
const envPrefix = "CALLFWD_"

// Load parses configuration from os.Args and the environment.
func Load() (*Config, error) {
	return Parse(os.Args[1:])
}

// Parse parses configuration from args and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callforward", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", defaultCORSOrigins, "comma-separated list of allowed CORS origins (use * for all)")

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database and local prompts")
	fs.StringVar(&cfg.StoreDriver, "store-driver", defaultStoreDriver, "forwarding rule store (sqlite, postgres, memory)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres connection string for --store-driver=postgres")
	fs.DurationVar(&cfg.StoreTimeout, "store-timeout", defaultStoreTimeout, "timeout for each rule store call")

	fs.StringVar(&cfg.Provisioning, "provisioning", defaultProvisioning, "provisioning adapter (chime, memory)")
	fs.StringVar(&cfg.AWSRegion, "aws-region", defaultAWSRegion, "AWS region of the Chime SDK Voice API")
	fs.StringVar(&cfg.SMAID, "sma-id", "", "SIP media application id forwarded numbers are routed to")
	fs.DurationVar(&cfg.ProvisioningTimeout, "provisioning-timeout", defaultProvTimeout, "timeout for each provisioning call")
	fs.IntVar(&cfg.ProvisioningReadRetries, "provisioning-read-retries", defaultReadRetries, "max attempts for idempotent provisioning reads")
	fs.StringVar(&cfg.Capabilities, "capabilities", defaultCapabilities, "provisioning capabilities (all, read-only, or a comma-separated list)")
	fs.StringVar(&cfg.MemoryNumbers, "memory-numbers", "", "comma-separated E.164 numbers for --provisioning=memory")
	fs.StringVar(&cfg.MemoryTrunks, "memory-trunks", "", "comma-separated id=name voice connectors for --provisioning=memory")

	fs.StringVar(&cfg.AudioDriver, "audio-driver", defaultAudioDriver, "prompt store (s3, local)")
	fs.StringVar(&cfg.AudioBucket, "audio-bucket", "", "bucket holding the prompt WAV files")
	fs.StringVar(&cfg.AudioEndpoint, "audio-endpoint", defaultAudioEndpoint, "S3-compatible endpoint of the prompt bucket")
	fs.StringVar(&cfg.AudioAccessKey, "audio-access-key", "", "access key for the prompt bucket (empty uses the AWS environment)")
	fs.StringVar(&cfg.AudioSecretKey, "audio-secret-key", "", "secret key for the prompt bucket")
	fs.BoolVar(&cfg.AudioUseSSL, "audio-use-ssl", true, "use TLS for the prompt bucket endpoint")
	fs.StringVar(&cfg.AudioDir, "audio-dir", "", "prompt directory for --audio-driver=local (default <data-dir>/prompts)")
	fs.BoolVar(&cfg.SeedPrompts, "seed-prompts", true, "upload placeholder prompts for missing keys at startup")

	fs.StringVar(&cfg.GreetingKey, "greeting-key", defaultGreetingKey, "prompt played to callers of numbers without a forward")
	fs.StringVar(&cfg.UnavailableKey, "unavailable-key", defaultUnavailableKey, "prompt played when forwarding is unavailable")
	fs.StringVar(&cfg.RingbackKey, "ringback-key", "", "ringback tone played while bridging (empty disables)")
	fs.BoolVar(&cfg.LoopGreeting, "loop-greeting", false, "repeat the greeting before hanging up")
	fs.IntVar(&cfg.GreetingRepeat, "greeting-repeat", defaultGreetingRepeat, "greeting repetitions when --loop-greeting is set")
	fs.DurationVar(&cfg.BridgeTimeout, "bridge-timeout", defaultBridgeTimeout, "ring timeout of the forwarded leg")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", defaultSessionTTL, "how long call sessions are tracked")
	fs.DurationVar(&cfg.SyncInterval, "sync-interval", defaultSyncInterval, "inventory sync interval (0 disables)")

	fs.StringVar(&cfg.JWKSURL, "jwks-url", "", "JWKS URL of the identity provider for bearer tokens")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded HMAC secret for bearer tokens")
	fs.StringVar(&cfg.JWTIssuer, "jwt-issuer", "", "required token issuer (empty skips the check)")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", defaultRateLimit, "management API requests per second per client (0 disables)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable, e.g. http-port to
// CALLFWD_HTTP_PORT.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, if present.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if setErr := fs.Set(f.Name, val); setErr != nil {
			err = fmt.Errorf("parsing %s: %w", envName(f.Name), setErr)
		}
	})
	return err
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	switch c.StoreDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database-url is required for store-driver postgres")
		}
	default:
		return fmt.Errorf("store-driver must be one of sqlite, postgres, memory; got %q", c.StoreDriver)
	}

	switch c.Provisioning {
	case "chime":
		if c.SMAID == "" {
			return fmt.Errorf("sma-id is required for provisioning chime")
		}
	case "memory":
	default:
		return fmt.Errorf("provisioning must be one of chime, memory; got %q", c.Provisioning)
	}
	if _, err := provisioning.ParseCapabilities(c.Capabilities); err != nil {
		return err
	}
	if c.ProvisioningReadRetries < 1 {
		return fmt.Errorf("provisioning-read-retries must be at least 1, got %d", c.ProvisioningReadRetries)
	}

	switch c.AudioDriver {
	case "s3":
		if c.AudioBucket == "" {
			return fmt.Errorf("audio-bucket is required for audio-driver s3")
		}
	case "local":
	default:
		return fmt.Errorf("audio-driver must be one of s3, local; got %q", c.AudioDriver)
	}

	for name, d := range map[string]time.Duration{
		"store-timeout":        c.StoreTimeout,
		"provisioning-timeout": c.ProvisioningTimeout,
		"bridge-timeout":       c.BridgeTimeout,
		"session-ttl":          c.SessionTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync-interval must not be negative, got %s", c.SyncInterval)
	}
	if c.GreetingRepeat < 1 || c.GreetingRepeat > 100 {
		return fmt.Errorf("greeting-repeat must be between 1 and 100, got %d", c.GreetingRepeat)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate-limit must not be negative, got %v", c.RateLimit)
	}

	if c.JWTSecret != "" {
		if _, err := c.JWTSecretBytes(); err != nil {
			return err
		}
	}

	return nil
}

// TLSEnabled returns true if TLS certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// CapabilitySet returns the parsed provisioning capabilities.
func (c *Config) CapabilitySet() provisioning.CapabilitySet {
	caps, err := provisioning.ParseCapabilities(c.Capabilities)
	if err != nil {
		// validate has already rejected bad values.
		return provisioning.ReadOnlyCapabilities()
	}
	return caps
}

// PromptDir returns the local prompt directory.
func (c *Config) PromptDir() string {
	if c.AudioDir != "" {
		return c.AudioDir
	}
	return filepath.Join(c.DataDir, "prompts")
}

// JWTSecretBytes returns the decoded HMAC secret, or nil if none is
// configured. The secret must decode to at least 32 bytes.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("jwt secret must decode to at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

// MemoryInventory parses MemoryNumbers and MemoryTrunks for the memory
// provisioning adapter.
func (c *Config) MemoryInventory() ([]string, []provisioning.Trunk, error) {
	nums := splitList(c.MemoryNumbers)
	var trunks []provisioning.Trunk
	for _, pair := range splitList(c.MemoryTrunks) {
		id, name, ok := strings.Cut(pair, "=")
		if !ok || id == "" {
			return nil, nil, fmt.Errorf("memory-trunks entry %q must be id=name", pair)
		}
		trunks = append(trunks, provisioning.Trunk{ID: id, Name: name})
	}
	return nums, trunks, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
