package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/stop-bath/darkroom/internal/paths"
)

// Environment variables recognized by ApplyEnv. The API key is env-only so it
// can never end up committed inside a config file.
const (
	EnvAPIKey   = "DARKROOM_API_KEY"
	EnvEndpoint = "DARKROOM_ENDPOINT"
)

type Config struct {
	Run       RunConfig       `toml:"run"`
	Retry     RetryConfig     `toml:"retry"`
	API       APIConfig       `toml:"api"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type RunConfig struct {
	TargetImages int    `toml:"target_images"`
	OutputDir    string `toml:"output_dir"`
	PromptFile   string `toml:"prompt_file"`
	LogLevel     string `toml:"log_level"`
	// MaxTotalAttempts bounds the number of image slots started across the
	// whole run. 0 means unlimited: the run keeps going until the target is
	// reached, however long that takes.
	MaxTotalAttempts int `toml:"max_total_attempts"`
}

type RetryConfig struct {
	MaxRetries               int `toml:"max_retries"`
	RetryDelaySeconds        int `toml:"retry_delay_seconds"`
	RateLimitCooldownSeconds int `toml:"rate_limit_cooldown_seconds"`
	ImageDelaySeconds        int `toml:"image_delay_seconds"`
}

type APIConfig struct {
	Endpoint string `toml:"endpoint"`
	Key      string `toml:"-"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Insecure     bool   `toml:"insecure"`
}

func Default() Config {
	return Config{
		Run:   RunConfig{TargetImages: 100, OutputDir: "generated", PromptFile: "prompt.txt", LogLevel: "info"},
		Retry: RetryConfig{MaxRetries: 5, RetryDelaySeconds: 5, RateLimitCooldownSeconds: 60, ImageDelaySeconds: 2},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

func Load(root string) LoadResult {
	res := LoadResult{Config: Default()}
	path := paths.ConfigPath(root)
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	res.Config = merge(Default(), parsed)
	return res
}

// ApplyEnv overlays environment values on cfg. Call after Load so the
// environment wins over the file.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv(EnvEndpoint); v != "" {
		cfg.API.Endpoint = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.API.Key = v
	}
	return cfg
}

// Validate reports the first precondition violation. A run must not issue a
// single request with an invalid configuration.
func Validate(cfg Config) error {
	if cfg.API.Endpoint == "" {
		return fmt.Errorf("%w: api endpoint not set ([api].endpoint or %s)", ErrInvalid, EnvEndpoint)
	}
	u, err := url.Parse(cfg.API.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: api endpoint %q is not an absolute URL", ErrInvalid, cfg.API.Endpoint)
	}
	if cfg.API.Key == "" {
		return fmt.Errorf("%w: %s not set", ErrInvalid, EnvAPIKey)
	}
	if cfg.Run.TargetImages <= 0 {
		return fmt.Errorf("%w: target_images must be positive, got %d", ErrInvalid, cfg.Run.TargetImages)
	}
	if cfg.Run.MaxTotalAttempts < 0 {
		return fmt.Errorf("%w: max_total_attempts must be >= 0, got %d", ErrInvalid, cfg.Run.MaxTotalAttempts)
	}
	if cfg.Run.MaxTotalAttempts > 0 && cfg.Run.MaxTotalAttempts < cfg.Run.TargetImages {
		return fmt.Errorf("%w: max_total_attempts %d below target_images %d", ErrInvalid, cfg.Run.MaxTotalAttempts, cfg.Run.TargetImages)
	}
	if cfg.Retry.MaxRetries <= 0 {
		return fmt.Errorf("%w: max_retries must be positive, got %d", ErrInvalid, cfg.Retry.MaxRetries)
	}
	if cfg.Retry.RetryDelaySeconds < 0 || cfg.Retry.RateLimitCooldownSeconds < 0 || cfg.Retry.ImageDelaySeconds < 0 {
		return fmt.Errorf("%w: delays must be >= 0", ErrInvalid)
	}
	return nil
}

func merge(def Config, cfg Config) Config {
	// Run
	if cfg.Run.TargetImages != 0 {
		def.Run.TargetImages = cfg.Run.TargetImages
	}
	if cfg.Run.OutputDir != "" {
		def.Run.OutputDir = cfg.Run.OutputDir
	}
	if cfg.Run.PromptFile != "" {
		def.Run.PromptFile = cfg.Run.PromptFile
	}
	if cfg.Run.LogLevel != "" {
		def.Run.LogLevel = cfg.Run.LogLevel
	}
	if cfg.Run.MaxTotalAttempts != 0 {
		def.Run.MaxTotalAttempts = cfg.Run.MaxTotalAttempts
	}
	// Retry
	if cfg.Retry.MaxRetries != 0 {
		def.Retry.MaxRetries = cfg.Retry.MaxRetries
	}
	if cfg.Retry.RetryDelaySeconds != 0 {
		def.Retry.RetryDelaySeconds = cfg.Retry.RetryDelaySeconds
	}
	if cfg.Retry.RateLimitCooldownSeconds != 0 {
		def.Retry.RateLimitCooldownSeconds = cfg.Retry.RateLimitCooldownSeconds
	}
	if cfg.Retry.ImageDelaySeconds != 0 {
		def.Retry.ImageDelaySeconds = cfg.Retry.ImageDelaySeconds
	}
	// API
	if cfg.API.Endpoint != "" {
		def.API.Endpoint = cfg.API.Endpoint
	}
	// Telemetry
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	def.Telemetry.Insecure = cfg.Telemetry.Insecure
	return def
}
