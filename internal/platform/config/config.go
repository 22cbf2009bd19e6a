// Package config loads server configuration from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	defaultDesignerModel        = "gemini-2.5-flash"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultDesignerFunctionPath = "/api/v1/functions/generate-shoe-colors"
)

// Config is the full runtime configuration, one struct per concern.
type Config struct {
	Server      ServerConfig
	Catalog     CatalogConfig
	Generation  GenerationConfig
	Designer    DesignerConfig
	Sessions    SessionConfig
	RateLimits  RateLimitConfig
	Idempotency IdempotencyConfig
	Events      EventsConfig
	Secrets     SecretsConfig
	Security    SecurityConfig
}

type ServerConfig struct {
	Port         string `validate:"required"`
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// TrustedProxies lists the peers, as CIDRs or addresses, whose X-Forwarded-For and
	// X-Real-IP headers name the client. Empty means forwarding headers are ignored.
	TrustedProxies []string `validate:"dive,cidr|ip"`
}

// CatalogConfig points at an optional YAML catalog. Empty means the built-in catalog.
type CatalogConfig struct {
	Path string
}

// GenerationConfig controls the generation request pipeline.
type GenerationConfig struct {
	// Endpoint is the generation function URL. Empty means the server's own designer route.
	Endpoint      string        `validate:"omitempty,url"`
	Timeout       time.Duration `validate:"gt=0"`
	MaxInputRunes int           `validate:"gt=0"`
	// SigningSecret, when set, HMAC signs pipeline calls and is required on the designer route.
	SigningSecret string
}

// DesignerConfig configures the language model behind the designer function.
type DesignerConfig struct {
	Model           string `validate:"required"`
	APIKey          string
	BaseURL         string
	Temperature     float64 `validate:"gte=0,lte=2"`
	MaxOutputTokens int     `validate:"gt=0"`
}

// Enabled reports whether an API key is available.
func (c DesignerConfig) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

type SessionConfig struct {
	TTL             time.Duration `validate:"gt=0"`
	CleanupInterval time.Duration `validate:"gt=0"`
}

type RateLimitConfig struct {
	GeneratePerMinute int           `validate:"gt=0"`
	Window            time.Duration `validate:"gt=0"`
}

// IdempotencyConfig controls replay of retried session mutations.
type IdempotencyConfig struct {
	Header string        `validate:"required"`
	TTL    time.Duration `validate:"gt=0"`
}

// EventsConfig names the Pub/Sub topic for generation events. An empty project disables publishing.
type EventsConfig struct {
	ProjectID string
	Topic     string
}

func (c EventsConfig) Enabled() bool {
	return strings.TrimSpace(c.ProjectID) != "" && strings.TrimSpace(c.Topic) != ""
}

type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

type SecurityConfig struct {
	Environment string
}

// DesignerFunctionPath is the route of the in-process designer function.
func DesignerFunctionPath() string {
	return defaultDesignerFunctionPath
}

// defaults maps every environment variable Load reads to its built-in value.
var defaults = map[string]any{
	"API_SERVER_PORT":                "8080",
	"API_SERVER_READ_TIMEOUT":        defaultReadTimeout,
	"API_SERVER_WRITE_TIMEOUT":       defaultWriteTimeout,
	"API_SERVER_IDLE_TIMEOUT":        2 * time.Minute,
	"API_GENERATION_TIMEOUT":         10 * time.Second,
	"API_GENERATION_MAX_INPUT_RUNES": 500,
	"API_DESIGNER_MODEL":             defaultDesignerModel,
	"API_DESIGNER_TEMPERATURE":       0.4,
	"API_DESIGNER_MAX_OUTPUT_TOKENS": 1024,
	"API_SESSION_TTL":                2 * time.Hour,
	"API_SESSION_CLEANUP_INTERVAL":   10 * time.Minute,
	"API_RATELIMIT_GENERATE_PER_MIN": 30,
	"API_RATELIMIT_WINDOW":           time.Minute,
	"API_IDEMPOTENCY_HEADER":         "Idempotency-Key",
	"API_IDEMPOTENCY_TTL":            10 * time.Minute,
	"API_EVENTS_TOPIC":               "shoe-generation-events",
	"API_SECURITY_ENVIRONMENT":       "local",
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidationError lists the config paths that are missing or out of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns the offending paths in declaration order.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// Load reads the configuration, resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := newLoaderOptions(opts)
	v, err := layered(o, defaults)
	if err != nil {
		return Config{}, err
	}

	cfg := fromViper(v)
	if cfg.Secrets.ProjectID == "" {
		cfg.Secrets.ProjectID = cfg.Events.ProjectID
	}

	secretFields := map[string]*string{
		"Designer.APIKey":          &cfg.Designer.APIKey,
		"Generation.SigningSecret": &cfg.Generation.SigningSecret,
	}
	for _, name := range sortedKeys(secretFields) {
		field := secretFields[name]
		resolved, err := resolveSecret(ctx, *field, o.secret)
		if err != nil {
			return Config{}, err
		}
		*field = strings.TrimSpace(resolved)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	if missing := missingSecrets(o.requiredSecrets, secretFields); missing != nil {
		if o.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		Server: ServerConfig{
			Port:           v.GetString("API_SERVER_PORT"),
			ReadTimeout:    v.GetDuration("API_SERVER_READ_TIMEOUT"),
			WriteTimeout:   v.GetDuration("API_SERVER_WRITE_TIMEOUT"),
			IdleTimeout:    v.GetDuration("API_SERVER_IDLE_TIMEOUT"),
			TrustedProxies: splitList(v.GetString("API_SERVER_TRUSTED_PROXIES")),
		},
		Catalog: CatalogConfig{Path: v.GetString("API_CATALOG_PATH")},
		Generation: GenerationConfig{
			Endpoint:      strings.TrimSpace(v.GetString("API_GENERATION_ENDPOINT")),
			Timeout:       v.GetDuration("API_GENERATION_TIMEOUT"),
			MaxInputRunes: v.GetInt("API_GENERATION_MAX_INPUT_RUNES"),
			SigningSecret: v.GetString("API_GENERATION_SIGNING_SECRET"),
		},
		Designer: DesignerConfig{
			Model:           strings.TrimSpace(v.GetString("API_DESIGNER_MODEL")),
			APIKey:          v.GetString("API_DESIGNER_API_KEY"),
			BaseURL:         v.GetString("API_DESIGNER_BASE_URL"),
			Temperature:     v.GetFloat64("API_DESIGNER_TEMPERATURE"),
			MaxOutputTokens: v.GetInt("API_DESIGNER_MAX_OUTPUT_TOKENS"),
		},
		Sessions: SessionConfig{
			TTL:             v.GetDuration("API_SESSION_TTL"),
			CleanupInterval: v.GetDuration("API_SESSION_CLEANUP_INTERVAL"),
		},
		RateLimits: RateLimitConfig{
			GeneratePerMinute: v.GetInt("API_RATELIMIT_GENERATE_PER_MIN"),
			Window:            v.GetDuration("API_RATELIMIT_WINDOW"),
		},
		Idempotency: IdempotencyConfig{
			Header: strings.TrimSpace(v.GetString("API_IDEMPOTENCY_HEADER")),
			TTL:    v.GetDuration("API_IDEMPOTENCY_TTL"),
		},
		Events: EventsConfig{
			ProjectID: v.GetString("API_EVENTS_PROJECT_ID"),
			Topic:     v.GetString("API_EVENTS_TOPIC"),
		},
		Secrets: SecretsConfig{
			ProjectID:    v.GetString("API_SECRETS_PROJECT_ID"),
			FallbackFile: v.GetString("API_SECRET_FALLBACK_FILE"),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(strings.TrimSpace(v.GetString("API_SECURITY_ENVIRONMENT"))),
		},
	}
}

// splitList reads a comma separated value, dropping blank entries. Nothing listed is nil.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func validate(cfg Config) error {
	err := structValidator.Struct(cfg)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, strings.TrimPrefix(fe.StructNamespace(), "Config."))
	}
	return &ValidationError{fields: fields}
}
