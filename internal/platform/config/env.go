package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: ".env", useSystemEnv: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithEnvFile reads KEY=value overrides from path. Empty disables the file; a missing file
// is ignored.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that win over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets fails Load when any named secret field ends up empty. Names are
// config paths such as "Designer.APIKey".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic instead of returning MissingSecretsError.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// layered builds the lookup Load reads from. Precedence, lowest first: built-in defaults,
// the env file, the process environment, the explicit map. Empty values never override.
func layered(o loaderOptions, defaults map[string]any) (*viper.Viper, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	dotenv, err := readEnvFile(o.envFile)
	if err != nil {
		return nil, err
	}
	for key, value := range dotenv {
		v.SetDefault(key, value)
	}
	if o.useSystemEnv {
		v.AutomaticEnv()
	}
	for key, value := range o.envMap {
		if value != "" {
			v.Set(key, value)
		}
	}
	return v, nil
}

// EnvironmentValues returns every variable visible to Load under the same precedence, so
// callers can configure dependencies (the secret fetcher) before loading.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	o := newLoaderOptions(opts)
	values, err := readEnvFile(o.envFile)
	if err != nil {
		return nil, err
	}
	if o.useSystemEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && key != "" {
				values[key] = value
			}
		}
	}
	for key, value := range o.envMap {
		values[key] = value
	}
	return values, nil
}

// readEnvFile parses a dotenv file (export prefixes and quoted values allowed) with
// upper-cased keys and empty values dropped.
func readEnvFile(path string) (map[string]string, error) {
	values := map[string]string{}
	if strings.TrimSpace(path) == "" {
		return values, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	for key, raw := range v.AllSettings() {
		if value := strings.TrimSpace(fmt.Sprint(raw)); value != "" {
			values[strings.ToUpper(key)] = value
		}
	}
	return values, nil
}
