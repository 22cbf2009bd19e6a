package main

import (
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/shoe-studio/api/internal/platform/secrets"
)

// secretEnv reads the raw environment before config.Load, since the fetcher it configures
// is what resolves the config's own secret references.
type secretEnv map[string]string

func (e secretEnv) get(key string) string {
	return strings.TrimSpace(e[key])
}

// reference returns the value of key when it is a secret:// or sm:// reference.
func (e secretEnv) reference(key string) string {
	ref := e.get(key)
	if strings.HasPrefix(ref, "secret://") || strings.HasPrefix(ref, "sm://") {
		return ref
	}
	return ""
}

// pairs splits "k=v, k=v" lists, dropping entries with an empty side.
func (e secretEnv) pairs(key string, visit func(k, v string)) {
	for _, entry := range strings.Split(e.get(key), ",") {
		k, v, ok := strings.Cut(entry, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			visit(k, v)
		}
	}
}

func secretFetcherOptions(env map[string]string, logger *zap.Logger) []secrets.Option {
	e := secretEnv(env)
	label := strings.ToLower(e.get("API_SECURITY_ENVIRONMENT"))
	if label == "" {
		label = "local"
	}
	fallback := e.get("API_SECRET_FALLBACK_FILE")
	if fallback == "" {
		fallback = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger),
		secrets.WithEnvironment(label),
		secrets.WithFallbackFile(fallback),
		secrets.WithProjectMap(secretProjectMapFromEnv(env)),
		secrets.WithVersionPins(secretVersionPinsFromEnv(env)),
	}
	for _, key := range []string{"API_SECRETS_PROJECT_ID", "API_EVENTS_PROJECT_ID"} {
		if project := e.get(key); project != "" {
			opts = append(opts, secrets.WithDefaultProject(project))
			break
		}
	}
	if creds := e.get("API_SECRETS_CREDENTIALS_FILE"); creds != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(creds)))
	}
	return opts
}

// secretProjectMapFromEnv parses API_SECRET_PROJECT_IDS, e.g. "prod=shoe-prod,stg=shoe-stg".
func secretProjectMapFromEnv(env map[string]string) map[string]string {
	projects := map[string]string{}
	secretEnv(env).pairs("API_SECRET_PROJECT_IDS", func(label, project string) {
		projects[strings.ToLower(label)] = project
	})
	return projects
}

// secretVersionPinsFromEnv parses API_SECRET_VERSION_PINS. A ref may carry an environment
// prefix ("prod:designer/api-key=5") and defaults to the secret:// scheme.
func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	pins := map[string]string{}
	secretEnv(env).pairs("API_SECRET_VERSION_PINS", func(ref, version string) {
		var label string
		if colon := strings.Index(ref, ":"); colon > 0 && !strings.HasPrefix(ref[colon:], "://") {
			label = strings.ToLower(strings.TrimSpace(ref[:colon])) + ":"
			ref = strings.TrimSpace(ref[colon+1:])
		}
		switch {
		case strings.HasPrefix(ref, "sm://"):
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		case !strings.HasPrefix(ref, "secret://"):
			ref = "secret://" + ref
		}
		pins[label+ref] = version
	})
	return pins
}

// requiredSecretNames lists the config fields that were given as secret references and so
// must resolve. A literal or absent designer key only disables the designer.
func requiredSecretNames(env map[string]string) []string {
	e := secretEnv(env)
	var names []string
	if e.reference("API_DESIGNER_API_KEY") != "" {
		names = append(names, "Designer.APIKey")
	}
	if e.reference("API_GENERATION_SIGNING_SECRET") != "" {
		names = append(names, "Generation.SigningSecret")
	}
	return names
}
