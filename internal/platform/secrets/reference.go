package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const latestVersion = "latest"

// reference is a parsed secret://name?version=N&project=P (or sm://) URI.
type reference struct {
	canonical string
	name      string
	version   string
	project   string
}

func parseReference(raw string) (reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	switch u.Scheme {
	case "secret":
	case "sm":
		u.Scheme = "secret"
	default:
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	query := u.Query()
	u.RawQuery = ""
	u.Fragment = ""
	return reference{
		canonical: u.String(),
		name:      name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

// resourceName is the Secret Manager version path for the reference.
func (r reference) resourceName(project, version string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, r.name, version)
}

// masked identifies a reference in logs and metrics without revealing its name.
func (r reference) masked() string {
	sum := sha256.Sum256([]byte(r.canonical))
	return hex.EncodeToString(sum[:8])
}

func versionKey(canonical, version string) string {
	return canonical + "#" + version
}
