package repositories

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/shoe-studio/api/internal/catalog"
)

// HTTPDoer issues HTTP requests.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// SecretProber resolves a secret reference without caching and names the source that served it.
type SecretProber interface {
	Probe(ctx context.Context, ref string) (string, error)
}

// CatalogCheck fails when the loaded catalog can no longer produce a generation output shape.
func CatalogCheck(cat *catalog.Catalog) DependencyCheck {
	return DependencyCheck{
		Name:     "catalog",
		Critical: true,
		Check: func(context.Context) error {
			if cat == nil {
				return errors.New("catalog not loaded")
			}
			_, err := cat.OutputShape()
			return err
		},
	}
}

// EndpointCheck reports whether the generation endpoint answers at all. Any status below
// 500 counts as reachable because the endpoint only accepts generation POSTs.
func EndpointCheck(name string, client HTTPDoer, endpoint string) DependencyCheck {
	if client == nil {
		client = http.DefaultClient
	}
	return DependencyCheck{
		Name: name,
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
			if resp.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("endpoint returned %d", resp.StatusCode)
			}
			return nil
		},
	}
}

// SecretCheck verifies that the referenced secret resolves.
func SecretCheck(prober SecretProber, ref string) DependencyCheck {
	return DependencyCheck{
		Name: "secrets",
		Check: func(ctx context.Context) error {
			if prober == nil {
				return errors.New("secret fetcher not configured")
			}
			_, err := prober.Probe(ctx, ref)
			return err
		},
	}
}
