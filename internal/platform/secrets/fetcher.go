package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 15 * time.Minute
	metricNamespace     = "github.com/shoe-studio/api/internal/platform/secrets"
)

// Sources reported by Probe and recorded on metrics.
const (
	SourceRemote   = "remote"
	SourceFallback = "fallback"
	sourceCache    = "cache"
	sourceError    = "error"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references against Google Secret Manager, caching values in
// memory and falling back to a local file when the service is unreachable.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env            string
	defaultProject string
	projectMap     map[string]string
	versionPins    map[string]string

	fallback *fallbackFile
	cache    *gocache.Cache
	inflight singleflight.Group

	latency        metric.Float64Histogram
	latencyEnabled bool
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	defaultProj  string
	projectMap   map[string]string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
	versionPins  map[string]string
	cacheTTL     time.Duration
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithEnvironment selects the key used for per-environment projects and version pins.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) {
		cfg.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the project used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.defaultProj = strings.TrimSpace(projectID)
	}
}

// WithProjectMap supplies environment specific project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.projectMap = cloneMap(m)
	}
}

// WithFallbackFile overrides the path to the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackPath = path
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects a preconfigured Secret Manager client.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions forwards options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// WithVersionPins pins versions by canonical reference, optionally prefixed with "env:".
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.versionPins = cloneMap(pins)
	}
}

// WithCacheTTL sets how long resolved values are served from memory. A non-positive TTL
// keeps entries until Invalidate.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		cfg.cacheTTL = ttl
	}
}

// NewFetcher builds a Fetcher. A Secret Manager client that cannot be created is logged and
// leaves the fetcher in fallback-only mode rather than failing.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT"))),
		fallbackPath: defaultFallbackPath,
		cacheTTL:     defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	latency, err := meter.Float64Histogram(
		"secrets.resolve.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time to resolve a secret reference, by source"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: unable to register latency metric", zap.Error(err))
	}

	cacheTTL, cleanup := cfg.cacheTTL, cfg.cacheTTL
	if cacheTTL <= 0 {
		cacheTTL, cleanup = gocache.NoExpiration, -1
	}

	f := &Fetcher{
		client:         cfg.client,
		logger:         cfg.logger,
		env:            cfg.env,
		defaultProject: cfg.defaultProj,
		projectMap:     cloneMap(cfg.projectMap),
		versionPins:    cloneMap(cfg.versionPins),
		fallback:       newFallbackFile(cfg.fallbackPath),
		cache:          gocache.New(cacheTTL, cleanup),
		latency:        latency,
		latencyEnabled: err == nil,
	}

	if f.client == nil {
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unavailable, serving from fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	f.cache.Flush()
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Remote reports whether a Secret Manager client is configured.
func (f *Fetcher) Remote() bool {
	return f.client != nil
}

// Resolve returns the secret value for ref from cache, Secret Manager or the fallback file.
// Secret Manager answers other than permission, auth or availability failures are final.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := time.Now()
	ref, err := parseReference(raw)
	if err != nil {
		return "", err
	}
	version := f.versionFor(ref)
	key := versionKey(ref.canonical, version)

	if cached, ok := f.cache.Get(key); ok {
		f.observe(ctx, start, sourceCache)
		return cached.(string), nil
	}

	value, err, _ := f.inflight.Do(key, func() (any, error) {
		value, source, err := f.load(ctx, ref, version)
		if err != nil {
			return "", err
		}
		f.cache.SetDefault(key, value)
		f.observe(ctx, start, source)
		return value, nil
	})
	if err != nil {
		f.observe(ctx, start, sourceError)
		return "", err
	}
	return value.(string), nil
}

// Probe resolves ref bypassing the cache and names the source that answered.
func (f *Fetcher) Probe(ctx context.Context, raw string) (string, error) {
	ref, err := parseReference(raw)
	if err != nil {
		return "", err
	}
	_, source, err := f.load(ctx, ref, f.versionFor(ref))
	if err != nil {
		return "", fmt.Errorf("secrets: %s not resolvable: %w", ref.masked(), err)
	}
	return source, nil
}

// Invalidate drops every cached version of ref.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := parseReference(raw)
	if err != nil {
		return
	}
	prefix := ref.canonical + "#"
	for key := range f.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			f.cache.Delete(key)
		}
	}
}

func (f *Fetcher) load(ctx context.Context, ref reference, version string) (string, string, error) {
	if project := f.projectFor(ref); project != "" && f.client != nil {
		value, err := f.accessRemote(ctx, ref.resourceName(project, version))
		if err == nil {
			return value, SourceRemote, nil
		}
		if !fallbackAllowed(err) {
			return "", sourceError, fmt.Errorf("secrets: fetch %s: %w", ref.masked(), err)
		}
		f.logger.Debug("secrets: using fallback file", zap.String("secret", ref.masked()), zap.Error(err))
	}

	value, ok, err := f.fallback.lookup(ref, version)
	if err != nil {
		return "", sourceError, err
	}
	if !ok {
		return "", sourceError, fmt.Errorf("secrets: no fallback value for %s", ref.masked())
	}
	return value, SourceFallback, nil
}

func (f *Fetcher) accessRemote(ctx context.Context, name string) (string, error) {
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", errors.New("secrets: empty payload")
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) projectFor(ref reference) string {
	if ref.project != "" {
		return ref.project
	}
	if id := strings.TrimSpace(f.projectMap[f.env]); id != "" {
		return id
	}
	return f.defaultProject
}

func (f *Fetcher) versionFor(ref reference) string {
	if ref.version != "" {
		return ref.version
	}
	for _, key := range []string{f.env + ":" + ref.canonical, ref.canonical} {
		if pin := strings.TrimSpace(f.versionPins[key]); pin != "" {
			return pin
		}
	}
	return latestVersion
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string) {
	if !f.latencyEnabled {
		return
	}
	f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

// fallbackAllowed lists the Secret Manager failures that mean "unreachable" rather than
// "answered no".
func fallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
