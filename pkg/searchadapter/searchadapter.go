// Package searchadapter bridges a free-text web query to pointer records:
// submit the query to an external web-search API, then resolve each
// result URL to its newest WARC pointer via pkg/planner (spec §4.9).
package searchadapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/commoncrawl-tools/ccpointer/pkg/planner"
	"github.com/commoncrawl-tools/ccpointer/pkg/pointer"
)

const otelPackageName = "github.com/commoncrawl-tools/ccpointer/pkg/searchadapter"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// ErrUpstreamUnavailable is returned whenever the external search API
// fails; per spec §4.9 "failures from the external API surface as a
// single UpstreamSearchUnavailable error without polluting the cache."
var ErrUpstreamUnavailable = errors.New("searchadapter: upstream search unavailable")

const (
	defaultEndpoint   = "https://api.search.brave.com/res/v1/web/search"
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	cacheFileMode     = 0o600
	cacheDirMode      = 0o700
)

// Result is one web-search hit, optionally enriched with its best-known
// WARC pointer.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`

	Pointer *pointer.Capture `json:"pointer,omitempty"`
}

// Query parameterizes a search request; all fields participate in the
// on-disk cache key (spec §4.9 "cached on disk keyed by (query, count,
// offset, country, safesearch)").
type Query struct {
	Text       string
	Count      int
	Offset     int
	Country    string
	SafeSearch string
}

func (q Query) cacheKey() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%d\x00%s\x00%s",
		q.Text, q.Count, q.Offset, q.Country, q.SafeSearch)))

	return hex.EncodeToString(sum[:])
}

// Adapter submits queries to the external web-search API and resolves
// result URLs to pointer records through a Planner.
type Adapter struct {
	httpClient *http.Client
	endpoint   string
	apiToken   string

	cacheDir string
	cacheTTL time.Duration

	planner *planner.Planner
}

// Options configures an Adapter (spec §6.5 brave_cache_path,
// brave_cache_ttl_s). APIToken is read from the environment by the
// caller, never hardcoded (spec §4.9 "bearer token configured via
// environment"). Endpoint defaults to the real Brave search API and only
// needs overriding in tests, the same way warcfetch.NewFetcher takes its
// origin URL as a parameter rather than a package constant.
type Options struct {
	Endpoint string
	APIToken string
	CacheDir string
	CacheTTL time.Duration
	Planner  *planner.Planner
}

// New builds an Adapter. CacheDir may be empty to opt out of the on-disk
// result cache entirely (spec §6.5 "cache is opt-out").
func New(opts Options) (*Adapter, error) {
	if opts.CacheDir != "" {
		if err := os.MkdirAll(opts.CacheDir, cacheDirMode); err != nil {
			return nil, fmt.Errorf("error creating search cache directory %q: %w", opts.CacheDir, err)
		}
	}

	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	return &Adapter{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: defaultTimeout},
		endpoint:   endpoint,
		apiToken:   opts.APIToken,
		cacheDir:   opts.CacheDir,
		cacheTTL:   opts.CacheTTL,
		planner:    opts.Planner,
	}, nil
}

// cacheEntry is the on-disk shape of a cached search response.
type cacheEntry struct {
	CachedAt time.Time `json:"cached_at"`
	Results  []Result  `json:"results"`
}

// Search runs q against the external API (or a fresh-enough disk cache
// entry), then attaches each result's best pointer: the newest capture by
// timestamp, resolved via planner.SearchDomain with a small max_matches
// (spec §4.9).
func (a *Adapter) Search(ctx context.Context, q Query, maxMatchesPerDomain int) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "searchadapter.Search", trace.WithAttributes(
		attribute.String("query", q.Text),
	))
	defer span.End()

	if entry, ok := a.readCache(q); ok {
		zerolog.Ctx(ctx).Debug().Str("query", q.Text).Msg("serving search results from cache")

		return a.attachPointers(ctx, entry.Results, maxMatchesPerDomain)
	}

	results, err := a.callUpstream(ctx, q)
	if err != nil {
		// spec §4.9: failures surface without polluting the cache.
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	a.writeCache(q, results)

	return a.attachPointers(ctx, results, maxMatchesPerDomain)
}

func (a *Adapter) callUpstream(ctx context.Context, q Query) ([]Result, error) {
	var results []Result

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		query := req.URL.Query()
		query.Set("q", q.Text)

		if q.Count > 0 {
			query.Set("count", fmt.Sprintf("%d", q.Count))
		}

		if q.Offset > 0 {
			query.Set("offset", fmt.Sprintf("%d", q.Offset))
		}

		if q.Country != "" {
			query.Set("country", q.Country)
		}

		if q.SafeSearch != "" {
			query.Set("safesearch", q.SafeSearch)
		}

		req.URL.RawQuery = query.Encode()
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", a.apiToken)

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(fmt.Errorf("search API returned status %d", resp.StatusCode))
			}

			return fmt.Errorf("search API returned status %d", resp.StatusCode)
		}

		var body struct {
			Web struct {
				Results []Result `json:"results"`
			} `json:"web"`
		}

		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return backoff.Permanent(fmt.Errorf("error decoding search response: %w", err))
		}

		results = body.Web.Results

		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultMaxRetries)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}

	return results, nil
}

// attachPointers resolves each result's bare domain via the planner and
// picks the newest capture by timestamp as the result's best pointer.
func (a *Adapter) attachPointers(ctx context.Context, results []Result, maxMatchesPerDomain int) ([]Result, error) {
	if a.planner == nil {
		return results, nil
	}

	if maxMatchesPerDomain <= 0 {
		maxMatchesPerDomain = 10
	}

	out := make([]Result, len(results))

	for i, r := range results {
		out[i] = r

		domain, err := pointer.NormalizeDomain(r.URL, true)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("url", r.URL).Msg("searchadapter: could not normalize result url")

			continue
		}

		search, err := a.planner.SearchDomain(ctx, domain, planner.SearchOptions{MaxMatches: maxMatchesPerDomain, StripWWW: true})
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("domain", domain).Msg("searchadapter: pointer lookup failed")

			continue
		}

		if best := newestCapture(search.Pointers); best != nil {
			out[i].Pointer = best
		}
	}

	return out, nil
}

func newestCapture(captures []pointer.Capture) *pointer.Capture {
	var best *pointer.Capture

	for i, c := range captures {
		if best == nil || c.Timestamp > best.Timestamp {
			best = &captures[i]
		}
	}

	return best
}

func (a *Adapter) cachePath(q Query) string {
	return filepath.Join(a.cacheDir, q.cacheKey()+".json")
}

func (a *Adapter) readCache(q Query) (cacheEntry, bool) {
	if a.cacheDir == "" {
		return cacheEntry{}, false
	}

	data, err := os.ReadFile(a.cachePath(q))
	if err != nil {
		return cacheEntry{}, false
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return cacheEntry{}, false
	}

	if a.cacheTTL > 0 && time.Since(entry.CachedAt) > a.cacheTTL {
		return cacheEntry{}, false
	}

	return entry, true
}

func (a *Adapter) writeCache(q Query, results []Result) {
	if a.cacheDir == "" {
		return
	}

	entry := cacheEntry{CachedAt: time.Now(), Results: results}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	tmp := a.cachePath(q) + ".tmp"
	if err := os.WriteFile(tmp, data, cacheFileMode); err != nil {
		return
	}

	_ = os.Rename(tmp, a.cachePath(q))
}
