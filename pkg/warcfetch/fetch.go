package warcfetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/commoncrawl-tools/ccpointer/pkg/circuitbreaker"
)

const otelPackageName = "github.com/commoncrawl-tools/ccpointer/pkg/warcfetch"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

const (
	defaultDialTimeout           = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultMaxBytes              = 2 << 20
	defaultMaxPreviewChars       = 2048
	defaultMaxRetries            = 4
)

// Fetcher fetches WARC records from a single origin (spec §4.7), either
// ranged per-request or from a locally cached full WARC file.
type Fetcher struct {
	httpClient *http.Client
	originURL  string // e.g. https://data.commoncrawl.org/

	cache *Cache // nil disables the cached full-WARC mode

	breaker *circuitbreaker.CircuitBreaker

	maxBytes        int64
	maxPreviewChars int
}

// NewFetcher builds a Fetcher against originURL, an optional Cache for
// full-WARC mode, and the default output bounds. originURL must include
// scheme and end in "/".
func NewFetcher(originURL string, cache *Cache) (*Fetcher, error) {
	if !strings.HasSuffix(originURL, "/") {
		originURL += "/"
	}

	dialer := &net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}

	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("warcfetch: could not clone the default HTTP transport")
	}

	dt := transport.Clone()
	dt.DialContext = dialer.DialContext
	dt.DisableCompression = true
	dt.ResponseHeaderTimeout = defaultResponseHeaderTimeout

	return &Fetcher{
		httpClient:      &http.Client{Transport: otelhttp.NewTransport(dt)},
		originURL:       originURL,
		cache:           cache,
		breaker:         circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout),
		maxBytes:        defaultMaxBytes,
		maxPreviewChars: defaultMaxPreviewChars,
	}, nil
}

// Fetch retrieves and parses a single WARC record (spec §4.7).
func (f *Fetcher) Fetch(ctx context.Context, ptr Pointer, opts FetchOptions) (Result, error) {
	ctx, span := tracer.Start(ctx, "warcfetch.Fetch", trace.WithAttributes(
		attribute.String("warc_filename", ptr.WARCFilename),
		attribute.Int64("offset", ptr.Offset),
		attribute.Int64("length", ptr.Length),
	))
	defer span.End()

	maxBytes := f.maxBytes
	if opts.MaxBytes > 0 {
		maxBytes = opts.MaxBytes
	}

	maxPreviewChars := f.maxPreviewChars
	if opts.MaxPreviewChars > 0 {
		maxPreviewChars = opts.MaxPreviewChars
	}

	raw, err := f.fetchBytes(ctx, ptr)
	if err != nil {
		return Result{}, err
	}

	sum := sha256.Sum256(raw)

	decoded, err := decodeGzipMember(raw)
	if err != nil {
		return Result{}, err
	}

	warcHeaders, warcType, targetURI, payload, err := splitWARCRecord(decoded)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		WARCHeaders: warcHeaders,
		WARCType:    warcType,
		TargetURI:   targetURI,
		SHA256:      hex.EncodeToString(sum[:]),
	}

	if opts.IncludeRaw {
		result.Raw = raw
	}

	body := payload

	if warcType == "response" {
		status, httpHeaders, decodedBody, truncated, err := parseHTTPEnvelope(payload, maxBytes)
		if err != nil {
			return Result{}, err
		}

		result.HTTPStatus = status
		result.HTTPHeaders = httpHeaders
		result.Truncated = truncated
		body = decodedBody
	} else if int64(len(body)) > maxBytes {
		body = body[:maxBytes]
		result.Truncated = true
	}

	result.Preview = preview(body, maxPreviewChars)
	result.MIMEType, result.Charset = guessMIME(result.HTTPHeaders["content-type"], body)

	return result, nil
}

// fetchBytes returns the raw gzip-member bytes for ptr, from the cache if
// enabled and the WARC file is already fully cached, or via a ranged GET
// otherwise.
func (f *Fetcher) fetchBytes(ctx context.Context, ptr Pointer) ([]byte, error) {
	if f.cache != nil {
		if data, ok, err := f.cache.ReadRange(ptr.WARCFilename, ptr.Offset, ptr.Length); err != nil {
			return nil, err
		} else if ok {
			return data, nil
		}
	}

	return f.rangedGet(ctx, ptr)
}

func (f *Fetcher) rangedGet(ctx context.Context, ptr Pointer) ([]byte, error) {
	if !f.breaker.AllowRequest() {
		return nil, fmt.Errorf("%w: circuit open for origin %s", ErrNetwork, f.originURL)
	}

	url := f.originURL + ptr.WARCFilename

	var body []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrNetwork, err))
		}

		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", ptr.Offset, ptr.Offset+ptr.Length-1))

		resp, err := f.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusPartialContent:
		case http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case http.StatusRequestedRangeNotSatisfiable:
			return backoff.Permanent(ErrRangeNotSatisfiable)
		default:
			return backoff.Permanent(fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNetwork, err)
		}

		if resp.ContentLength >= 0 && resp.ContentLength != ptr.Length {
			return backoff.Permanent(fmt.Errorf("%w: Content-Length %d, requested %d bytes",
				ErrContentLengthMismatch, resp.ContentLength, ptr.Length))
		}

		body = data

		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultMaxRetries)

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err != nil {
		f.breaker.RecordFailure()

		zerolog.Ctx(ctx).Warn().Err(err).Str("warc_filename", ptr.WARCFilename).Msg("ranged WARC fetch failed")

		return nil, err
	}

	f.breaker.RecordSuccess()

	return body, nil
}
