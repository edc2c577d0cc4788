package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/foresightd/foresight/util"
)

const (
	defaultFetchTimeout = 7 * time.Second
	defaultMaxBytes     = 1 << 20 // 1 MiB
)

// Fetcher is the bounded HTTP JSON client every remote read goes
// through. It guard-checks the URL, caps the response size and aborts
// past the timeout.
type Fetcher struct {
	Client   *http.Client
	Policy   SSRFPolicy
	Timeout  time.Duration
	MaxBytes int64
}

func NewFetcher(policy SSRFPolicy) *Fetcher {
	f := &Fetcher{
		Policy:   policy,
		Timeout:  defaultFetchTimeout,
		MaxBytes: defaultMaxBytes,
	}
	// The deadline lives on the request context, not the client, so a
	// caller-raised Timeout is honored. Every redirect hop re-runs the
	// guard; the initial check alone would let a 302 escape into a
	// forbidden range.
	f.Client = &http.Client{CheckRedirect: f.checkRedirect}
	return f
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 5 {
		return errors.New("stopped after 5 redirects")
	}
	_, err := ResolveSafeURL(req.Context(), req.URL.String(), f.Policy)
	return err
}

// FetchOptions tune a single request. Zero values fall back to the
// fetcher defaults.
type FetchOptions struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

// FetchResult carries the response alongside the fully read, size-capped
// body. Body is guaranteed to be valid JSON.
type FetchResult struct {
	Response *http.Response
	Body     []byte
}

func (f *Fetcher) FetchJSON(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResult, error) {
	if _, err := ResolveSafeURL(ctx, rawURL, f.Policy); err != nil {
		return nil, err
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	var bodyReader io.Reader
	if opts.Body != nil {
		bodyReader = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", util.UserAgent())
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, classifyFetchError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > f.MaxBytes {
		return nil, fmt.Errorf("content-length %d: %w", resp.ContentLength, ErrResponseTooLarge)
	}

	// No Content-Length (or a lying one): stream and abort once the
	// cumulative count crosses the cap.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBytes+1))
	if err != nil {
		return nil, classifyFetchError(rawURL, err)
	}
	if int64(len(body)) > f.MaxBytes {
		return nil, ErrResponseTooLarge
	}

	if !json.Valid(body) {
		return nil, ErrInvalidJSON
	}

	return &FetchResult{Response: resp, Body: body}, nil
}

// classifyFetchError unwraps the client's url.Error shell so guard
// blocks and deadline expiry keep their distinct kinds.
func classifyFetchError(rawURL string, err error) error {
	var blocked *SSRFBlockedError
	if errors.As(err, &blocked) {
		return blocked
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrFetchTimeout, rawURL)
	}
	return &UpstreamError{URL: rawURL, Err: err}
}
