package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"catimage/internal/core"
	"catimage/internal/version"
)

// DefaultMaxBodySize caps downloaded (decompressed) bodies at 20 MiB.
const DefaultMaxBodySize int64 = 20 << 20

// URLFetcher downloads encoded image bytes over HTTP.
type URLFetcher struct {
	client      *http.Client
	maxBodySize int64
}

// NewURLFetcher creates a fetcher using client. A non-positive maxBodySize selects DefaultMaxBodySize.
func NewURLFetcher(client *http.Client, maxBodySize int64) *URLFetcher {
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	return &URLFetcher{client: client, maxBodySize: maxBodySize}
}

// Fetch performs a GET on req.Key and returns the decompressed body.
func (f *URLFetcher) Fetch(ctx context.Context, req core.Request) (core.Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, string(req.Key), nil)
	if err != nil {
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, "invalid url", err)
	}
	// Setting Accept-Encoding disables the transport's transparent gzip handling.
	httpReq.Header.Set("Accept-Encoding", "br, gzip")
	httpReq.Header.Set("User-Agent", "catimage/"+version.Version)
	if id := core.GetRequestID(ctx); id != "" {
		httpReq.Header.Set("X-Request-ID", id)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little so the connection can be reused
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	body, err := decodeContent(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, "invalid content encoding", err)
	}
	defer body.Close()

	// Read one byte past the limit to detect oversized bodies (compression bomb protection)
	data, err := io.ReadAll(io.LimitReader(body, f.maxBodySize+1))
	if err != nil {
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, "failed to read body", err)
	}
	if int64(len(data)) > f.maxBodySize {
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, fmt.Sprintf("body exceeds %d bytes", f.maxBodySize), nil)
	}
	if len(data) == 0 {
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, "empty body", nil)
	}
	return core.Result{Data: data}, nil
}

// decodeContent wraps r according to the Content-Encoding header.
// Supports gzip, deflate, and brotli (br) encodings.
func decodeContent(r io.Reader, contentEncoding string) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(strings.Split(contentEncoding, ",")[0]))

	switch encoding {
	case "", "identity":
		return io.NopCloser(r), nil
	case "gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}
