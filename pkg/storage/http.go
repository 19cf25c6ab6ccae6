package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fly-io/deltaota/pkg/errors"
)

// HTTPSource fetches over HTTP(S) with fixed connect and read timeouts.
type HTTPSource struct {
	client      *http.Client
	readTimeout time.Duration
}

// NewHTTPSource builds a source whose dials give up after connectTimeout.
// Response headers and every body read must arrive within readTimeout.
func NewHTTPSource(connectTimeout, readTimeout time.Duration) *HTTPSource {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		IdleConnTimeout:       90 * time.Second,
	}
	return &HTTPSource{client: &http.Client{Transport: transport}, readTimeout: readTimeout}
}

func (s *HTTPSource) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, errors.New(errors.KindDownloadFailed, errors.Wrap(err, "failed to build request"))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.ErrCancelled
		}
		slog.Warn("http_request_failed", "method", method, "url", url, "error", err)
		return nil, errors.New(errors.KindDownloadFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		slog.Warn("http_unexpected_status", "method", method, "url", url, "status", resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound {
			return nil, errors.New(errors.KindDownloadFailed, errors.Wrap(ErrNotFound, url))
		}
		return nil, errors.Newf(errors.KindDownloadFailed, "%s: unexpected status %d", url, resp.StatusCode)
	}
	return resp, nil
}

func (s *HTTPSource) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	resp, err := s.do(reqCtx, http.MethodGet, url)
	if err != nil {
		cancel()
		return nil, 0, err
	}
	return newStallReader(resp.Body, s.readTimeout, url, cancel), resp.ContentLength, nil
}

func (s *HTTPSource) Probe(ctx context.Context, url string) (int64, error) {
	resp, err := s.do(ctx, http.MethodHead, url)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.ContentLength < 0 {
		return -1, errors.New(errors.KindDownloadFailed, fmt.Errorf("%s: no content length", url))
	}
	return resp.ContentLength, nil
}

// stallReader aborts the request when a single Read waits longer than timeout.
type stallReader struct {
	body    io.ReadCloser
	url     string
	timeout time.Duration
	cancel  context.CancelFunc
	timer   *time.Timer
	stalled atomic.Bool
}

func newStallReader(body io.ReadCloser, timeout time.Duration, url string, cancel context.CancelFunc) *stallReader {
	return &stallReader{body: body, url: url, timeout: timeout, cancel: cancel}
}

func (r *stallReader) Read(p []byte) (int, error) {
	if r.timeout <= 0 {
		return r.body.Read(p)
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(r.timeout, func() {
			r.stalled.Store(true)
			r.cancel()
		})
	} else {
		r.timer.Reset(r.timeout)
	}
	n, err := r.body.Read(p)
	r.timer.Stop()
	if err != nil && err != io.EOF && r.stalled.Load() {
		slog.Warn("http_read_stalled", "url", r.url, "timeout", r.timeout)
		return n, errors.Newf(errors.KindDownloadFailed, "%s: no data for %s", r.url, r.timeout)
	}
	return n, err
}

func (r *stallReader) Close() error {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.cancel()
	return r.body.Close()
}
