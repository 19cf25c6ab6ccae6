// Package storage fetches manifests and artifacts from HTTP(S) or S3 mirrors
// and writes them to disk with integrity checks.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fly-io/deltaota/pkg/errors"
)

// ErrNotFound marks a remote object that does not exist.
var ErrNotFound = fmt.Errorf("object not found")

// Source opens remote objects by URL.
type Source interface {
	// Open returns the body and its length, or -1 when the length is unknown.
	Open(ctx context.Context, url string) (io.ReadCloser, int64, error)
	// Probe returns the advertised length without fetching the body.
	Probe(ctx context.Context, url string) (int64, error)
}

// Router dispatches s3:// URLs to S3 and everything else to HTTP.
type Router struct {
	HTTP Source
	S3   Source
}

func (r *Router) pick(url string) (Source, error) {
	if strings.HasPrefix(url, "s3://") {
		if r.S3 == nil {
			return nil, errors.Newf(errors.KindDownloadFailed, "no S3 source configured for %s", url)
		}
		return r.S3, nil
	}
	if r.HTTP == nil {
		return nil, errors.Newf(errors.KindDownloadFailed, "no HTTP source configured for %s", url)
	}
	return r.HTTP, nil
}

func (r *Router) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	src, err := r.pick(url)
	if err != nil {
		return nil, 0, err
	}
	return src.Open(ctx, url)
}

func (r *Router) Probe(ctx context.Context, url string) (int64, error) {
	src, err := r.pick(url)
	if err != nil {
		return 0, err
	}
	return src.Probe(ctx, url)
}
