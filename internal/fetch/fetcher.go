// Package fetch retrieves playlist and segment bytes over HTTP(S) or from S3.
package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tanq16/hlsplay/internal/hlserr"
)

// Range is an inclusive byte range.
type Range struct {
	Start int64
	End   int64
}

func (r Range) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

type Request struct {
	URL   string
	Range *Range
}

// Key identifies the resource and range a request reads.
func (r Request) Key() string {
	if r.Range == nil {
		return r.URL
	}
	return r.URL + "#" + r.Range.Header()
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type FetcherFunc func(ctx context.Context, req Request) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

// Router dispatches requests to a Fetcher by URL scheme.
type Router struct {
	fetchers map[string]Fetcher
}

func NewRouter() *Router {
	return &Router{fetchers: make(map[string]Fetcher)}
}

func (r *Router) Handle(scheme string, f Fetcher) *Router {
	r.fetchers[strings.ToLower(scheme)] = f
	return r
}

func (r *Router) Fetch(ctx context.Context, req Request) ([]byte, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, hlserr.New(hlserr.MalformedURLError, req.URL, "could not parse URL", err)
	}
	f, ok := r.fetchers[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, hlserr.New(hlserr.MalformedURLError, req.URL, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}
	return f.Fetch(ctx, req)
}
