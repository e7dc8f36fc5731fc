// Package resolver turns a root playlist URL into the set of playable sources.
package resolver

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tanq16/hlsplay/internal/bandwidth"
	"github.com/tanq16/hlsplay/internal/fetch"
	"github.com/tanq16/hlsplay/internal/hlserr"
	"github.com/tanq16/hlsplay/internal/playlist"
	"github.com/tanq16/hlsplay/internal/source"
	"github.com/tanq16/hlsplay/internal/utils"
)

type Result struct {
	// Sources are in completion order for master playlists.
	Sources          []*source.Source
	AverageBandwidth int
}

type Resolver struct {
	fetcher fetch.Fetcher
	logger  zerolog.Logger
	now     func() time.Time
}

func New(fetcher fetch.Fetcher, logger zerolog.Logger) *Resolver {
	return &Resolver{fetcher: fetcher, logger: logger, now: time.Now}
}

func (r *Resolver) newMeasurer() *bandwidth.Measurer {
	return bandwidth.NewWithClock(r.now)
}

func (r *Resolver) Resolve(ctx context.Context, rootURL string) (*Result, error) {
	root, err := url.Parse(rootURL)
	if err != nil {
		return nil, hlserr.New(hlserr.MalformedURLError, rootURL, "could not parse playlist URL", err)
	}

	m := r.newMeasurer()
	m.Start()
	data, err := r.fetcher.Fetch(ctx, fetch.Request{URL: rootURL})
	if err != nil {
		return nil, asDownloadError(rootURL, err)
	}
	samples := []int{m.Finish(len(data))}

	pl, err := playlist.Parse(data)
	if err != nil {
		return nil, hlserr.ParseFailed(rootURL, err)
	}
	base := utils.BaseDirectory(root)

	switch p := pl.(type) {
	case *playlist.MediaPlaylist:
		r.logger.Debug().Str("op", "resolver/resolve").Int("segments", len(p.Segments)).Msg("root is a media playlist")
		return &Result{
			Sources:          []*source.Source{source.New(p, base)},
			AverageBandwidth: bandwidth.Average(samples),
		}, nil
	case *playlist.MasterPlaylist:
		r.logger.Debug().Str("op", "resolver/resolve").Int("variants", len(p.VariantStreams)).Msg("root is a master playlist")
		return r.resolveVariants(ctx, rootURL, base, p, samples)
	}
	return nil, hlserr.ParseFailed(rootURL, playlist.ErrUnknownType)
}

// resolveVariants downloads every variant concurrently and keeps the ones
// that parse as media playlists.
func (r *Resolver) resolveVariants(ctx context.Context, rootURL string, base *url.URL, master *playlist.MasterPlaylist, samples []int) (*Result, error) {
	var (
		mu         sync.Mutex
		sources    []*source.Source
		totalBytes int
		g          errgroup.Group
	)
	m := r.newMeasurer()
	m.Start()
	for i, variant := range master.VariantStreams {
		variantURL, err := utils.ResolveURL(base, variant.URL)
		if err != nil {
			r.logger.Debug().Str("op", "resolver/variants").Err(err).Msgf("Skipping variant with bad URL %q", variant.URL)
			continue
		}
		g.Go(func() error {
			data, err := r.fetcher.Fetch(ctx, fetch.Request{URL: variantURL.String()})
			if err != nil {
				r.logger.Debug().Str("op", "resolver/variants").Err(err).Msgf("Dropping variant %s", variantURL)
				return nil
			}
			pl, err := playlist.Parse(data)
			if err != nil {
				r.logger.Debug().Str("op", "resolver/variants").Err(err).Msgf("Dropping unparseable variant %s", variantURL)
				return nil
			}
			media, ok := pl.(*playlist.MediaPlaylist)
			if !ok {
				r.logger.Debug().Str("op", "resolver/variants").Msgf("Dropping nested master playlist %s", variantURL)
				return nil
			}
			src := &source.Source{
				Playlist:     media,
				BaseURL:      utils.BaseDirectory(variantURL),
				Bandwidth:    variant.Bandwidth,
				Resolution:   variant.Resolution,
				Codecs:       variant.Codecs,
				VariantIndex: i,
			}
			mu.Lock()
			sources = append(sources, src)
			totalBytes += len(data)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if hlserr.IsCancellation(ctx.Err()) {
		return nil, ctx.Err()
	}
	if len(sources) == 0 {
		return nil, hlserr.MasterResolveFailed(rootURL)
	}
	samples = append(samples, m.Finish(totalBytes))
	r.logger.Debug().Str("op", "resolver/variants").Msgf("Resolved %d of %d variants", len(sources), len(master.VariantStreams))
	return &Result{Sources: sources, AverageBandwidth: bandwidth.Average(samples)}, nil
}

func asDownloadError(url string, err error) error {
	if _, ok := hlserr.KindOf(err); ok {
		return err
	}
	if hlserr.IsCancellation(err) {
		return err
	}
	return hlserr.DownloadFailed(url, err)
}
