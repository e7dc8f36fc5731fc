// Package player coordinates playlist resolution, variant selection and
// segment downloading for one playback session.
package player

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tanq16/hlsplay/internal/download"
	"github.com/tanq16/hlsplay/internal/fetch"
	"github.com/tanq16/hlsplay/internal/metrics"
	"github.com/tanq16/hlsplay/internal/remux"
	"github.com/tanq16/hlsplay/internal/resolver"
	"github.com/tanq16/hlsplay/internal/source"
)

type Config struct {
	// PreferredPeakBitrate pins variant selection when nonzero (bits/sec).
	PreferredPeakBitrate int
	// BufferDuration is how far ahead of the playback position to download, in seconds.
	BufferDuration float64
	// StartsOnFirstEligibleVariant starts on the first listed variant instead
	// of the one matching the measured bandwidth.
	StartsOnFirstEligibleVariant bool
}

// Handlers are invoked after the item's state has been updated and never
// while its lock is held.
type Handlers struct {
	OnStatus           func(Status)
	OnBufferFull       func(full bool)
	OnBufferEmpty      func(empty bool)
	OnEndOfStream      func()
	OnPresentationSize func(width, height int)
	OnVariantChange    func(src *source.Source)
	OnSegmentFailed    func(index int, err error)
}

type Resolver interface {
	Resolve(ctx context.Context, rootURL string) (*resolver.Result, error)
}

// Sink receives segments ready for decoding.
type Sink interface {
	Enqueue(asset remux.Asset)
	CancelAll()
}

type Options struct {
	Config    Config
	Fetcher   fetch.Fetcher
	Resolver  Resolver // defaults to a resolver over Fetcher
	CacheRoot string
	Sink      Sink
	Handlers  Handlers
	Logger    zerolog.Logger
	Metrics   *metrics.Collector
	Now       func() time.Time
}

type Item struct {
	url      string
	resolver Resolver
	manager  *download.Manager
	sink     Sink
	handlers Handlers
	logger   zerolog.Logger
	metrics  *metrics.Collector
	group    singleflight.Group

	mu            sync.Mutex
	cfg           Config
	status        Status
	sources       []*source.Source
	selected      *source.Source
	lastBandwidth int
	currentTime   float64
	windowStart   float64
	bufferFull    bool
	bufferEmpty   bool
	ended         bool
	width, height int
	pumping       bool
	closed        bool

	done      chan struct{}
	closeOnce sync.Once
}

func NewItem(rootURL string, opts Options) *Item {
	res := opts.Resolver
	if res == nil {
		res = resolver.New(opts.Fetcher, opts.Logger)
	}
	sink := opts.Sink
	if sink == nil {
		sink = discardSink{}
	}
	return &Item{
		url:      rootURL,
		resolver: res,
		manager: download.NewManager(download.Options{
			Fetcher:   opts.Fetcher,
			CacheRoot: opts.CacheRoot,
			Logger:    opts.Logger,
			Metrics:   opts.Metrics,
			Now:       opts.Now,
		}),
		sink:        sink,
		handlers:    opts.Handlers,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		cfg:         opts.Config,
		bufferEmpty: true,
		done:        make(chan struct{}),
	}
}

// Prepare resolves the playlist and starts downloading. Concurrent callers
// share one resolution and its outcome. A ready item returns immediately; a
// failed one resolves again.
func (i *Item) Prepare(ctx context.Context) error {
	i.mu.Lock()
	if i.status.State == StateReady {
		i.mu.Unlock()
		return nil
	}
	var n notes
	i.setStatus(transition(i.status.State, triggerPrepare), nil, &n)
	i.mu.Unlock()
	n.fire()

	_, err, _ := i.group.Do("prepare", func() (any, error) {
		return nil, i.resolve(ctx)
	})
	return err
}

func (i *Item) resolve(ctx context.Context) error {
	i.mu.Lock()
	if i.status.State != StateResolving {
		err := i.status.Err
		i.mu.Unlock()
		return err
	}
	i.mu.Unlock()

	i.logger.Debug().Str("op", "player/prepare").Msgf("Resolving %s", i.url)
	res, err := i.resolver.Resolve(ctx, i.url)
	i.metrics.Resolved(err)

	var n notes
	defer n.fire()
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return context.Canceled
	}
	if err != nil {
		i.setStatus(transition(i.status.State, triggerFailed), err, &n)
		return err
	}

	i.sources = res.Sources
	i.lastBandwidth = res.AverageBandwidth
	var initial *source.Source
	if i.cfg.StartsOnFirstEligibleVariant {
		initial = SelectFirst(i.sources)
	} else {
		initial = SelectBest(i.sources, i.target())
	}
	if err := i.selectSource(initial, &n); err != nil {
		i.setStatus(transition(i.status.State, triggerFailed), err, &n)
		return err
	}
	i.logger.Debug().Str("op", "player/prepare").Int("sources", len(i.sources)).Int("bandwidth", res.AverageBandwidth).Msg("Playlist ready")
	i.setStatus(transition(i.status.State, triggerResolved), nil, &n)
	i.setBufferEmpty(true, &n)
	if !i.pumping {
		i.pumping = true
		go i.pump()
	}
	i.process(i.checkBuffer(&n), &n)
	return nil
}

// Seek moves the playback position. A target outside the contiguous
// downloaded window empties the buffer and restarts downloading there.
func (i *Item) Seek(t float64) {
	if t < 0 {
		t = 0
	}
	var n notes
	defer n.fire()
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status.State != StateReady || i.closed {
		return
	}
	if longest, ok := i.manager.LongestDownloadedTime(); ok && (t < i.windowStart || t > longest) {
		if i.manager.SeekTo(t) {
			i.logger.Debug().Str("op", "player/seek").Msgf("Seek to %.2fs outside [%.2f, %.2f]", t, i.windowStart, longest)
			i.setBufferEmpty(true, &n)
			i.sink.CancelAll()
			i.windowStart, _ = i.manager.Source().TotalDurationBefore(i.manager.Index())
		}
	}
	i.currentTime = t
	i.process(i.checkBuffer(&n), &n)
	i.checkEnd(&n)
}

// SetPreferredPeakBitrate pins selection to bps, or returns to automatic
// selection when bps is 0.
func (i *Item) SetPreferredPeakBitrate(bps int) {
	if bps < 0 {
		bps = 0
	}
	var n notes
	defer n.fire()
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cfg.PreferredPeakBitrate = bps
	if i.status.State != StateReady || i.closed {
		return
	}
	if err := i.selectSource(SelectBest(i.sources, i.target()), &n); err != nil {
		i.logger.Error().Str("op", "player/bitrate").Err(err).Msg("Could not switch variant")
		return
	}
	i.process(i.checkBuffer(&n), &n)
}

func (i *Item) Close() error {
	var err error
	i.closeOnce.Do(func() {
		close(i.done)
		i.mu.Lock()
		defer i.mu.Unlock()
		i.closed = true
		i.sink.CancelAll()
		err = i.manager.Close()
	})
	return err
}

func (i *Item) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

func (i *Item) CurrentTime() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.currentTime
}

func (i *Item) Duration() (float64, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.selected == nil {
		return 0, false
	}
	return i.selected.TotalDuration(), true
}

func (i *Item) Sources() []*source.Source {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*source.Source(nil), i.sources...)
}

func (i *Item) SelectedSource() *source.Source {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.selected
}

func (i *Item) LongestDownloadedTime() (float64, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.manager.LongestDownloadedTime()
}

// DownloadsFinished reports whether every segment from the cursor to the end
// of the selected source is on disk.
func (i *Item) DownloadsFinished() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.manager.Finished()
}

func (i *Item) IsBufferFull() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bufferFull
}

func (i *Item) IsBufferEmpty() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bufferEmpty
}

func (i *Item) PresentationSize() (int, int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.width, i.height
}

// LastBandwidth is the most recent bandwidth sample, or the resolver's
// average before any segment was measured.
func (i *Item) LastBandwidth() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastBandwidth
}

func (i *Item) pump() {
	completions := i.manager.Completions()
	for {
		select {
		case c := <-completions:
			i.handle(c)
		case <-i.done:
			return
		}
	}
}

func (i *Item) handle(c download.Completion) {
	var n notes
	defer n.fire()
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.process(i.manager.Handle(c), &n)
}

func (i *Item) target() int {
	if i.cfg.PreferredPeakBitrate > 0 {
		return i.cfg.PreferredPeakBitrate
	}
	return i.lastBandwidth
}

// process applies manager events, including the ones produced synchronously
// while refilling the buffer.
func (i *Item) process(events []download.Event, n *notes) {
	for len(events) > 0 {
		ev := events[0]
		events = events[1:]
		switch ev.Kind {
		case download.SegmentReady:
			i.setBufferEmpty(false, n)
			if !ev.FromCache && ev.Bandwidth > 0 {
				i.lastBandwidth = ev.Bandwidth
				if i.cfg.PreferredPeakBitrate == 0 {
					if err := i.selectSource(SelectBest(i.sources, ev.Bandwidth), n); err != nil {
						i.logger.Error().Str("op", "player/select").Err(err).Msg("Could not switch variant")
					}
				}
			}
			i.sink.Enqueue(remux.Asset{
				Index:     ev.Index,
				Path:      ev.Path,
				StartTime: ev.StartTime,
				Bandwidth: ev.Bandwidth,
			})
			events = append(events, i.checkBuffer(n)...)
		case download.SegmentFailed:
			i.logger.Debug().Str("op", "player/segment").Err(ev.Err).Msgf("Segment %d failed", ev.Index)
			if cb := i.handlers.OnSegmentFailed; cb != nil {
				index, err := ev.Index, ev.Err
				n.add(func() { cb(index, err) })
			}
		}
	}
}

func (i *Item) checkBuffer(n *notes) []download.Event {
	longest, ok := i.manager.LongestDownloadedTime()
	if !ok {
		return nil
	}
	i.metrics.SetBuffered(max(0, longest-i.currentTime))
	if longest > i.currentTime+i.cfg.BufferDuration {
		i.setBufferFull(true, n)
		return nil
	}
	i.setBufferFull(false, n)
	return i.manager.Resume()
}

func (i *Item) checkEnd(n *notes) {
	if i.selected == nil {
		return
	}
	if i.currentTime >= i.selected.TotalDuration() {
		if !i.ended {
			i.ended = true
			if cb := i.handlers.OnEndOfStream; cb != nil {
				n.add(cb)
			}
		}
		return
	}
	i.ended = false
}

func (i *Item) selectSource(src *source.Source, n *notes) error {
	if src == nil {
		return nil
	}
	// After a failed bind the manager is unbound even though selected is set.
	if err := i.manager.Bind(src); err != nil {
		return err
	}
	if i.selected.Equal(src) {
		return nil
	}
	if i.selected != nil {
		i.metrics.VariantSwitched()
		i.logger.Debug().Str("op", "player/select").Msgf("Switching variant %d -> %d bps", i.selected.Bandwidth, src.Bandwidth)
	}
	i.selected = src
	if cb := i.handlers.OnVariantChange; cb != nil {
		n.add(func() { cb(src) })
	}
	if w, h, ok := src.ResolutionSize(); ok && (w != i.width || h != i.height) {
		i.width, i.height = w, h
		if cb := i.handlers.OnPresentationSize; cb != nil {
			n.add(func() { cb(w, h) })
		}
	}
	return nil
}

func (i *Item) setStatus(state State, err error, n *notes) {
	if state == i.status.State && err == nil && i.status.Err == nil {
		return
	}
	i.status = Status{State: state, Err: err}
	if cb := i.handlers.OnStatus; cb != nil {
		st := i.status
		n.add(func() { cb(st) })
	}
}

func (i *Item) setBufferFull(full bool, n *notes) {
	if i.bufferFull == full {
		return
	}
	i.bufferFull = full
	if cb := i.handlers.OnBufferFull; cb != nil {
		n.add(func() { cb(full) })
	}
}

func (i *Item) setBufferEmpty(empty bool, n *notes) {
	if i.bufferEmpty == empty {
		return
	}
	i.bufferEmpty = empty
	if cb := i.handlers.OnBufferEmpty; cb != nil {
		n.add(func() { cb(empty) })
	}
}

// notes collects handler calls to run once the lock is released.
type notes []func()

func (n *notes) add(f func()) {
	*n = append(*n, f)
}

func (n *notes) fire() {
	for _, f := range *n {
		f()
	}
}

type discardSink struct{}

func (discardSink) Enqueue(remux.Asset) {}
func (discardSink) CancelAll()          {}
