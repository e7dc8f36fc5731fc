// Package download fetches the segments of one bound source in playback order
// and caches them on disk.
//
// A Manager is owned by a single goroutine. Network requests run in the
// background and post their results to Completions; the owner passes each one
// back through Handle, which is the only place the cursor moves.
package download

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tanq16/hlsplay/internal/bandwidth"
	"github.com/tanq16/hlsplay/internal/fetch"
	"github.com/tanq16/hlsplay/internal/hlserr"
	"github.com/tanq16/hlsplay/internal/metrics"
	"github.com/tanq16/hlsplay/internal/playlist"
	"github.com/tanq16/hlsplay/internal/source"
)

const CacheDirPrefix = "hlsplay-"

type EventKind int

const (
	SegmentReady EventKind = iota
	SegmentFailed
)

func (k EventKind) String() string {
	if k == SegmentFailed {
		return "failed"
	}
	return "ready"
}

type Event struct {
	Kind      EventKind
	Index     int
	Path      string
	StartTime float64
	// Bandwidth is the sample measured for this segment; 0 for cache hits.
	Bandwidth int
	FromCache bool
	Err       error
}

type requestKind int

const (
	segmentRequest requestKind = iota
	initRequest
)

// Completion is the result of one background request.
type Completion struct {
	kind      requestKind
	token     uint64
	index     int
	path      string
	startTime float64
	data      []byte
	bandwidth int
	err       error
}

type inflight struct {
	token  uint64
	index  int
	key    string
	cancel context.CancelFunc
}

type Options struct {
	Fetcher   fetch.Fetcher
	CacheRoot string // defaults to os.TempDir()
	Logger    zerolog.Logger
	Metrics   *metrics.Collector
	Now       func() time.Time
}

type Manager struct {
	fetcher   fetch.Fetcher
	cacheRoot string
	logger    zerolog.Logger
	metrics   *metrics.Collector
	now       func() time.Time

	ctx         context.Context
	stop        context.CancelFunc
	completions chan Completion
	closed      chan struct{}
	closeOnce   sync.Once

	source    *source.Source
	index     int
	cacheDir  string
	cacheDirs []string
	initData  []byte
	segment   *inflight
	init      *inflight
	lastToken uint64
}

func NewManager(opts Options) *Manager {
	if opts.CacheRoot == "" {
		opts.CacheRoot = os.TempDir()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		fetcher:     opts.Fetcher,
		cacheRoot:   opts.CacheRoot,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		ctx:         ctx,
		stop:        stop,
		completions: make(chan Completion),
		closed:      make(chan struct{}),
	}
}

func (m *Manager) Completions() <-chan Completion {
	return m.completions
}

func (m *Manager) Source() *source.Source {
	return m.source
}

func (m *Manager) Index() int {
	return m.index
}

func (m *Manager) CacheDir() string {
	return m.cacheDir
}

// Bind makes src the active source. Binding a structurally equal source is a
// no-op. Otherwise in-flight requests are cancelled, the initialization bytes
// are discarded and segments are cached in a fresh directory. The cursor is
// kept, so switching between aligned variants continues at the same segment.
// A failed bind leaves the manager unbound.
func (m *Manager) Bind(src *source.Source) error {
	if m.source.Equal(src) {
		return nil
	}
	m.Cancel()
	m.source = nil
	m.initData = nil
	m.cacheDir = ""
	if src == nil {
		return nil
	}
	dir := filepath.Join(m.cacheRoot, CacheDirPrefix+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return hlserr.New(hlserr.CacheIOError, dir, "could not create cache directory", err)
	}
	m.source = src
	m.cacheDir = dir
	m.cacheDirs = append(m.cacheDirs, dir)
	m.logger.Debug().Str("op", "download/bind").Str("dir", dir).Int("bandwidth", src.Bandwidth).Msg("Bound source")
	return nil
}

// Resume starts the download of the current segment, fetching the
// initialization section first when the playlist declares one. A cached
// segment, or one whose request cannot be built, is reported immediately as
// the single returned event.
func (m *Manager) Resume() []Event {
	if ev, ok := m.loadCurrentSegment(); ok {
		return []Event{ev}
	}
	return nil
}

// SeekTo moves the cursor to the segment containing t and reports whether t
// falls inside the bound source. It does not fetch.
func (m *Manager) SeekTo(t float64) bool {
	if m.source == nil {
		return false
	}
	idx, ok := m.source.SegmentIndexForTime(t)
	if !ok {
		return false
	}
	if m.segment != nil && m.segment.index != idx {
		m.segment.cancel()
		m.segment = nil
	}
	m.index = idx
	return true
}

// Cancel aborts any in-flight requests. Their completions are discarded.
func (m *Manager) Cancel() {
	if m.segment != nil {
		m.segment.cancel()
		m.segment = nil
	}
	if m.init != nil {
		m.init.cancel()
		m.init = nil
	}
}

// LongestDownloadedTime is the playback time up to which segments have been
// downloaded contiguously from the cursor's starting point.
func (m *Manager) LongestDownloadedTime() (float64, bool) {
	if m.source == nil {
		return 0, false
	}
	return m.source.TotalDurationBefore(m.index)
}

func (m *Manager) Finished() bool {
	return m.source != nil && m.index >= m.source.SegmentCount()
}

// Handle applies a completion received from Completions. Stale completions
// and cancellations produce no events.
func (m *Manager) Handle(c Completion) []Event {
	switch c.kind {
	case initRequest:
		if m.init == nil || m.init.token != c.token {
			return nil
		}
		m.init = nil
		if c.err != nil {
			if hlserr.IsCancellation(c.err) {
				return nil
			}
			m.logger.Debug().Str("op", "download/init").Err(c.err).Msg("Initialization fetch failed")
			return []Event{m.failed(m.index, c.err)}
		}
		m.metrics.InitDownloaded(len(c.data))
		m.initData = c.data
		return m.Resume()

	case segmentRequest:
		if m.segment == nil || m.segment.token != c.token {
			return nil
		}
		m.segment = nil
		if c.err != nil {
			if hlserr.IsCancellation(c.err) {
				return nil
			}
			m.logger.Debug().Str("op", "download/segment").Err(c.err).Msgf("Segment %d failed", c.index)
			return []Event{m.failed(c.index, c.err)}
		}
		if err := writeSegment(c.path, m.initData, c.data); err != nil {
			return []Event{m.failed(c.index, hlserr.CacheWriteFailed(c.path, err))}
		}
		m.index = c.index + 1
		m.metrics.SegmentDownloaded(len(c.data), c.bandwidth)
		m.logger.Debug().Str("op", "download/segment").Int("bandwidth", c.bandwidth).Msgf("Segment %d ready", c.index)
		return []Event{{
			Kind:      SegmentReady,
			Index:     c.index,
			Path:      c.path,
			StartTime: c.startTime,
			Bandwidth: c.bandwidth,
		}}
	}
	return nil
}

// Next blocks for the next completion and applies it.
func (m *Manager) Next(ctx context.Context) ([]Event, error) {
	select {
	case c := <-m.completions:
		return m.Handle(c), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels all work and removes every cache directory the manager made.
func (m *Manager) Close() error {
	m.Cancel()
	m.closeOnce.Do(func() {
		m.stop()
		close(m.closed)
	})
	var firstErr error
	for _, dir := range m.cacheDirs {
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.cacheDirs = nil
	m.cacheDir = ""
	return firstErr
}

// loadCurrentSegment returns a synchronous event when the current segment is
// already cached or cannot be requested. Otherwise it makes sure a request
// for it is in flight and returns false.
func (m *Manager) loadCurrentSegment() (Event, bool) {
	if m.source == nil || m.cacheDir == "" || m.index < 0 || m.index >= m.source.SegmentCount() {
		return Event{}, false
	}
	if m.source.Playlist.Map != nil && m.initData == nil {
		if err := m.loadInitData(); err != nil {
			return m.failed(m.index, err), true
		}
		return Event{}, false
	}

	index := m.index
	seg := m.source.Playlist.Segments[index]
	startTime, _ := m.source.TotalDurationBefore(index)
	var byteRange *fetch.Range
	keyRange := seg.ByteRange
	if seg.ByteRange != nil {
		fallback, _ := m.source.ByteOffsetBefore(index)
		start := seg.ByteRange.Start(fallback)
		byteRange = &fetch.Range{Start: start, End: start + seg.ByteRange.Length - 1}
		keyRange = &playlist.ByteRange{Length: seg.ByteRange.Length, Offset: &start}
	}
	cachePath := filepath.Join(m.cacheDir, playlist.Fingerprint(seg.URL, keyRange)+"."+segmentExtension(seg.URL))
	if _, err := os.Stat(cachePath); err == nil {
		if m.segment != nil {
			m.segment.cancel()
			m.segment = nil
		}
		m.index++
		m.metrics.CacheHit()
		return Event{Kind: SegmentReady, Index: index, Path: cachePath, StartTime: startTime, FromCache: true}, true
	}

	segURL, err := m.source.SegmentURL(index)
	if err != nil {
		return m.failed(index, hlserr.BadSegmentURL(seg.URL, err)), true
	}
	req := fetch.Request{URL: segURL, Range: byteRange}

	if m.segment != nil {
		if m.segment.index == index && m.segment.key == req.Key() {
			return Event{}, false
		}
		m.segment.cancel()
	}
	m.segment = m.start(segmentRequest, index, req, cachePath, startTime)
	return Event{}, false
}

func (m *Manager) loadInitData() error {
	mapURL, err := m.source.MapURL()
	if err != nil {
		return hlserr.BadSegmentURL(m.source.Playlist.Map.URL, err)
	}
	req := fetch.Request{URL: mapURL}
	if br := m.source.Playlist.Map.ByteRange; br != nil {
		start := br.Start(0)
		req.Range = &fetch.Range{Start: start, End: start + br.Length - 1}
	}
	if m.init != nil && m.init.key == req.Key() {
		return nil
	}
	if m.init != nil {
		m.init.cancel()
	}
	m.init = m.start(initRequest, m.index, req, "", 0)
	return nil
}

func (m *Manager) start(kind requestKind, index int, req fetch.Request, cachePath string, startTime float64) *inflight {
	m.lastToken++
	ctx, cancel := context.WithCancel(m.ctx)
	fl := &inflight{token: m.lastToken, index: index, key: req.Key(), cancel: cancel}
	fetcher := m.fetcher
	measurer := bandwidth.NewWithClock(m.now)
	go func() {
		defer cancel()
		measurer.Start()
		data, err := fetcher.Fetch(ctx, req)
		c := Completion{kind: kind, token: fl.token, index: index, path: cachePath, startTime: startTime, data: data, err: err}
		if err == nil {
			c.bandwidth = measurer.Finish(len(data))
		}
		select {
		case m.completions <- c:
		case <-m.closed:
		}
	}()
	return fl
}

func (m *Manager) failed(index int, err error) Event {
	if kind, ok := hlserr.KindOf(err); ok {
		m.metrics.SegmentFailed(string(kind))
	} else {
		m.metrics.SegmentFailed("unknown")
	}
	return Event{Kind: SegmentFailed, Index: index, Err: err}
}

// segmentExtension keeps the extension of the segment URL's path so renderers
// can sniff the container, falling back to ts.
func segmentExtension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.TrimPrefix(path.Ext(p), ".")
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		return "ts"
	}
	return strings.ToLower(ext)
}

// writeSegment writes init+data through a temporary file so a partial write is
// never mistaken for a cached segment.
func writeSegment(cachePath string, initData, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(cachePath), ".part-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if len(initData) > 0 {
		if _, err := tmp.Write(initData); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, cachePath)
}
