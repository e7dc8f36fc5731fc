package player

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/hlsplay/internal/fetch"
	"github.com/tanq16/hlsplay/internal/hlserr"
	"github.com/tanq16/hlsplay/internal/playlist"
	"github.com/tanq16/hlsplay/internal/remux"
	"github.com/tanq16/hlsplay/internal/resolver"
	"github.com/tanq16/hlsplay/internal/source"
	"github.com/tanq16/hlsplay/internal/utils"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var modTime = time.Unix(1700000000, 0)

type mediaServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
	miss map[string]bool
}

func newMediaServer(t *testing.T) *mediaServer {
	t.Helper()
	ms := &mediaServer{hits: make(map[string]int), miss: make(map[string]bool)}
	payload := bytes.Repeat([]byte{0x47}, 1000)
	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.mu.Lock()
		ms.hits[r.URL.Path]++
		missing := ms.miss[r.URL.Path]
		ms.mu.Unlock()
		if missing {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "seg.ts", modTime, bytes.NewReader(payload))
	}))
	t.Cleanup(ms.Close)
	return ms
}

func (ms *mediaServer) hitCount(p string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.hits[p]
}

func (ms *mediaServer) totalHits() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	total := 0
	for _, n := range ms.hits {
		total += n
	}
	return total
}

func (ms *mediaServer) fail(p string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.miss[p] = true
}

func (ms *mediaServer) source(t *testing.T, dir string, variantIndex, bandwidth int, resolution string, segments int) *source.Source {
	t.Helper()
	base, err := url.Parse(ms.URL + "/" + dir + "/")
	require.NoError(t, err)
	pl := &playlist.MediaPlaylist{TargetDuration: 4, IsEndList: true}
	for i := range segments {
		pl.Segments = append(pl.Segments, playlist.MediaSegment{Duration: 4, URL: "seg" + string(rune('0'+i)) + ".ts"})
	}
	return &source.Source{Playlist: pl, BaseURL: base, Bandwidth: bandwidth, Resolution: resolution, VariantIndex: variantIndex}
}

type stubResolver struct {
	calls  atomic.Int32
	gate   chan struct{}
	result *resolver.Result
	err    error
}

func (s *stubResolver) Resolve(ctx context.Context, rootURL string) (*resolver.Result, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	return s.result, s.err
}

type recorder struct {
	mu       sync.Mutex
	statuses []State
	empty    []bool
	full     []bool
	ends     int
	variants []*source.Source
	sizes    [][2]int
	failures []error
	assets   []remux.Asset
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnStatus: func(s Status) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, s.State)
		},
		OnBufferEmpty: func(empty bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.empty = append(r.empty, empty)
		},
		OnBufferFull: func(full bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.full = append(r.full, full)
		},
		OnEndOfStream: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ends++
		},
		OnVariantChange: func(src *source.Source) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.variants = append(r.variants, src)
		},
		OnPresentationSize: func(w, h int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sizes = append(r.sizes, [2]int{w, h})
		},
		OnSegmentFailed: func(index int, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, err)
		},
	}
}

func (r *recorder) Enqueue(a remux.Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets = append(r.assets, a)
}

func (r *recorder) CancelAll() {}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		statuses: append([]State(nil), r.statuses...),
		empty:    append([]bool(nil), r.empty...),
		full:     append([]bool(nil), r.full...),
		ends:     r.ends,
		variants: append([]*source.Source(nil), r.variants...),
		sizes:    append([][2]int(nil), r.sizes...),
		failures: append([]error(nil), r.failures...),
		assets:   append([]remux.Asset(nil), r.assets...),
	}
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newItem(t *testing.T, res Resolver, cfg Config, rec *recorder, now func() time.Time) *Item {
	t.Helper()
	client := utils.NewHLSHTTPClient(utils.HTTPClientConfig{Timeout: 5 * time.Second})
	item := NewItem("http://example.invalid/master.m3u8", Options{
		Config:    cfg,
		Fetcher:   fetch.NewHTTPFetcher(client),
		Resolver:  res,
		CacheRoot: t.TempDir(),
		Sink:      rec,
		Handlers:  rec.handlers(),
		Logger:    zerolog.Nop(),
		Now:       now,
	})
	t.Cleanup(func() { _ = item.Close() })
	return item
}

func longestIs(item *Item, want float64) func() bool {
	return func() bool {
		got, ok := item.LongestDownloadedTime()
		return ok && got == want
	}
}

func TestPrepareSharesOneResolution(t *testing.T) {
	ms := newMediaServer(t)
	res := &stubResolver{
		gate:   make(chan struct{}),
		result: &resolver.Result{Sources: []*source.Source{ms.source(t, "vod", -1, 0, "", 1)}},
	}
	rec := &recorder{}
	item := newItem(t, res, Config{BufferDuration: 10}, rec, nil)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for n := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[n] = item.Prepare(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return res.calls.Load() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return item.Status().State == StateResolving }, waitFor, tick)
	close(res.gate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), res.calls.Load())
	assert.Equal(t, StateReady, item.Status().State)

	require.NoError(t, item.Prepare(context.Background()))
	assert.Equal(t, int32(1), res.calls.Load())
	assert.Equal(t, []State{StateResolving, StateReady}, rec.snapshot().statuses)
}

func TestPrepareFailureThenRetry(t *testing.T) {
	boom := hlserr.MasterResolveFailed("http://example.invalid/master.m3u8")
	res := &stubResolver{gate: make(chan struct{}), err: boom}
	rec := &recorder{}
	item := newItem(t, res, Config{}, rec, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- item.Prepare(context.Background()) }()
	require.Eventually(t, func() bool { return res.calls.Load() == 1 }, waitFor, tick)
	close(res.gate)
	assert.ErrorIs(t, <-errCh, boom)

	status := item.Status()
	assert.Equal(t, StateFailed, status.State)
	assert.True(t, hlserr.IsKind(status.Err, hlserr.ResolutionError))

	res.gate = nil
	res.err = nil
	res.result = &resolver.Result{Sources: []*source.Source{variant(-1, 0)}}
	require.NoError(t, item.Prepare(context.Background()))
	assert.Equal(t, int32(2), res.calls.Load())
	assert.Equal(t, StateReady, item.Status().State)
	assert.Equal(t, []State{StateResolving, StateFailed, StateResolving, StateReady}, rec.snapshot().statuses)
}

func TestPrepareSelectsInitialVariant(t *testing.T) {
	ms := newMediaServer(t)
	high := ms.source(t, "high", 0, 1_000_000, "1280x720", 2)
	mid := ms.source(t, "mid", 1, 500_000, "854x480", 2)
	low := ms.source(t, "low", 2, 200_000, "640x360", 2)
	result := &resolver.Result{Sources: []*source.Source{low, high, mid}, AverageBandwidth: 10_000_000}

	tests := []struct {
		name string
		cfg  Config
		want *source.Source
	}{
		{"measured average", Config{}, high},
		{"preferred bitrate", Config{PreferredPeakBitrate: 600_000}, mid},
		{"first eligible variant", Config{StartsOnFirstEligibleVariant: true, PreferredPeakBitrate: 250_000}, high},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			tt.cfg.BufferDuration = 100
			item := newItem(t, &stubResolver{result: result}, tt.cfg, rec, nil)
			require.NoError(t, item.Prepare(context.Background()))
			assert.Same(t, tt.want, item.SelectedSource())
			w, h := item.PresentationSize()
			ww, wh, _ := tt.want.ResolutionSize()
			assert.Equal(t, [2]int{ww, wh}, [2]int{w, h})
		})
	}
}

func TestBufferingAndBackwardSeek(t *testing.T) {
	ms := newMediaServer(t)
	src := ms.source(t, "vod", -1, 0, "", 3)
	rec := &recorder{}
	item := newItem(t, &stubResolver{result: &resolver.Result{Sources: []*source.Source{src}}}, Config{BufferDuration: 100}, rec, nil)

	assert.True(t, item.IsBufferEmpty())
	require.NoError(t, item.Prepare(context.Background()))
	require.Eventually(t, longestIs(item, 12), waitFor, tick)
	assert.False(t, item.IsBufferEmpty())
	assert.False(t, item.IsBufferFull())

	hits := ms.totalHits()
	item.Seek(10)
	item.Seek(2)
	assert.Equal(t, 2.0, item.CurrentTime())
	assert.False(t, item.IsBufferEmpty())
	assert.Equal(t, hits, ms.totalHits())

	snap := rec.snapshot()
	assert.Equal(t, []bool{false}, snap.empty)
	require.Len(t, snap.assets, 3)
	for n, a := range snap.assets {
		assert.Equal(t, n, a.Index)
		assert.InDelta(t, float64(n)*4, a.StartTime, 1e-9)
		assert.FileExists(t, a.Path)
	}
}

func TestSeekOutsideDownloadedWindow(t *testing.T) {
	ms := newMediaServer(t)
	src := ms.source(t, "vod", -1, 0, "", 3)
	rec := &recorder{}
	item := newItem(t, &stubResolver{result: &resolver.Result{Sources: []*source.Source{src}}}, Config{BufferDuration: 0}, rec, nil)

	require.NoError(t, item.Prepare(context.Background()))
	require.Eventually(t, longestIs(item, 4), waitFor, tick)
	require.Eventually(t, item.IsBufferFull, waitFor, tick)
	assert.Zero(t, ms.hitCount("/vod/seg1.ts"))

	item.Seek(9)
	assert.True(t, item.IsBufferEmpty())
	require.Eventually(t, longestIs(item, 12), waitFor, tick)
	require.Eventually(t, func() bool { return !item.IsBufferEmpty() }, waitFor, tick)
	assert.Equal(t, 1, ms.hitCount("/vod/seg2.ts"))
	assert.Zero(t, ms.hitCount("/vod/seg1.ts"))

	item.Seek(5)
	assert.True(t, item.IsBufferEmpty())
	require.Eventually(t, func() bool { return ms.hitCount("/vod/seg1.ts") == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return !item.IsBufferEmpty() }, waitFor, tick)
	assert.Equal(t, 1, ms.hitCount("/vod/seg0.ts"))
}

func TestEndOfStreamOncePerCrossing(t *testing.T) {
	ms := newMediaServer(t)
	src := ms.source(t, "vod", -1, 0, "", 3)
	rec := &recorder{}
	item := newItem(t, &stubResolver{result: &resolver.Result{Sources: []*source.Source{src}}}, Config{BufferDuration: 100}, rec, nil)
	assert.False(t, item.DownloadsFinished())
	require.NoError(t, item.Prepare(context.Background()))

	d, ok := item.Duration()
	require.True(t, ok)
	assert.Equal(t, 12.0, d)

	item.Seek(11)
	assert.Zero(t, rec.snapshot().ends)
	item.Seek(12)
	item.Seek(12.5)
	assert.Equal(t, 1, rec.snapshot().ends)
	item.Seek(3)
	item.Seek(13)
	assert.Equal(t, 2, rec.snapshot().ends)
	require.Eventually(t, item.DownloadsFinished, waitFor, tick)
}

func TestAdaptiveSwitchOnBandwidthSample(t *testing.T) {
	ms := newMediaServer(t)
	high := ms.source(t, "high", 0, 1_000_000, "1280x720", 3)
	low := ms.source(t, "low", 1, 5_000, "640x360", 3)
	result := &resolver.Result{Sources: []*source.Source{high, low}, AverageBandwidth: 2_000_000}
	rec := &recorder{}
	clock := &stepClock{now: time.Unix(0, 0)}
	item := newItem(t, &stubResolver{result: result}, Config{BufferDuration: 100}, rec, clock.Now)

	require.NoError(t, item.Prepare(context.Background()))
	require.Eventually(t, func() bool { return item.SelectedSource() == low }, waitFor, tick)
	assert.Equal(t, 8000, item.LastBandwidth())
	require.Eventually(t, longestIs(item, 12), waitFor, tick)

	snap := rec.snapshot()
	require.Len(t, snap.variants, 2)
	assert.Same(t, high, snap.variants[0])
	assert.Same(t, low, snap.variants[1])
	assert.Equal(t, [][2]int{{1280, 720}, {640, 360}}, snap.sizes)
	assert.Equal(t, 1, ms.hitCount("/high/seg0.ts"))
	assert.Equal(t, 1, ms.hitCount("/low/seg1.ts"))
	assert.Zero(t, ms.hitCount("/low/seg0.ts"))
}

func TestPreferredBitratePinsSelection(t *testing.T) {
	ms := newMediaServer(t)
	high := ms.source(t, "high", 0, 1_000_000, "", 3)
	low := ms.source(t, "low", 1, 5_000, "", 3)
	result := &resolver.Result{Sources: []*source.Source{high, low}, AverageBandwidth: 2_000_000}
	rec := &recorder{}
	clock := &stepClock{now: time.Unix(0, 0)}
	item := newItem(t, &stubResolver{result: result}, Config{BufferDuration: 100, PreferredPeakBitrate: 1_000_000}, rec, clock.Now)

	require.NoError(t, item.Prepare(context.Background()))
	require.Eventually(t, longestIs(item, 12), waitFor, tick)
	assert.Same(t, high, item.SelectedSource())
	assert.Equal(t, 8000, item.LastBandwidth())

	item.SetPreferredPeakBitrate(0)
	assert.Same(t, low, item.SelectedSource())
}

func TestSegmentFailureIsReported(t *testing.T) {
	ms := newMediaServer(t)
	ms.fail("/vod/seg0.ts")
	src := ms.source(t, "vod", -1, 0, "", 2)
	rec := &recorder{}
	item := newItem(t, &stubResolver{result: &resolver.Result{Sources: []*source.Source{src}}}, Config{BufferDuration: 100}, rec, nil)

	require.NoError(t, item.Prepare(context.Background()))
	require.Eventually(t, func() bool { return len(rec.snapshot().failures) == 1 }, waitFor, tick)
	err := rec.snapshot().failures[0]
	assert.True(t, hlserr.IsKind(err, hlserr.TransportError))
	assert.Equal(t, StateReady, item.Status().State)
	assert.True(t, item.IsBufferEmpty())
}

func TestSeekBeforeReadyIsIgnored(t *testing.T) {
	rec := &recorder{}
	item := newItem(t, &stubResolver{err: errors.New("unused")}, Config{}, rec, nil)
	item.Seek(5)
	assert.Zero(t, item.CurrentTime())
	_, ok := item.Duration()
	assert.False(t, ok)
}
