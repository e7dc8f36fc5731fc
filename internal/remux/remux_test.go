package remux

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	assets []Asset
	seen   chan Asset
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan Asset, 16)}
}

func (r *recorder) Render(ctx context.Context, asset Asset) error {
	r.mu.Lock()
	r.assets = append(r.assets, asset)
	r.mu.Unlock()
	r.seen <- asset
	return nil
}

func (r *recorder) wait(t *testing.T) Asset {
	t.Helper()
	select {
	case a := <-r.seen:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for rendered asset")
		return Asset{}
	}
}

type remuxFunc func(ctx context.Context, inputPath string, startTime float64) (string, error)

func (f remuxFunc) Remux(ctx context.Context, inputPath string, startTime float64) (string, error) {
	return f(ctx, inputPath, startTime)
}

func TestQueueRendersInOrder(t *testing.T) {
	rec := newRecorder()
	q := NewQueue(nil, rec, zerolog.Nop())
	defer q.Close()

	for i := range 3 {
		q.Enqueue(Asset{Index: i, Path: filepath.Join("/cache", "seg.ts"), StartTime: float64(i) * 4})
	}
	for i := range 3 {
		a := rec.wait(t)
		assert.Equal(t, i, a.Index)
		assert.InDelta(t, float64(i)*4, a.StartTime, 1e-9)
	}
}

func TestQueueUsesRemuxedPath(t *testing.T) {
	rec := newRecorder()
	remuxer := remuxFunc(func(ctx context.Context, inputPath string, startTime float64) (string, error) {
		return ConvertedPath(inputPath), nil
	})
	q := NewQueue(remuxer, rec, zerolog.Nop())
	defer q.Close()

	q.Enqueue(Asset{Index: 0, Path: "/cache/abc.ts"})
	assert.Equal(t, "/cache/abc-converted.mp4", rec.wait(t).Path)
}

func TestQueueCancelAllDiscardsQueuedWork(t *testing.T) {
	rec := newRecorder()
	started := make(chan struct{})
	remuxer := remuxFunc(func(ctx context.Context, inputPath string, startTime float64) (string, error) {
		if inputPath == "slow.ts" {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}
		return inputPath, nil
	})
	q := NewQueue(remuxer, rec, zerolog.Nop())
	defer q.Close()

	q.Enqueue(Asset{Index: 0, Path: "slow.ts"})
	q.Enqueue(Asset{Index: 1, Path: "queued.ts"})
	<-started
	q.CancelAll()
	assert.Zero(t, q.Pending())

	q.Enqueue(Asset{Index: 7, Path: "after.ts"})
	assert.Equal(t, 7, rec.wait(t).Index)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.assets, 1)
}

func TestQueueClose(t *testing.T) {
	rec := newRecorder()
	q := NewQueue(nil, rec, zerolog.Nop())
	q.Close()
	q.Close()
	q.Enqueue(Asset{Index: 1})
	assert.Zero(t, q.Pending())
}

func TestFFmpegRemuxerReusesConversion(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "abc.ts")
	require.NoError(t, os.WriteFile(input, []byte("ts"), 0o644))
	require.NoError(t, os.WriteFile(ConvertedPath(input), []byte("mp4"), 0o644))

	r := &FFmpegRemuxer{Binary: filepath.Join(dir, "missing-ffmpeg")}
	out, err := r.Remux(context.Background(), input, 4)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "abc-converted.mp4"), out)
}

func TestFFmpegRemuxerMissingBinary(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "abc.ts")
	require.NoError(t, os.WriteFile(input, []byte("ts"), 0o644))

	r := &FFmpegRemuxer{Binary: filepath.Join(dir, "missing-ffmpeg")}
	_, err := r.Remux(context.Background(), input, 0)
	assert.Error(t, err)
	assert.NoFileExists(t, ConvertedPath(input))
}

func TestFFmpegRemuxerConverts(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	dir := t.TempDir()
	input := filepath.Join(dir, "seg.ts")
	gen := exec.Command("ffmpeg", "-loglevel", "error", "-f", "lavfi", "-i", "testsrc=duration=1:size=64x64:rate=10",
		"-c:v", "mpeg2video", "-f", "mpegts", "-y", input)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("could not generate sample segment: %v %s", err, out)
	}

	out, err := NewFFmpegRemuxer().Remux(context.Background(), input, 8)
	require.NoError(t, err)
	assert.FileExists(t, out)
	assert.Equal(t, ".mp4", filepath.Ext(out))
}

func TestDirectoryRenderer(t *testing.T) {
	src := filepath.Join(t.TempDir(), "abc.mp4")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))
	outDir := filepath.Join(t.TempDir(), "out")

	r := &DirectoryRenderer{Dir: outDir}
	require.NoError(t, r.Render(context.Background(), Asset{Index: 3, Path: src}))

	data, err := os.ReadFile(filepath.Join(outDir, "segment_00003.mp4"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Render(ctx, Asset{Index: 4, Path: src}), context.Canceled)
}
