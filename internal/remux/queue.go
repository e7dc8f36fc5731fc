// Package remux hands downloaded segments to the renderer in order, optionally
// converting them into a decodable container first.
package remux

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tanq16/hlsplay/internal/hlserr"
)

// Asset is one ready-to-decode unit handed to the renderer.
type Asset struct {
	Index     int
	Path      string
	StartTime float64
	// Bandwidth is the sample measured while downloading, 0 for cache hits.
	Bandwidth int
}

type Remuxer interface {
	Remux(ctx context.Context, inputPath string, startTime float64) (string, error)
}

type Renderer interface {
	Render(ctx context.Context, asset Asset) error
}

type RendererFunc func(ctx context.Context, asset Asset) error

func (f RendererFunc) Render(ctx context.Context, asset Asset) error {
	return f(ctx, asset)
}

type job struct {
	asset      Asset
	generation uint64
}

// Queue processes assets one at a time in FIFO order. CancelAll drops the
// pending assets and aborts the one being converted; nothing queued before the
// cancel reaches the renderer afterwards.
type Queue struct {
	remuxer  Remuxer
	renderer Renderer
	logger   zerolog.Logger

	mu         sync.Mutex
	jobs       []job
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	closed     bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewQueue starts the worker. remuxer may be nil to render downloaded files as is.
func NewQueue(remuxer Remuxer, renderer Renderer, logger zerolog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		remuxer:  remuxer,
		renderer: renderer,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) Enqueue(asset Asset) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.jobs = append(q.jobs, job{asset: asset, generation: q.generation})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = nil
	q.generation++
	q.cancel()
	q.ctx, q.cancel = context.WithCancel(context.Background())
}

func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops the worker after the asset in progress. Pending assets are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.jobs = nil
	q.cancel()
	q.mu.Unlock()
	close(q.done)
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		j, ctx, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		q.process(ctx, j)
	}
}

func (q *Queue) pop() (job, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.jobs) == 0 {
		return job{}, nil, false
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, q.ctx, true
}

func (q *Queue) current(generation uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed && q.generation == generation
}

func (q *Queue) process(ctx context.Context, j job) {
	asset := j.asset
	if q.remuxer != nil {
		converted, err := q.remuxer.Remux(ctx, asset.Path, asset.StartTime)
		if err != nil {
			if !hlserr.IsCancellation(err) && ctx.Err() == nil {
				q.logger.Error().Str("op", "remux/queue").Err(err).Msgf("Could not convert segment %d", asset.Index)
			}
			return
		}
		asset.Path = converted
	}
	if !q.current(j.generation) {
		q.logger.Debug().Str("op", "remux/queue").Msgf("Discarding cancelled segment %d", asset.Index)
		return
	}
	if err := q.renderer.Render(ctx, asset); err != nil && !hlserr.IsCancellation(err) {
		q.logger.Error().Str("op", "remux/queue").Err(err).Msgf("Renderer rejected segment %d", asset.Index)
	}
}
