// Package metrics exposes playback and download counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "hlsplay"

// Collector methods are safe to call on a nil receiver.
type Collector struct {
	registry *prometheus.Registry

	segmentsDownloaded prometheus.Counter
	segmentCacheHits   prometheus.Counter
	segmentFailures    *prometheus.CounterVec
	bytesDownloaded    prometheus.Counter
	segmentBandwidth   prometheus.Gauge
	variantSwitches    prometheus.Counter
	resolutions        *prometheus.CounterVec
	bufferedSeconds    prometheus.Gauge
}

func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.segmentsDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_downloaded_total",
		Help:      "Segments fetched from the network and written to the cache",
	})
	c.segmentCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segment_cache_hits_total",
		Help:      "Segments served from the on-disk cache",
	})
	c.segmentFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_failures_total",
			Help:      "Segment downloads that failed, by error kind",
		},
		[]string{"kind"},
	)
	c.bytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloaded_bytes_total",
		Help:      "Segment and initialization bytes received",
	})
	c.segmentBandwidth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "segment_bandwidth_bps",
		Help:      "Most recent per-segment bandwidth sample in bits per second",
	})
	c.variantSwitches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "variant_switches_total",
		Help:      "Times the selected variant changed",
	})
	c.resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playlist_resolutions_total",
			Help:      "Playlist resolutions by result",
		},
		[]string{"result"},
	)
	c.bufferedSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "buffered_seconds",
		Help:      "Downloaded media ahead of the playback position",
	})

	c.registry.MustRegister(
		c.segmentsDownloaded,
		c.segmentCacheHits,
		c.segmentFailures,
		c.bytesDownloaded,
		c.segmentBandwidth,
		c.variantSwitches,
		c.resolutions,
		c.bufferedSeconds,
	)
	return c
}

func (c *Collector) SegmentDownloaded(bytes, bandwidthBps int) {
	if c == nil {
		return
	}
	c.segmentsDownloaded.Inc()
	c.bytesDownloaded.Add(float64(bytes))
	if bandwidthBps > 0 {
		c.segmentBandwidth.Set(float64(bandwidthBps))
	}
}

func (c *Collector) InitDownloaded(bytes int) {
	if c == nil {
		return
	}
	c.bytesDownloaded.Add(float64(bytes))
}

func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.segmentCacheHits.Inc()
}

func (c *Collector) SegmentFailed(kind string) {
	if c == nil {
		return
	}
	c.segmentFailures.WithLabelValues(kind).Inc()
}

func (c *Collector) VariantSwitched() {
	if c == nil {
		return
	}
	c.variantSwitches.Inc()
}

func (c *Collector) Resolved(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.resolutions.WithLabelValues(result).Inc()
}

func (c *Collector) SetBuffered(seconds float64) {
	if c == nil {
		return
	}
	c.bufferedSeconds.Set(seconds)
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.Debug().Str("op", "metrics/serve").Msgf("Serving metrics on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
