// Package metrics records query latency samples and cache counters for the
// database and cache layers, and mirrors them into Prometheus collectors.
package metrics

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	applog "github.com/Aidin1998/leaguecore/pkg/logger"
)

// Default bounds for retained samples.
const (
	DefaultMaxSamples    = 1000
	DefaultTrimTo        = 500
	DefaultTrimInterval  = 5 * time.Minute
	DefaultSlowThreshold = 100 * time.Millisecond
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Namespace     string
	SlowThreshold time.Duration
	MaxSamples    int
	TrimTo        int
	TrimInterval  time.Duration
}

// DefaultRecorderConfig returns the default recorder configuration.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Namespace:     "leaguecore",
		SlowThreshold: DefaultSlowThreshold,
		MaxSamples:    DefaultMaxSamples,
		TrimTo:        DefaultTrimTo,
		TrimInterval:  DefaultTrimInterval,
	}
}

// Snapshot is a point-in-time summary of the retained samples.
type Snapshot struct {
	TotalQueries     int64         `json:"total_queries"`
	SlowQueries      int64         `json:"slow_queries"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
	P95ExecutionTime time.Duration `json:"p95_execution_time"`
	ErrorRate        float64       `json:"error_rate"`
}

type sample struct {
	took   time.Duration
	failed bool
}

// Recorder tracks per-operation latency samples. Samples are diagnostic only.
type Recorder struct {
	cfg      RecorderConfig
	logger   *zap.Logger
	registry *prometheus.Registry

	mu      sync.Mutex
	samples map[string][]sample

	queryDuration *prometheus.HistogramVec
	queryErrors   *prometheus.CounterVec
	slowQueries   *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	cacheErrors   *prometheus.CounterVec
	poolOpen      prometheus.Gauge
	poolIdle      prometheus.Gauge
	poolWaiting   prometheus.Gauge
	poolMax       prometheus.Gauge

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRecorder creates a recorder whose collectors are registered on reg.
// A nil reg gets a private registry, available through Registry.
func NewRecorder(cfg RecorderConfig, reg *prometheus.Registry, logger *zap.Logger) *Recorder {
	def := DefaultRecorderConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = def.SlowThreshold
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	if cfg.TrimTo <= 0 || cfg.TrimTo > cfg.MaxSamples {
		cfg.TrimTo = cfg.MaxSamples / 2
	}
	if cfg.TrimInterval <= 0 {
		cfg.TrimInterval = def.TrimInterval
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	logger = applog.OrNop(logger)

	ns := cfg.Namespace
	r := &Recorder{
		cfg:      cfg,
		logger:   logger.Named("metrics"),
		registry: reg,
		samples:  make(map[string][]sample),
		stopCh:   make(chan struct{}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "db_query_duration_seconds",
			Help:      "Latency of database operations by operation key",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"key"}),
		queryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "db_query_errors_total",
			Help:      "Failed database operations by operation key",
		}, []string{"key"}),
		slowQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "db_slow_queries_total",
			Help:      "Database operations slower than the slow-query threshold",
		}, []string{"key"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_hits_total",
			Help:      "Cache hits by tier",
		}, []string{"tier"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_misses_total",
			Help:      "Cache misses by tier",
		}, []string{"tier"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_errors_total",
			Help:      "Cache tier errors by tier",
		}, []string{"tier"}),
		poolOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "db_pool_open_connections",
			Help:      "Number of live connections in the pool",
		}),
		poolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "db_pool_idle_connections",
			Help:      "Number of idle connections in the pool",
		}),
		poolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "db_pool_waiting_callers",
			Help:      "Number of callers waiting to acquire a connection",
		}),
		poolMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "db_pool_max_connections",
			Help:      "Configured connection ceiling",
		}),
	}

	reg.MustRegister(
		r.queryDuration, r.queryErrors, r.slowQueries,
		r.cacheHits, r.cacheMisses, r.cacheErrors,
		r.poolOpen, r.poolIdle, r.poolWaiting, r.poolMax,
	)

	return r
}

// Registry returns the Prometheus registry the recorder's collectors live on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// SlowThreshold returns the configured slow-operation threshold.
func (r *Recorder) SlowThreshold() time.Duration {
	return r.cfg.SlowThreshold
}

// Observe records one operation under key. It reports whether the
// operation exceeded the slow threshold.
func (r *Recorder) Observe(key string, took time.Duration, err error) bool {
	slow := took > r.cfg.SlowThreshold

	r.mu.Lock()
	s := append(r.samples[key], sample{took: took, failed: err != nil})
	if len(s) > r.cfg.MaxSamples {
		// oldest first
		s = append(s[:0:0], s[len(s)-r.cfg.MaxSamples:]...)
	}
	r.samples[key] = s
	r.mu.Unlock()

	r.queryDuration.WithLabelValues(key).Observe(took.Seconds())
	if err != nil {
		r.queryErrors.WithLabelValues(key).Inc()
	}
	if slow {
		r.slowQueries.WithLabelValues(key).Inc()
	}
	return slow
}

// Snapshot summarises the samples retained across all keys.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	var all []sample
	for _, s := range r.samples {
		all = append(all, s...)
	}
	r.mu.Unlock()

	return r.summarise(all)
}

// KeySnapshot summarises the samples retained for one key.
func (r *Recorder) KeySnapshot(key string) Snapshot {
	r.mu.Lock()
	s := append([]sample(nil), r.samples[key]...)
	r.mu.Unlock()

	return r.summarise(s)
}

// SampleCount returns how many samples are retained for key.
func (r *Recorder) SampleCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples[key])
}

func (r *Recorder) summarise(all []sample) Snapshot {
	if len(all) == 0 {
		return Snapshot{}
	}

	durations := make([]time.Duration, len(all))
	var total time.Duration
	var slow, failed int64
	for i, s := range all {
		durations[i] = s.took
		total += s.took
		if s.took > r.cfg.SlowThreshold {
			slow++
		}
		if s.failed {
			failed++
		}
	}

	n := int64(len(all))
	return Snapshot{
		TotalQueries:     n,
		SlowQueries:      slow,
		AvgExecutionTime: total / time.Duration(n),
		P95ExecutionTime: Percentile(durations, 0.95),
		ErrorRate:        float64(failed) / float64(n),
	}
}

// Percentile returns the nearest-rank percentile p (0..1] of the given
// durations. The input slice is sorted in place.
func Percentile(durations []time.Duration, p float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	rank := int(math.Ceil(float64(len(durations))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(durations) {
		rank = len(durations) - 1
	}
	return durations[rank]
}

// Trim drops the oldest samples of every key down to the trim target.
func (r *Recorder) Trim() {
	r.mu.Lock()
	defer r.mu.Unlock()

	trimmed := 0
	for key, s := range r.samples {
		if len(s) > r.cfg.TrimTo {
			trimmed += len(s) - r.cfg.TrimTo
			r.samples[key] = append(s[:0:0], s[len(s)-r.cfg.TrimTo:]...)
		}
	}
	if trimmed > 0 {
		r.logger.Debug("Trimmed query samples", zap.Int("dropped", trimmed))
	}
}

// CacheHit counts a hit on the named tier.
func (r *Recorder) CacheHit(tier string) { r.cacheHits.WithLabelValues(tier).Inc() }

// CacheMiss counts a miss on the named tier.
func (r *Recorder) CacheMiss(tier string) { r.cacheMisses.WithLabelValues(tier).Inc() }

// CacheError counts an error on the named tier.
func (r *Recorder) CacheError(tier string) { r.cacheErrors.WithLabelValues(tier).Inc() }

// ObservePool publishes connection pool gauges.
func (r *Recorder) ObservePool(open, idle, waiting, max int) {
	r.poolOpen.Set(float64(open))
	r.poolIdle.Set(float64(idle))
	r.poolWaiting.Set(float64(waiting))
	r.poolMax.Set(float64(max))
}

// Start runs periodic trimming until ctx is done or Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.cfg.TrimInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Trim()
			}
		}
	}()
}

// Stop halts the trimming loop. It is safe to call more than once.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
