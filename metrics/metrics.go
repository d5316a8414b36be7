package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	StaticImports    prometheus.Counter
	StaticImportErrs prometheus.Counter
	StaticUnchanged  prometheus.Counter

	RealtimeRefreshes   prometheus.Counter
	RealtimeRefreshErrs prometheus.Counter
	RealtimeStale       prometheus.Counter

	MatchedUpdates prometheus.Counter
	DroppedUpdates prometheus.Counter
	SkippedTrips   prometheus.Gauge

	QueryDuration prometheus.Histogram

	GenerationTimestamp prometheus.Gauge
	OverlayTimestamp    prometheus.Gauge
	StopGroups          prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		StaticImports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_static_imports_total",
			Help: "Total static schedule imports completed.",
		}),
		StaticImportErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_static_import_errors_total",
			Help: "Total static schedule imports that failed.",
		}),
		StaticUnchanged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_static_unchanged_total",
			Help: "Total static refreshes skipped because the feed was unchanged.",
		}),
		RealtimeRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_realtime_refreshes_total",
			Help: "Total realtime overlay refreshes completed.",
		}),
		RealtimeRefreshErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_realtime_refresh_errors_total",
			Help: "Total realtime refreshes that failed.",
		}),
		RealtimeStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_realtime_stale_total",
			Help: "Total realtime snapshots discarded as stale.",
		}),
		MatchedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_realtime_matched_updates_total",
			Help: "Total realtime stop time updates matched to the schedule.",
		}),
		DroppedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_realtime_dropped_updates_total",
			Help: "Total realtime stop time updates for unknown trips.",
		}),
		SkippedTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transit_realtime_skipped_trips",
			Help: "Trips cancelled in the current overlay.",
		}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transit_departure_query_duration_seconds",
			Help:    "Duration of departure queries.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		GenerationTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transit_generation_retrieved_timestamp_seconds",
			Help: "Unix time the published schedule generation was retrieved.",
		}),
		OverlayTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transit_overlay_feed_timestamp_seconds",
			Help: "Feed timestamp of the published realtime overlay.",
		}),
		StopGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transit_stop_groups",
			Help: "Number of stop groups in the published state.",
		}),
	}

	reg.MustRegister(
		c.StaticImports, c.StaticImportErrs, c.StaticUnchanged,
		c.RealtimeRefreshes, c.RealtimeRefreshErrs, c.RealtimeStale,
		c.MatchedUpdates, c.DroppedUpdates, c.SkippedTrips,
		c.QueryDuration,
		c.GenerationTimestamp, c.OverlayTimestamp, c.StopGroups,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
