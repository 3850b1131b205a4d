package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// TransitionsTotal counts persisted status changes
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agromarket",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Total number of persisted item status transitions",
		},
		[]string{"kind", "from", "to"},
	)

	// LostRacesTotal counts conditional writes that found the item already moved
	LostRacesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agromarket",
			Subsystem: "lifecycle",
			Name:      "lost_races_total",
			Help:      "Transitions skipped because another writer handled the item first",
		},
		[]string{"kind"},
	)

	// SkippedItemsTotal counts items a scan pass could not evaluate
	SkippedItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agromarket",
			Subsystem: "scheduler",
			Name:      "skipped_items_total",
			Help:      "Items skipped during a scan pass",
		},
		[]string{"kind", "reason"},
	)

	// SideEffectFailuresTotal counts failed notifications and retractions
	SideEffectFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agromarket",
			Subsystem: "lifecycle",
			Name:      "side_effect_failures_total",
			Help:      "Best-effort side effects that failed",
		},
		[]string{"effect"},
	)

	// PassDuration observes scan pass latency
	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agromarket",
			Subsystem: "scheduler",
			Name:      "pass_duration_seconds",
			Help:      "Duration of one expiration scan pass",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
	)

	// PassFailuresTotal counts passes aborted by a store failure
	PassFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agromarket",
			Subsystem: "scheduler",
			Name:      "pass_failures_total",
			Help:      "Scan passes that could not read the store",
		},
	)

	// DialogStepsTotal counts completion dialog inputs by outcome
	DialogStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agromarket",
			Subsystem: "completion",
			Name:      "dialog_steps_total",
			Help:      "Completion dialog inputs by outcome",
		},
		[]string{"outcome"},
	)
)

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
