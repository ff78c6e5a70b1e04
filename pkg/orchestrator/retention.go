package orchestrator

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/metrics"
)

const sweepTimeout = 2 * time.Minute

// sweep starts a background retention pass unless one is already running.
func (o *Orchestrator) sweep() {
	if !o.sweeping.CompareAndSwap(false, true) {
		return
	}
	o.sweeps.Add(1)
	go func() {
		defer o.sweeps.Done()
		defer o.sweeping.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		o.Sweep(ctx)
	}()
}

// Sweep prunes old run records, error records and raw responses, and removes staging rows whose run
// no longer exists. Failures are logged; a sweep never fails a unit.
func (o *Orchestrator) Sweep(ctx context.Context) {
	log := o.logger.WithContext(ctx)
	r := o.config.Retention
	now := time.Now().UTC()

	if r.KeepRuns > 0 {
		n, err := o.Runs.Prune(ctx, r.KeepRuns)
		if err != nil {
			log.WithError(err).Warn("Failed to prune run records")
		}
		metrics.RecordPurge("run_records", n)
	}
	if r.ErrorMaxAge > 0 {
		n, err := o.Errors.PurgeOlderThan(ctx, now.Add(-r.ErrorMaxAge))
		if err != nil {
			log.WithError(err).Warn("Failed to purge error records")
		}
		metrics.RecordPurge("error_records", n)
	}
	if r.RawResponseMaxAge > 0 {
		n, err := o.RawResponses.PurgeOlderThan(ctx, now.Add(-r.RawResponseMaxAge))
		if err != nil {
			log.WithError(err).Warn("Failed to purge raw responses")
		}
		metrics.RecordPurge("raw_responses", n)
	}
	for _, d := range o.Catalog.Ordered() {
		n, err := o.Staged.PurgeOrphans(ctx, d)
		if err != nil {
			log.WithError(err).WithField("entity_type", d.Type).Warn("Failed to purge staged rows")
			continue
		}
		metrics.RecordPurge(d.StagingTable, n)
	}
}
