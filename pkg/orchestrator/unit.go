package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/entity"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/syncerr"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// fetchResult carries a unit from its fetch phase to its merge phase.
type fetchResult struct {
	unit     Unit
	run      *models.RunRecord
	endpoint string
	started  time.Time
	apiCalls int
	// resp is the last response received, kept for error records.
	resp     *httpclient.Response
	payloads []payload
	records  []entity.Record
	// hash identifies the unit's payload for duplicate detection. For item fetches it digests the
	// manifest of item endpoints and hashes.
	hash     string
	manifest []byte
	err      error
}

// payload is one upstream body of a unit, stored as a raw response on merge.
type payload struct {
	endpoint string
	resp     *httpclient.Response
	hash     string
}

type manifestEntry struct {
	Endpoint    string `json:"endpoint"`
	PayloadHash string `json:"payload_hash"`
}

func (o *Orchestrator) runUnit(ctx context.Context, u Unit) (models.UnitResult, error) {
	return o.complete(ctx, o.fetch(ctx, u))
}

// fetch opens the run record, then fetches, parses and validates the payload.
func (o *Orchestrator) fetch(ctx context.Context, u Unit) *fetchResult {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.fetch")
	defer span.End()

	d := u.Descriptor
	f := &fetchResult{unit: u, started: time.Now().UTC()}

	endpoint, err := d.Endpoint(u.Scope)
	if err != nil {
		f.err = syncerr.Configuration("invalid_scope", err, "cannot fetch %s", d.Type)
		return f
	}
	f.endpoint = endpoint

	var batchID *string
	if u.BatchID != "" {
		batchID = &u.BatchID
	}
	run, err := o.Runs.Create(ctx, models.RunRecord{
		BatchID:     batchID,
		RunType:     u.Trigger.Type,
		EntityType:  string(d.Type),
		ScopeKey:    u.Scope.Key(),
		Endpoint:    endpoint,
		StartedAt:   f.started,
		InitiatedBy: u.Trigger.By,
	})
	if err != nil {
		f.err = err
		return f
	}
	f.run = run
	o.Emitter.RunStarted(ctx, run)

	if d.Items != nil {
		o.fetchItems(ctx, f)
		return f
	}

	f.apiCalls++
	resp, err := o.Fetcher.Fetch(ctx, endpoint)
	if resp != nil {
		metrics.RecordFetch(string(d.Type), fmt.Sprintf("%d", resp.StatusCode), resp.Duration)
	}
	if err != nil {
		f.err = fetchError(d, err, endpoint)
		return f
	}
	f.resp = resp

	raws, err := o.Parser.Parse(resp.Body, d.ResponsePath)
	if err != nil {
		f.err = syncerr.Parse(string(d.Type), "malformed", err, "cannot parse %s", endpoint)
		return f
	}

	records, err := d.BuildAll(raws, u.Scope)
	if err != nil {
		var fe *entity.FieldError
		code := "invalid_record"
		if errors.As(err, &fe) {
			code = "invalid_field"
		}
		f.err = syncerr.Parse(string(d.Type), code, err, "invalid %s payload", d.Type)
		return f
	}
	f.records = records
	f.hash = fingerprint.Payload(resp.Body)
	f.payloads = []payload{{endpoint: endpoint, resp: resp, hash: f.hash}}
	return f
}

// fetchItems fetches the item endpoint of every distinct current row of the item source in scope.
// Any failed item fails the unit, so an authoritative merge never sees a partial set.
func (o *Orchestrator) fetchItems(ctx context.Context, f *fetchResult) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.fetchItems")
	defer span.End()

	d := f.unit.Descriptor
	scope := f.unit.Scope
	source, ok := o.Catalog.Get(d.Items.Type)
	if !ok {
		f.err = syncerr.Configuration("unknown_item_source", nil, "%s reads items from unknown type %s", d.Type, d.Items.Type)
		return
	}

	items, err := o.Versioned.DistinctCurrent(ctx, source, scope, d.Items.Columns)
	if err != nil {
		f.err = syncerr.Fetch(string(d.Type), "store", err, "failed to list %s items", d.Type)
		return
	}

	type itemResult struct {
		endpoint string
		resp     *httpclient.Response
		records  []entity.Record
	}
	results := make([]itemResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.FetchConcurrency)
	for i, item := range items {
		endpoint := d.ItemPath(scope, item)
		g.Go(func() error {
			resp, err := o.Fetcher.Fetch(gctx, endpoint)
			if resp != nil {
				metrics.RecordFetch(string(d.Type), fmt.Sprintf("%d", resp.StatusCode), resp.Duration)
				results[i].resp = resp
			}
			if err != nil {
				return fetchError(d, err, endpoint)
			}
			results[i].endpoint = endpoint

			raws, err := o.Parser.Parse(resp.Body, d.ResponsePath)
			if err != nil {
				return syncerr.Parse(string(d.Type), "malformed", err, "cannot parse %s", endpoint)
			}
			if len(raws) > 1 {
				raws = raws[:1]
			}
			records, err := d.BuildItem(raws, scope, item)
			if err != nil {
				code := "invalid_record"
				var fe *entity.FieldError
				if errors.As(err, &fe) {
					code = "invalid_field"
				}
				return syncerr.Parse(string(d.Type), code, err, "invalid %s payload from %s", d.Type, endpoint)
			}
			results[i].records = records
			return nil
		})
	}
	err = g.Wait()

	entries := make([]manifestEntry, 0, len(results))
	for _, r := range results {
		if r.resp == nil {
			continue
		}
		f.apiCalls++
		f.resp = r.resp
		if r.endpoint == "" {
			continue
		}
		hash := fingerprint.Payload(r.resp.Body)
		f.payloads = append(f.payloads, payload{endpoint: r.endpoint, resp: r.resp, hash: hash})
		f.records = append(f.records, r.records...)
		entries = append(entries, manifestEntry{Endpoint: r.endpoint, PayloadHash: hash})
	}
	if err != nil {
		tracing.Fail(span, err)
		f.err = err
		f.records = nil
		return
	}

	manifest, err := json.Marshal(entries)
	if err != nil {
		f.err = syncerr.Parse(string(d.Type), "manifest", err, "cannot build %s manifest", d.Type)
		return
	}
	f.manifest = manifest
	f.hash = fingerprint.Payload(manifest)

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": d.Type,
		"scope":       scope.String(),
		"items":       len(items),
		"records":     len(f.records),
	}).Debug("Fetched item endpoints")
}

func fetchError(d *entity.Descriptor, err error, endpoint string) error {
	var se *httpclient.StatusError
	switch {
	case errors.As(err, &se):
		return syncerr.Fetch(string(d.Type), se.Code(), err, "fetch %s failed", endpoint)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syncerr.Fetch(string(d.Type), "cancelled", err, "fetch %s cancelled", endpoint)
	default:
		return syncerr.Fetch(string(d.Type), "transport", err, "fetch %s failed", endpoint)
	}
}

// complete takes a fetched unit through the duplicate check, dependency check and merge, and
// finalizes its run record.
func (o *Orchestrator) complete(ctx context.Context, f *fetchResult) (models.UnitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.complete")
	defer span.End()

	d := f.unit.Descriptor
	if f.err != nil {
		return o.fail(ctx, f, f.err)
	}

	if len(f.records) == 0 {
		return o.finish(ctx, f, models.RunStatusNoData, models.MergeStats{}, "no records returned", false)
	}

	duplicate, err := o.Suppressor.IsDuplicate(ctx, f.endpoint, f.hash)
	if err != nil {
		return o.fail(ctx, f, syncerr.Merge(string(d.Type), "store", err, "duplicate check failed"))
	}
	if duplicate {
		metrics.DuplicatePayloads.WithLabelValues(string(d.Type)).Inc()
		return o.finish(ctx, f, models.RunStatusNoData, models.MergeStats{Unchanged: len(f.records)}, "duplicate payload", true)
	}

	if err := o.ensureParents(ctx, f); err != nil {
		return o.fail(ctx, f, err)
	}

	waitStart := time.Now()
	unlock, err := o.Locker.Lock(ctx, string(d.Type))
	if err != nil {
		return o.fail(ctx, f, syncerr.Merge(string(d.Type), "lock", err, "could not lock %s", d.Type))
	}
	metrics.LockWait.WithLabelValues(string(d.Type)).Observe(time.Since(waitStart).Seconds())

	stats, comment, err := o.merge(ctx, f)
	unlock()
	if err != nil {
		tracing.Fail(span, err)
		return o.fail(ctx, f, err)
	}

	result, err := o.finish(ctx, f, models.RunStatusSuccess, stats, comment, false)
	o.sweep()
	return result, err
}

// merge stores the raw response, stages and merges inside one transaction.
func (o *Orchestrator) merge(ctx context.Context, f *fetchResult) (stats models.MergeStats, comment string, err error) {
	d := f.unit.Descriptor
	scope := f.unit.Scope

	ctx, tx, err := o.DB.GetTx(ctx, nil)
	if err != nil {
		return stats, "", syncerr.Merge(string(d.Type), "store", err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if err = o.storePayloads(ctx, f); err != nil {
		return stats, "", syncerr.Merge(string(d.Type), "store", err, "failed to store raw response")
	}

	staged, err := o.Loader.Stage(ctx, f.run.ID, d, f.records)
	if err != nil {
		return stats, "", syncerr.Merge(string(d.Type), "store", err, "failed to stage records")
	}

	policy := merging.DefaultPolicy(d, scope)
	stats, err = o.Engine.Merge(ctx, f.run.ID, d, merging.Options{Scope: scope, Missing: policy})
	if err != nil {
		return stats, "", err
	}

	// The list and detail endpoints of a type write the same rows, so a merge through one leaves
	// the stored payloads of the others stale.
	if d.DetailPath != nil && stats.Writes() > 0 {
		if err = o.Suppressor.Invalidate(ctx, models.Invalidation{EntityType: string(d.Type), ExceptEndpoint: f.endpoint}); err != nil {
			return stats, "", syncerr.Merge(string(d.Type), "store", err, "failed to invalidate stored payloads")
		}
	}

	current, err := o.Versioned.CountCurrent(ctx, d, scope)
	if err != nil {
		return stats, "", syncerr.Merge(string(d.Type), "store", err, "failed to reconcile")
	}
	reconciled := models.NewReconcileResult(f.run.ID, string(d.Type), scope.Key(), staged.Staged, current)

	if err = ctx.Err(); err != nil {
		return stats, "", syncerr.Merge(string(d.Type), "cancelled", err, "cancelled before commit")
	}
	if err = tx.Commit(ctx); err != nil {
		return stats, "", syncerr.Merge(string(d.Type), "store", err, "failed to commit")
	}

	parts := []string{fmt.Sprintf("merged %d records (%s)", staged.Staged, policy), reconciled.String()}
	if staged.Duplicates > 0 {
		parts = append(parts, fmt.Sprintf("%d duplicate keys dropped", staged.Duplicates))
	}
	if policy == merging.MarkInactive && !reconciled.Matches {
		o.logger.WithContext(ctx).WithFields(map[string]any{"entity_type": d.Type, "staged": reconciled.Staged, "current": reconciled.Current}).Warn("Current rows do not match the authoritative fetch")
	}
	return stats, strings.Join(parts, "; "), nil
}

// storePayloads keeps every upstream body of the unit. Item fetches also store their manifest
// under the unit endpoint, which is what later duplicate checks compare against.
func (o *Orchestrator) storePayloads(ctx context.Context, f *fetchResult) error {
	d := f.unit.Descriptor
	scopeKey := f.unit.Scope.Key()
	for _, p := range f.payloads {
		if _, err := o.RawResponses.Create(ctx, models.RawResponse{
			RunID:       f.run.ID,
			EntityType:  string(d.Type),
			Endpoint:    p.endpoint,
			ScopeKey:    scopeKey,
			Payload:     string(p.resp.Body),
			PayloadHash: p.hash,
			HTTPStatus:  p.resp.StatusCode,
			DurationMS:  p.resp.Duration.Milliseconds(),
			Headers:     database.NewJSONB(p.resp.Headers),
			FetchedAt:   f.started,
		}); err != nil {
			return err
		}
	}
	if f.manifest == nil {
		return nil
	}
	_, err := o.RawResponses.Create(ctx, models.RawResponse{
		RunID:       f.run.ID,
		EntityType:  string(d.Type),
		Endpoint:    f.endpoint,
		ScopeKey:    scopeKey,
		Payload:     string(f.manifest),
		PayloadHash: f.hash,
		HTTPStatus:  http.StatusOK,
		Headers:     database.NewJSONB(map[string]string{"Content-Type": "application/json"}),
		FetchedAt:   f.started,
	})
	return err
}

// finish finalizes the run record of a unit that did not fail.
func (o *Orchestrator) finish(ctx context.Context, f *fetchResult, status models.RunStatus, stats models.MergeStats, comment string, duplicate bool) (models.UnitResult, error) {
	ctx = database.WithoutTx(context.WithoutCancel(ctx))
	ended := time.Now().UTC()

	if err := o.Runs.Finish(ctx, f.run.ID, models.RunFinish{
		Status:       status,
		Stats:        stats,
		APICallCount: f.apiCalls,
		Comments:     comment,
		EndedAt:      ended,
	}); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("run_id", f.run.ID).Error("Failed to finalize run record")
		return o.result(f, status, stats, comment, "", ended, duplicate), err
	}

	result := o.result(f, status, stats, comment, "", ended, duplicate)
	o.report(ctx, result)
	return result, nil
}

// fail writes the error record and finalizes the run as failed. Both writes happen outside any
// transaction and ignore cancellation, so a failure is never lost.
func (o *Orchestrator) fail(ctx context.Context, f *fetchResult, cause error) (models.UnitResult, error) {
	d := f.unit.Descriptor
	auditCtx := database.WithoutTx(context.WithoutCancel(ctx))
	ended := time.Now().UTC()

	var se *syncerr.Error
	if errors.As(cause, &se) && se.Scope == "" {
		cause = se.WithScope(f.unit.Scope.String())
	}
	errType := string(syncerr.Classify(cause))

	o.logger.WithContext(ctx).WithError(cause).WithFields(map[string]any{
		"entity_type": d.Type,
		"scope":       f.unit.Scope.String(),
		"error_type":  errType,
	}).Error("Unit failed")

	if f.run == nil {
		return models.UnitResult{
			EntityType: string(d.Type),
			ScopeKey:   f.unit.Scope.Key(),
			Endpoint:   f.endpoint,
			Status:     models.RunStatusFailed,
			Message:    cause.Error(),
			ErrorType:  errType,
		}, cause
	}

	var rawData *string
	if syncerr.Classify(cause) == syncerr.TypeParse && f.resp != nil {
		body := string(f.resp.Body)
		rawData = &body
	} else {
		var status *httpclient.StatusError
		if errors.As(cause, &status) && status.Body != "" {
			rawData = &status.Body
		}
	}

	runID := f.run.ID
	if _, err := o.Errors.Create(auditCtx, models.ErrorRecord{
		RunID:      &runID,
		EntityType: string(d.Type),
		Endpoint:   f.endpoint,
		ScopeKey:   f.unit.Scope.Key(),
		ErrorType:  errType,
		ErrorCode:  syncerr.Code(cause),
		Message:    cause.Error(),
		RawData:    rawData,
		CreatedAt:  ended,
	}); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("run_id", runID).Error("Failed to write error record")
	}

	if err := o.Runs.Finish(auditCtx, runID, models.RunFinish{
		Status:       models.RunStatusFailed,
		APICallCount: f.apiCalls,
		ErrorCount:   1,
		Comments:     cause.Error(),
		EndedAt:      ended,
	}); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("run_id", runID).Error("Failed to finalize failed run")
	}

	result := o.result(f, models.RunStatusFailed, models.MergeStats{}, cause.Error(), errType, ended, false)
	o.report(auditCtx, result)
	return result, cause
}

func (o *Orchestrator) result(f *fetchResult, status models.RunStatus, stats models.MergeStats, message, errType string, ended time.Time, duplicate bool) models.UnitResult {
	return models.UnitResult{
		RunID:      f.run.ID,
		EntityType: string(f.unit.Descriptor.Type),
		ScopeKey:   f.unit.Scope.Key(),
		Endpoint:   f.endpoint,
		Status:     status,
		Stats:      stats,
		Duplicate:  duplicate,
		Message:    message,
		ErrorType:  errType,
		DurationMS: ended.Sub(f.started).Milliseconds(),
	}
}

func (o *Orchestrator) report(ctx context.Context, result models.UnitResult) {
	metrics.RecordUnit(result.EntityType, result.Status, time.Duration(result.DurationMS)*time.Millisecond)
	metrics.RecordMerge(result.EntityType, result.Stats)
	o.Emitter.RunFinished(ctx, result)
}
