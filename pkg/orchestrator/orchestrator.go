// Package orchestrator runs units of work (one entity type over one scope) from fetch to commit
// and aggregates them into batches.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/internal/repositories/errorlog"
	"github.com/Ramsey-B/fern/internal/repositories/rawresponse"
	"github.com/Ramsey-B/fern/internal/repositories/runrecord"
	"github.com/Ramsey-B/fern/internal/repositories/staged"
	"github.com/Ramsey-B/fern/internal/repositories/versioned"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/entity"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/locking"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/parser"
	"github.com/Ramsey-B/fern/pkg/staging"
	"github.com/Ramsey-B/fern/pkg/suppression"
	"github.com/Ramsey-B/fern/pkg/syncerr"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultFetchConcurrency = 4
	maxBackfillDepth        = 3
)

type RetentionConfig struct {
	// KeepRuns is the number of most recent run records kept. Zero disables pruning.
	KeepRuns          int
	ErrorMaxAge       time.Duration
	RawResponseMaxAge time.Duration
}

type Config struct {
	FetchConcurrency int
	// Backfill loads missing parents on demand instead of failing the child unit.
	Backfill  bool
	Retention RetentionConfig
}

// SelectionSource supplies the work list of selection-driven batches.
type SelectionSource interface {
	ListActive(ctx context.Context) ([]models.Selection, error)
	RecordRun(ctx context.Context, scope entity.Scope, at time.Time, status models.RunStatus) error
}

// Trigger describes who started a unit or batch and how.
type Trigger struct {
	Type models.RunType
	By   string
}

// Dependencies are the collaborators of an Orchestrator.
type Dependencies struct {
	DB           database.DB
	Catalog      *entity.Catalog
	Fetcher      httpclient.Fetcher
	Parser       *parser.Parser
	Suppressor   *suppression.Suppressor
	Loader       *staging.Loader
	Engine       *merging.Engine
	Staged       *staged.Repository
	Versioned    *versioned.Repository
	RawResponses *rawresponse.Repository
	Runs         runrecord.RunRecordRepository
	Errors       errorlog.ErrorLogRepository
	Selections   SelectionSource
	Locker       locking.Locker
	Emitter      *events.Emitter
}

type Orchestrator struct {
	Dependencies
	config Config
	logger ectologger.Logger
	depth  map[entity.Type]int

	sweeps   sync.WaitGroup
	sweeping atomic.Bool
}

func New(deps Dependencies, config Config, logger ectologger.Logger) *Orchestrator {
	if config.FetchConcurrency <= 0 {
		config.FetchConcurrency = DefaultFetchConcurrency
	}
	if deps.Locker == nil {
		deps.Locker = locking.NewKeyedLocker()
	}

	depth := map[entity.Type]int{}
	for i, stage := range deps.Catalog.Stages() {
		for _, d := range stage {
			depth[d.Type] = i
		}
	}

	return &Orchestrator{
		Dependencies: deps,
		config:       config,
		logger:       logger,
		depth:        depth,
	}
}

// Unit is one entity type over one scope.
type Unit struct {
	Descriptor *entity.Descriptor
	Scope      entity.Scope
	Trigger    Trigger
	BatchID    string
	// Selection marks units that came from an active selection; their outcome is recorded on it.
	Selection *entity.Scope
	depth     int
}

// RunEntity runs a single unit and returns its error to the caller.
func (o *Orchestrator) RunEntity(ctx context.Context, entityType string, scope entity.Scope, trigger Trigger) (models.UnitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.RunEntity")
	defer span.End()

	d, ok := o.Catalog.Get(entity.Type(entityType))
	if !ok {
		return models.UnitResult{}, syncerr.Configuration("unknown_entity_type", nil, "unknown entity type %q", entityType)
	}
	if err := d.CheckScope(scope); err != nil {
		return models.UnitResult{}, syncerr.Configuration("invalid_scope", err, "cannot run %s", entityType)
	}
	if trigger.Type == "" {
		trigger.Type = models.RunTypeEntity
	}

	result, err := o.runUnit(ctx, Unit{Descriptor: d, Scope: scope, Trigger: trigger})
	if err != nil {
		tracing.Fail(span, err)
	}
	return result, err
}

// RunAll refreshes every global entity type, then every active selection.
func (o *Orchestrator) RunAll(ctx context.Context, trigger Trigger) (*models.BatchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.RunAll")
	defer span.End()

	var units []Unit
	for _, d := range o.Catalog.ByLevel(entity.ScopeGlobal) {
		units = append(units, Unit{Descriptor: d, Trigger: trigger})
	}
	selected, err := o.selectionUnits(ctx, trigger)
	if err != nil {
		return nil, err
	}
	return o.runBatch(ctx, append(units, selected...)), nil
}

// RunForActiveSelections runs the scoped entity types of every active selection.
func (o *Orchestrator) RunForActiveSelections(ctx context.Context, trigger Trigger) (*models.BatchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.RunForActiveSelections")
	defer span.End()

	units, err := o.selectionUnits(ctx, trigger)
	if err != nil {
		return nil, err
	}
	return o.runBatch(ctx, units), nil
}

func (o *Orchestrator) selectionUnits(ctx context.Context, trigger Trigger) ([]Unit, error) {
	if o.Selections == nil {
		return nil, nil
	}
	selections, err := o.Selections.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var units []Unit
	for _, sel := range selections {
		scope := entity.Scope{PlantID: sel.PlantID, IssueRevision: sel.IssueRevision}
		level := entity.ScopePlant
		if !sel.IsPlantLevel() {
			level = entity.ScopeIssue
		}
		for _, d := range o.Catalog.ByLevel(level) {
			units = append(units, Unit{Descriptor: d, Scope: scope, Trigger: trigger, Selection: &scope})
		}
	}
	return units, nil
}

// runBatch runs units stage by stage in dependency order. Fetches within a stage run concurrently;
// merges run one at a time. A failed unit is recorded and the batch continues.
func (o *Orchestrator) runBatch(ctx context.Context, units []Unit) *models.BatchResult {
	batch := &models.BatchResult{BatchID: uuid.NewString(), StartedAt: time.Now().UTC()}
	log := o.logger.WithContext(ctx).WithField("batch_id", batch.BatchID)
	log.Infof("Starting batch of %d units", len(units))

	stages := make([][]Unit, len(o.depth)+1)
	for _, u := range units {
		u.BatchID = batch.BatchID
		i := o.depth[u.Descriptor.Type]
		stages[i] = append(stages[i], u)
	}

	outcomes := map[string]models.RunStatus{}
	var selections []entity.Scope

	for _, stage := range stages {
		if len(stage) == 0 {
			continue
		}

		fetched := make([]*fetchResult, len(stage))
		var g errgroup.Group
		g.SetLimit(o.config.FetchConcurrency)
		for i, u := range stage {
			g.Go(func() error {
				fetched[i] = o.fetch(ctx, u)
				return nil
			})
		}
		g.Wait()

		for _, f := range fetched {
			result, _ := o.complete(ctx, f)
			batch.Add(result)

			if sel := f.unit.Selection; sel != nil {
				key := sel.Key()
				if _, seen := outcomes[key]; !seen {
					selections = append(selections, *sel)
				}
				outcomes[key] = worse(outcomes[key], result.Status)
			}
		}
	}

	batch.Finalize(time.Now().UTC())
	o.recordSelections(ctx, selections, outcomes, batch.EndedAt)
	o.Emitter.BatchFinished(ctx, batch)

	log.WithFields(map[string]any{"status": batch.Status, "succeeded": batch.Succeeded, "failed": batch.Failed, "no_data": batch.NoData}).Info(batch.Message)
	return batch
}

func (o *Orchestrator) recordSelections(ctx context.Context, scopes []entity.Scope, outcomes map[string]models.RunStatus, at time.Time) {
	if o.Selections == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, scope := range scopes {
		if err := o.Selections.RecordRun(ctx, scope, at, outcomes[scope.Key()]); err != nil {
			o.logger.WithContext(ctx).WithError(err).WithField("scope", scope.Key()).Warn("Failed to record selection run")
		}
	}
}

// worse keeps the most severe of two unit outcomes: failed, then success, then no_data.
func worse(a, b models.RunStatus) models.RunStatus {
	rank := func(s models.RunStatus) int {
		switch s {
		case models.RunStatusFailed:
			return 3
		case models.RunStatusSuccess:
			return 2
		case models.RunStatusNoData:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Wait blocks until background retention sweeps have finished.
func (o *Orchestrator) Wait() {
	o.sweeps.Wait()
}
