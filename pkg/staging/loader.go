// Package staging bulk-loads validated records into the per-run staging tables.
package staging

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/repositories/staged"
	"github.com/Ramsey-B/fern/pkg/entity"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// StageResult counts what a Stage call wrote.
type StageResult struct {
	Staged int `json:"staged"`
	// Duplicates is the number of records dropped because a later record had the same natural key.
	Duplicates int `json:"duplicates"`
}

type Loader struct {
	repo   *staged.Repository
	logger ectologger.Logger
}

func NewLoader(repo *staged.Repository, logger ectologger.Logger) *Loader {
	return &Loader{
		repo:   repo,
		logger: logger,
	}
}

// Stage clears the staging area of runID and writes records with their fingerprints. It joins the
// transaction carried by ctx.
func (l *Loader) Stage(ctx context.Context, runID string, d *entity.Descriptor, records []entity.Record) (StageResult, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Loader.Stage")
	defer span.End()

	if err := l.repo.Clear(ctx, d, runID); err != nil {
		return StageResult{}, err
	}

	rows, duplicates := Dedupe(records)
	if len(duplicates) > 0 {
		l.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_type": d.Type,
			"run_id":      runID,
			"duplicates":  len(duplicates),
			"keys":        duplicates,
		}).Warn("Duplicate natural keys in batch, keeping the last occurrence")
	}

	batch := make([]staged.Row, len(rows))
	for i, rec := range rows {
		batch[i] = staged.Row{Record: rec, Fingerprint: rec.Fingerprint()}
	}
	if err := l.repo.Insert(ctx, d, runID, batch, time.Now()); err != nil {
		return StageResult{}, err
	}

	return StageResult{Staged: len(rows), Duplicates: len(duplicates)}, nil
}

// Dedupe keeps the last record of every natural key, in the order keys first appeared. It returns
// the kept records and the key of every dropped record.
func Dedupe(records []entity.Record) ([]entity.Record, []string) {
	index := make(map[string]int, len(records))
	kept := make([]entity.Record, 0, len(records))
	var dropped []string

	for _, rec := range records {
		key := rec.KeyString()
		if i, ok := index[key]; ok {
			kept[i] = rec
			dropped = append(dropped, key)
			continue
		}
		index[key] = len(kept)
		kept = append(kept, rec)
	}
	return kept, dropped
}
