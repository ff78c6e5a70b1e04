package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/Ramsey-B/fern/pkg/entity"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/syncerr"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ensureParents checks that every parent referenced by the fetched records has a current row. With
// backfill enabled, missing parents are loaded first and checked again.
func (o *Orchestrator) ensureParents(ctx context.Context, f *fetchResult) error {
	d := f.unit.Descriptor
	if d.Parent == nil {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.ensureParents")
	defer span.End()

	parent, ok := o.Catalog.Get(d.Parent.Type)
	if !ok {
		return syncerr.Configuration("unknown_parent", nil, "%s references unknown parent %s", d.Type, d.Parent.Type)
	}

	keys := parentKeys(f.records)
	missing, err := o.missingParents(ctx, d, parent, keys)
	if err != nil || len(missing) == 0 {
		return err
	}

	if !o.config.Backfill {
		return missingError(d, parent, missing)
	}
	if f.unit.depth >= maxBackfillDepth {
		return syncerr.DependencyMissing(string(d.Type), "backfill_depth", nil, "backfill of %s exceeded depth %d", parent.Type, maxBackfillDepth)
	}

	log := o.logger.WithContext(ctx).WithFields(map[string]any{"entity_type": d.Type, "parent_type": parent.Type, "missing": len(missing)})
	log.Info("Backfilling missing parents")

	for _, scope := range backfillScopes(parent, missing) {
		_, err := o.runUnit(ctx, Unit{
			Descriptor: parent,
			Scope:      scope,
			Trigger:    Trigger{Type: models.RunTypeBackfill, By: string(d.Type)},
			BatchID:    f.unit.BatchID,
			depth:      f.unit.depth + 1,
		})
		if err != nil {
			tracing.Fail(span, err)
			return syncerr.DependencyMissing(string(d.Type), "backfill_failed", err, "backfill of %s %s failed", parent.Type, scope)
		}
	}

	missing, err = o.missingParents(ctx, d, parent, keys)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return missingError(d, parent, missing)
	}
	return nil
}

func (o *Orchestrator) missingParents(ctx context.Context, d, parent *entity.Descriptor, keys [][]string) ([][]string, error) {
	existing, err := o.Versioned.ExistingCurrentKeys(ctx, parent, keys)
	if err != nil {
		return nil, syncerr.Merge(string(d.Type), "store", err, "failed to check %s parents", d.Type)
	}
	var missing [][]string
	for _, key := range keys {
		if !existing[strings.Join(key, entity.KeySeparator)] {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

// parentKeys returns the distinct non-empty parent references of records.
func parentKeys(records []entity.Record) [][]string {
	seen := map[string]bool{}
	var keys [][]string
	for _, rec := range records {
		key := rec.ParentKey()
		if key == nil {
			continue
		}
		k := strings.Join(key, entity.KeySeparator)
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, key)
	}
	return keys
}

// backfillScopes returns the distinct scopes whose fetch loads the missing parents. A global parent
// with a detail endpoint is fetched row by row, otherwise the whole type is refreshed once.
func backfillScopes(parent *entity.Descriptor, missing [][]string) []entity.Scope {
	seen := map[string]bool{}
	var scopes []entity.Scope
	for _, key := range missing {
		var scope entity.Scope
		switch parent.ScopeLevel {
		case entity.ScopeGlobal:
			if parent.DetailPath != nil {
				scope = entity.Scope{PlantID: key[0]}
			}
		case entity.ScopePlant:
			scope = entity.Scope{PlantID: key[0]}
		case entity.ScopeIssue:
			if len(key) < 2 {
				continue
			}
			scope = entity.Scope{PlantID: key[0], IssueRevision: key[1]}
		}
		if seen[scope.Key()] {
			continue
		}
		seen[scope.Key()] = true
		scopes = append(scopes, scope)
	}
	return scopes
}

func missingError(d, parent *entity.Descriptor, missing [][]string) error {
	shown := make([]string, 0, min(len(missing), 5))
	for _, key := range missing[:min(len(missing), 5)] {
		shown = append(shown, strings.Join(key, entity.KeySeparator))
	}
	msg := strings.Join(shown, ", ")
	if len(missing) > len(shown) {
		msg += fmt.Sprintf(" and %d more", len(missing)-len(shown))
	}
	return syncerr.DependencyMissing(string(d.Type), "missing_parent", nil, "%d %s parents not current: %s", len(missing), parent.Type, msg)
}
