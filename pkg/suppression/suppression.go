// Package suppression detects upstream responses identical to the last one merged for an endpoint.
package suppression

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Store keeps the raw responses duplicates are detected against.
type Store interface {
	// Latest returns the most recent committed raw response of an endpoint, or nil.
	Latest(ctx context.Context, endpoint string) (*models.RawResponse, error)
	Invalidate(ctx context.Context, inv models.Invalidation) (int, error)
}

type Suppressor struct {
	store   Store
	enabled bool
	logger  ectologger.Logger
}

func NewSuppressor(store Store, enabled bool, logger ectologger.Logger) *Suppressor {
	return &Suppressor{
		store:   store,
		enabled: enabled,
		logger:  logger,
	}
}

func (s *Suppressor) Enabled() bool {
	return s.enabled
}

// IsDuplicate reports whether payloadHash equals the hash of the latest stored response for
// endpoint. Only the latest response counts, so a payload that changes and then changes back
// is merged again. An invalidated latest response never suppresses.
func (s *Suppressor) IsDuplicate(ctx context.Context, endpoint, payloadHash string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "suppression.Suppressor.IsDuplicate")
	defer span.End()

	if !s.enabled {
		return false, nil
	}

	latest, err := s.store.Latest(ctx, endpoint)
	if err != nil {
		return false, err
	}
	if latest == nil {
		return false, nil
	}
	if latest.InvalidatedAt != nil {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"endpoint":       endpoint,
			"last_run_id":    latest.RunID,
			"invalidated_at": latest.InvalidatedAt,
		}).Debug("Latest payload invalidated, merging again")
		return false, nil
	}

	duplicate := latest.PayloadHash == payloadHash
	if duplicate {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"endpoint":     endpoint,
			"payload_hash": payloadHash,
			"last_run_id":  latest.RunID,
		}).Info("Payload unchanged since last merge")
	}
	return duplicate, nil
}

// Invalidate stops the stored responses matching inv from suppressing the next identical fetch.
// Callers use it whenever rows are written outside the merge of those responses' endpoint, and
// join it to the transaction of that write. It runs even when suppression is disabled so that
// enabling it later cannot resurrect stale responses.
func (s *Suppressor) Invalidate(ctx context.Context, inv models.Invalidation) error {
	ctx, span := tracing.StartSpan(ctx, "suppression.Suppressor.Invalidate")
	defer span.End()

	if inv.At.IsZero() {
		inv.At = time.Now().UTC()
	}
	n, err := s.store.Invalidate(ctx, inv)
	if err != nil {
		tracing.Fail(span, err)
		return err
	}
	if n > 0 {
		fields := map[string]any{"entity_type": inv.EntityType, "invalidated": n}
		if inv.ScopeKey != nil {
			fields["scope"] = *inv.ScopeKey
		}
		s.logger.WithContext(ctx).WithFields(fields).Info("Invalidated stored payloads")
	}
	return nil
}
