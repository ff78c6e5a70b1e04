package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testutil"
	"github.com/Ramsey-B/fern/pkg/models"
)

type published struct {
	key     string
	value   any
	headers map[string]string
}

type fakePublisher struct {
	sent []published
	err  error
}

func (f *fakePublisher) PublishJSON(_ context.Context, key string, value any, headers map[string]string) error {
	f.sent = append(f.sent, published{key: key, value: value, headers: headers})
	return f.err
}

func TestEmitter_RunFinished(t *testing.T) {
	pub := &fakePublisher{}
	e := NewEmitter(pub, testutil.Logger())

	e.RunFinished(context.Background(), models.UnitResult{
		RunID:      "run-1",
		EntityType: "operators",
		Status:     models.RunStatusSuccess,
		Stats:      models.MergeStats{Inserted: 3},
	})

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "run-1", pub.sent[0].key)
	assert.Equal(t, TypeRunFinished, pub.sent[0].headers["type"])
	assert.Equal(t, "operators", pub.sent[0].headers["entity_type"])

	evt, ok := pub.sent[0].value.(RunEvent)
	require.True(t, ok)
	assert.Equal(t, SchemaVersion, evt.SchemaVersion)
	assert.Equal(t, 3, evt.Stats.Inserted)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestEmitter_BatchKeyAndErrorsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("down")}
	e := NewEmitter(pub, testutil.Logger())

	e.BatchFinished(context.Background(), &models.BatchResult{BatchID: "batch-1", Status: models.BatchStatusSuccess})

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "batch-1", pub.sent[0].key)
}

func TestEmitter_NilPublisher(t *testing.T) {
	var e *Emitter
	assert.NotPanics(t, func() {
		e.RunStarted(context.Background(), &models.RunRecord{ID: "x"})
	})
	assert.NotPanics(t, func() {
		NewEmitter(nil, testutil.Logger()).RunStarted(context.Background(), &models.RunRecord{ID: "x"})
	})
}
