package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testutil"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092 "))
	assert.Nil(t, ParseBrokers(""))
}

func TestProducer_PublishJSON(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducerWithWriter(w, "fern.runs", testutil.Logger())

	err := p.PublishJSON(context.Background(), "run-1", map[string]any{"status": "success"}, map[string]string{"type": "run.finished"})
	require.NoError(t, err)
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "run-1", string(msg.Key))

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "success", body["status"])

	require.NotEmpty(t, msg.Headers)
	assert.Equal(t, "type", msg.Headers[0].Key)
	assert.Equal(t, "run.finished", string(msg.Headers[0].Value))
}

func TestProducer_PublishJSONError(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	p := NewProducerWithWriter(w, "fern.runs", testutil.Logger())

	err := p.PublishJSON(context.Background(), "run-1", map[string]any{}, nil)
	assert.EqualError(t, err, "broker down")
}
