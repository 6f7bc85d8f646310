package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/fetchguard/internal/progress"
	"github.com/JakeFAU/fetchguard/internal/publisher/memory"
)

func events(n int) []progress.Event {
	out := make([]progress.Event, n)
	for i := range out {
		out[i] = progress.Event{JobID: "job-1", Stage: progress.StageItemDone, TS: time.Now(), Target: "https://a.example/"}
	}
	return out
}

func TestLogSinkWritesEachEvent(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), events(3)))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.FilterMessage("progress event").All()
	require.Len(t, entries, 3)
	assert.Equal(t, "job-1", entries[0].ContextMap()["job_id"])
}

func TestPublisherSinkSplitsBatches(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := NewPublisherSink(pub, "job-progress", 2)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), events(5)))
	msgs := pub.Messages()
	require.Len(t, msgs, 3)

	var last Batch
	require.NoError(t, json.Unmarshal(msgs[2].Data, &last))
	assert.Len(t, last.Events, 1)
	assert.Equal(t, "job-progress", msgs[0].Topic)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, string, any) (string, error) {
	f.calls++
	return "", errors.New("unavailable")
}

func TestPublisherSinkStopsOnError(t *testing.T) {
	t.Parallel()

	pub := &failingPublisher{}
	sink, err := NewPublisherSink(pub, "job-progress", 1)
	require.NoError(t, err)

	require.ErrorContains(t, sink.Consume(context.Background(), events(3)), "unavailable")
	assert.Equal(t, 1, pub.calls)
}

func TestNewPublisherSinkValidates(t *testing.T) {
	t.Parallel()

	_, err := NewPublisherSink(nil, "topic", 0)
	require.Error(t, err)
	_, err = NewPublisherSink(memory.New(), "", 0)
	require.Error(t, err)
}
