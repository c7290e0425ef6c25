package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage/memory"
)

func newTestBus(t *testing.T, replayBatch, bufferSize int) (*Bus, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	bus := NewBus(NewLocalPublisher(store.Events()), store.Events(), replayBatch, bufferSize, nil)
	return bus, store
}

func recvFrame(t *testing.T, sub *Subscription) Frame {
	t.Helper()
	select {
	case frame, ok := <-sub.Frames:
		require.True(t, ok, "subscription closed unexpectedly")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func assertClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Frames:
		assert.False(t, ok, "expected subscription channel to be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription to close")
	}
}

func TestBusPublishDeliversToSubscribers(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t, 16, 8)

	sub, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close()

	id, err := bus.Publish(ctx, Frame{
		RunID: "run-1",
		Event: "metadata",
		Data:  json.RawMessage(`{"run_id":"run-1","attempt":1}`),
	})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0), "persistent frames get a row ID")

	frame := recvFrame(t, sub)
	assert.Equal(t, id, frame.ID)
	assert.Equal(t, "metadata", frame.Event)
	assert.JSONEq(t, `{"run_id":"run-1","attempt":1}`, string(frame.Data))
}

func TestBusTransientFramesGetNoID(t *testing.T) {
	ctx := context.Background()
	bus, store := newTestBus(t, 16, 8)

	sub, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close()

	id, err := bus.Publish(ctx, Frame{
		RunID: "run-1",
		Event: "messages",
		Data:  json.RawMessage(`[{"content":"hel"},{"run_id":"run-1"}]`),
	})
	require.NoError(t, err)
	assert.Zero(t, id)

	frame := recvFrame(t, sub)
	assert.Zero(t, frame.ID)
	assert.Equal(t, "messages", frame.Event)

	persisted, err := store.Events().ListSince(ctx, "run-1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, persisted, "message deltas are never persisted")
}

func TestBusTerminalFrameClosesSubscribers(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t, 16, 8)

	sub, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)

	_, err = bus.Publish(ctx, Frame{
		RunID: "run-1",
		Event: "end",
		Data:  json.RawMessage(`{"run_id":"run-1","status":"success"}`),
	})
	require.NoError(t, err)

	frame := recvFrame(t, sub)
	assert.Equal(t, "end", frame.Event)
	assertClosed(t, sub)
	assert.Zero(t, bus.subscriberCount("run-1"))
}

func TestBusDispatchWithoutSubscribersIsDropped(t *testing.T) {
	ctx := context.Background()
	bus, store := newTestBus(t, 16, 8)

	id, err := bus.Publish(ctx, Frame{
		RunID: "run-1",
		Event: "values",
		Data:  json.RawMessage(`{"messages":[]}`),
	})
	require.NoError(t, err)

	// Nothing listening, but the row is still there for catch-up.
	persisted, err := store.Events().ListSince(ctx, "run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, id, persisted[0].ID)
}

func TestBusLaggingSubscriberDisconnected(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t, 16, 1)

	sub, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := bus.Publish(ctx, Frame{
			RunID: "run-1",
			Event: "updates",
			Data:  json.RawMessage(fmt.Sprintf(`{"step":%d}`, i)),
		})
		require.NoError(t, err)
	}

	// Buffer of one: the first frame queues, the second forces a disconnect.
	var received []Frame
	for frame := range sub.Frames {
		received = append(received, frame)
	}
	assert.Len(t, received, 1)
	assert.Zero(t, bus.subscriberCount("run-1"))
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t, 16, 8)

	sub, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, 1, bus.subscriberCount("run-1"))

	sub.Close()
	sub.Close()
	assertClosed(t, sub)
	assert.Zero(t, bus.subscriberCount("run-1"))
}

func TestBusMultipleSubscribersAllReceive(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t, 16, 8)

	first, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer first.Close()
	second, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer second.Close()
	require.Equal(t, 2, bus.subscriberCount("run-1"))

	_, err = bus.Publish(ctx, Frame{RunID: "run-1", Event: "values", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)

	assert.Equal(t, "values", recvFrame(t, first).Event)
	assert.Equal(t, "values", recvFrame(t, second).Event)
}

func TestBusReplayPagination(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t, 2, 8)

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := bus.Publish(ctx, Frame{
			RunID: "run-1",
			Event: "updates",
			Data:  json.RawMessage(fmt.Sprintf(`{"step":%d}`, i)),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	frames, err := bus.Replay(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, frames, 5, "replay pages through batches smaller than the total")
	for i, frame := range frames {
		assert.Equal(t, ids[i], frame.ID)
	}

	tail, err := bus.Replay(ctx, "run-1", ids[2])
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, ids[3], tail[0].ID)
}

func TestHandleNotifyDispatchesDecodedFrame(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t, 16, 8)

	sub, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close()

	payload, err := encodeNotify(Frame{ID: 9, RunID: "run-1", Event: "values", Data: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)

	bus.HandleNotify(ctx, RunChannel("run-1"), []byte(payload))

	frame := recvFrame(t, sub)
	assert.Equal(t, int64(9), frame.ID)
	assert.Equal(t, "values", frame.Event)
}

func TestHandleNotifyRefetchesTruncatedEvents(t *testing.T) {
	ctx := context.Background()
	bus, store := newTestBus(t, 16, 8)

	id, err := store.Events().Insert(ctx, &models.Event{
		RunID:   "run-1",
		Channel: "values",
		Payload: map[string]any{"messages": []any{"full payload"}},
	})
	require.NoError(t, err)

	sub, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close()

	envelope := fmt.Sprintf(`{"run_id":"run-1","event":"values","db_event_id":%d,"truncated":true}`, id)
	bus.HandleNotify(ctx, RunChannel("run-1"), []byte(envelope))

	frame := recvFrame(t, sub)
	assert.Equal(t, id, frame.ID)
	assert.Contains(t, string(frame.Data), "full payload")
}

func TestHandleNotifyDropsTruncatedTransients(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t, 16, 8)

	sub, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close()

	bus.HandleNotify(ctx, RunChannel("run-1"), []byte(`{"run_id":"run-1","event":"messages","truncated":true}`))

	select {
	case frame := <-sub.Frames:
		t.Fatalf("expected no frame, got %s", frame.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusStopClosesEverything(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t, 16, 8)

	first, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	second, err := bus.Subscribe(ctx, "run-2")
	require.NoError(t, err)

	bus.Stop()
	assertClosed(t, first)
	assertClosed(t, second)
	assert.Zero(t, bus.subscriberCount("run-1"))
	assert.Zero(t, bus.subscriberCount("run-2"))
}
