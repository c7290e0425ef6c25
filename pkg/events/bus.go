package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/strandlabs/strand/pkg/storage"
)

// listenTimeout bounds how long a LISTEN command may block when subscribing
// to a new run channel. Without this, a stalled connection would block the
// subscribing request indefinitely.
const listenTimeout = 10 * time.Second

// Subscription is one subscriber's handle on a run's live frames. The
// channel closes after a terminal frame, when the subscriber lags too far
// behind, or when the subscription is closed.
type Subscription struct {
	// Frames delivers the run's events in dispatch order.
	Frames <-chan Frame

	bus  *Bus
	sub  *subscriber
	once sync.Once
}

// Close detaches the subscription. Safe to call multiple times and after
// the channel has closed.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.removeSubscriber(s.sub) })
}

type subscriber struct {
	id     int64
	runID  string
	ch     chan Frame
	closed bool
}

// Bus is the per-pod hub for run event delivery. Publishing goes through
// the Publisher (persist + transport); delivery to local subscribers comes
// back either via the NOTIFY listener (Postgres, cross-pod) or by direct
// dispatch (memory backend).
//
// LISTEN on a run's channel starts with its first local subscriber and
// stops with its last, so idle pods carry no NOTIFY traffic.
type Bus struct {
	publisher Publisher
	events    storage.EventRepository

	// Run subscriptions: run_id → subscriber_id → subscriber
	mu   sync.Mutex
	runs map[string]map[int64]*subscriber
	next int64

	// NotifyListener for dynamic LISTEN/UNLISTEN (set after construction,
	// Postgres backend only).
	listener   *NotifyListener
	listenerMu sync.RWMutex

	replayBatch int
	bufferSize  int
	logger      *slog.Logger
}

// NewBus creates a bus. replayBatch caps events fetched per catch-up query;
// bufferSize is the per-subscriber channel depth.
func NewBus(publisher Publisher, events storage.EventRepository, replayBatch, bufferSize int, logger *slog.Logger) *Bus {
	if replayBatch <= 0 {
		replayBatch = 256
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		publisher:   publisher,
		events:      events,
		runs:        make(map[string]map[int64]*subscriber),
		replayBatch: replayBatch,
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// SetListener attaches the NOTIFY listener for dynamic LISTEN/UNLISTEN.
// Called once during startup after both bus and listener exist. Without a
// listener the bus dispatches published frames to local subscribers itself.
func (b *Bus) SetListener(l *NotifyListener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.listener = l
}

func (b *Bus) getListener() *NotifyListener {
	b.listenerMu.RLock()
	defer b.listenerMu.RUnlock()
	return b.listener
}

// Publish records a frame and delivers it to subscribers. Returns the
// events table row ID for persistent frames, zero for transient ones.
func (b *Bus) Publish(ctx context.Context, frame Frame) (int64, error) {
	id, err := b.publisher.Publish(ctx, frame)
	if err != nil {
		return 0, err
	}
	frame.ID = id
	if b.getListener() == nil {
		// No NOTIFY loopback — deliver to local subscribers directly.
		b.Dispatch(frame)
	}
	return id, nil
}

// Subscribe attaches a subscriber to a run's live frames. On the Postgres
// backend the first local subscriber triggers a synchronous LISTEN before
// Subscribe returns, so a subsequent Replay call closes the gap: anything
// published after the replay cursor arrives live.
//
// Callers dedupe overlap by ID: skip live frames with ID > 0 that the
// replay already covered.
func (b *Bus) Subscribe(ctx context.Context, runID string) (*Subscription, error) {
	channel := RunChannel(runID)

	b.mu.Lock()
	group, exists := b.runs[runID]
	if !exists {
		group = make(map[int64]*subscriber)
		b.runs[runID] = group
	}
	b.next++
	sub := &subscriber{
		id:    b.next,
		runID: runID,
		ch:    make(chan Frame, b.bufferSize),
	}
	group[sub.id] = sub
	b.mu.Unlock()

	// LISTEN is synchronous so it completes before Subscribe returns. This
	// guarantees the caller's catch-up query runs with LISTEN already
	// active, closing the window where frames published between catch-up
	// and LISTEN would be lost.
	if !exists {
		if l := b.getListener(); l != nil {
			listenCtx, cancel := context.WithTimeout(ctx, listenTimeout)
			defer cancel()
			if err := l.Listen(listenCtx, channel); err != nil {
				b.logger.Error("Failed to LISTEN on run channel", "channel", channel, "error", err)
				b.cleanupFailedRun(runID)
				return nil, fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	return &Subscription{Frames: sub.ch, bus: b, sub: sub}, nil
}

// cleanupFailedRun removes every subscriber of a run after a LISTEN
// failure. Between registering the group and LISTEN completing, other
// goroutines may have subscribed to the same run; they skipped LISTEN
// because the group already existed, so they are orphaned now and must be
// closed too.
func (b *Bus) cleanupFailedRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.runs[runID] {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	delete(b.runs, runID)
}

// removeSubscriber detaches one subscriber and stops LISTEN if it was the
// run's last.
func (b *Bus) removeSubscriber(sub *subscriber) {
	b.mu.Lock()
	group, exists := b.runs[sub.runID]
	if !exists {
		b.mu.Unlock()
		return
	}
	if s, ok := group[sub.id]; ok {
		delete(group, sub.id)
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
	lastLeft := len(group) == 0
	if lastLeft {
		delete(b.runs, sub.runID)
	}
	b.mu.Unlock()

	if lastLeft {
		b.unlistenIfIdle(sub.runID)
	}
}

// unlistenIfIdle stops LISTEN on a run channel unless a new subscriber
// re-registered in the meantime. The re-check prevents a rapid
// unsubscribe/resubscribe cycle from dropping an active LISTEN.
func (b *Bus) unlistenIfIdle(runID string) {
	l := b.getListener()
	if l == nil {
		return
	}
	go func() {
		b.mu.Lock()
		_, resubscribed := b.runs[runID]
		b.mu.Unlock()
		if resubscribed {
			return
		}
		if err := l.Unlisten(context.Background(), RunChannel(runID)); err != nil {
			b.logger.Error("Failed to UNLISTEN run channel", "channel", RunChannel(runID), "error", err)
		}
	}()
}

// Dispatch fans a frame out to the run's local subscribers. A subscriber
// whose buffer is full is disconnected rather than allowed to stall the
// stream or silently miss its terminal frame. A terminal frame closes all
// subscribers and retires the run's group.
func (b *Bus) Dispatch(frame Frame) {
	b.mu.Lock()
	group, exists := b.runs[frame.RunID]
	if !exists {
		b.mu.Unlock()
		return
	}

	for id, sub := range group {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- frame:
		default:
			b.logger.Warn("Disconnecting lagging subscriber",
				"run_id", frame.RunID, "event", frame.Event, "subscriber", id)
			sub.closed = true
			close(sub.ch)
			delete(group, id)
		}
	}

	terminal := Terminal(frame.Event)
	if terminal {
		for id, sub := range group {
			delete(group, id)
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	empty := len(group) == 0
	if empty {
		delete(b.runs, frame.RunID)
	}
	b.mu.Unlock()

	if empty {
		b.unlistenIfIdle(frame.RunID)
	}
}

// HandleNotify decodes a NOTIFY payload and dispatches the frame. Truncated
// persistent frames are re-fetched from the events table; truncated
// transient frames are dropped — the next values event carries the state
// they contributed to.
func (b *Bus) HandleNotify(ctx context.Context, channel string, payload []byte) {
	frame, truncated, err := decodeNotify(payload)
	if err != nil {
		b.logger.Warn("Ignoring malformed NOTIFY payload", "channel", channel, "error", err)
		return
	}
	if truncated {
		if frame.ID == 0 {
			return
		}
		full, err := b.fetchFrame(ctx, frame.RunID, frame.ID)
		if err != nil {
			b.logger.Error("Failed to fetch truncated event",
				"run_id", frame.RunID, "db_event_id", frame.ID, "error", err)
			return
		}
		frame = full
	}
	b.Dispatch(frame)
}

// fetchFrame loads one persisted event by row ID.
func (b *Bus) fetchFrame(ctx context.Context, runID string, id int64) (Frame, error) {
	rows, err := b.events.ListSince(ctx, runID, id-1, 1)
	if err != nil {
		return Frame{}, err
	}
	if len(rows) == 0 || rows[0].ID != id {
		return Frame{}, fmt.Errorf("event %d not found for run %s", id, runID)
	}
	return frameFromEvent(rows[0])
}

// Replay returns the run's persisted frames with ID > sinceID, in order,
// fetching in batches of replayBatch.
func (b *Bus) Replay(ctx context.Context, runID string, sinceID int64) ([]Frame, error) {
	var frames []Frame
	cursor := sinceID
	for {
		batch, err := b.events.ListSince(ctx, runID, cursor, b.replayBatch)
		if err != nil {
			return nil, err
		}
		for _, event := range batch {
			frame, err := frameFromEvent(event)
			if err != nil {
				return nil, err
			}
			frames = append(frames, frame)
			cursor = event.ID
		}
		if len(batch) < b.replayBatch {
			return frames, nil
		}
	}
}

// Stop closes every subscription. Called during shutdown after the engine
// has drained.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for runID, group := range b.runs {
		for id, sub := range group {
			delete(group, id)
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(b.runs, runID)
	}
}

// subscriberCount returns the number of subscribers for a run.
// Unexported — used by tests to poll instead of sleeping.
func (b *Bus) subscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs[runID])
}
