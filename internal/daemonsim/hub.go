package daemonsim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"puncture/internal/transport"
)

const defaultHistoryLimit = 10_000

// ErrHistoryGap means events after the poller's cursor were already trimmed
// from the log.
var ErrHistoryGap = errors.New("events after cursor were discarded")

// hub keeps a sequence-numbered event log and lets pollers wait for entries
// past a cursor.
type hub struct {
	mu      sync.Mutex
	nextSeq uint64
	limit   int
	history []transport.Event
	// wake is closed and replaced on every publish.
	wake chan struct{}
}

func newHub(limit int) *hub {
	if limit < 1 {
		limit = 1
	}
	return &hub{limit: limit, wake: make(chan struct{})}
}

func (h *hub) publish(ev transport.Event) transport.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	ev.Seq = h.nextSeq
	h.history = append(h.history, ev)
	if len(h.history) > h.limit {
		h.history = append([]transport.Event(nil), h.history[len(h.history)-h.limit:]...)
	}
	close(h.wake)
	h.wake = make(chan struct{})
	return ev
}

// since returns the retained events after afterSeq and a channel closed on
// the next publish. A zero afterSeq starts from the oldest retained event;
// any other cursor older than that fails with ErrHistoryGap.
func (h *hub) since(afterSeq uint64) ([]transport.Event, <-chan struct{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if afterSeq > 0 && len(h.history) > 0 && afterSeq+1 < h.history[0].Seq {
		return nil, nil, fmt.Errorf("%w: cursor %d, oldest retained %d", ErrHistoryGap, afterSeq, h.history[0].Seq)
	}
	var out []transport.Event
	for _, ev := range h.history {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, h.wake, nil
}

// poll returns events after afterSeq, waiting up to wait for the first one.
// An empty result means the wait elapsed.
func (h *hub) poll(ctx context.Context, afterSeq uint64, wait time.Duration) ([]transport.Event, error) {
	events, wake, err := h.since(afterSeq)
	if err != nil || len(events) > 0 || wait <= 0 {
		return events, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-wake:
		events, _, err = h.since(afterSeq)
		return events, err
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (h *hub) lastSeq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}
