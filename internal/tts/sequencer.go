package tts

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrDone is returned by Next once every chunk of the turn was released
	ErrDone = errors.New("all chunks released")
	// ErrAborted is returned by Next after Abort or Drain
	ErrAborted = errors.New("synthesis aborted")
)

// sequencer is a reorder buffer keyed by chunk ordinal. Segments complete
// in any order but leave strictly in ordinal order.
type sequencer struct {
	mu      sync.Mutex
	next    int
	total   int // -1 until the number of chunks is known
	ready   map[int]Segment
	aborted bool
	changed chan struct{}
}

func newSequencer() *sequencer {
	return &sequencer{
		total:   -1,
		ready:   make(map[int]Segment),
		changed: make(chan struct{}),
	}
}

func (q *sequencer) put(seg Segment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.aborted || seg.Index < q.next {
		return
	}
	q.ready[seg.Index] = seg
	q.notifyLocked()
}

func (q *sequencer) close(total int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.total = total
	q.notifyLocked()
}

// pop blocks until the next ordinal is ready, every chunk was released,
// the sequencer is aborted or ctx is done.
func (q *sequencer) pop(ctx context.Context) (Segment, error) {
	for {
		q.mu.Lock()
		if q.aborted {
			q.mu.Unlock()
			return Segment{}, ErrAborted
		}
		if seg, ok := q.ready[q.next]; ok {
			delete(q.ready, q.next)
			q.next++
			q.mu.Unlock()
			return seg, nil
		}
		if q.total >= 0 && q.next >= q.total {
			q.mu.Unlock()
			return Segment{}, ErrDone
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Segment{}, ctx.Err()
		}
	}
}

// drain aborts the sequencer and returns every synthesized segment not yet
// released, in ordinal order. Placeholders are left out.
func (q *sequencer) drain() []Segment {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Segment
	for _, seg := range q.ready {
		if !seg.Skipped() {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	q.ready = make(map[int]Segment)
	q.aborted = true
	q.notifyLocked()
	return out
}

func (q *sequencer) abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = true
	q.ready = make(map[int]Segment)
	q.notifyLocked()
}

// notifyLocked wakes every waiter; mu must be held.
func (q *sequencer) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
