package events

import "sync"

// offsetTracker orders commits per partition when deliveries settle out of
// order. An offset is only committed once every offset fetched before it on
// the same partition has settled, so a commit never moves backward.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64
	settled map[int64]bool
	last    int64
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: map[int]*partitionOffsets{}}
}

// fetched registers an offset handed out by the reader. A fetch at or below
// the last one means the reader rewound (rebalance or restart), so earlier
// bookkeeping for the partition is dropped.
func (t *offsetTracker) fetched(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.parts[partition]
	if !ok || offset <= p.last {
		p = &partitionOffsets{settled: map[int64]bool{}}
		t.parts[partition] = p
	}
	p.pending = append(p.pending, offset)
	p.last = offset
}

// settle marks offset done and returns the highest offset that can now be
// committed. ok is false while an earlier offset is still in flight.
func (t *offsetTracker) settle(partition int, offset int64) (commit int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, found := t.parts[partition]
	if !found || !p.isPending(offset) {
		// Fetched before a rewind; the reader hands it out again.
		return 0, false
	}
	p.settled[offset] = true
	for len(p.pending) > 0 && p.settled[p.pending[0]] {
		commit, ok = p.pending[0], true
		delete(p.settled, commit)
		p.pending = p.pending[1:]
	}
	return commit, ok
}

func (p *partitionOffsets) isPending(offset int64) bool {
	for _, o := range p.pending {
		if o == offset {
			return true
		}
	}
	return false
}
