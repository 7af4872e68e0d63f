package ingest

import "sort"

// PendingBlock is a head waiting in the confirmation buffer.
type PendingBlock struct {
	Number int64
	Hash   []byte
}

// Buffer holds observed-but-unconfirmed heads ordered by height. It is owned
// by the ingestion loop and needs no locking.
type Buffer struct {
	pending []PendingBlock
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Observe records a head as a confirmation candidate. A later observation at
// the same height replaces the hash, so the buffer always holds the most
// recent candidate per height. Heights at or below the committed cursor are
// ignored.
func (b *Buffer) Observe(number int64, hash []byte, lastCommitted int64) {
	if number <= lastCommitted {
		return
	}
	i := sort.Search(len(b.pending), func(i int) bool {
		return b.pending[i].Number >= number
	})
	if i < len(b.pending) && b.pending[i].Number == number {
		b.pending[i].Hash = hash
		return
	}
	b.pending = append(b.pending, PendingBlock{})
	copy(b.pending[i+1:], b.pending[i:])
	b.pending[i] = PendingBlock{Number: number, Hash: hash}
}

// PromoteReady removes and returns, in ascending order, every buffered head
// whose depth below best has reached the required confirmations. Stale
// entries at or below the committed cursor are dropped on the way.
func (b *Buffer) PromoteReady(best, required, lastCommitted int64) []PendingBlock {
	cutoff := best - required
	var ready []PendingBlock
	kept := b.pending[:0]
	for _, p := range b.pending {
		switch {
		case p.Number <= lastCommitted:
			// Already committed through another path.
		case p.Number <= cutoff:
			ready = append(ready, p)
		default:
			kept = append(kept, p)
		}
	}
	b.pending = kept
	return ready
}

// Prune drops entries that fell behind the retention window without ever
// being promoted. They were superseded by a competing branch.
func (b *Buffer) Prune(confirmedHeight, retention int64) {
	floor := confirmedHeight - retention
	kept := b.pending[:0]
	for _, p := range b.pending {
		if p.Number > floor {
			kept = append(kept, p)
		}
	}
	b.pending = kept
}

// Len reports how many heads are waiting for confirmation.
func (b *Buffer) Len() int {
	return len(b.pending)
}
