package engine

import (
	"github.com/efreitasn/backtester/internal/domain"
)

// compactThreshold is the number of consumed slots at the head of a
// queue before the live lots are shifted back to the start of the slice.
const compactThreshold = 32

// lotQueue is a FIFO of open lots for one side of one instrument. Lots
// are appended at the tail and consumed from the head; consumed slots are
// reclaimed by periodic compaction, so push and pop are O(1) amortized.
type lotQueue struct {
	lots []domain.Lot
	head int
}

// Len returns the number of open lots.
func (q *lotQueue) Len() int {
	return len(q.lots) - q.head
}

// Push appends a lot at the tail.
func (q *lotQueue) Push(lot domain.Lot) {
	q.lots = append(q.lots, lot)
}

// Front returns the oldest open lot. The queue must not be empty.
func (q *lotQueue) Front() *domain.Lot {
	return &q.lots[q.head]
}

// Pop removes the oldest open lot.
func (q *lotQueue) Pop() {
	q.lots[q.head] = domain.Lot{}
	q.head++

	switch {
	case q.head == len(q.lots):
		q.lots = q.lots[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.lots):
		n := copy(q.lots, q.lots[q.head:])
		clear(q.lots[n:])
		q.lots = q.lots[:n]
		q.head = 0
	}
}

// Total returns the summed quantity of all open lots.
func (q *lotQueue) Total() int64 {
	var total int64
	for i := q.head; i < len(q.lots); i++ {
		total += q.lots[i].Quantity
	}
	return total
}

// Each calls fn for every open lot, oldest first.
func (q *lotQueue) Each(fn func(domain.Lot)) {
	for i := q.head; i < len(q.lots); i++ {
		fn(q.lots[i])
	}
}

// Snapshot returns a copy of the open lots, oldest first.
func (q *lotQueue) Snapshot() []domain.Lot {
	out := make([]domain.Lot, q.Len())
	copy(out, q.lots[q.head:])
	return out
}

// Consume drains qty shares from the head of the queue. For every portion
// taken from a lot, realize is called with the lot as it was before the
// reduction and the portion size. Lots reaching zero are removed. Consume
// stops early if the queue runs dry and returns the quantity consumed.
func (q *lotQueue) Consume(qty int64, realize func(lot domain.Lot, used int64)) int64 {
	var consumed int64
	for consumed < qty && q.Len() > 0 {
		lot := q.Front()
		used := min(qty-consumed, lot.Quantity)
		realize(*lot, used)

		lot.Quantity -= used
		consumed += used
		if lot.Quantity == 0 {
			q.Pop()
		}
	}
	return consumed
}
