package lottery

import (
	"bytes"
	"container/heap"
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Marketen/verifier-node/internal/application/domain"
)

// Seat is one ticket of one candidate, as ranked in a multi-candidate draw.
type Seat struct {
	Candidate common.Address
	Index     domain.TicketIndex
	Score     *uint256.Int
}

// Candidate is an identity with its ticket budget.
type Candidate struct {
	ID     common.Address
	Budget uint64
}

// seatLess is the total order used everywhere: score, then candidate, then index.
func seatLess(a, b Seat) bool {
	if c := a.Score.Cmp(b.Score); c != 0 {
		return c < 0
	}
	if c := bytes.Compare(a.Candidate[:], b.Candidate[:]); c != 0 {
		return c < 0
	}
	return a.Index < b.Index
}

// maxHeap keeps the largest seat at the root so it can be evicted in O(log K).
type maxHeap []Seat

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return seatLess(h[j], h[i]) }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(Seat)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// boundedHeap retains the k smallest seats offered to it.
type boundedHeap struct {
	k int
	h maxHeap
}

func newBoundedHeap(k int) *boundedHeap {
	return &boundedHeap{k: k, h: make(maxHeap, 0, k)}
}

func (b *boundedHeap) offer(s Seat) {
	if b.k <= 0 {
		return
	}
	if len(b.h) < b.k {
		heap.Push(&b.h, s)
		return
	}
	if seatLess(s, b.h[0]) {
		b.h[0] = s
		heap.Fix(&b.h, 0)
	}
}

// sorted drains the heap into ascending order.
func (b *boundedHeap) sorted() []Seat {
	out := make([]Seat, len(b.h))
	copy(out, b.h)
	sort.Slice(out, func(i, j int) bool { return seatLess(out[i], out[j]) })
	return out
}

// KSmallest returns the k lowest scoring tickets of candidate in ascending order, using a
// single pass over the budget and O(k) memory. Fewer than k are returned when the budget
// is smaller.
func KSmallest(seed common.Hash, candidate common.Address, budget uint64, k int) []Ticket {
	out, _ := KSmallestContext(context.Background(), seed, candidate, budget, k)
	return out
}

// KSmallestContext is KSmallest, abandoned with ctx's error once ctx is done.
func KSmallestContext(ctx context.Context, seed common.Hash, candidate common.Address, budget uint64, k int) ([]Ticket, error) {
	b := newBoundedHeap(k)
	for i := uint64(0); i < budget; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		idx := domain.TicketIndex(i)
		b.offer(Seat{Candidate: candidate, Index: idx, Score: TicketHash(seed, candidate, idx)})
	}
	seats := b.sorted()
	out := make([]Ticket, len(seats))
	for i, s := range seats {
		out[i] = Ticket{Index: s.Index, Score: s.Score}
	}
	return out, nil
}

// TopK merges per-candidate ticket lists into the k globally lowest seats.
// perCandidate must hold, for each candidate, at least its own k lowest tickets.
func TopK(perCandidate map[common.Address][]Ticket, k int) []Seat {
	b := newBoundedHeap(k)
	for id, tickets := range perCandidate {
		for _, t := range tickets {
			b.offer(Seat{Candidate: id, Index: t.Index, Score: t.Score})
		}
	}
	return b.sorted()
}

// Committee draws the k globally lowest seats among candidates for seed. A candidate may
// hold more than one seat.
func Committee(seed common.Hash, candidates []Candidate, k int) []Seat {
	perCandidate := make(map[common.Address][]Ticket, len(candidates))
	for _, c := range candidates {
		perCandidate[c.ID] = KSmallest(seed, c.ID, c.Budget, k)
	}
	return TopK(perCandidate, k)
}

// BestSeat returns candidate's lowest seat in seats, if any.
func BestSeat(seats []Seat, candidate common.Address) (Seat, bool) {
	var (
		best  Seat
		found bool
	)
	for _, s := range seats {
		if s.Candidate != candidate {
			continue
		}
		if !found || seatLess(s, best) {
			best, found = s, true
		}
	}
	return best, found
}
