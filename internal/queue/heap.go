package queue

import (
	"time"

	"github.com/nais/hahaha/internal/resource"
)

type record struct {
	key       resource.Key
	notBefore time.Time
	seq       uint64
}

// readyHeap is a min-heap of records ordered by notBefore, then by insertion
// order so that keys ready at the same instant are served FIFO.
type readyHeap []*record

func (s readyHeap) Len() int { return len(s) }

func (s readyHeap) Less(i, j int) bool {
	if s[i].notBefore.Equal(s[j].notBefore) {
		return s[i].seq < s[j].seq
	}

	return s[i].notBefore.Before(s[j].notBefore)
}

func (s readyHeap) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

func (s *readyHeap) Push(x any) {
	*s = append(*s, x.(*record)) //nolint:forcetypeassert // heap only stores records
}

func (s *readyHeap) Pop() any {
	old := *s
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*s = old[:n-1]

	return item
}
