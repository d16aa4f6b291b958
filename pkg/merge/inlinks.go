package merge

import (
	"container/heap"

	"github.com/Sriram-PR/crawldb/pkg/models"
)

// linkHeap implements heap.Interface as a min-heap on score so the weakest
// inlink is always at the root and can be evicted first.
type linkHeap []*models.CrawlRecord

func (h linkHeap) Len() int           { return len(h) }
func (h linkHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h linkHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *linkHeap) Push(x any) { *h = append(*h, x.(*models.CrawlRecord)) }

func (h *linkHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}

// inlinks keeps the top capacity link stubs by score. It belongs to a
// single reduce call.
type inlinks struct {
	h        linkHeap
	capacity int
}

func newInlinks(capacity int) *inlinks {
	return &inlinks{capacity: capacity}
}

func (l *inlinks) add(rec *models.CrawlRecord) {
	if l.capacity <= 0 {
		return
	}
	if len(l.h) < l.capacity {
		heap.Push(&l.h, rec)
		return
	}
	if rec.Score > l.h[0].Score {
		l.h[0] = rec
		heap.Fix(&l.h, 0)
	}
}

func (l *inlinks) len() int { return len(l.h) }

// sorted drains the heap, highest score first.
func (l *inlinks) sorted() []*models.CrawlRecord {
	out := make([]*models.CrawlRecord, len(l.h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&l.h).(*models.CrawlRecord)
	}
	return out
}
