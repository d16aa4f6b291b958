package generate

// Quota assigns selected URLs to segments. Each host (or domain) may place
// at most maxCount URLs in one segment; once a host's share of a segment is
// used up its further URLs overflow into the next segment, and are dropped
// when no segment is left. topN caps the size of every segment.
//
// URLs must be offered in descending priority, so the best URLs of every
// host land in the earliest segment.
type Quota struct {
	maxCount    int
	maxSegments int
	topN        int64
	hosts       map[string][]int // per host, URLs placed in each segment
	sizes       []int64          // URLs placed in each segment
}

// NewQuota creates a quota. maxCount ≤ 0 and topN ≤ 0 mean unlimited;
// maxSegments < 1 is treated as 1.
func NewQuota(maxCount, maxSegments int, topN int64) *Quota {
	if maxSegments < 1 {
		maxSegments = 1
	}
	return &Quota{
		maxCount:    maxCount,
		maxSegments: maxSegments,
		topN:        topN,
		hosts:       make(map[string][]int),
		sizes:       make([]int64, maxSegments),
	}
}

// Assign places one URL of host and returns its 1-based segment number, or
// 0 when the URL does not fit anywhere.
func (q *Quota) Assign(host string) int {
	counts := q.hosts[host]
	for seg := 0; seg < q.maxSegments; seg++ {
		if q.topN > 0 && q.sizes[seg] >= q.topN {
			continue
		}
		if q.maxCount > 0 && seg < len(counts) && counts[seg] >= q.maxCount {
			continue
		}
		for len(counts) <= seg {
			counts = append(counts, 0)
		}
		counts[seg]++
		q.hosts[host] = counts
		q.sizes[seg]++
		return seg + 1
	}
	return 0
}

// Full reports whether every segment reached topN, after which no further
// URL can be placed.
func (q *Quota) Full() bool {
	if q.topN <= 0 {
		return false
	}
	for _, n := range q.sizes {
		if n < q.topN {
			return false
		}
	}
	return true
}

// Sizes returns the number of URLs placed per segment.
func (q *Quota) Sizes() []int64 {
	return append([]int64(nil), q.sizes...)
}
