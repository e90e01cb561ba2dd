package interval

import (
	"fmt"
	"sort"
	"sync"
)

// Interval is one genomic range attributed to a sample.
type Interval struct {
	Chrom  string
	Start  int64
	End    int64
	Sample string
	Score  float64
}

// Len returns End - Start.
func (iv Interval) Len() int64 {
	return iv.End - iv.Start
}

func (iv Interval) String() string {
	return fmt.Sprintf("%s:%d-%d", iv.Chrom, iv.Start, iv.End)
}

// Less orders intervals by chromosome name, then start position.
func Less(a, b Interval) bool {
	if a.Chrom != b.Chrom {
		return a.Chrom < b.Chrom
	}
	return a.Start < b.Start
}

// Sort stably sorts ivs in place by (chromosome, start) and returns it.
func Sort(ivs []Interval) []Interval {
	sort.SliceStable(ivs, func(i, j int) bool { return Less(ivs[i], ivs[j]) })
	return ivs
}

// IsSorted reports whether ivs is ordered by (chromosome, start).
func IsSorted(ivs []Interval) bool {
	return sort.SliceIsSorted(ivs, func(i, j int) bool { return Less(ivs[i], ivs[j]) })
}

// Set is the parsed content of one interval file, in file order.
type Set []Interval

// Filter returns the intervals whose score is at least threshold, keeping
// source order. The result never aliases s.
func (s Set) Filter(threshold float64) Set {
	out := make(Set, 0, len(s))
	for _, iv := range s {
		if iv.Score >= threshold {
			out = append(out, iv)
		}
	}
	return out
}

// Sort returns a copy of s stably sorted by (chromosome, start).
func (s Set) Sort() Set {
	out := make(Set, len(s))
	copy(out, s)
	Sort(out)
	return out
}

// WithSample returns a copy of s with every interval attributed to sample.
func (s Set) WithSample(sample string) Set {
	out := make(Set, len(s))
	for i, iv := range s {
		iv.Sample = sample
		out[i] = iv
	}
	return out
}

// Store maps a threshold to the intervals contributed at that threshold by
// all samples. Each threshold's sequence keeps insertion order until Sort is
// called for it. A Store is safe for concurrent use; distinct thresholds do
// not contend beyond the map lookup.
type Store struct {
	mu    sync.Mutex
	byThr map[float64][]Interval
	order []float64
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{byThr: make(map[float64][]Interval)}
}

// Add appends ivs to the sequence for threshold. Adding nothing still
// registers the threshold, so an empty result stays distinguishable from an
// unknown threshold.
func (s *Store) Add(threshold float64, ivs ...Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byThr[threshold]
	if !ok {
		s.order = append(s.order, threshold)
		cur = []Interval{}
	}
	s.byThr[threshold] = append(cur, ivs...)
}

// Intervals returns a copy of the sequence stored for threshold and whether
// the threshold is known.
func (s *Store) Intervals(threshold float64) ([]Interval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byThr[threshold]
	if !ok {
		return nil, false
	}
	out := make([]Interval, len(cur))
	copy(out, cur)
	return out, true
}

// Sort orders the sequence for threshold by (chromosome, start) and returns
// a copy of the sorted sequence.
func (s *Store) Sort(threshold float64) []Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.byThr[threshold]
	Sort(cur)

	out := make([]Interval, len(cur))
	copy(out, cur)
	return out
}

// Thresholds returns the known thresholds in the order they were first added.
func (s *Store) Thresholds() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.order))
	copy(out, s.order)
	return out
}

// Merged is the union of overlapping intervals, with the number of distinct
// samples that contributed to it.
type Merged struct {
	Chrom       string
	Start       int64
	End         int64
	SampleCount int
}

func (m Merged) String() string {
	return fmt.Sprintf("%s:%d-%d(n=%d)", m.Chrom, m.Start, m.End, m.SampleCount)
}
