package capture

import (
	"sync"

	"session-capture-proxy/pkg/types"
)

// RecordSet accumulates records across batches, keeping the first
// occurrence of each key in first-seen order.
type RecordSet struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	records []types.Record
	label   string
}

func NewRecordSet() *RecordSet {
	return &RecordSet{seen: make(map[string]struct{})}
}

// Add merges a batch and returns the number of new records together with a
// snapshot of the cumulative list.
func (s *RecordSet) Add(batch types.RecordBatch) (int, []types.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, r := range batch.Records {
		key := r.Key()
		if key == "" {
			continue
		}
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.records = append(s.records, r)
		added++
	}
	if s.label == "" && batch.Label != "" {
		s.label = batch.Label
	}
	return added, s.snapshot()
}

// Label returns the first label seen.
func (s *RecordSet) Label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

func (s *RecordSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Records returns a copy of the cumulative list.
func (s *RecordSet) Records() []types.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *RecordSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[string]struct{})
	s.records = nil
	s.label = ""
}

func (s *RecordSet) snapshot() []types.Record {
	out := make([]types.Record, len(s.records))
	copy(out, s.records)
	return out
}
