package cache

import "time"

// Stats is a point-in-time snapshot of a Store.
type Stats struct {
	TotalEntries   int        `json:"total_entries"`
	TotalSizeBytes int64      `json:"total_size_bytes"`
	Hits           int64      `json:"hits"`
	Misses         int64      `json:"misses"`
	HitRate        float64    `json:"hit_rate"`
	MissRate       float64    `json:"miss_rate"`
	OldestEntry    *time.Time `json:"oldest_entry,omitempty"`
	NewestEntry    *time.Time `json:"newest_entry,omitempty"`
}

// Stats computes a snapshot. Rates are 0 before the first lookup.
func (s *Store[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		TotalEntries:   len(s.entries),
		TotalSizeBytes: s.totalSize,
		Hits:           s.hits,
		Misses:         s.misses,
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
		st.MissRate = float64(s.misses) / float64(total)
	}
	for _, it := range s.entries {
		created := it.entry.CreatedAt
		if st.OldestEntry == nil || created.Before(*st.OldestEntry) {
			t := created
			st.OldestEntry = &t
		}
		if st.NewestEntry == nil || created.After(*st.NewestEntry) {
			t := created
			st.NewestEntry = &t
		}
	}
	return st
}
