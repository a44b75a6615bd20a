// Package memory provides an in-memory result store for development/testing.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/sentryal/insar-pipeline/internal/insar"
)

type sampleKey struct {
	jobID      string
	pointID    string
	measuredAt int64
}

// Store keeps samples in a map keyed the same way the Postgres unique index
// is, so replayed batches are no-ops here too.
type Store struct {
	mu      sync.RWMutex
	samples map[sampleKey]insar.DeformationSample
	byInfra map[string][]sampleKey
	infraOf func(jobID string) string
}

// NewStore constructs a Store. infraOf resolves a job id to its
// infrastructure id for ListByInfrastructure; pass nil if unused.
func NewStore(infraOf func(jobID string) string) *Store {
	return &Store{
		samples: make(map[sampleKey]insar.DeformationSample),
		byInfra: make(map[string][]sampleKey),
		infraOf: infraOf,
	}
}

// Commit stores a batch and returns how many samples were new.
func (s *Store) Commit(_ context.Context, samples []insar.DeformationSample) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, sample := range samples {
		key := sampleKey{sample.JobID, sample.PointID, sample.MeasuredAt.UnixNano()}
		if _, exists := s.samples[key]; exists {
			continue
		}
		s.samples[key] = sample
		if s.infraOf != nil {
			infra := s.infraOf(sample.JobID)
			s.byInfra[infra] = append(s.byInfra[infra], key)
		}
		inserted++
	}
	return inserted, nil
}

// ListByJob returns the samples committed for one job, ordered by point id.
func (s *Store) ListByJob(_ context.Context, jobID string) ([]insar.DeformationSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []insar.DeformationSample
	for key, sample := range s.samples {
		if key.jobID == jobID {
			out = append(out, sample)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PointID < out[j].PointID })
	return out, nil
}

// ListByInfrastructure returns samples across all jobs for one asset.
func (s *Store) ListByInfrastructure(_ context.Context, infrastructureID string) ([]insar.DeformationSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.byInfra[infrastructureID]
	out := make([]insar.DeformationSample, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.samples[key])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MeasuredAt.Equal(out[j].MeasuredAt) {
			return out[i].MeasuredAt.After(out[j].MeasuredAt)
		}
		return out[i].PointID < out[j].PointID
	})
	return out, nil
}
