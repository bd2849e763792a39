package jobmanager

import (
	"sync"

	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// Store is the keyed job storage behind a JobManager.
//
// Implementations must be safe for concurrent use; JobManager additionally
// serialises every state transition under its own lock.
type Store interface {
	Get(id types.JobID) (*types.Job, bool)
	Set(job *types.Job)
	Delete(id types.JobID)
	List() []*types.Job
}

// MemoryStore 以 map 實作 Store，單機使用
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*types.Job
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[types.JobID]*types.Job)}
}

func (s *MemoryStore) Get(id types.JobID) (*types.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *MemoryStore) Set(job *types.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *MemoryStore) Delete(id types.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

func (s *MemoryStore) List() []*types.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}
