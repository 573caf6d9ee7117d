package matching

import "sync"

// jobLocks serializes match-and-assign per job id so a concurrent duplicate
// request cannot slip between the existence check and the insert.
type jobLocks struct {
	mu    sync.Mutex
	locks map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

func newJobLocks() *jobLocks {
	return &jobLocks{locks: make(map[string]*jobLock)}
}

// Lock acquires the per-job mutex and returns its release function.
func (j *jobLocks) Lock(jobID string) func() {
	j.mu.Lock()
	l, ok := j.locks[jobID]
	if !ok {
		l = &jobLock{}
		j.locks[jobID] = l
	}
	l.refs++
	j.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		j.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(j.locks, jobID)
		}
		j.mu.Unlock()
	}
}
