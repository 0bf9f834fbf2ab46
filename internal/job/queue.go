package job

import "sort"

// Queue is an in-memory list of jobs kept in ascending ID order. It mirrors
// one spool directory and is owned by the dispatcher's event loop.
type Queue struct {
	jobs []*Job
}

func (q *Queue) index(id uint64) (int, bool) {
	i := sort.Search(len(q.jobs), func(i int) bool { return q.jobs[i].ID >= id })
	return i, i < len(q.jobs) && q.jobs[i].ID == id
}

// Add inserts j, replacing any job with the same ID.
func (q *Queue) Add(j *Job) {
	i, found := q.index(j.ID)
	if found {
		q.jobs[i] = j
		return
	}
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[i+1:], q.jobs[i:])
	q.jobs[i] = j
}

// Remove deletes the job with the given ID and returns it, or nil.
func (q *Queue) Remove(id uint64) *Job {
	i, found := q.index(id)
	if !found {
		return nil
	}
	j := q.jobs[i]
	q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
	return j
}

// Get returns the job with the given ID, or nil.
func (q *Queue) Get(id uint64) *Job {
	if i, found := q.index(id); found {
		return q.jobs[i]
	}
	return nil
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int { return len(q.jobs) }

// All returns the jobs in ID order.
func (q *Queue) All() []*Job {
	out := make([]*Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}
