package job

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	pendingDir  = "pending"
	runningDir  = "running"
	counterFile = "next-job"
	specsFile   = "job.specs"
	nodeFile    = "job.node"
	heldFile    = "held"
)

var (
	// ErrNotFound is returned for job IDs that are neither pending nor running.
	ErrNotFound = errors.New("job: not found")

	// ErrNotPending is returned when an operation needs a pending job.
	ErrNotPending = errors.New("job: not pending")
)

// Spool persists jobs under a directory and keeps the in-memory pending
// and running queues in step with it:
//
//	next-job                    next ID to allocate
//	pending/<id>/job.specs      request record
//	pending/<id>/<script>       script text
//	pending/<id>/held           present while paused
//	running/<id>/...            same files plus job.node
//
// A Spool is owned by the dispatcher's event loop and is not safe for
// concurrent use.
type Spool struct {
	dir     string
	pending Queue
	running Queue
	log     *slog.Logger
	now     func() time.Time
}

// NewSpool opens (creating if needed) the spool rooted at dir. Call Load to
// pick up jobs left by a previous run.
func NewSpool(dir string, logger *slog.Logger) (*Spool, error) {
	for _, d := range []string{dir, filepath.Join(dir, pendingDir), filepath.Join(dir, runningDir)} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return nil, fmt.Errorf("spool: mkdir %s: %w", d, err)
		}
	}
	return &Spool{
		dir: dir,
		log: logger.With("component", "spool"),
		now: time.Now,
	}, nil
}

// Dir returns the spool root.
func (s *Spool) Dir() string { return s.dir }

func (s *Spool) pendingPath(id uint64) string {
	return filepath.Join(s.dir, pendingDir, strconv.FormatUint(id, 10))
}

func (s *Spool) runningPath(id uint64) string {
	return filepath.Join(s.dir, runningDir, strconv.FormatUint(id, 10))
}

// PendingPath returns the spool directory of a pending job.
func (s *Spool) PendingPath(id uint64) string { return s.pendingPath(id) }

// allocID reads the counter, stores its successor and returns the value read.
func (s *Spool) allocID() (uint64, error) {
	path := filepath.Join(s.dir, counterFile)
	next := uint64(1)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		next, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("spool: parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return 0, fmt.Errorf("spool: read %s: %w", path, err)
	}

	tmp := path + ".new"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(next+1, 10)+"\n"), 0640); err != nil {
		return 0, fmt.Errorf("spool: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("spool: rename %s: %w", tmp, err)
	}
	return next, nil
}

// Enqueue spools one pending job per array member of tmpl, each with its
// own ID, and returns them in submission order.
func (s *Spool) Enqueue(tmpl *Job, script string) ([]*Job, error) {
	if err := tmpl.Validate(); err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}

	var jobs []*Job
	for i := uint(1); i <= tmpl.JobCount; i++ {
		id, err := s.allocID()
		if err != nil {
			return jobs, err
		}
		j := *tmpl
		j.ID = id
		j.ArrayIndex = i
		j.State = Pending
		j.Held = false
		j.SubmitTime = s.now()

		dir := s.pendingPath(id)
		if err := os.Mkdir(dir, 0750); err != nil {
			return jobs, fmt.Errorf("spool: mkdir %s: %w", dir, err)
		}
		if err := os.WriteFile(filepath.Join(dir, j.ScriptName), []byte(script), 0640); err != nil {
			os.RemoveAll(dir)
			return jobs, fmt.Errorf("spool: write script for job %d: %w", id, err)
		}
		if err := os.WriteFile(filepath.Join(dir, specsFile), []byte(FormatSpecs(&j)), 0640); err != nil {
			os.RemoveAll(dir)
			return jobs, fmt.Errorf("spool: write specs for job %d: %w", id, err)
		}

		s.pending.Add(&j)
		jobs = append(jobs, &j)
		s.log.Info("spooled job", "job_id", id, "array_index", i, "user", j.User, "dir", dir)
	}
	return jobs, nil
}

// SelectNextPending returns the runnable pending job with the lowest ID as
// recorded on disk, or nil when there is none. It does not change any state.
func (s *Spool) SelectNextPending() (*Job, error) {
	dir := filepath.Join(s.dir, pendingDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("spool: read %s: %w", dir, err)
	}

	var ids []uint64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), heldFile)); err == nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		j, err := s.readSpecs(s.pendingPath(id))
		if err != nil {
			s.log.Error("skipping unreadable pending job", "job_id", id, "error", err)
			continue
		}
		if q := s.pending.Get(id); q != nil {
			return q, nil
		}
		s.log.Warn("pending job on disk missing from queue, adopting", "job_id", id)
		j.State = Pending
		s.pending.Add(j)
		return j, nil
	}
	return nil, nil
}

func (s *Spool) readSpecs(dir string) (*Job, error) {
	path := filepath.Join(dir, specsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("spool: read %s: %w", path, err)
	}
	j, err := ParseSpecs(string(data))
	if err != nil {
		return nil, fmt.Errorf("spool: %s: %w", path, err)
	}
	return j, nil
}

// Promote moves a pending job to running on host with the given allocation.
func (s *Spool) Promote(j *Job, host string, cores uint, memMiB uint64) error {
	if s.pending.Get(j.ID) == nil {
		return fmt.Errorf("spool: promote job %d: %w", j.ID, ErrNotPending)
	}
	from, to := s.pendingPath(j.ID), s.runningPath(j.ID)
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("spool: promote job %d: %w", j.ID, err)
	}
	line := fmt.Sprintf("%s %d %d\n", host, cores, memMiB)
	if err := os.WriteFile(filepath.Join(to, nodeFile), []byte(line), 0640); err != nil {
		os.Rename(to, from)
		return fmt.Errorf("spool: write placement for job %d: %w", j.ID, err)
	}

	s.pending.Remove(j.ID)
	j.State = Running
	j.Node = host
	j.AllocCores = cores
	j.AllocMemMiB = memMiB
	j.StartTime = s.now()
	s.running.Add(j)
	s.log.Info("job running", "job_id", j.ID, "node", host, "cores", cores, "mem_mib", memMiB)
	return nil
}

// Demote undoes Promote, used when the job could not be handed to its node.
func (s *Spool) Demote(j *Job) error {
	if s.running.Get(j.ID) == nil {
		return fmt.Errorf("spool: demote job %d: %w", j.ID, ErrNotFound)
	}
	from, to := s.runningPath(j.ID), s.pendingPath(j.ID)
	os.Remove(filepath.Join(from, nodeFile))
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("spool: demote job %d: %w", j.ID, err)
	}
	s.running.Remove(j.ID)
	j.State = Pending
	j.Node = ""
	j.AllocCores = 0
	j.AllocMemMiB = 0
	j.StartTime = time.Time{}
	s.pending.Add(j)
	s.log.Info("job returned to pending", "job_id", j.ID)
	return nil
}

// Complete retires a running job. The returned job still carries its
// allocation so the caller can give it back to the node.
func (s *Spool) Complete(id uint64, failed bool) (*Job, error) {
	j := s.running.Get(id)
	if j == nil {
		return nil, fmt.Errorf("spool: complete job %d: %w", id, ErrNotFound)
	}
	if err := os.RemoveAll(s.runningPath(id)); err != nil {
		return nil, fmt.Errorf("spool: remove job %d: %w", id, err)
	}
	s.running.Remove(id)
	j.State = Completed
	if failed {
		j.State = Failed
	}
	j.EndTime = s.now()
	s.log.Info("job finished", "job_id", id, "state", j.State, "node", j.Node)
	return j, nil
}

// Cancel removes a pending job from the spool. A running job is returned
// untouched; it leaves the spool when its node reports completion.
func (s *Spool) Cancel(id uint64) (*Job, error) {
	if j := s.running.Get(id); j != nil {
		return j, nil
	}
	j := s.pending.Get(id)
	if j == nil {
		return nil, fmt.Errorf("spool: cancel job %d: %w", id, ErrNotFound)
	}
	if err := os.RemoveAll(s.pendingPath(id)); err != nil {
		return nil, fmt.Errorf("spool: remove job %d: %w", id, err)
	}
	s.pending.Remove(id)
	j.EndTime = s.now()
	s.log.Info("job canceled", "job_id", id)
	return j, nil
}

// Hold pauses a pending job: it stays pending but is never selected.
func (s *Spool) Hold(id uint64) (*Job, error) {
	j := s.pending.Get(id)
	if j == nil {
		return nil, s.notPending(id)
	}
	path := filepath.Join(s.pendingPath(id), heldFile)
	if err := os.WriteFile(path, nil, 0640); err != nil {
		return nil, fmt.Errorf("spool: hold job %d: %w", id, err)
	}
	j.Held = true
	return j, nil
}

// Release resumes a held pending job.
func (s *Spool) Release(id uint64) (*Job, error) {
	j := s.pending.Get(id)
	if j == nil {
		return nil, s.notPending(id)
	}
	path := filepath.Join(s.pendingPath(id), heldFile)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("spool: release job %d: %w", id, err)
	}
	j.Held = false
	return j, nil
}

func (s *Spool) notPending(id uint64) error {
	if s.running.Get(id) != nil {
		return fmt.Errorf("job %d: %w", id, ErrNotPending)
	}
	return fmt.Errorf("job %d: %w", id, ErrNotFound)
}

// Script returns the script text of a pending or running job.
func (s *Spool) Script(j *Job) (string, error) {
	dir := s.pendingPath(j.ID)
	if j.State == Running {
		dir = s.runningPath(j.ID)
	}
	data, err := os.ReadFile(filepath.Join(dir, j.ScriptName))
	if err != nil {
		return "", fmt.Errorf("spool: read script of job %d: %w", j.ID, err)
	}
	return string(data), nil
}

// Load rebuilds both queues from disk. Unreadable entries are logged and
// skipped.
func (s *Spool) Load() error {
	s.pending = Queue{}
	s.running = Queue{}

	for _, sub := range []string{pendingDir, runningDir} {
		dir := filepath.Join(s.dir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("spool: read %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if _, err := strconv.ParseUint(e.Name(), 10, 64); err != nil {
				continue
			}
			jdir := filepath.Join(dir, e.Name())
			j, err := s.readSpecs(jdir)
			if err != nil {
				s.log.Error("skipping unreadable job", "dir", jdir, "error", err)
				continue
			}
			if info, err := e.Info(); err == nil {
				j.SubmitTime = info.ModTime()
			}

			if sub == pendingDir {
				j.State = Pending
				if _, err := os.Stat(filepath.Join(jdir, heldFile)); err == nil {
					j.Held = true
				}
				s.pending.Add(j)
				continue
			}

			if err := readPlacement(jdir, j); err != nil {
				s.log.Error("running job without placement", "job_id", j.ID, "error", err)
			}
			j.State = Running
			s.running.Add(j)
		}
	}

	s.log.Info("spool loaded", "pending", s.pending.Len(), "running", s.running.Len())
	return nil
}

func readPlacement(dir string, j *Job) error {
	data, err := os.ReadFile(filepath.Join(dir, nodeFile))
	if err != nil {
		return err
	}
	var (
		host  string
		cores uint
		mem   uint64
	)
	if _, err := fmt.Sscanf(string(data), "%s %d %d", &host, &cores, &mem); err != nil {
		return fmt.Errorf("parse %s: %w", nodeFile, err)
	}
	j.Node, j.AllocCores, j.AllocMemMiB = host, cores, mem
	return nil
}

// Pending returns the pending jobs in ID order.
func (s *Spool) Pending() []*Job { return s.pending.All() }

// Running returns the running jobs in ID order.
func (s *Spool) Running() []*Job { return s.running.All() }

// Get returns a pending or running job by ID, or nil.
func (s *Spool) Get(id uint64) *Job {
	if j := s.running.Get(id); j != nil {
		return j
	}
	return s.pending.Get(id)
}

// RunningOn sums the allocations of jobs running on host.
func (s *Spool) RunningOn(host string) (cores uint, memMiB uint64) {
	for _, j := range s.running.All() {
		if j.Node == host {
			cores += j.AllocCores
			memMiB += j.AllocMemMiB
		}
	}
	return cores, memMiB
}
