// Package sched matches pending jobs to compute nodes.
//
// The scheduler is event driven: the dispatcher calls DispatchAll after
// anything that can free capacity or add work (node checkin, job
// completion, submission, resume). There is no periodic pass.
package sched

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/xinlaoda/lpjs/internal/job"
	"github.com/xinlaoda/lpjs/internal/node"
)

// ErrUnrunnable is wrapped by a Dispatcher when the job itself cannot be
// sent, for example because its spooled script is unreadable. The node is
// left in service and the job is retired as failed.
var ErrUnrunnable = errors.New("sched: job cannot be run")

// Dispatcher hands a promoted job to the agent on its node. When sending
// fails for any reason other than ErrUnrunnable the implementation must
// also take the node out of service.
type Dispatcher interface {
	SendJob(n *node.Node, j *job.Job) error
}

// Retirer is implemented by dispatchers that record jobs the scheduler
// retires without running them.
type Retirer interface {
	RetireJob(j *job.Job)
}

// Scheduler pairs the head of the pending queue with the busiest node that
// can hold it.
type Scheduler struct {
	nodes *node.Registry
	spool *job.Spool
	disp  Dispatcher
	log   *slog.Logger
}

// New creates a scheduler over the given registry and spool.
func New(nodes *node.Registry, spool *job.Spool, disp Dispatcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		nodes: nodes,
		spool: spool,
		disp:  disp,
		log:   logger.With("component", "sched"),
	}
}

// TryDispatch attempts to start the lowest numbered runnable pending job.
// It reports whether the pending queue changed, in which case the caller
// may try again.
func (s *Scheduler) TryDispatch() (bool, error) {
	j, err := s.spool.SelectNextPending()
	if err != nil {
		return false, fmt.Errorf("select pending job: %w", err)
	}
	if j == nil {
		return false, nil
	}

	cores := j.CoresPerJob
	mem := j.MemMiB()
	candidates := s.nodes.MatchingNodes(cores, mem)
	if len(candidates) == 0 {
		s.log.Debug("no node can run job yet", "job_id", j.ID, "cores", cores, "mem_mib", mem)
		return false, nil
	}
	n := candidates[0]

	if err := s.nodes.ApplyAllocation(n, cores, mem); err != nil {
		return false, fmt.Errorf("allocate job %d on %s: %w", j.ID, n.Hostname, err)
	}
	if err := s.spool.Promote(j, n.Hostname, cores, mem); err != nil {
		s.nodes.ApplyRelease(n, cores, mem)
		return false, fmt.Errorf("promote job %d: %w", j.ID, err)
	}

	if err := s.disp.SendJob(n, j); err != nil {
		if errors.Is(err, ErrUnrunnable) {
			return s.retire(n, j, err)
		}
		s.log.Warn("dispatch failed, job stays pending",
			"job_id", j.ID, "node", n.Hostname, "error", err)
		if derr := s.spool.Demote(j); derr != nil {
			return false, fmt.Errorf("demote job %d: %w", j.ID, derr)
		}
		s.nodes.ApplyRelease(n, cores, mem)
		return n.State != node.Up, nil
	}

	s.log.Info("dispatched job", "job_id", j.ID, "node", n.Hostname,
		"cores", cores, "mem_mib", mem,
		"node_used_cores", n.UsedCores, "node_total_cores", n.TotalCores)
	return true, nil
}

// retire fails a promoted job that can never be sent and gives its
// allocation back, so it no longer blocks the head of the queue.
func (s *Scheduler) retire(n *node.Node, j *job.Job, cause error) (bool, error) {
	s.log.Error("job cannot be run, marking it failed", "job_id", j.ID, "node", n.Hostname, "error", cause)
	if _, err := s.spool.Complete(j.ID, true); err != nil {
		return false, fmt.Errorf("retire job %d: %w", j.ID, err)
	}
	s.nodes.ApplyRelease(n, j.AllocCores, j.AllocMemMiB)
	if r, ok := s.disp.(Retirer); ok {
		r.RetireJob(j)
	}
	return true, nil
}

// DispatchAll starts pending jobs until the head of the queue no longer
// fits anywhere. It returns the number of jobs started.
func (s *Scheduler) DispatchAll() int {
	started := 0
	for {
		running := len(s.spool.Running())
		changed, err := s.TryDispatch()
		if err != nil {
			s.log.Error("scheduling pass stopped", "error", err)
			return started
		}
		if !changed {
			return started
		}
		if len(s.spool.Running()) > running {
			started++
		}
	}
}
