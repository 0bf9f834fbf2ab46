package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xinlaoda/lpjs/internal/auth"
	"github.com/xinlaoda/lpjs/internal/job"
	"github.com/xinlaoda/lpjs/internal/node"
	"github.com/xinlaoda/lpjs/internal/sched"
	"github.com/xinlaoda/lpjs/internal/wire"
)

// handleNodeEvent processes traffic on a checked-in agent connection.
func (s *Server) handleNodeEvent(ev event) {
	if ev.err != nil {
		s.dropNode(ev.conn)
		return
	}
	if _, ok := s.conns[ev.conn.id]; !ok {
		return
	}
	s.nodes.Touch(ev.conn.id)

	switch req := ev.req.(type) {
	case wire.JobComplete:
		if s.completeJob(req) {
			s.sched.DispatchAll()
		}
	case wire.ChaperoneCheckin:
		s.chaperoneCheckin(req)
	default:
		s.log.Warn("unexpected request on node connection",
			"remote", ev.conn.remote, "code", req.Code())
	}
}

// handleRequest dispatches the single request of a client connection.
func (s *Server) handleRequest(ctx context.Context, ev event) {
	c := ev.conn
	switch req := ev.req.(type) {
	case wire.CompdCheckin:
		s.checkin(ctx, c, ev.cred, req)

	case wire.NodeStatus:
		s.replyClose(c, s.nodeTable())

	case wire.JobStatus:
		s.replyClose(c, s.jobTable())

	case wire.Submit:
		s.submit(c, ev.cred, req)

	case wire.ChaperoneCheckin:
		if s.privileged(c, ev.cred, req) {
			s.chaperoneCheckin(req)
		}
		c.close()

	case wire.JobComplete:
		done := s.privileged(c, ev.cred, req) && s.completeJob(req)
		c.close()
		if done {
			s.sched.DispatchAll()
		}

	case wire.Cancel:
		s.cancel(c, ev.cred, req.JobID)

	case wire.Pause:
		s.pause(c, ev.cred, req.JobID)

	case wire.Resume:
		s.resume(c, ev.cred, req.JobID)

	default:
		s.log.Warn("unhandled request", "remote", c.remote, "code", req.Code())
		c.close()
	}
}

// privileged reports whether cred may send req, which only agents and
// chaperones running as an admin uid do. Others are logged and get no
// response.
func (s *Server) privileged(c *conn, cred *auth.Credential, req wire.Request) bool {
	if s.cfg.IsAdmin(cred.UID) {
		return true
	}
	s.log.Warn("unprivileged node request", "code", req.Code(), "uid", cred.UID, "remote", c.remote)
	return false
}

// checkin turns a client connection into a persistent node connection.
// Rejected checkins are closed without a response.
func (s *Server) checkin(ctx context.Context, c *conn, cred *auth.Credential, req wire.CompdCheckin) {
	if !s.cfg.IsAdmin(cred.UID) {
		s.log.Warn("checkin from unprivileged user", "hostname", req.Hostname,
			"uid", cred.UID, "remote", c.remote)
		c.close()
		return
	}

	n, prev, err := s.nodes.Checkin(req.Hostname, req.Specs, c.id)
	if err != nil {
		s.log.Warn("unauthorized checkin request", "hostname", req.Hostname, "remote", c.remote)
		c.close()
		return
	}
	if old, ok := s.conns[prev]; ok {
		s.log.Info("replacing stale node connection", "hostname", n.Hostname, "remote", old.remote)
		delete(s.conns, prev)
		old.close()
	}
	s.conns[c.id] = c

	cores, mem := s.spool.RunningOn(n.Hostname)
	s.nodes.SetUsage(n, cores, mem)

	if err := s.reply(c, "Node authorized"); err != nil {
		s.log.Warn("checkin reply failed", "hostname", n.Hostname, "error", err)
		s.dropNode(c)
		return
	}
	go s.readNode(ctx, c)

	s.sched.DispatchAll()
}

// SendJob hands a promoted job to its node's agent. It implements
// sched.Dispatcher.
func (s *Server) SendJob(n *node.Node, j *job.Job) error {
	c, ok := s.conns[n.Conn]
	if !ok {
		s.nodes.Release(n.Conn)
		return fmt.Errorf("node %s has no connection", n.Hostname)
	}
	script, err := s.spool.Script(j)
	if err != nil {
		return fmt.Errorf("%w: %w", sched.ErrUnrunnable, err)
	}
	if err := s.sendAgent(c, wire.NewJob{Job: j, Script: script}); err != nil {
		s.dropNode(c)
		return fmt.Errorf("send job %d to %s: %w", j.ID, n.Hostname, err)
	}
	s.acct.Started(j)
	return nil
}

// RetireJob records a job the scheduler failed without running it. It
// implements sched.Retirer.
func (s *Server) RetireJob(j *job.Job) {
	s.remember(j)
	s.acct.Ended(j)
}

func (s *Server) submit(c *conn, cred *auth.Credential, req wire.Submit) {
	tmpl := req.Job
	tmpl.SubmitUID = cred.UID

	jobs, err := s.spool.Enqueue(tmpl, req.Script)

	var sb strings.Builder
	for _, j := range jobs {
		s.acct.Queued(j)
		fmt.Fprintf(&sb, "Spooled job %d to %s.\n", j.ID, s.spool.PendingPath(j.ID))
	}
	if err != nil {
		s.log.Warn("submit failed", "user", tmpl.User, "uid", cred.UID, "error", err)
		fmt.Fprintf(&sb, "Error: %v\n", err)
	}
	s.replyClose(c, sb.String())

	if len(jobs) > 0 {
		s.sched.DispatchAll()
	}
}

// completeJob retires a running job and gives its allocation back. It
// reports whether anything changed.
func (s *Server) completeJob(req wire.JobComplete) bool {
	failed := req.HasExitStatus && req.ExitStatus != 0
	j, err := s.spool.Complete(req.JobID, failed)
	if err != nil {
		s.log.Warn("completion for unknown job", "job_id", req.JobID,
			"hostname", req.Hostname, "error", err)
		return false
	}
	j.ExitStatus = req.ExitStatus

	if !hostMatches(req.Hostname, j.Node) {
		s.log.Warn("completion reported by another host", "job_id", j.ID,
			"node", j.Node, "reported_by", req.Hostname)
	}
	if req.CoresPerJob != j.CoresPerJob || req.MemPerCoreMiB != j.MemPerCoreMiB {
		s.log.Warn("completion resources differ from request", "job_id", j.ID,
			"cores", req.CoresPerJob, "mem_per_core", req.MemPerCoreMiB)
	}

	if n := s.nodes.Get(j.Node); n != nil {
		s.nodes.ApplyRelease(n, j.AllocCores, j.AllocMemMiB)
	} else {
		s.log.Error("completed job ran on unknown node", "job_id", j.ID, "node", j.Node)
	}

	s.remember(j)
	s.acct.Ended(j)
	return true
}

func (s *Server) chaperoneCheckin(req wire.ChaperoneCheckin) {
	j := s.spool.Get(req.JobID)
	if j == nil || j.State != job.Running {
		s.log.Warn("chaperone checkin for job not running", "job_id", req.JobID,
			"hostname", req.Hostname)
		return
	}
	j.ChaperonePID = req.ChaperonePID
	j.RemotePID = req.RemotePID
	s.log.Info("chaperone checked in", "job_id", j.ID, "node", j.Node,
		"chaperone_pid", req.ChaperonePID, "remote_pid", req.RemotePID)
}

// mayModify reports whether cred may act on j.
func (s *Server) mayModify(cred *auth.Credential, j *job.Job) bool {
	return cred.UID == j.SubmitUID || s.cfg.IsAdmin(cred.UID)
}

// lookup finds a job and checks ownership, replying and closing c on failure.
func (s *Server) lookup(c *conn, cred *auth.Credential, id uint64) *job.Job {
	j := s.spool.Get(id)
	if j == nil {
		s.replyClose(c, fmt.Sprintf("No such job: %d\n", id))
		return nil
	}
	if !s.mayModify(cred, j) {
		s.log.Warn("permission denied", "job_id", id, "uid", cred.UID, "owner_uid", j.SubmitUID)
		s.replyClose(c, fmt.Sprintf("Permission denied for job %d.\n", id))
		return nil
	}
	return j
}

func (s *Server) cancel(c *conn, cred *auth.Credential, id uint64) {
	j := s.lookup(c, cred, id)
	if j == nil {
		return
	}

	if j.State == job.Pending {
		if _, err := s.spool.Cancel(id); err != nil {
			s.log.Error("cancel failed", "job_id", id, "error", err)
			s.replyClose(c, fmt.Sprintf("Error: %v\n", err))
			return
		}
		s.acct.Deleted(j)
		s.replyClose(c, fmt.Sprintf("Canceled job %d.\n", id))
		return
	}

	n := s.nodes.Get(j.Node)
	var nc *conn
	if n != nil && n.State == node.Up {
		nc = s.conns[n.Conn]
	}
	if nc == nil {
		s.replyClose(c, fmt.Sprintf("Job %d is running on %s, which is down.\n", id, j.Node))
		return
	}
	if err := s.sendAgent(nc, wire.CancelJob{JobID: id}); err != nil {
		s.dropNode(nc)
		s.replyClose(c, fmt.Sprintf("Error: could not reach %s: %v\n", n.Hostname, err))
		return
	}
	s.log.Info("cancel sent to node", "job_id", id, "node", n.Hostname, "uid", cred.UID)
	s.replyClose(c, fmt.Sprintf("Cancel request for job %d sent to %s.\n", id, n.Hostname))
}

func (s *Server) pause(c *conn, cred *auth.Credential, id uint64) {
	if s.lookup(c, cred, id) == nil {
		return
	}
	if _, err := s.spool.Hold(id); err != nil {
		s.replyClose(c, holdError(id, err))
		return
	}
	s.log.Info("job paused", "job_id", id, "uid", cred.UID)
	s.replyClose(c, fmt.Sprintf("Paused job %d.\n", id))
}

func (s *Server) resume(c *conn, cred *auth.Credential, id uint64) {
	if s.lookup(c, cred, id) == nil {
		return
	}
	if _, err := s.spool.Release(id); err != nil {
		s.replyClose(c, holdError(id, err))
		return
	}
	s.log.Info("job resumed", "job_id", id, "uid", cred.UID)
	s.replyClose(c, fmt.Sprintf("Resumed job %d.\n", id))
	s.sched.DispatchAll()
}

func holdError(id uint64, err error) string {
	if errors.Is(err, job.ErrNotPending) {
		return fmt.Sprintf("Job %d is not pending.\n", id)
	}
	return fmt.Sprintf("Error: %v\n", err)
}
