// Package compd implements lpjs_compd, the compute node agent. It keeps one
// checked-in connection to lpjs_dispatchd, runs the jobs it is handed and
// reports their completion.
package compd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/xinlaoda/lpjs/internal/auth"
	"github.com/xinlaoda/lpjs/internal/client"
	"github.com/xinlaoda/lpjs/internal/config"
	"github.com/xinlaoda/lpjs/internal/node"
	"github.com/xinlaoda/lpjs/internal/wire"
)

// State is the agent's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Checkin
	Connected
)

var stateNames = [...]string{"disconnected", "connecting", "checkin", "connected"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ErrRetriesExhausted is returned by Run when compd.max_retries
// consecutive connection attempts failed.
var ErrRetriesExhausted = errors.New("compd: giving up on dispatcher")

// authorizedReply is the dispatcher's answer to an accepted checkin.
const authorizedReply = "Node authorized"

// Agent is the compute node daemon.
type Agent struct {
	cfg      *config.Config
	client   *client.Client
	verifier *auth.Verifier
	exec     *Executor
	hostname string
	specs    node.Specs
	log      *slog.Logger

	mu      sync.Mutex
	state   State
	nc      net.Conn
	backlog []wire.Request // reports waiting for a connection
}

// New creates an agent for hostname with the given hardware specs.
func New(cfg *config.Config, key []byte, hostname string, specs node.Specs, logger *slog.Logger, opts ...client.Option) *Agent {
	logger = logger.With("component", "compd")
	return &Agent{
		cfg:      cfg,
		client:   client.New(cfg.Addr(), key, cfg.MaxClockSkew, append([]client.Option{client.WithTimeout(cfg.IOTimeout)}, opts...)...),
		verifier: auth.NewVerifier(key, cfg.MaxClockSkew, auth.NewReplayGuard(cfg.MaxClockSkew)),
		exec:     NewExecutor(cfg.Compd.WorkDir, cfg.Compd.Chaperone, logger),
		hostname: hostname,
		specs:    specs,
		log:      logger,
	}
}

// State returns the current connection state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	a.log.Debug("agent state", "state", s)
}

// Run keeps the agent checked in until ctx is canceled. Connection loss
// leads back to Disconnected and a new attempt after compd.retry_backoff.
func (a *Agent) Run(ctx context.Context) error {
	failures := 0
	for {
		nc, r, err := a.connect(ctx)
		if err != nil {
			a.setState(Disconnected)
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if a.cfg.Compd.MaxRetries > 0 && failures >= a.cfg.Compd.MaxRetries {
				return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, failures, err)
			}
			a.log.Warn("checkin failed, retrying", "attempt", failures,
				"backoff", a.cfg.Compd.RetryBackoff, "error", err)
			if !sleepCtx(ctx, a.cfg.Compd.RetryBackoff) {
				return nil
			}
			continue
		}
		failures = 0

		a.log.Info("checked in with dispatcher", "addr", a.cfg.Addr(), "hostname", a.hostname)
		err = a.serve(ctx, nc, r)

		a.mu.Lock()
		a.nc = nil
		a.state = Disconnected
		a.mu.Unlock()
		nc.Close()

		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("lost dispatcher connection", "running_jobs", a.exec.Running(), "error", err)
		if !sleepCtx(ctx, a.cfg.Compd.RetryBackoff) {
			return nil
		}
	}
}

// connect performs Connecting and Checkin, leaving the agent Connected
// with any queued reports flushed.
func (a *Agent) connect(ctx context.Context) (net.Conn, *wire.Reader, error) {
	a.setState(Connecting)
	nc, r, err := a.client.Dial(ctx, wire.CompdCheckin{Hostname: a.hostname, Specs: a.specs})
	if err != nil {
		return nil, nil, err
	}

	a.setState(Checkin)
	nc.SetReadDeadline(time.Now().Add(a.cfg.IOTimeout))
	frame, err := wire.ReadFrame(r)
	if err != nil {
		nc.Close()
		if errors.Is(err, io.EOF) {
			return nil, nil, client.ErrNoReply
		}
		return nil, nil, fmt.Errorf("read checkin reply: %w", err)
	}
	cred, err := a.verifier.Open(frame)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("verify checkin reply: %w", err)
	}
	if string(cred.Payload) != authorizedReply {
		nc.Close()
		return nil, nil, fmt.Errorf("checkin refused: %q", cred.Payload)
	}
	nc.SetReadDeadline(time.Time{})

	a.mu.Lock()
	a.nc = nc
	a.state = Connected
	backlog := a.backlog
	a.backlog = nil
	a.mu.Unlock()

	for _, req := range backlog {
		a.report(req)
	}
	return nc, r, nil
}

// serve handles dispatcher requests until the connection fails or ctx is
// canceled.
func (a *Agent) serve(ctx context.Context, nc net.Conn, r *wire.Reader) error {
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	for {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			return err
		}
		cred, err := a.verifier.Open(frame)
		if err != nil {
			a.log.Warn("rejected message from dispatcher", "error", err)
			continue
		}
		req, err := wire.DecodeAgent(cred.Payload)
		if err != nil {
			a.log.Warn("bad message from dispatcher", "error", err)
			continue
		}

		switch req := req.(type) {
		case wire.NewJob:
			a.startJob(req)
		case wire.CancelJob:
			if err := a.exec.Kill(req.JobID); err != nil {
				a.log.Warn("cancel failed", "job_id", req.JobID, "error", err)
			}
		}
	}
}

func (a *Agent) startJob(req wire.NewJob) {
	j := req.Job
	pid, err := a.exec.Start(j, req.Script, func(res Result) {
		a.report(wire.JobComplete{
			Hostname:      a.hostname,
			JobID:         res.JobID,
			CoresPerJob:   j.CoresPerJob,
			MemPerCoreMiB: j.MemPerCoreMiB,
			ExitStatus:    res.ExitStatus,
			HasExitStatus: res.HasExitStatus,
		})
	})
	if err != nil {
		a.log.Error("could not start job", "job_id", j.ID, "error", err)
		a.report(wire.JobComplete{
			Hostname:      a.hostname,
			JobID:         j.ID,
			CoresPerJob:   j.CoresPerJob,
			MemPerCoreMiB: j.MemPerCoreMiB,
			ExitStatus:    127,
			HasExitStatus: true,
		})
		return
	}
	a.report(wire.ChaperoneCheckin{Hostname: a.hostname, JobID: j.ID, ChaperonePID: pid})
}

// report sends req on the checked-in connection, keeping it for the next
// connection when there is none or the write fails.
func (a *Agent) report(req wire.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.nc != nil {
		a.nc.SetWriteDeadline(time.Now().Add(a.cfg.IOTimeout))
		err := a.client.Send(a.nc, req)
		a.nc.SetWriteDeadline(time.Time{})
		if err == nil {
			return
		}
		a.log.Warn("report failed, closing connection", "code", req.Code(), "error", err)
		a.nc.Close()
		a.nc = nil
	}
	if _, ok := req.(wire.JobComplete); ok {
		a.backlog = append(a.backlog, req)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
