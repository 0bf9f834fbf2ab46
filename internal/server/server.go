// Package server implements the lpjs_dispatchd daemon: a single event loop
// that owns the node registry, the job spool and the scheduler, fed by
// per-connection reader goroutines.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/xinlaoda/lpjs/internal/acct"
	"github.com/xinlaoda/lpjs/internal/auth"
	"github.com/xinlaoda/lpjs/internal/config"
	"github.com/xinlaoda/lpjs/internal/job"
	"github.com/xinlaoda/lpjs/internal/node"
	"github.com/xinlaoda/lpjs/internal/sched"
	"github.com/xinlaoda/lpjs/internal/wire"
)

// Server is the dispatch daemon.
type Server struct {
	cfg      *config.Config
	key      []byte
	verifier *auth.Verifier
	log      *slog.Logger
	uid, gid uint32

	// Owned by the loop goroutine.
	nodes   *node.Registry
	spool   *job.Spool
	sched   *sched.Scheduler
	acct    *acct.Logger
	history *gocache.Cache
	conns   map[node.ConnID]*conn

	listener net.Listener
	nextConn atomic.Uint64

	nodeEvents chan event
	inbound    chan event
	calls      chan call
	fatal      chan error
	ready      chan struct{}
	wg         sync.WaitGroup
}

// event is one request (or read failure) delivered to the loop.
type event struct {
	conn *conn
	cred *auth.Credential
	req  wire.Request
	err  error
}

// call runs fn on the loop goroutine.
type call struct {
	fn   func()
	done chan struct{}
}

// New creates a Server, loading any jobs left in the spool by a previous
// run. accounting may be nil.
func New(cfg *config.Config, key []byte, accounting *acct.Logger, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "server")

	spool, err := job.NewSpool(cfg.SpoolDir, logger)
	if err != nil {
		return nil, err
	}
	if err := spool.Load(); err != nil {
		return nil, fmt.Errorf("recover spool: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		key:        key,
		verifier:   auth.NewVerifier(key, cfg.MaxClockSkew, auth.NewReplayGuard(cfg.MaxClockSkew)),
		log:        logger,
		uid:        uint32(os.Getuid()),
		gid:        uint32(os.Getgid()),
		nodes:      node.NewRegistry(cfg.ZFSReservePercent, logger),
		spool:      spool,
		acct:       accounting,
		conns:      make(map[node.ConnID]*conn),
		nodeEvents: make(chan event, 64),
		inbound:    make(chan event, 64),
		calls:      make(chan call),
		fatal:      make(chan error, 1),
		ready:      make(chan struct{}),
	}
	if cfg.KeepCompleted > 0 {
		s.history = gocache.New(cfg.KeepCompleted, cfg.KeepCompleted)
	}
	for _, h := range cfg.ComputeNodes {
		s.nodes.Register(h)
	}
	s.sched = sched.New(s.nodes, s.spool, s, logger)

	for _, j := range spool.Running() {
		if s.nodes.Get(j.Node) == nil {
			s.log.Warn("running job on unconfigured node", "job_id", j.ID, "node", j.Node)
		}
	}
	return s, nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listener address. Valid after Ready.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Run binds the listener and serves until ctx is canceled or the listener
// fails for good. On return every node connection is closed and the pid
// file removed.
func (s *Server) Run(ctx context.Context) error {
	if err := s.writePIDFile(); err != nil {
		return err
	}
	defer s.removePIDFile()

	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}
	s.listener = ln
	close(s.ready)

	ctx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.log.Info("lpjs_dispatchd is ready", "addr", ln.Addr().String(),
		"spool", s.spool.Dir(), "nodes", len(s.nodes.All()),
		"pending", len(s.spool.Pending()), "running", len(s.spool.Running()))

	err = s.loop(ctx)
	cancel()
	s.shutdown()
	s.wg.Wait()
	return err
}

// listen binds the daemon port, retrying while the address is busy.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	var lc net.ListenConfig
	for attempt := 1; ; attempt++ {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err == nil {
			return ln, nil
		}
		if attempt >= s.cfg.BindRetries {
			return nil, fmt.Errorf("listen on %s after %d attempts: %w", addr, attempt, err)
		}
		s.log.Warn("bind failed, retrying", "addr", addr, "attempt", attempt,
			"backoff", s.cfg.BindBackoff, "error", err)
		if !sleepCtx(ctx, s.cfg.BindBackoff) {
			return nil, ctx.Err()
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	failures := 0
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			failures++
			if failures >= s.cfg.BindRetries {
				s.fatal <- fmt.Errorf("accept failed %d times: %w", failures, err)
				return
			}
			s.log.Warn("accept error, retrying", "attempt", failures, "error", err)
			if !sleepCtx(ctx, s.cfg.BindBackoff) {
				return
			}
			continue
		}
		failures = 0

		c := newConn(node.ConnID(s.nextConn.Add(1)), nc)
		go s.readRequest(ctx, c)
	}
}

// loop is the single owner of registry, spool and scheduler state. Node
// connection traffic is always drained before new client requests.
func (s *Server) loop(ctx context.Context) error {
	for {
		select {
		case ev := <-s.nodeEvents:
			s.handleNodeEvent(ev)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-s.fatal:
			return err
		case ev := <-s.nodeEvents:
			s.handleNodeEvent(ev)
		case ev := <-s.inbound:
			s.handleRequest(ctx, ev)
		case c := <-s.calls:
			c.fn()
			close(c.done)
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Server) do(ctx context.Context, fn func()) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case s.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown closes node connections and the listener.
func (s *Server) shutdown() {
	s.log.Info("shutting down")
	for id, c := range s.conns {
		if n := s.nodes.ByConn(id); n != nil {
			s.log.Info("closing connection to node", "hostname", n.Hostname)
			s.nodes.Release(id)
		}
		c.close()
		delete(s.conns, id)
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.log.Info("shutdown complete")
}

func (s *Server) writePIDFile() error {
	if s.cfg.PidFile == "" {
		return nil
	}
	f, err := os.OpenFile(s.cfg.PidFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("pid file %s exists; is lpjs_dispatchd already running?", s.cfg.PidFile)
		}
		return fmt.Errorf("create pid file: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return err
}

func (s *Server) removePIDFile() {
	if s.cfg.PidFile == "" {
		return
	}
	if err := os.Remove(s.cfg.PidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Error("removing pid file", "path", s.cfg.PidFile, "error", err)
	}
}

// Reload registers compute nodes added to the configuration since start.
// Nodes removed from the list stay registered until restart.
func (s *Server) Reload(ctx context.Context, cfg *config.Config) error {
	return s.do(ctx, func() {
		before := len(s.nodes.All())
		for _, h := range cfg.ComputeNodes {
			s.nodes.Register(h)
		}
		s.log.Info("configuration reloaded", "new_nodes", len(s.nodes.All())-before)
	})
}

// remember keeps a finished job visible in status output for keep_completed.
func (s *Server) remember(j *job.Job) {
	if s.history == nil {
		return
	}
	s.history.SetDefault(strconv.FormatUint(j.ID, 10), *j)
}

func (s *Server) finished() []job.Job {
	if s.history == nil {
		return nil
	}
	items := s.history.Items()
	out := make([]job.Job, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(job.Job))
	}
	sortJobs(out)
	return out
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

// hostMatches reports whether a name reported by an agent refers to the
// configured node host.
func hostMatches(reported, host string) bool {
	return reported == host || strings.HasPrefix(reported, host)
}
