package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xinlaoda/lpjs/internal/auth"
	"github.com/xinlaoda/lpjs/internal/config"
	"github.com/xinlaoda/lpjs/internal/job"
	"github.com/xinlaoda/lpjs/internal/node"
	"github.com/xinlaoda/lpjs/internal/wire"
	"github.com/xinlaoda/lpjs/pkg/lpjslog"
)

var testKey = bytes.Repeat([]byte{7}, auth.KeySize)

const (
	rootUID  = 0
	aliceUID = 1000
	bobUID   = 1001
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Port = 0
	cfg.SpoolDir = filepath.Join(dir, "spool")
	cfg.PidFile = filepath.Join(dir, "lpjs_dispatchd.pid")
	cfg.ComputeNodes = []string{"node1", "node2"}
	cfg.BindRetries = 1
	cfg.IOTimeout = 5 * time.Second
	cfg.KeepCompleted = time.Minute
	return cfg
}

type running struct {
	srv    *Server
	addr   string
	cancel context.CancelFunc
	errc   chan error
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func start(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	srv, err := New(cfg, testKey, nil, lpjslog.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, cancel: cancel, errc: make(chan error, 1)}
	go func() { r.errc <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-r.errc:
		cancel()
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server not ready")
	}
	port := srv.Addr().(*net.TCPAddr).Port
	r.addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	t.Cleanup(func() {
		select {
		case <-ctx.Done():
		default:
			r.stop(t)
		}
	})
	return r
}

// peer is a test client or agent connection.
type peer struct {
	t   *testing.T
	nc  net.Conn
	r   *wire.Reader
	key []byte
}

func dial(t *testing.T, addr string) *peer {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &peer{t: t, nc: nc, r: wire.NewReader(nc), key: testKey}
}

func (p *peer) send(uid uint32, req wire.Request) {
	p.t.Helper()
	frame := auth.Seal(p.key, uid, uid, wire.Encode(req))
	require.NoError(p.t, wire.WriteFrame(p.nc, frame))
}

func (p *peer) recv() (string, error) {
	p.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := wire.ReadFrame(p.r)
	if err != nil {
		return "", err
	}
	cred, err := auth.NewVerifier(testKey, time.Minute, nil).Open(frame)
	if err != nil {
		return "", err
	}
	return string(cred.Payload), nil
}

func (p *peer) reply() string {
	p.t.Helper()
	text, err := p.recv()
	require.NoError(p.t, err)
	return text
}

// replyAll reads reply frames until the daemon closes the connection and
// returns the concatenated text and the number of frames.
func (p *peer) replyAll(within time.Duration) (string, int) {
	p.t.Helper()
	p.nc.SetReadDeadline(time.Now().Add(within))
	v := auth.NewVerifier(testKey, time.Minute, nil)
	var (
		sb     strings.Builder
		frames int
	)
	for {
		frame, err := wire.ReadFrame(p.r)
		if errors.Is(err, io.EOF) {
			return sb.String(), frames
		}
		require.NoError(p.t, err)
		cred, err := v.Open(frame)
		require.NoError(p.t, err)
		sb.Write(cred.Payload)
		frames++
	}
}

func (p *peer) agentRequest() wire.AgentRequest {
	p.t.Helper()
	payload := p.reply()
	req, err := wire.DecodeAgent([]byte(payload))
	require.NoError(p.t, err)
	return req
}

func (p *peer) expectNewJob(id uint64) *job.Job {
	p.t.Helper()
	req := p.agentRequest()
	nj, ok := req.(wire.NewJob)
	require.True(p.t, ok, "got %T", req)
	assert.Equal(p.t, id, nj.Job.ID)
	assert.Contains(p.t, nj.Script, "echo hi")
	return nj.Job
}

func request(t *testing.T, addr string, uid uint32, req wire.Request) string {
	t.Helper()
	p := dial(t, addr)
	p.send(uid, req)
	return p.reply()
}

func checkinAgent(t *testing.T, addr, host string, cores uint, mem uint64) *peer {
	t.Helper()
	p := dial(t, addr)
	p.send(rootUID, wire.CompdCheckin{
		Hostname: host,
		Specs:    node.Specs{Cores: cores, MemMiB: mem, OS: "FreeBSD", Arch: "amd64"},
	})
	assert.Equal(t, "Node authorized", p.reply())
	return p
}

func submission(count, cores uint) wire.Submit {
	return wire.Submit{
		Job: &job.Job{
			JobCount:      count,
			CoresPerJob:   cores,
			MemPerCoreMiB: 100,
			User:          "alice",
			Group:         "staff",
			SubmitHost:    "login",
			SubmitDir:     "/home/alice",
			ScriptName:    "run.sh",
		},
		Script: "#!/bin/sh\necho hi\n",
	}
}

func submit(t *testing.T, addr string, uid uint32, count, cores uint) string {
	t.Helper()
	return request(t, addr, uid, submission(count, cores))
}

func jobState(t *testing.T, srv *Server, id uint64) job.State {
	t.Helper()
	j, ok, err := srv.Job(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok, "job %d unknown", id)
	return j.State
}

func nodeByName(t *testing.T, srv *Server, host string) node.Node {
	t.Helper()
	nodes, err := srv.Nodes(context.Background())
	require.NoError(t, err)
	for _, n := range nodes {
		if n.Hostname == host {
			return n
		}
	}
	t.Fatalf("node %s not found", host)
	return node.Node{}
}

func TestUnauthorizedHostGetsNoReply(t *testing.T) {
	r := start(t, testConfig(t))
	p := dial(t, r.addr)
	p.send(rootUID, wire.CompdCheckin{Hostname: "intruder", Specs: node.Specs{Cores: 4}})
	_, err := p.recv()
	assert.Error(t, err)
	assert.Equal(t, node.Down, nodeByName(t, r.srv, "node1").State)
}

func TestCheckinRequiresPrivilegedUser(t *testing.T) {
	r := start(t, testConfig(t))
	p := dial(t, r.addr)
	p.send(aliceUID, wire.CompdCheckin{Hostname: "node1", Specs: node.Specs{Cores: 4}})
	_, err := p.recv()
	assert.Error(t, err)
	assert.Equal(t, node.Down, nodeByName(t, r.srv, "node1").State)
}

func TestWrongKeyIsDropped(t *testing.T) {
	r := start(t, testConfig(t))
	p := dial(t, r.addr)
	p.key = bytes.Repeat([]byte{9}, auth.KeySize)
	p.send(aliceUID, wire.NodeStatus{})
	_, err := p.recv()
	assert.Error(t, err)
}

func TestFQDNCheckinAndNodeStatus(t *testing.T) {
	r := start(t, testConfig(t))
	checkinAgent(t, r.addr, "node1.example.org", 8, 16384)

	n := nodeByName(t, r.srv, "node1")
	assert.Equal(t, node.Up, n.State)
	assert.Equal(t, uint(8), n.TotalCores)

	table := request(t, r.addr, aliceUID, wire.NodeStatus{})
	require.True(t, strings.HasSuffix(table, string(wire.EOT)))
	assert.Contains(t, table, "node1")
	assert.Contains(t, table, "Up")
	assert.Contains(t, table, "node2")
	assert.Contains(t, table, "FreeBSD")
}

func TestSubmitDispatchComplete(t *testing.T) {
	r := start(t, testConfig(t))
	agent := checkinAgent(t, r.addr, "node1", 4, 4096)

	resp := submit(t, r.addr, aliceUID, 3, 2)
	assert.Contains(t, resp, "Spooled job 1 to ")
	assert.Contains(t, resp, "Spooled job 3 to ")

	j1 := agent.expectNewJob(1)
	assert.Equal(t, uint32(aliceUID), j1.SubmitUID)
	agent.expectNewJob(2)

	assert.Equal(t, job.Running, jobState(t, r.srv, 1))
	assert.Equal(t, job.Running, jobState(t, r.srv, 2))
	assert.Equal(t, job.Pending, jobState(t, r.srv, 3))
	assert.Equal(t, uint(4), nodeByName(t, r.srv, "node1").UsedCores)

	agent.send(rootUID, wire.ChaperoneCheckin{Hostname: "node1", JobID: 1, ChaperonePID: 4242})
	agent.send(rootUID, wire.JobComplete{
		Hostname: "node1", JobID: 1, CoresPerJob: 2, MemPerCoreMiB: 100,
		ExitStatus: 0, HasExitStatus: true,
	})
	agent.expectNewJob(3)

	assert.Equal(t, job.Completed, jobState(t, r.srv, 1))
	assert.Equal(t, job.Running, jobState(t, r.srv, 3))

	agent.send(rootUID, wire.JobComplete{
		Hostname: "node1", JobID: 2, CoresPerJob: 2, MemPerCoreMiB: 100,
		ExitStatus: 3, HasExitStatus: true,
	})
	assert.Eventually(t, func() bool {
		return jobState(t, r.srv, 2) == job.Failed
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, uint(2), nodeByName(t, r.srv, "node1").UsedCores)

	table := request(t, r.addr, aliceUID, wire.JobStatus{})
	assert.Contains(t, table, "Finished")
	assert.Contains(t, table, "failed")
	assert.True(t, strings.HasSuffix(table, string(wire.EOT)))
}

func TestJobTooLargeStaysPending(t *testing.T) {
	r := start(t, testConfig(t))
	checkinAgent(t, r.addr, "node1", 2, 4096)
	submit(t, r.addr, aliceUID, 1, 8)

	assert.Equal(t, job.Pending, jobState(t, r.srv, 1))
	assert.Equal(t, uint(0), nodeByName(t, r.srv, "node1").UsedCores)
}

func TestNodeDisconnectMarksDown(t *testing.T) {
	r := start(t, testConfig(t))
	agent := checkinAgent(t, r.addr, "node2", 4, 4096)
	assert.Equal(t, node.Up, nodeByName(t, r.srv, "node2").State)

	agent.nc.Close()
	assert.Eventually(t, func() bool {
		return nodeByName(t, r.srv, "node2").State == node.Down
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRecheckinReplacesConnection(t *testing.T) {
	r := start(t, testConfig(t))
	old := checkinAgent(t, r.addr, "node1", 4, 4096)
	fresh := checkinAgent(t, r.addr, "node1", 4, 4096)

	_, err := old.recv()
	assert.Error(t, err)

	submit(t, r.addr, aliceUID, 1, 1)
	fresh.expectNewJob(1)
	assert.Equal(t, node.Up, nodeByName(t, r.srv, "node1").State)
}

func TestCancelPermissions(t *testing.T) {
	r := start(t, testConfig(t))
	submit(t, r.addr, aliceUID, 1, 1)

	assert.Contains(t, request(t, r.addr, bobUID, wire.Cancel{JobID: 1}), "Permission denied")
	assert.Equal(t, job.Pending, jobState(t, r.srv, 1))

	assert.Equal(t, "Canceled job 1.\n", request(t, r.addr, aliceUID, wire.Cancel{JobID: 1}))
	_, ok, err := r.srv.Job(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Contains(t, request(t, r.addr, rootUID, wire.Cancel{JobID: 1}), "No such job")
}

func TestCancelRunningJobReachesAgent(t *testing.T) {
	r := start(t, testConfig(t))
	agent := checkinAgent(t, r.addr, "node1", 4, 4096)
	submit(t, r.addr, aliceUID, 1, 1)
	agent.expectNewJob(1)

	resp := request(t, r.addr, rootUID, wire.Cancel{JobID: 1})
	assert.Contains(t, resp, "sent to node1")
	assert.Equal(t, wire.CancelJob{JobID: 1}, agent.agentRequest())
	assert.Equal(t, job.Running, jobState(t, r.srv, 1))
}

func TestPauseAndResume(t *testing.T) {
	r := start(t, testConfig(t))
	submit(t, r.addr, aliceUID, 1, 1)
	assert.Equal(t, "Paused job 1.\n", request(t, r.addr, aliceUID, wire.Pause{JobID: 1}))

	agent := checkinAgent(t, r.addr, "node1", 4, 4096)
	assert.Equal(t, uint(0), nodeByName(t, r.srv, "node1").UsedCores)
	assert.Contains(t, request(t, r.addr, aliceUID, wire.JobStatus{}), "held")

	assert.Equal(t, "Resumed job 1.\n", request(t, r.addr, aliceUID, wire.Resume{JobID: 1}))
	agent.expectNewJob(1)
	assert.Contains(t, request(t, r.addr, aliceUID, wire.Pause{JobID: 1}), "not pending")
}

func TestRestartRecomputesUsageAtCheckin(t *testing.T) {
	cfg := testConfig(t)
	r := start(t, cfg)
	agent := checkinAgent(t, r.addr, "node1", 4, 4096)
	submit(t, r.addr, aliceUID, 1, 3)
	agent.expectNewJob(1)
	r.stop(t)

	r = start(t, cfg)
	assert.Equal(t, job.Running, jobState(t, r.srv, 1))
	checkinAgent(t, r.addr, "node1", 4, 4096)
	n := nodeByName(t, r.srv, "node1")
	assert.Equal(t, uint(3), n.UsedCores)
	assert.Equal(t, uint64(300), n.UsedMemMiB)
}

func TestPIDFile(t *testing.T) {
	cfg := testConfig(t)
	r := start(t, cfg)

	data, err := os.ReadFile(cfg.PidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))

	second, err := New(cfg, testKey, nil, lpjslog.Discard())
	require.NoError(t, err)
	err = second.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	r.stop(t)
	_, err = os.Stat(cfg.PidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestReloadRegistersNewNodes(t *testing.T) {
	cfg := testConfig(t)
	r := start(t, cfg)

	next := *cfg
	next.ComputeNodes = append([]string{}, cfg.ComputeNodes...)
	next.ComputeNodes = append(next.ComputeNodes, "node3")
	require.NoError(t, r.srv.Reload(context.Background(), &next))

	checkinAgent(t, r.addr, "node3", 2, 2048)
	assert.Equal(t, node.Up, nodeByName(t, r.srv, "node3").State)
}

func TestLargeRepliesSpanFrames(t *testing.T) {
	const count = 20000
	r := start(t, testConfig(t))

	p := dial(t, r.addr)
	p.send(aliceUID, submission(count, 1))
	resp, frames := p.replyAll(time.Minute)
	assert.Greater(t, len(resp), wire.MaxFrame)
	assert.Greater(t, frames, 1)
	assert.Equal(t, count, strings.Count(resp, "Spooled job "))
	assert.Contains(t, resp, fmt.Sprintf("Spooled job %d to ", count))
	assert.NotContains(t, resp, "Error")

	p = dial(t, r.addr)
	p.send(aliceUID, wire.JobStatus{})
	table, frames := p.replyAll(time.Minute)
	assert.Greater(t, frames, 1)
	assert.True(t, strings.HasSuffix(table, string(wire.EOT)))
	assert.Equal(t, count, strings.Count(table, " pending "))
}

func TestSplitReplyBreaksAtNewlines(t *testing.T) {
	assert.Equal(t, []string{""}, splitReply("", 8))
	assert.Equal(t, []string{"ab\n"}, splitReply("ab\n", 8))
	assert.Equal(t, []string{"ab\ncd\n", "ef\n"}, splitReply("ab\ncd\nef\n", 7))
	assert.Equal(t, []string{"abcd", "ef"}, splitReply("abcdef", 4))
}

func TestNodeRequestsNeedPrivilege(t *testing.T) {
	r := start(t, testConfig(t))
	agent := checkinAgent(t, r.addr, "node1", 4, 4096)
	submit(t, r.addr, aliceUID, 1, 2)
	agent.expectNewJob(1)

	complete := wire.JobComplete{
		Hostname: "node1", JobID: 1, CoresPerJob: 2, MemPerCoreMiB: 100,
		ExitStatus: 0, HasExitStatus: true,
	}
	for _, req := range []wire.Request{
		complete,
		wire.ChaperoneCheckin{Hostname: "node1", JobID: 1, ChaperonePID: 99},
	} {
		p := dial(t, r.addr)
		p.send(bobUID, req)
		_, err := p.recv()
		assert.Error(t, err, "%T", req)
	}

	j, ok, err := r.srv.Job(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.Running, j.State)
	assert.Zero(t, j.ChaperonePID)
	assert.Equal(t, uint(2), nodeByName(t, r.srv, "node1").UsedCores)

	p := dial(t, r.addr)
	p.send(rootUID, complete)
	_, err = p.recv()
	assert.Error(t, err)
	assert.Equal(t, job.Completed, jobState(t, r.srv, 1))
	assert.Equal(t, uint(0), nodeByName(t, r.srv, "node1").UsedCores)
}

func TestUnreadableScriptIsRetired(t *testing.T) {
	cfg := testConfig(t)
	r := start(t, cfg)
	submit(t, r.addr, aliceUID, 2, 1)
	require.NoError(t, os.Remove(filepath.Join(cfg.SpoolDir, "pending", "1", "run.sh")))

	agent := checkinAgent(t, r.addr, "node1", 4, 4096)
	agent.expectNewJob(2)

	assert.Equal(t, job.Failed, jobState(t, r.srv, 1))
	assert.Equal(t, job.Running, jobState(t, r.srv, 2))
	assert.Equal(t, node.Up, nodeByName(t, r.srv, "node1").State)
	assert.Equal(t, uint(1), nodeByName(t, r.srv, "node1").UsedCores)
	assert.NoDirExists(t, filepath.Join(cfg.SpoolDir, "running", "1"))
}
