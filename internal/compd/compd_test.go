package compd

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xinlaoda/lpjs/internal/auth"
	"github.com/xinlaoda/lpjs/internal/client"
	"github.com/xinlaoda/lpjs/internal/config"
	"github.com/xinlaoda/lpjs/internal/job"
	"github.com/xinlaoda/lpjs/internal/node"
	"github.com/xinlaoda/lpjs/internal/server"
	"github.com/xinlaoda/lpjs/pkg/lpjslog"
)

var key = bytes.Repeat([]byte{5}, auth.KeySize)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
}

type cluster struct {
	cfg *config.Config
	srv *server.Server
}

func startCluster(t *testing.T) *cluster {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HeadNode = "127.0.0.1"
	cfg.Port = 0
	cfg.SpoolDir = filepath.Join(dir, "spool")
	cfg.PidFile = ""
	cfg.ComputeNodes = []string{"testnode"}
	cfg.AdminUIDs = []uint32{uint32(os.Getuid())}
	cfg.BindRetries = 1
	cfg.IOTimeout = 5 * time.Second
	cfg.Compd.WorkDir = filepath.Join(dir, "compd")
	cfg.Compd.RetryBackoff = 50 * time.Millisecond

	srv, err := server.New(cfg, key, nil, lpjslog.Discard())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	<-srv.Ready()

	agentCfg := *cfg
	agentCfg.Port = srv.Addr().(*net.TCPAddr).Port
	return &cluster{cfg: &agentCfg, srv: srv}
}

func startAgent(t *testing.T, cfg *config.Config, host string) (*Agent, chan error) {
	t.Helper()
	a := New(cfg, key, host, node.Specs{Cores: 4, MemMiB: 4096, OS: "Linux", Arch: "x86_64"}, lpjslog.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a, done
}

func submit(t *testing.T, c *cluster, count uint, script string) {
	t.Helper()
	cl := client.New(c.cfg.Addr(), key, time.Minute, client.WithTimeout(5*time.Second))
	_, err := cl.Submit(context.Background(), &job.Job{
		JobCount:      count,
		CoresPerJob:   1,
		MemPerCoreMiB: 16,
		User:          "alice",
		Group:         "staff",
		SubmitHost:    "login",
		SubmitDir:     t.TempDir(),
		ScriptName:    "job.sh",
	}, script)
	require.NoError(t, err)
}

func waitState(t *testing.T, srv *server.Server, id uint64, want job.State) {
	t.Helper()
	assert.Eventually(t, func() bool {
		j, ok, err := srv.Job(context.Background(), id)
		return err == nil && ok && j.State == want
	}, 10*time.Second, 20*time.Millisecond, "job %d never reached %s", id, want)
}

func TestAgentRunsJobsAndReportsExitStatus(t *testing.T) {
	skipWithoutShell(t)
	c := startCluster(t)
	a, _ := startAgent(t, c.cfg, "testnode.cluster.local")

	assert.Eventually(t, func() bool { return a.State() == Connected },
		5*time.Second, 10*time.Millisecond)

	submit(t, c, 2, "echo \"job $LPJS_JOB_ID cores $LPJS_CORES\"\nexit $((LPJS_ARRAY_INDEX - 1))\n")
	waitState(t, c.srv, 1, job.Completed)
	waitState(t, c.srv, 2, job.Failed)

	out, err := os.ReadFile(filepath.Join(a.exec.JobDir(1), "job.sh.stdout"))
	require.NoError(t, err)
	assert.Equal(t, "job 1 cores 1\n", string(out))

	nodes, err := c.srv.Nodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, uint(0), nodes[0].UsedCores)
}

func TestAgentCancelKillsJob(t *testing.T) {
	skipWithoutShell(t)
	c := startCluster(t)
	a, _ := startAgent(t, c.cfg, "testnode")

	submit(t, c, 1, "sleep 30\n")
	waitState(t, c.srv, 1, job.Running)
	assert.Eventually(t, func() bool { return a.exec.Running() == 1 },
		5*time.Second, 10*time.Millisecond)

	cl := client.New(c.cfg.Addr(), key, time.Minute)
	out, err := cl.Cancel(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "sent to testnode"), out)

	waitState(t, c.srv, 1, job.Failed)
}

func TestAgentGivesUpAfterMaxRetries(t *testing.T) {
	c := startCluster(t)
	c.cfg.Compd.MaxRetries = 2
	c.cfg.Compd.RetryBackoff = 10 * time.Millisecond

	_, done := startAgent(t, c.cfg, "stranger")
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("agent kept retrying")
	}
}

func TestExecutorReportsResult(t *testing.T) {
	skipWithoutShell(t)
	e := NewExecutor(t.TempDir(), "/bin/sh", lpjslog.Discard())
	results := make(chan Result, 1)

	j := &job.Job{ID: 7, CoresPerJob: 2, MemPerCoreMiB: 10, ScriptName: "run.sh"}
	pid, err := e.Start(j, "test \"$LPJS_CORES\" = 2 || exit 9\nexit 4\n", func(r Result) { results <- r })
	require.NoError(t, err)
	assert.NotZero(t, pid)

	select {
	case r := <-results:
		assert.Equal(t, uint64(7), r.JobID)
		assert.True(t, r.HasExitStatus)
		assert.Equal(t, 4, r.ExitStatus)
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}
	assert.Error(t, e.Kill(7))
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "unknown", State(42).String())
}
