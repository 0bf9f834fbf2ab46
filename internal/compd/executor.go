package compd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/xinlaoda/lpjs/internal/job"
)

// Result is the outcome of one job process.
type Result struct {
	JobID         uint64
	ExitStatus    int
	HasExitStatus bool
	WallTime      time.Duration
}

// Executor starts job scripts under the chaperone command and tracks them
// until they exit.
type Executor struct {
	workDir   string
	chaperone string
	log       *slog.Logger

	mu      sync.Mutex
	running map[uint64]*exec.Cmd
}

// NewExecutor creates an executor that keeps per-job files below workDir.
func NewExecutor(workDir, chaperone string, logger *slog.Logger) *Executor {
	return &Executor{
		workDir:   workDir,
		chaperone: chaperone,
		log:       logger.With("component", "exec"),
		running:   make(map[uint64]*exec.Cmd),
	}
}

// JobDir returns the directory holding a job's script and output.
func (e *Executor) JobDir(id uint64) string {
	return filepath.Join(e.workDir, strconv.FormatUint(id, 10))
}

// Start writes the script and launches it. done is called from another
// goroutine once the process has exited. The returned pid is the
// chaperone's.
func (e *Executor) Start(j *job.Job, script string, done func(Result)) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.running[j.ID]; dup {
		return 0, fmt.Errorf("job %d already running", j.ID)
	}

	dir := e.JobDir(j.ID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return 0, fmt.Errorf("create job dir: %w", err)
	}
	scriptPath := filepath.Join(dir, j.ScriptName)
	if err := os.WriteFile(scriptPath, []byte(script), 0700); err != nil {
		return 0, fmt.Errorf("write script: %w", err)
	}

	stdout, err := os.Create(scriptPath + ".stdout")
	if err != nil {
		return 0, fmt.Errorf("create stdout: %w", err)
	}
	stderr, err := os.Create(scriptPath + ".stderr")
	if err != nil {
		stdout.Close()
		return 0, fmt.Errorf("create stderr: %w", err)
	}

	cmd := exec.Command(e.chaperone, scriptPath)
	cmd.Env = buildEnvironment(j)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Dir = workDirFor(j, dir)
	setSession(cmd)

	e.log.Info("starting job", "job_id", j.ID, "chaperone", e.chaperone, "script", scriptPath)
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return 0, fmt.Errorf("start job %d: %w", j.ID, err)
	}
	e.running[j.ID] = cmd
	started := time.Now()

	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()

		e.mu.Lock()
		delete(e.running, j.ID)
		e.mu.Unlock()

		res := Result{JobID: j.ID, HasExitStatus: true, WallTime: time.Since(started)}
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			res.ExitStatus = exitErr.ExitCode()
		default:
			res.ExitStatus = -1
		}
		e.log.Info("job finished", "job_id", j.ID, "exit_status", res.ExitStatus,
			"walltime", res.WallTime)
		done(res)
	}()
	return cmd.Process.Pid, nil
}

// Kill signals the process group of a running job.
func (e *Executor) Kill(id uint64) error {
	e.mu.Lock()
	cmd, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %d is not running here", id)
	}
	e.log.Info("killing job", "job_id", id, "pid", cmd.Process.Pid)
	return killSession(cmd)
}

// Running returns the number of live job processes.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func buildEnvironment(j *job.Job) []string {
	env := os.Environ()
	vars := []struct{ k, v string }{
		{"LPJS_JOB_ID", strconv.FormatUint(j.ID, 10)},
		{"LPJS_ARRAY_INDEX", strconv.FormatUint(uint64(j.ArrayIndex), 10)},
		{"LPJS_JOB_COUNT", strconv.FormatUint(uint64(j.JobCount), 10)},
		{"LPJS_CORES", strconv.FormatUint(uint64(j.CoresPerJob), 10)},
		{"LPJS_MEM_PER_CORE", strconv.FormatUint(j.MemPerCoreMiB, 10)},
		{"LPJS_USER", j.User},
		{"LPJS_SUBMIT_HOST", j.SubmitHost},
		{"LPJS_SUBMIT_DIR", j.SubmitDir},
	}
	for _, kv := range vars {
		env = append(env, kv.k+"="+kv.v)
	}
	return env
}

// workDirFor runs the job from its submit directory when that exists on
// this node, else from its own job directory.
func workDirFor(j *job.Job, jobDir string) string {
	if j.SubmitDir != "" {
		if fi, err := os.Stat(j.SubmitDir); err == nil && fi.IsDir() {
			return j.SubmitDir
		}
	}
	return jobDir
}
