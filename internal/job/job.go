// Package job implements the Job record, its spool directory and the
// in-memory pending and running queues of lpjs_dispatchd.
package job

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// State is the lifecycle state of a job.
type State int

const (
	Pending State = iota
	Running
	Completed
	Failed
)

// StateNames maps states to the strings shown in status output.
var StateNames = map[State]string{
	Pending:   "pending",
	Running:   "running",
	Completed: "completed",
	Failed:    "failed",
}

func (s State) String() string {
	if name, ok := StateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Job represents one member of a submitted job array.
type Job struct {
	// Identity and request, persisted in job.specs
	ID              uint64
	ArrayIndex      uint
	JobCount        uint
	CoresPerJob     uint
	MinCoresPerNode uint
	MemPerCoreMiB   uint64
	User            string
	Group           string
	SubmitHost      string
	SubmitDir       string
	ScriptName      string
	SubmitUID       uint32

	State State
	Held  bool

	// Placement, persisted in job.node while running
	Node        string
	AllocCores  uint
	AllocMemMiB uint64

	ChaperonePID int
	RemotePID    int
	ExitStatus   int

	SubmitTime time.Time
	StartTime  time.Time
	EndTime    time.Time
}

// MemMiB is the total memory the job requests. A product too large for
// uint64 saturates, so such a job fits no node.
func (j *Job) MemMiB() uint64 {
	if j.CoresPerJob != 0 && j.MemPerCoreMiB > math.MaxUint64/uint64(j.CoresPerJob) {
		return math.MaxUint64
	}
	return uint64(j.CoresPerJob) * j.MemPerCoreMiB
}

// Validate checks a submission before it is spooled.
func (j *Job) Validate() error {
	switch {
	case j.JobCount == 0:
		return errors.New("job count must be at least 1")
	case j.CoresPerJob == 0:
		return errors.New("cores per job must be at least 1")
	case j.MemPerCoreMiB > math.MaxUint64/uint64(j.CoresPerJob):
		return fmt.Errorf("memory request of %d cores at %d MiB each is too large",
			j.CoresPerJob, j.MemPerCoreMiB)
	case j.MinCoresPerNode > j.CoresPerJob:
		return fmt.Errorf("min cores per node %d exceeds cores per job %d",
			j.MinCoresPerNode, j.CoresPerJob)
	case j.User == "":
		return errors.New("user is required")
	}
	if err := validScriptName(j.ScriptName); err != nil {
		return err
	}
	for _, f := range []string{j.User, j.Group, j.SubmitHost, j.SubmitDir} {
		if strings.ContainsAny(f, "\t\n") {
			return fmt.Errorf("field %q contains tab or newline", f)
		}
	}
	return nil
}

// specsFields is the number of tab separated fields in a job.specs line.
const specsFields = 12

// FormatSpecs renders the job.specs record line, newline terminated.
func FormatSpecs(j *Job) string {
	return strings.Join([]string{
		strconv.FormatUint(j.ID, 10),
		strconv.FormatUint(uint64(j.ArrayIndex), 10),
		strconv.FormatUint(uint64(j.JobCount), 10),
		strconv.FormatUint(uint64(j.CoresPerJob), 10),
		strconv.FormatUint(uint64(j.MinCoresPerNode), 10),
		strconv.FormatUint(j.MemPerCoreMiB, 10),
		j.User,
		j.Group,
		j.SubmitHost,
		j.SubmitDir,
		j.ScriptName,
		strconv.FormatUint(uint64(j.SubmitUID), 10),
	}, "\t") + "\n"
}

// ParseSpecs parses a job.specs record line.
func ParseSpecs(line string) (*Job, error) {
	fields := strings.Split(strings.TrimRight(line, "\n"), "\t")
	if len(fields) != specsFields {
		return nil, fmt.Errorf("job specs: want %d fields, got %d", specsFields, len(fields))
	}

	nums := make([]uint64, 6)
	for i := range nums {
		v, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("job specs: field %d: %w", i+1, err)
		}
		nums[i] = v
	}
	uid, err := strconv.ParseUint(fields[11], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("job specs: uid: %w", err)
	}

	return &Job{
		ID:              nums[0],
		ArrayIndex:      uint(nums[1]),
		JobCount:        uint(nums[2]),
		CoresPerJob:     uint(nums[3]),
		MinCoresPerNode: uint(nums[4]),
		MemPerCoreMiB:   nums[5],
		User:            fields[6],
		Group:           fields[7],
		SubmitHost:      fields[8],
		SubmitDir:       fields[9],
		ScriptName:      fields[10],
		SubmitUID:       uint32(uid),
	}, nil
}

// reserved names inside a job's spool directory
var reservedNames = map[string]bool{
	specsFile: true,
	nodeFile:  true,
	heldFile:  true,
}

func validScriptName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\t\n\x00") || reservedNames[name] {
		return fmt.Errorf("invalid script name %q", name)
	}
	return nil
}
