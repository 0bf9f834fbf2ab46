package wire

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/xinlaoda/lpjs/internal/job"
	"github.com/xinlaoda/lpjs/internal/node"
)

// Code identifies the request carried in a payload. Requests to the
// dispatcher and requests to a node agent use separate code spaces.
// Zero is reserved in both.
type Code byte

// Requests to lpjs_dispatchd.
const (
	CodeCompdCheckin     Code = 1
	CodeNodeStatus       Code = 2
	CodeJobStatus        Code = 3
	CodeSubmit           Code = 4
	CodeChaperoneCheckin Code = 5
	CodeJobComplete      Code = 6
	CodeCancel           Code = 7
	CodePause            Code = 8
	CodeResume           Code = 9
)

// Requests to lpjs_compd.
const (
	CodeNewJob    Code = 1
	CodeCancelJob Code = 2
)

// ErrUnknownCode is returned for payloads with an unassigned request code.
var ErrUnknownCode = errors.New("wire: unknown request code")

// Request is a decoded request to the dispatcher.
type Request interface {
	Code() Code
	body() string
}

// AgentRequest is a decoded request to a node agent.
type AgentRequest interface {
	AgentCode() Code
	body() string
}

// CompdCheckin is sent by an agent to bind its connection to a node.
type CompdCheckin struct {
	Hostname string
	Specs    node.Specs
}

// NodeStatus asks for the node table.
type NodeStatus struct{}

// JobStatus asks for the job table.
type JobStatus struct{}

// Submit spools a job array. ID and ArrayIndex of Job are ignored.
type Submit struct {
	Job    *job.Job
	Script string
}

// ChaperoneCheckin reports the processes supervising a running job.
type ChaperoneCheckin struct {
	Hostname     string
	JobID        uint64
	ChaperonePID int
	RemotePID    int
}

// JobComplete reports that a job ended on a node.
type JobComplete struct {
	Hostname      string
	JobID         uint64
	CoresPerJob   uint
	MemPerCoreMiB uint64
	ExitStatus    int
	HasExitStatus bool
}

// Cancel removes a pending job or stops a running one.
type Cancel struct{ JobID uint64 }

// Pause holds a pending job.
type Pause struct{ JobID uint64 }

// Resume releases a held job.
type Resume struct{ JobID uint64 }

// NewJob hands a job to a node agent.
type NewJob struct {
	Job    *job.Job
	Script string
}

// CancelJob tells a node agent to stop a job.
type CancelJob struct{ JobID uint64 }

func (CompdCheckin) Code() Code     { return CodeCompdCheckin }
func (NodeStatus) Code() Code       { return CodeNodeStatus }
func (JobStatus) Code() Code        { return CodeJobStatus }
func (Submit) Code() Code           { return CodeSubmit }
func (ChaperoneCheckin) Code() Code { return CodeChaperoneCheckin }
func (JobComplete) Code() Code      { return CodeJobComplete }
func (Cancel) Code() Code           { return CodeCancel }
func (Pause) Code() Code            { return CodePause }
func (Resume) Code() Code           { return CodeResume }

func (NewJob) AgentCode() Code    { return CodeNewJob }
func (CancelJob) AgentCode() Code { return CodeCancelJob }

func (r CompdCheckin) body() string {
	zfs := "0"
	if r.Specs.ZFS {
		zfs = "1"
	}
	return strings.Join([]string{
		r.Hostname,
		strconv.FormatUint(uint64(r.Specs.Cores), 10),
		strconv.FormatUint(r.Specs.MemMiB, 10),
		zfs,
		r.Specs.OS,
		r.Specs.Arch,
	}, "\t")
}

func (NodeStatus) body() string { return "" }
func (JobStatus) body() string  { return "" }

func (r Submit) body() string { return job.FormatSpecs(r.Job) + r.Script }
func (r NewJob) body() string { return job.FormatSpecs(r.Job) + r.Script }

func (r ChaperoneCheckin) body() string {
	return fmt.Sprintf("%s %d %d %d", r.Hostname, r.JobID, r.ChaperonePID, r.RemotePID)
}

func (r JobComplete) body() string {
	s := fmt.Sprintf("%s %d %d %d", r.Hostname, r.JobID, r.CoresPerJob, r.MemPerCoreMiB)
	if r.HasExitStatus {
		s += " " + strconv.Itoa(r.ExitStatus)
	}
	return s
}

func (r Cancel) body() string    { return strconv.FormatUint(r.JobID, 10) }
func (r Pause) body() string     { return strconv.FormatUint(r.JobID, 10) }
func (r Resume) body() string    { return strconv.FormatUint(r.JobID, 10) }
func (r CancelJob) body() string { return strconv.FormatUint(r.JobID, 10) }

// Encode renders a dispatcher request as a payload: code byte then body.
func Encode(r Request) []byte {
	return append([]byte{byte(r.Code())}, r.body()...)
}

// EncodeAgent renders an agent request as a payload.
func EncodeAgent(r AgentRequest) []byte {
	return append([]byte{byte(r.AgentCode())}, r.body()...)
}

func split(payload []byte) (Code, string, error) {
	if len(payload) == 0 {
		return 0, "", errors.New("wire: empty payload")
	}
	body := string(payload[1:])
	if strings.IndexByte(body, 0) >= 0 {
		return 0, "", errors.New("wire: NUL in request body")
	}
	return Code(payload[0]), body, nil
}

// Decode parses a payload addressed to the dispatcher.
func Decode(payload []byte) (Request, error) {
	code, body, err := split(payload)
	if err != nil {
		return nil, err
	}

	switch code {
	case CodeCompdCheckin:
		return decodeCheckin(body)
	case CodeNodeStatus:
		return NodeStatus{}, nil
	case CodeJobStatus:
		return JobStatus{}, nil
	case CodeSubmit:
		j, script, err := decodeJob(body)
		if err != nil {
			return nil, fmt.Errorf("wire: submit: %w", err)
		}
		return Submit{Job: j, Script: script}, nil
	case CodeChaperoneCheckin:
		return decodeChaperone(body)
	case CodeJobComplete:
		return decodeComplete(body)
	case CodeCancel, CodePause, CodeResume:
		id, err := strconv.ParseUint(strings.TrimSpace(body), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("wire: job id %q: %w", body, err)
		}
		switch code {
		case CodeCancel:
			return Cancel{JobID: id}, nil
		case CodePause:
			return Pause{JobID: id}, nil
		}
		return Resume{JobID: id}, nil
	}
	return nil, fmt.Errorf("%w %d", ErrUnknownCode, code)
}

// DecodeAgent parses a payload addressed to a node agent.
func DecodeAgent(payload []byte) (AgentRequest, error) {
	code, body, err := split(payload)
	if err != nil {
		return nil, err
	}

	switch code {
	case CodeNewJob:
		j, script, err := decodeJob(body)
		if err != nil {
			return nil, fmt.Errorf("wire: new job: %w", err)
		}
		return NewJob{Job: j, Script: script}, nil
	case CodeCancelJob:
		id, err := strconv.ParseUint(strings.TrimSpace(body), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("wire: job id %q: %w", body, err)
		}
		return CancelJob{JobID: id}, nil
	}
	return nil, fmt.Errorf("%w %d", ErrUnknownCode, code)
}

func decodeCheckin(body string) (Request, error) {
	f := strings.Split(body, "\t")
	if len(f) != 6 {
		return nil, fmt.Errorf("wire: checkin: want 6 fields, got %d", len(f))
	}
	cores, err := strconv.ParseUint(f[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("wire: checkin cores: %w", err)
	}
	mem, err := strconv.ParseUint(f[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("wire: checkin mem: %w", err)
	}
	// the ZFS reserve is computed as a percentage of mem
	if mem > math.MaxUint64/100 {
		return nil, fmt.Errorf("wire: checkin mem %d out of range", mem)
	}
	if f[0] == "" {
		return nil, errors.New("wire: checkin: empty hostname")
	}
	return CompdCheckin{
		Hostname: f[0],
		Specs: node.Specs{
			Cores:  uint(cores),
			MemMiB: mem,
			ZFS:    f[3] == "1",
			OS:     f[4],
			Arch:   f[5],
		},
	}, nil
}

func decodeJob(body string) (*job.Job, string, error) {
	line, script, ok := strings.Cut(body, "\n")
	if !ok {
		return nil, "", errors.New("missing specs line")
	}
	j, err := job.ParseSpecs(line)
	if err != nil {
		return nil, "", err
	}
	return j, script, nil
}

func decodeChaperone(body string) (Request, error) {
	f := strings.Fields(body)
	if len(f) < 3 || len(f) > 4 {
		return nil, fmt.Errorf("wire: chaperone checkin: bad field count %d", len(f))
	}
	r := ChaperoneCheckin{Hostname: f[0]}
	var err error
	if r.JobID, err = strconv.ParseUint(f[1], 10, 64); err != nil {
		return nil, fmt.Errorf("wire: chaperone checkin job id: %w", err)
	}
	if r.ChaperonePID, err = strconv.Atoi(f[2]); err != nil {
		return nil, fmt.Errorf("wire: chaperone checkin pid: %w", err)
	}
	if len(f) == 4 {
		if r.RemotePID, err = strconv.Atoi(f[3]); err != nil {
			return nil, fmt.Errorf("wire: chaperone checkin remote pid: %w", err)
		}
	}
	return r, nil
}

func decodeComplete(body string) (Request, error) {
	f := strings.Fields(body)
	if len(f) < 4 || len(f) > 5 {
		return nil, fmt.Errorf("wire: job complete: bad field count %d", len(f))
	}
	r := JobComplete{Hostname: f[0]}
	var err error
	if r.JobID, err = strconv.ParseUint(f[1], 10, 64); err != nil {
		return nil, fmt.Errorf("wire: job complete id: %w", err)
	}
	cores, err := strconv.ParseUint(f[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("wire: job complete cores: %w", err)
	}
	r.CoresPerJob = uint(cores)
	if r.MemPerCoreMiB, err = strconv.ParseUint(f[3], 10, 64); err != nil {
		return nil, fmt.Errorf("wire: job complete mem: %w", err)
	}
	if len(f) == 5 {
		if r.ExitStatus, err = strconv.Atoi(f[4]); err != nil {
			return nil, fmt.Errorf("wire: job complete status: %w", err)
		}
		r.HasExitStatus = true
	}
	return r, nil
}
