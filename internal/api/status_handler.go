package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xinlaoda/lpjs/internal/job"
	"github.com/xinlaoda/lpjs/internal/node"
)

// NodeView is the JSON form of a compute node.
type NodeView struct {
	Hostname    string    `json:"hostname"`
	State       string    `json:"state"`
	TotalCores  uint      `json:"total_cores"`
	UsedCores   uint      `json:"used_cores"`
	TotalMemMiB uint64    `json:"total_mem_mib"`
	UsedMemMiB  uint64    `json:"used_mem_mib"`
	ZFS         bool      `json:"zfs"`
	OS          string    `json:"os,omitempty"`
	Arch        string    `json:"arch,omitempty"`
	LastContact time.Time `json:"last_contact,omitzero"`
}

// JobView is the JSON form of a job.
type JobView struct {
	ID            uint64    `json:"id"`
	ArrayIndex    uint      `json:"array_index"`
	JobCount      uint      `json:"job_count"`
	CoresPerJob   uint      `json:"cores_per_job"`
	MemPerCoreMiB uint64    `json:"mem_per_core_mib"`
	User          string    `json:"user"`
	Group         string    `json:"group"`
	SubmitHost    string    `json:"submit_host"`
	SubmitDir     string    `json:"submit_dir"`
	Script        string    `json:"script"`
	State         string    `json:"state"`
	Held          bool      `json:"held,omitempty"`
	Node          string    `json:"node,omitempty"`
	ExitStatus    int       `json:"exit_status"`
	SubmitTime    time.Time `json:"submit_time,omitzero"`
	StartTime     time.Time `json:"start_time,omitzero"`
	EndTime       time.Time `json:"end_time,omitzero"`
}

func nodeView(n node.Node) NodeView {
	return NodeView{
		Hostname:    n.Hostname,
		State:       n.State.String(),
		TotalCores:  n.TotalCores,
		UsedCores:   n.UsedCores,
		TotalMemMiB: n.TotalMemMiB,
		UsedMemMiB:  n.UsedMemMiB,
		ZFS:         n.ZFS,
		OS:          n.OS,
		Arch:        n.Arch,
		LastContact: n.LastContact,
	}
}

func jobView(j job.Job) JobView {
	return JobView{
		ID:            j.ID,
		ArrayIndex:    j.ArrayIndex,
		JobCount:      j.JobCount,
		CoresPerJob:   j.CoresPerJob,
		MemPerCoreMiB: j.MemPerCoreMiB,
		User:          j.User,
		Group:         j.Group,
		SubmitHost:    j.SubmitHost,
		SubmitDir:     j.SubmitDir,
		Script:        j.ScriptName,
		State:         j.State.String(),
		Held:          j.Held,
		Node:          j.Node,
		ExitStatus:    j.ExitStatus,
		SubmitTime:    j.SubmitTime,
		StartTime:     j.StartTime,
		EndTime:       j.EndTime,
	}
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.source.Nodes(r.Context()); err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "dispatcher not responding")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListNodes handles GET /api/nodes
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.source.Nodes(r.Context())
	if err != nil {
		h.logger.Error("failed to list nodes", slog.String("error", err.Error()))
		h.respondError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeView(n))
	}
	h.respondJSON(w, http.StatusOK, out)
}

// ListJobs handles GET /api/jobs. An optional state query parameter
// filters the result.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state != "" && !knownState(state) {
		h.respondError(w, http.StatusBadRequest, "unknown job state")
		return
	}
	jobs, err := h.source.Jobs(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		h.respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		if state != "" && j.State.String() != state {
			continue
		}
		out = append(out, jobView(j))
	}
	h.respondJSON(w, http.StatusOK, out)
}

// GetJob handles GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	j, ok, err := h.source.Job(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get job", slog.Uint64("job_id", id), slog.String("error", err.Error()))
		h.respondError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if !ok {
		h.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	h.respondJSON(w, http.StatusOK, jobView(j))
}

func knownState(name string) bool {
	for _, n := range job.StateNames {
		if n == name {
			return true
		}
	}
	return false
}
