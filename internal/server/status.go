package server

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/xinlaoda/lpjs/internal/job"
	"github.com/xinlaoda/lpjs/internal/node"
	"github.com/xinlaoda/lpjs/internal/wire"
)

// nodeTable renders the NodeStatus response.
func (s *Server) nodeTable() string {
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "Hostname\tState\tCores\tUsed\tPhysmem\tUsed\tOS\tArch")

	var upCores, upUsed, downCores uint
	var upMem, upMemUsed, downMem uint64
	for _, n := range s.nodes.All() {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			n.Hostname, n.State, n.TotalCores, n.UsedCores,
			n.TotalMemMiB, n.UsedMemMiB, dash(n.OS), dash(n.Arch))
		if n.State == node.Up {
			upCores += n.TotalCores
			upUsed += n.UsedCores
			upMem += n.TotalMemMiB
			upMemUsed += n.UsedMemMiB
		} else {
			downCores += n.TotalCores
			downMem += n.TotalMemMiB
		}
	}
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "Total\tUp\t%d\t%d\t%d\t%d\t-\t-\n", upCores, upUsed, upMem, upMemUsed)
	fmt.Fprintf(tw, "Total\tDown\t%d\t0\t%d\t0\t-\t-\n", downCores, downMem)
	tw.Flush()

	sb.WriteByte(wire.EOT)
	return sb.String()
}

// jobTable renders the JobStatus response: pending, running and recently
// finished jobs.
func (s *Server) jobTable() string {
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 8, 2, ' ', 0)

	section := func(title string, jobs []job.Job) {
		fmt.Fprintf(tw, "\n%s\n", title)
		fmt.Fprintln(tw, "JobID\tIDX\tTotal\tCores/job\tMiB/core\tUser\tState\tNode\tScript")
		for _, j := range jobs {
			state := j.State.String()
			if j.Held {
				state = "held"
			}
			fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
				j.ID, j.ArrayIndex, j.JobCount, j.CoresPerJob, j.MemPerCoreMiB,
				j.User, state, dash(j.Node), j.ScriptName)
		}
	}
	section("Pending", values(s.spool.Pending()))
	section("Running", values(s.spool.Running()))
	if done := s.finished(); len(done) > 0 {
		section("Finished", done)
	}
	tw.Flush()

	sb.WriteByte(wire.EOT)
	return sb.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func values(jobs []*job.Job) []job.Job {
	out := make([]job.Job, len(jobs))
	for i, j := range jobs {
		out[i] = *j
	}
	return out
}

func sortJobs(jobs []job.Job) {
	slices.SortFunc(jobs, func(a, b job.Job) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// Nodes returns a copy of the node table.
func (s *Server) Nodes(ctx context.Context) ([]node.Node, error) {
	var out []node.Node
	err := s.do(ctx, func() {
		for _, n := range s.nodes.All() {
			out = append(out, *n)
		}
	})
	return out, err
}

// Jobs returns copies of all pending, running and remembered finished jobs
// ordered by ID.
func (s *Server) Jobs(ctx context.Context) ([]job.Job, error) {
	var out []job.Job
	err := s.do(ctx, func() {
		out = append(out, values(s.spool.Pending())...)
		out = append(out, values(s.spool.Running())...)
		out = append(out, s.finished()...)
	})
	sortJobs(out)
	return out, err
}

// Job returns a copy of one job. ok is false when the job is unknown or
// has been forgotten.
func (s *Server) Job(ctx context.Context, id uint64) (j job.Job, ok bool, err error) {
	err = s.do(ctx, func() {
		if live := s.spool.Get(id); live != nil {
			j, ok = *live, true
			return
		}
		if s.history == nil {
			return
		}
		if v, found := s.history.Get(fmt.Sprint(id)); found {
			j, ok = v.(job.Job), true
		}
	})
	return j, ok, err
}
