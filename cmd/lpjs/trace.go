package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xinlaoda/lpjs/internal/config"
)

const acctTimeLayout = "01/02/2006 15:04:05"

type traceEntry struct {
	Source string
	Time   time.Time
	Line   string
}

type traceSource struct {
	name  string
	dir   string
	match func(line string, id uint64) bool
	stamp func(line string) time.Time
}

// trace searches the daemon, agent and accounting logs on this host for
// lines that mention one job, and prints them in time order.
func trace(cfg *config.Config, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("trace", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	days := fs.Int("n", 1, "number of days of logs to search")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ids, err := parseJobIDs(fs.Args())
	if err != nil {
		return err
	}
	if len(ids) != 1 {
		return errors.New("exactly one job id required")
	}
	id := ids[0]

	var entries []traceEntry
	for _, src := range traceSources(cfg) {
		if src.dir == "" {
			continue
		}
		for _, path := range datedFiles(src.dir, *days, time.Now()) {
			entries = append(entries, searchFile(path, id, src)...)
		}
	}
	if len(entries) == 0 {
		return fmt.Errorf("no log entries found for job %d", id)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Time.Before(entries[j].Time) })
	fmt.Fprintf(w, "Job: %d\n\n", id)
	for _, e := range entries {
		fmt.Fprintf(w, "%-10s %s\n", e.Source, e.Line)
	}
	return nil
}

func traceSources(cfg *config.Config) []traceSource {
	return []traceSource{
		{name: "dispatchd", dir: cfg.LogDir, match: matchLogLine, stamp: logStamp},
		{name: "compd", dir: cfg.Compd.LogDir, match: matchLogLine, stamp: logStamp},
		{name: "acct", dir: cfg.AcctDir, match: matchAcctLine, stamp: acctStamp},
	}
}

// datedFiles returns the YYYYMMDD files in dir for the last n days,
// oldest first.
func datedFiles(dir string, n int, now time.Time) []string {
	var files []string
	for d := n - 1; d >= 0; d-- {
		path := filepath.Join(dir, now.AddDate(0, 0, -d).Format("20060102"))
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	return files
}

func searchFile(path string, id uint64, src traceSource) []traceEntry {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []traceEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if src.match(line, id) {
			entries = append(entries, traceEntry{Source: src.name, Time: src.stamp(line), Line: line})
		}
	}
	return entries
}

// matchLogLine matches slog text lines carrying job_id=<id>.
func matchLogLine(line string, id uint64) bool {
	want := "job_id=" + strconv.FormatUint(id, 10)
	for _, field := range strings.Fields(line) {
		if field == want {
			return true
		}
	}
	return false
}

// matchAcctLine matches accounting records, whose third field is the job id.
func matchAcctLine(line string, id uint64) bool {
	parts := strings.SplitN(line, ";", 4)
	return len(parts) >= 3 && parts[2] == strconv.FormatUint(id, 10)
}

func logStamp(line string) time.Time {
	for _, field := range strings.Fields(line) {
		if v, ok := strings.CutPrefix(field, "time="); ok {
			t, _ := time.Parse(time.RFC3339Nano, v)
			return t
		}
	}
	return time.Time{}
}

func acctStamp(line string) time.Time {
	ts, _, _ := strings.Cut(line, ";")
	t, _ := time.ParseInLocation(acctTimeLayout, ts, time.Local)
	return t
}
