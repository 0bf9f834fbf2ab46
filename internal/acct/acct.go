// Package acct writes job accounting records.
//
// Records go to YYYYMMDD-named files in the accounting directory, one line
// per event:
//
//	MM/DD/YYYY HH:MM:SS;TYPE;JOB_ID;key=value key=value ...
//
// Record types:
//   - Q  job spooled
//   - S  job dispatched to a node
//   - E  job ended
//   - D  job canceled before it ran
package acct

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/xinlaoda/lpjs/internal/job"
	"github.com/xinlaoda/lpjs/pkg/lpjslog"
)

const (
	RecordQueue  = "Q"
	RecordStart  = "S"
	RecordEnd    = "E"
	RecordDelete = "D"
)

const timeLayout = "01/02/2006 15:04:05"

// Logger writes accounting records to dated files. A nil Logger discards
// everything.
type Logger struct {
	dl  *lpjslog.DatedLog
	log *slog.Logger
	now func() time.Time
}

// NewLogger creates an accounting logger writing to dir/YYYYMMDD.
func NewLogger(dir string, logger *slog.Logger) (*Logger, error) {
	dl, err := lpjslog.New(dir)
	if err != nil {
		return nil, fmt.Errorf("acct: %w", err)
	}
	return &Logger{dl: dl, log: logger.With("component", "acct"), now: time.Now}, nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.dl.Close()
}

// Record writes a single accounting record.
func (l *Logger) Record(recType string, jobID uint64, message string) {
	if l == nil {
		return
	}
	line := fmt.Sprintf("%s;%s;%d;%s\n", l.now().Format(timeLayout), recType, jobID, message)
	if _, err := l.dl.Write([]byte(line)); err != nil {
		l.log.Error("writing accounting record", "job_id", jobID, "error", err)
	}
}

func base(j *job.Job) []string {
	return []string{
		"user=" + j.User,
		"group=" + j.Group,
		"script=" + j.ScriptName,
		"array_index=" + strconv.FormatUint(uint64(j.ArrayIndex), 10),
		"cores=" + strconv.FormatUint(uint64(j.CoresPerJob), 10),
		"mem_per_core=" + strconv.FormatUint(j.MemPerCoreMiB, 10),
		"qtime=" + unix(j.SubmitTime),
	}
}

func unix(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.Unix(), 10)
}

// Queued writes a Q record.
func (l *Logger) Queued(j *job.Job) {
	l.Record(RecordQueue, j.ID, strings.Join(append(base(j),
		"submit_host="+j.SubmitHost), " "))
}

// Started writes an S record.
func (l *Logger) Started(j *job.Job) {
	l.Record(RecordStart, j.ID, strings.Join(append(base(j),
		"start="+unix(j.StartTime),
		"exec_host="+j.Node), " "))
}

// Ended writes an E record.
func (l *Logger) Ended(j *job.Job) {
	l.Record(RecordEnd, j.ID, strings.Join(append(base(j),
		"start="+unix(j.StartTime),
		"end="+unix(j.EndTime),
		"exec_host="+j.Node,
		"state="+j.State.String(),
		"Exit_status="+strconv.Itoa(j.ExitStatus)), " "))
}

// Deleted writes a D record.
func (l *Logger) Deleted(j *job.Job) {
	l.Record(RecordDelete, j.ID, strings.Join(base(j), " "))
}
