// Package stats appends one fixed-format record per ticket closure to a
// monthly log and computes summaries back out of it.
package stats

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/staffdesk/staffdesk/internal/ticket"
)

// Recorder appends closure records to one tab-separated file per calendar
// month. Append failures propagate: silently losing statistics corrupts
// downstream reporting.
type Recorder struct {
	dir string
}

func NewRecorder(dir string) *Recorder { return &Recorder{dir: dir} }

// MonthKey formats the bucket key for a closure instant.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// Append writes one 7-field line: type, total duration, first-claim wait,
// cumulative unclaimed time, resolution, result, comma-joined staff.
func (r *Recorder) Append(rep *ticket.FinalReport) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("stats: mkdir %s: %w", r.dir, err)
	}
	path := filepath.Join(r.dir, MonthKey(time.UnixMilli(rep.ClosedAt))+".tsv")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("stats: open %s: %w", path, err)
	}
	defer f.Close()
	line := fmt.Sprintf("%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
		rep.Type, rep.Total, rep.FirstClaimWait, rep.Unclaimed,
		rep.Resolution, rep.Result, strings.Join(rep.Staff, ","))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("stats: append %s: %w", path, err)
	}
	return nil
}
