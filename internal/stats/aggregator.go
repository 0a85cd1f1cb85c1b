package stats

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/staffdesk/staffdesk/internal/ticket"
)

// Line is one parsed closure record.
type Line struct {
	Type           ticket.IssueType
	Total          int64
	FirstClaimWait int64
	Unclaimed      int64
	Resolution     ticket.Resolution
	Result         ticket.Result
	Staff          []string
}

// TypeRow is one per-issue-type summary row.
type TypeRow struct {
	Type         ticket.IssueType
	Count        int
	AvgTotal     int64
	AvgWait      int64
	AvgUnclaimed int64
	// ResolutionPct maps each resolution value to its share, 0..100.
	ResolutionPct map[ticket.Resolution]float64
	PositivePct   float64
}

// StaffRow is one per-staff summary row.
type StaffRow struct {
	Name  string
	Count int
	// AvgWorked is the average (total - first-claim wait) attributed.
	AvgWorked int64
}

// Aggregator reads monthly buckets back.
type Aggregator struct {
	dir string
}

func NewAggregator(dir string) *Aggregator { return &Aggregator{dir: dir} }

// Month parses the bucket for a "2006-01" key. A missing bucket is a valid
// empty result; any other I/O failure propagates.
func (a *Aggregator) Month(month string) ([]Line, error) {
	path := filepath.Join(a.dir, month+".tsv")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stats: open %s: %w", path, err)
	}
	defer f.Close()

	var out []Line
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		raw := sc.Text()
		if raw == "" {
			continue
		}
		fields := strings.Split(raw, "\t")
		if len(fields) != 7 {
			return nil, fmt.Errorf("stats: malformed record in %s: %q", path, raw)
		}
		total, err1 := strconv.ParseInt(fields[1], 10, 64)
		wait, err2 := strconv.ParseInt(fields[2], 10, 64)
		unclaimed, err3 := strconv.ParseInt(fields[3], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("stats: malformed durations in %s: %q", path, raw)
		}
		var staff []string
		if fields[6] != "" {
			staff = strings.Split(fields[6], ",")
		}
		out = append(out, Line{
			Type:           ticket.IssueType(fields[0]),
			Total:          total,
			FirstClaimWait: wait,
			Unclaimed:      unclaimed,
			Resolution:     ticket.Resolution(fields[4]),
			Result:         ticket.Result(fields[5]),
			Staff:          staff,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("stats: read %s: %w", path, err)
	}
	return out, nil
}

// TypeTable summarizes lines per issue type. sortCol is one of count, total,
// wait, unclaimed, positive, resolved; anything else keeps insertion order.
// Ties keep insertion order of the type.
func TypeTable(lines []Line, sortCol string) []TypeRow {
	type acc struct {
		row         TypeRow
		total       int64
		wait        int64
		unclaimed   int64
		positive    int
		resolutions map[ticket.Resolution]int
	}
	var order []ticket.IssueType
	accs := make(map[ticket.IssueType]*acc)
	for _, l := range lines {
		a, ok := accs[l.Type]
		if !ok {
			a = &acc{row: TypeRow{Type: l.Type}, resolutions: make(map[ticket.Resolution]int)}
			accs[l.Type] = a
			order = append(order, l.Type)
		}
		a.row.Count++
		a.total += l.Total
		a.wait += l.FirstClaimWait
		a.unclaimed += l.Unclaimed
		a.resolutions[l.Resolution]++
		if l.Result.Positive() {
			a.positive++
		}
	}

	rows := make([]TypeRow, 0, len(order))
	for _, t := range order {
		a := accs[t]
		n := int64(a.row.Count)
		a.row.AvgTotal = a.total / n
		a.row.AvgWait = a.wait / n
		a.row.AvgUnclaimed = a.unclaimed / n
		a.row.ResolutionPct = make(map[ticket.Resolution]float64, len(a.resolutions))
		for res, c := range a.resolutions {
			a.row.ResolutionPct[res] = float64(c) * 100 / float64(n)
		}
		a.row.PositivePct = float64(a.positive) * 100 / float64(n)
		rows = append(rows, a.row)
	}

	less := func(i, j int) bool { return false }
	switch sortCol {
	case "count":
		less = func(i, j int) bool { return rows[i].Count > rows[j].Count }
	case "total":
		less = func(i, j int) bool { return rows[i].AvgTotal > rows[j].AvgTotal }
	case "wait":
		less = func(i, j int) bool { return rows[i].AvgWait > rows[j].AvgWait }
	case "unclaimed":
		less = func(i, j int) bool { return rows[i].AvgUnclaimed > rows[j].AvgUnclaimed }
	case "positive":
		less = func(i, j int) bool { return rows[i].PositivePct > rows[j].PositivePct }
	case "resolved":
		less = func(i, j int) bool {
			return rows[i].ResolutionPct[ticket.ResolutionResolved] > rows[j].ResolutionPct[ticket.ResolutionResolved]
		}
	}
	sort.SliceStable(rows, less)
	return rows
}

// StaffTable summarizes lines per staff identity. sortCol is count, time or
// name; anything else keeps first-appearance order.
func StaffTable(lines []Line, sortCol string) []StaffRow {
	type acc struct {
		row    StaffRow
		worked int64
	}
	var order []string
	accs := make(map[string]*acc)
	for _, l := range lines {
		for _, name := range l.Staff {
			a, ok := accs[name]
			if !ok {
				a = &acc{row: StaffRow{Name: name}}
				accs[name] = a
				order = append(order, name)
			}
			a.row.Count++
			a.worked += l.Total - l.FirstClaimWait
		}
	}

	rows := make([]StaffRow, 0, len(order))
	for _, name := range order {
		a := accs[name]
		a.row.AvgWorked = a.worked / int64(a.row.Count)
		rows = append(rows, a.row)
	}

	less := func(i, j int) bool { return false }
	switch sortCol {
	case "count":
		less = func(i, j int) bool { return rows[i].Count > rows[j].Count }
	case "time":
		less = func(i, j int) bool { return rows[i].AvgWorked > rows[j].AvgWorked }
	case "name":
		less = func(i, j int) bool { return rows[i].Name < rows[j].Name }
	}
	sort.SliceStable(rows, less)
	return rows
}
