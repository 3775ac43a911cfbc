package fault

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

// Report is the complete accounting of one run: how many tasks were
// processed, which failed, which were never attempted, and optional timing
// statistics when timing was enabled.
type Report struct {
	Job       string
	Total     int
	Processed int
	Failed    int
	Capacity  int
	State     State

	FailingIndices []int
	NeverAttempted []int

	TimingMean    time.Duration
	TimingStd     time.Duration
	TimingSamples int

	Elapsed time.Duration
}

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
)

// Render writes a human-readable summary table to w.
func (r *Report) Render(w io.Writer) error {
	c := okColor
	if r.State == Aborted {
		c = failColor
	}
	c.Fprintf(w, "%s %s in %s\n", r.name(), r.State, r.Elapsed.Round(time.Millisecond))

	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")

	rows := [][]string{
		{"Total", fmt.Sprintf("%d", r.Total)},
		{"Processed", fmt.Sprintf("%d", r.Processed)},
		{"Failed", fmt.Sprintf("%d / %d allowed", r.Failed, r.Capacity)},
		{"Never attempted", fmt.Sprintf("%d", len(r.NeverAttempted))},
	}
	if len(r.FailingIndices) > 0 {
		rows = append(rows, []string{"Failing indices", joinInts(r.FailingIndices, 20)})
	}
	if r.TimingSamples > 0 {
		rows = append(rows,
			[]string{"Timing mean", r.TimingMean.Round(time.Microsecond).String()},
			[]string{"Timing std", r.TimingStd.Round(time.Microsecond).String()},
		)
	}

	for _, row := range rows {
		if err := table.Append(row[0], row[1]); err != nil {
			return err
		}
	}
	return table.Render()
}

func (r *Report) String() string {
	return fmt.Sprintf("%s(%d/%d processed, %d failed, %s)",
		r.name(), r.Processed, r.Total, r.Failed, r.State)
}

func (r *Report) name() string {
	if r.Job == "" {
		return "run"
	}
	return r.Job
}

// joinInts formats up to limit indices, eliding the rest.
func joinInts(v []int, limit int) string {
	var b strings.Builder
	for i, x := range v {
		if i == limit {
			fmt.Fprintf(&b, "... (%d more)", len(v)-limit)
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d", x)
	}
	return b.String()
}
