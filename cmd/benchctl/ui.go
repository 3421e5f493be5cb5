package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"cellbench"
	"cellbench/internal/canbus"
	"cellbench/internal/cycler"
	"cellbench/internal/history"
)

// runDisplay renders one bar for every bench taking part in a run. Each bench
// contributes up to 100 units.
type runDisplay struct {
	mu       sync.Mutex
	out      io.Writer
	bar      *progressbar.ProgressBar
	percents map[int]int
}

func newRunDisplay(out io.Writer, benches []int) *runDisplay {
	bar := progressbar.NewOptions(len(benches)*100,
		progressbar.OptionSetDescription(color.CyanString("Waiting for benches")),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        color.CyanString("█"),
			SaucerHead:    color.CyanString("█"),
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWriter(out),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(out, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)

	percents := make(map[int]int, len(benches))
	for _, b := range benches {
		percents[b] = 0
	}
	return &runDisplay{out: out, bar: bar, percents: percents}
}

// Update is a cellbench.ProgressFunc.
func (d *runDisplay) Update(u cellbench.RunUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u.Percent >= 0 {
		d.percents[u.Bench] = u.Percent
	}
	total := 0
	for _, p := range d.percents {
		total += p
	}

	d.bar.Clear()
	fmt.Fprintln(d.out, statusLine(u))
	d.bar.Describe(color.CyanString("Bench %d: ", u.Bench) + fmt.Sprintf("%d%%", d.percents[u.Bench]))
	d.bar.Set(total)
}

func (d *runDisplay) Finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bar.Finish()
}

func statusLine(u cellbench.RunUpdate) string {
	switch {
	case strings.Contains(u.Status, " failed "):
		return color.RedString("✗ %s", u.Status)
	case strings.Contains(u.Status, " stopped "):
		return color.YellowString("■ %s", u.Status)
	case strings.Contains(u.Status, " completed "):
		return color.GreenString("✓ %s", u.Status)
	default:
		return fmt.Sprintf("  [bench %d] %s", u.Bench, u.Status)
	}
}

func printSummary(out io.Writer, results []*cellbench.RunResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].Bench < results[j].Bench })

	fmt.Fprintln(out)
	color.New(color.Bold).Fprintln(out, "Summary")
	for _, r := range results {
		line := fmt.Sprintf("bench %-3d cell %-3d %-24s %-9s %s", r.Bench, r.Cell, r.TestType, r.State, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
		if reading, ok := r.LastReading(); ok {
			line += fmt.Sprintf("  %.3f V  %.1f °C", reading.Voltage, reading.Temperature)
		}
		stateColor(string(r.State)).Fprintln(out, line)
		if r.Err != nil {
			fmt.Fprintf(out, "    %v\n", r.Err)
		}
	}
}

func printHistory(out io.Writer, runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs recorded")
		return
	}
	color.New(color.Bold).Fprintf(out, "%-20s %-5s %-5s %-13s %-9s %-6s %-8s %s\n", "STARTED", "BENCH", "CELL", "TEST", "STATE", "STEPS", "VOLTAGE", "ERROR")
	for _, r := range runs {
		stateColor(r.State).Fprintf(out, "%-20s %-5d %-5d %-13s %-9s %-6d %-8.3f %s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Bench, r.Cell, r.TestType, r.State, r.Steps, r.Voltage, r.Error)
	}
}

func stateColor(state string) *color.Color {
	switch cellbench.RunState(state) {
	case cellbench.RunCompleted:
		return color.New(color.FgGreen)
	case cellbench.RunStopped:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func printMessages(out io.Writer, messages []cycler.Message) {
	for _, m := range messages {
		color.New(color.Bold).Fprintf(out, "%s", m.Name)
		fmt.Fprintf(out, "  id 0x%03X + bench  dlc %d  %s\n", m.BaseID, m.Length, m.Direction)
		for _, sig := range m.Signals {
			kind := "unsigned"
			if sig.Signed {
				kind = "signed"
			}
			fmt.Fprintf(out, "  %-12s bit %2d len %2d %-8s scale %-6g %s\n", sig.Name, sig.Start, sig.Length, kind, sig.Scale, sig.Unit)
		}
	}
}

func printTrace(out io.Writer, frames []canbus.SentFrame) {
	if len(frames) == 0 {
		return
	}
	fmt.Fprintln(out)
	color.New(color.Bold).Fprintln(out, "Frames sent")
	start := frames[0].At
	for _, f := range frames {
		cmd, err := cycler.DecodeCommand(f.Frame)
		if err != nil {
			fmt.Fprintf(out, "%10s  %s\n", f.At.Sub(start).Round(time.Millisecond), f.Frame.String())
			continue
		}
		fmt.Fprintf(out, "%10s  bench %-3d cell %-3d step %d seq %-3d %-12s %7.3f A %6.3f V\n",
			f.At.Sub(start).Round(time.Millisecond), cmd.Bench, cmd.Cell, cmd.Step, cmd.Sequence, cmd.Mode, cmd.Current, cmd.Voltage)
	}
}
