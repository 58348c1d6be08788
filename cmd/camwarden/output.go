package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loykin/camwarden"
	"github.com/loykin/camwarden/internal/diskguard"
	"github.com/loykin/camwarden/internal/upload"
)

// render writes v as json or yaml, or calls text for the default format.
func render(out io.Writer, format string, v any, text func(io.Writer)) error {
	switch strings.ToLower(format) {
	case "", "text":
		text(out)
		return nil
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

func gb(b uint64) string { return fmt.Sprintf("%.2f GB", float64(b)/(1<<30)) }

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func printReport(w io.Writer, rep camwarden.Report) {
	_, _ = fmt.Fprintf(w, "Daemon: running (pid %d, since %s)\n\n", rep.PID, stamp(rep.StartedAt))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WORKLOAD\tSTATE\tWINDOW\tOPEN\tENDS\tSTARTS\tCRASHES\tLAST ERROR")
	for _, ws := range rep.Supervisor.Workloads {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%d\t%d\t%s\n",
			ws.Name, ws.State, ws.Activation, ws.InWindow, stamp(ws.WindowEnd), ws.Starts, ws.Crashes, ws.LastError)
	}
	_ = tw.Flush()

	if d := rep.Disk; d != nil && !d.At.IsZero() {
		_, _ = fmt.Fprintf(w, "\nDisk: %s free of %s (checked %s)\n", gb(d.Sample.Free), gb(d.Sample.Total), stamp(d.At))
		if f := d.Forecast; f != nil {
			_, _ = fmt.Fprintf(w, "Forecast: %s, %.2f GB/h for %.1f h, predicted free %.2f GB\n",
				f.Status, f.RateBytesPerHour/(1<<30), f.RemainingHours, f.PredictedFree/(1<<30))
		}
		if d.Cleanup != nil && len(d.Cleanup.Deleted) > 0 {
			_, _ = fmt.Fprintf(w, "Last cleanup: freed %s (%s)\n", gb(d.Cleanup.Freed), strings.Join(d.Cleanup.Deleted, ", "))
		}
	}
	if rep.Uploads != nil {
		_, _ = fmt.Fprintln(w)
		printCounts(w, rep.Uploads)
	}
}

func printLocalStatus(w io.Writer, st LocalStatus) {
	if st.Running {
		_, _ = fmt.Fprintf(w, "Daemon: running (pid %d), API unreachable\n", st.PID)
	} else {
		_, _ = fmt.Fprintln(w, "Daemon: not running")
	}
	if st.Uploads != nil {
		printCounts(w, st.Uploads)
	}
}

func printCounts(w io.Writer, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	_, _ = fmt.Fprint(w, "Uploads:")
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, " %s=%d", k, counts[k])
	}
	_, _ = fmt.Fprintln(w)
}

func printCheck(w io.Writer, res diskguard.CheckResult, minFree uint64) {
	_, _ = fmt.Fprintf(w, "%s: %s free of %s (minimum %s)\n", res.Health, gb(res.Sample.Free), gb(res.Sample.Total), gb(minFree))
	if res.Cleanup != nil {
		printCleanup(w, *res.Cleanup)
	}
}

func printCleanup(w io.Writer, res diskguard.CleanupResult) {
	verb := "freed"
	if res.DryRun {
		verb = "would free"
	}
	if len(res.Deleted) == 0 {
		_, _ = fmt.Fprintln(w, "Cleanup: nothing to delete")
		return
	}
	_, _ = fmt.Fprintf(w, "Cleanup: %s %s from %s\n", verb, gb(res.Freed), strings.Join(res.Deleted, ", "))
	if res.Insufficient {
		_, _ = fmt.Fprintln(w, "Cleanup: target not reachable, only protected days remain")
	}
}

func printPass(w io.Writer, res upload.PassResult) {
	_, _ = fmt.Fprintf(w, "Retry pass: %d selected, %d succeeded, %d retrying, %d permanent, %d skipped\n",
		res.Selected, res.Succeeded, res.Retrying, res.Permanent, res.Skipped)
}
