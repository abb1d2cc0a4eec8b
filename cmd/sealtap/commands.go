package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/httpseal/sealtap/pkg/capture"
	"github.com/httpseal/sealtap/pkg/har"
)

func newHARCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "har <session-dir>",
		Short: "Convert a recorded session to HAR 1.2",
		Long: `Pairs the request and response entries of network_activity.json by flow
and writes an HTTP Archive. Bodies are the recorded previews, so they may be
truncated or missing depending on the session's level.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := har.FromSession(args[0], version)
			if err != nil {
				return err
			}
			data, err := doc.ToJSON()
			if err != nil {
				return fmt.Errorf("failed to encode HAR: %w", err)
			}
			data = append(data, '\n')

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d entries to %s\n", len(doc.Log.Entries), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	return cmd
}

func newInspectCommand() *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "inspect <session-dir>",
		Short: "Summarize a recorded session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := capture.LoadSummary(args[0])
			if err != nil {
				return fmt.Errorf("failed to load session summary: %w", err)
			}
			records, err := capture.LoadActivity(args[0])
			if err != nil {
				return fmt.Errorf("failed to load activity: %w", err)
			}
			renderInspect(cmd.OutOrStdout(), summary, records, top)
			return nil
		},
	}
	cmd.Flags().IntVar(&top, "top", 10, "Number of hosts to list")
	return cmd
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	labelStyle = lipgloss.NewStyle().
			Width(22).
			Foreground(lipgloss.Color("245"))

	missingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

func renderInspect(w io.Writer, summary *capture.SessionSummary, records []capture.ActivityRecord, top int) {
	row := func(label, value string) {
		fmt.Fprintf(w, "%s%s\n", labelStyle.Render(label), value)
	}
	ref := func(p *string) string {
		if p == nil {
			return missingStyle.Render("not written")
		}
		return *p
	}

	fmt.Fprintln(w, titleStyle.Render("Session "+summary.SessionID))
	row("Level", summary.Level.String())
	if summary.StartTime != nil {
		row("Started", summary.StartTime.Format("2006-01-02 15:04:05"))
		row("Duration", summary.EndTime.Sub(*summary.StartTime).Round(time.Millisecond).String())
	} else {
		row("Started", missingStyle.Render("no traffic"))
	}
	row("Requests", fmt.Sprint(summary.TotalRequests))
	row("Responses", fmt.Sprint(summary.TotalResponses))
	row("Performance records", fmt.Sprint(summary.PerformanceMetricsCount))
	row("WebSocket messages", fmt.Sprint(summary.WebSocketMessagesCount))
	row("Activity", summary.Files.NetworkActivity)
	row("Performance", ref(summary.Files.PerformanceMetrics))
	row("Messages", ref(summary.Files.WebSocketMessages))

	hosts := hostCounts(records)
	if len(hosts) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Requests by host"))
	for i, h := range hosts {
		if i == top {
			fmt.Fprintln(w, missingStyle.Render(fmt.Sprintf("... %d more", len(hosts)-top)))
			break
		}
		row(h.host, fmt.Sprint(h.count))
	}
}

type hostCount struct {
	host  string
	count int
}

// hostCounts tallies request entries per host, busiest first
func hostCounts(records []capture.ActivityRecord) []hostCount {
	counts := make(map[string]int)
	for _, rec := range records {
		if rec.Type != capture.KindRequest {
			continue
		}
		host := rec.URL
		if i := strings.Index(host, "://"); i >= 0 {
			host = host[i+3:]
		}
		if i := strings.IndexAny(host, "/?#"); i >= 0 {
			host = host[:i]
		}
		counts[host]++
	}

	out := make([]hostCount, 0, len(counts))
	for host, n := range counts {
		out = append(out, hostCount{host, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].host < out[j].host
	})
	return out
}
