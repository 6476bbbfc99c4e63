package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"dispatchd/internal/periodic"
	"dispatchd/internal/status"
)

func statusCmd() *cobra.Command {
	var (
		addr    string
		token   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the live scheduler status of a running dispatchd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			st, err := fetchStatus(ctx, addr, token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", status.DefaultAddr, "status server address (host:port or URL)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func fetchStatus(ctx context.Context, addr, token string) (periodic.Status, error) {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/status", nil)
	if err != nil {
		return periodic.Status{}, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return periodic.Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return periodic.Status{}, fmt.Errorf("status: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var st periodic.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return periodic.Status{}, fmt.Errorf("status: decode: %w", err)
	}
	return st, nil
}

var statusHeader = table.Row{"Schedule", "Interval (s)", "Offset (s)", "Last run (s ago)", "Next run in (s)", "Runs", "Missed"}

func renderStatus(st periodic.Status) string {
	tw := table.NewWriter()
	tw.SetTitle(fmt.Sprintf("%s  (started %s, now %s, +%.3fs)", st.Title, st.StartedTime, st.CurrentTime, st.CurrentTimeRelative))
	tw.AppendHeader(statusHeader)
	for _, s := range st.Schedules {
		last := "-"
		if s.LastRunSecondsAgo != nil {
			last = fmt.Sprintf("%.3f", *s.LastRunSecondsAgo)
		}
		tw.AppendRow(table.Row{
			s.Name,
			s.IntervalSeconds,
			s.OffsetSeconds,
			last,
			fmt.Sprintf("%.3f", s.NextRunInSeconds),
			s.CompletedRuns,
			s.MissedRuns,
		})
	}
	tw.AppendFooter(table.Row{"total", st.TotalSchedules})
	return tw.Render()
}
