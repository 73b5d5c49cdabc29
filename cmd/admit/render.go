package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/lewta/admit/internal/config"
	"github.com/lewta/admit/internal/driver"
	"github.com/lewta/admit/internal/ratelimit"
	"github.com/lewta/admit/internal/task"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Faint(true)
	openStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	heldStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// renderRules prints one row per rule of scope, evaluated at now.
func renderRules(w io.Writer, scope string, rules []ratelimit.RuleState, now time.Time) {
	fmt.Fprintln(w, headingStyle.Render("Scope "+scope))
	fmt.Fprintf(w, "  %-14s %-9s %-10s %-8s %s\n", "RULE", "HITS", "AVAILABLE", "WAIT", "STATE")
	for _, r := range rules {
		hits := "-"
		if !r.ObservedAt.IsZero() {
			hits = fmt.Sprintf("%d/%d", r.Hits, r.MaxHits)
		}

		state := openStyle.Render("open")
		if !r.IsReachable(now) {
			state = heldStyle.Render("held")
		}
		if r.Cooldown > 0 && now.Sub(r.ObservedAt) < r.Cooldown {
			state = errStyle.Render("cooldown")
		}

		fmt.Fprintf(w, "  %-14s %-9s %-10d %-8s %s\n",
			r.Identity.String(),
			hits,
			r.AvailableHits(now),
			r.WaitTime(now).Round(time.Second),
			state,
		)
	}
	fmt.Fprintln(w)
}

// probeStats accumulates latency for the probe summary.
type probeStats struct {
	total   int
	success int
	minDur  time.Duration
	maxDur  time.Duration
	sumDur  time.Duration
}

func (s *probeStats) add(res task.Result) {
	s.total++
	if res.Error != nil {
		return
	}
	s.success++
	s.sumDur += res.Duration
	if s.success == 1 || res.Duration < s.minDur {
		s.minDur = res.Duration
	}
	if res.Duration > s.maxDur {
		s.maxDur = res.Duration
	}
}

func (s *probeStats) print(w io.Writer, target string) {
	fmt.Fprintf(w, "\n--- %s ---\n", target)
	fmt.Fprintf(w, "%d sent, %d ok, %d error(s)\n", s.total, s.success, s.total-s.success)
	if s.success > 0 {
		avg := s.sumDur / time.Duration(s.success)
		fmt.Fprintf(w, "min/avg/max latency: %s / %s / %s\n",
			s.minDur.Round(time.Millisecond),
			avg.Round(time.Millisecond),
			s.maxDur.Round(time.Millisecond),
		)
	}
}

// probeLine formats one probe result. A failed status still shows its
// code; a transport failure shows only the error.
func probeLine(res task.Result) string {
	dur := res.Duration.Round(time.Millisecond)
	var te *driver.TransportError
	switch {
	case res.Response != nil:
		line := fmt.Sprintf("  %3d  %6s  %s", res.StatusCode(), dur, probeFormatBytes(int64(len(res.Response.Body))))
		if a := res.Admission; a != nil && a.Available != ratelimit.Unbounded {
			line += fmt.Sprintf("  %d left", a.Available)
		}
		if a := res.Admission; a != nil && a.Waited > 0 {
			line += fmt.Sprintf("  held %s", a.Waited.Round(time.Millisecond))
		}
		if res.Error != nil {
			return errStyle.Render(line)
		}
		return line
	case errors.As(res.Error, &te):
		return errStyle.Render(fmt.Sprintf("  ERR  %v", te.Err))
	default:
		return errStyle.Render(fmt.Sprintf("  ERR  %v", res.Error))
	}
}

func probeFormatBytes(n int64) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func printDryRun(w io.Writer, path string, cfg *config.Config) {
	fmt.Fprintf(w, "Config: %s  %s\n\n", path, openStyle.Render("valid"))

	totalWeight := 0
	for _, t := range cfg.Targets {
		totalWeight += t.Weight
	}
	sorted := sortedByWeight(cfg.Targets)

	fmt.Fprintln(w, headingStyle.Render(fmt.Sprintf("Targets (%d):", len(sorted))))
	fmt.Fprintf(w, "  %-40s %-8s %-8s %s\n", "URL", "METHOD", "WEIGHT", "SHARE")
	for _, t := range sorted {
		share := 0.0
		if totalWeight > 0 {
			share = float64(t.Weight) / float64(totalWeight) * 100
		}
		fmt.Fprintf(w, "  %-40s %-8s %-8d %.1f%%\n", t.URL, t.Method, t.Weight, share)
	}
	requests := cfg.Requests
	if requests == 0 {
		requests = len(cfg.Targets)
	}
	fmt.Fprintf(w, "  Total weight: %d | requests: %d\n\n", totalWeight, requests)

	s := cfg.Scheduler
	fmt.Fprintln(w, headingStyle.Render("Scheduler:"))
	fmt.Fprintf(w, "  scope: %s | inter-request: %dms | inter-batch: %dms | idle: %dms | discovery batch: %d\n",
		s.Scope, s.InterRequestMs, s.InterBatchMs, s.IdleMs, s.DiscoveryBatch)
	if s.MaxRPS > 0 {
		fmt.Fprintf(w, "  max rps: %.2f\n", s.MaxRPS)
	}
	for i, win := range s.Windows {
		fmt.Fprintf(w, "  window[%d] cron: %q  duration: %dm\n", i, win.Cron, win.DurationMinutes)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, headingStyle.Render("Seeded rules:"))
	if len(cfg.RateLimits.Seed) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  none (discovered from response headers)"))
	}
	for _, sr := range cfg.RateLimits.Seed {
		fmt.Fprintf(w, "  %-10s %v\n", sr.Scope, sr.Rules)
	}
	if cfg.Store.Path != "" {
		fmt.Fprintf(w, "\nStore: %s (flush every %dms)\n", cfg.Store.Path, cfg.Store.FlushMs)
	}
}
