package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/steward/internal/chat"
	"github.com/nugget/steward/internal/schedule"
	"github.com/nugget/steward/internal/scheduler"
)

// defaultHistoryLimit is how many executions "steward history" shows
// without -n.
const defaultHistoryLimit = 20

// runAsk handles "steward ask <message>". It starts one session on the
// configured backend, sends a single message, prints the reply to
// stdout, and closes the session. Logs go to stderr so stdout carries
// only the reply.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, logCloser, err := newLogger(stderr, cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	t, err := chat.NewTransport(cfg, logger)
	if err != nil {
		return err
	}
	sess := chat.NewSession("cli-ask", t, chat.OptionsFromConfig(cfg, logger))
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	response, err := sess.Send(ctx, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, response)
	return nil
}

// specReport is the output of "steward parse".
type specReport struct {
	Spec      string           `json:"spec"`
	Canonical string           `json:"canonical"`
	Trigger   schedule.Trigger `json:"trigger"`
	NextRuns  []time.Time      `json:"next_runs"`
}

// describeSpec parses spec and computes its first few run times after now.
func describeSpec(spec string, now time.Time, runs int) (specReport, error) {
	trig, err := schedule.Parse(spec)
	if err != nil {
		return specReport{}, err
	}
	r := specReport{Spec: spec, Canonical: trig.String(), Trigger: trig}
	next := trig.First(now)
	for range runs {
		r.NextRuns = append(r.NextRuns, next)
		next = trig.Advance(next, next)
	}
	return r, nil
}

// runParse handles "steward parse <spec>".
func runParse(w io.Writer, outputFmt string, spec string) error {
	r, err := describeSpec(spec, time.Now(), 3)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(w, r)
	}
	fmt.Fprintf(w, "spec:      %s\n", r.Spec)
	fmt.Fprintf(w, "canonical: %s\n", r.Canonical)
	for i, t := range r.NextRuns {
		fmt.Fprintf(w, "run %d:     %s\n", i+1, t.Format("Mon 2006-01-02 15:04:05 MST"))
	}
	return nil
}

// runPlans handles "steward plans". It reads the plan file directly
// and does not start any session.
func runPlans(w io.Writer, outputFmt string, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Plans.Path == "" {
		return errors.New("task plans are disabled (plans.path is empty)")
	}
	store, err := scheduler.NewPlanStore(cfg.Plans.Path, nil)
	if err != nil {
		return err
	}
	return printPlans(w, outputFmt, store.List())
}

func printPlans(w io.Writer, outputFmt string, plans []scheduler.TaskPlan) error {
	if outputFmt == "json" {
		if plans == nil {
			plans = []scheduler.TaskPlan{}
		}
		return writeJSON(w, plans)
	}
	if len(plans) == 0 {
		fmt.Fprintln(w, "No saved task plans.")
		return nil
	}
	for _, p := range plans {
		fmt.Fprintf(w, "%s (%d tasks, created %s)\n", p.Name, len(p.Tasks), p.CreatedAt.Local().Format("2006-01-02 15:04"))
		for _, t := range p.Tasks {
			fmt.Fprintf(w, "  %-20s %s\n", t.ScheduleSpec, t.Message)
		}
	}
	return nil
}

// runHistory handles "steward history [session] [-n N]".
func runHistory(w io.Writer, outputFmt string, configPath string, args []string) error {
	sessionID, limit, err := parseHistoryArgs(args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Scheduler.HistoryDB == "" {
		return errors.New("execution history is disabled (scheduler.history_db is empty)")
	}
	if _, err := os.Stat(cfg.Scheduler.HistoryDB); errors.Is(err, os.ErrNotExist) {
		return printExecutions(w, outputFmt, nil)
	}

	store, err := scheduler.NewStore(cfg.Scheduler.HistoryDB)
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer store.Close()

	execs, err := store.ListExecutions(sessionID, limit)
	if err != nil {
		return err
	}
	return printExecutions(w, outputFmt, execs)
}

func parseHistoryArgs(args []string) (sessionID string, limit int, err error) {
	limit = defaultHistoryLimit
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-n" && i+1 < len(args):
			limit, err = strconv.Atoi(args[i+1])
			i++
		case strings.HasPrefix(args[i], "-n="):
			limit, err = strconv.Atoi(strings.TrimPrefix(args[i], "-n="))
		case strings.HasPrefix(args[i], "-"):
			return "", 0, fmt.Errorf("unknown history flag: %s", args[i])
		case sessionID == "":
			sessionID = args[i]
		default:
			return "", 0, fmt.Errorf("usage: steward history [session] [-n N]")
		}
		if err != nil {
			return "", 0, fmt.Errorf("invalid -n value: %w", err)
		}
	}
	if limit <= 0 {
		return "", 0, fmt.Errorf("-n must be positive")
	}
	return sessionID, limit, nil
}

func printExecutions(w io.Writer, outputFmt string, execs []*scheduler.Execution) error {
	if outputFmt == "json" {
		if execs == nil {
			execs = []*scheduler.Execution{}
		}
		return writeJSON(w, execs)
	}
	if len(execs) == 0 {
		fmt.Fprintln(w, "No executions recorded.")
		return nil
	}
	for _, e := range execs {
		took := "-"
		if e.StartedAt != nil && e.CompletedAt != nil {
			took = e.CompletedAt.Sub(*e.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s  %-10s %-9s %8s  +%d  %s\n",
			e.ScheduledAt.Local().Format("2006-01-02 15:04:05"),
			e.SessionID, e.Status, took, e.Continuations, e.Message)
	}
	return nil
}
