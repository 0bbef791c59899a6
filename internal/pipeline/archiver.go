// Package pipeline runs the background jobs that keep the TCA store lean.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

// ArchiveLockKey serialises archive runs across replicas.
const ArchiveLockKey = "tca:archive"

const archiveLockTTL = 30 * time.Minute

// Archiver moves aged analyses and alerts from the database to cold storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	locks         domain.LockManager
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates a new Archiver. locks may be nil for single-instance
// deployments.
func NewArchiver(blobArchiver domain.Archiver, locks domain.LockManager, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		locks:         locks,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// RunResult reports what one archive run moved.
type RunResult struct {
	Cutoff   time.Time `json:"cutoff"`
	Analyses int64     `json:"analyses"`
	Alerts   int64     `json:"alerts"`
	Skipped  bool      `json:"skipped"`
}

// Run executes a single archive pass over records older than the retention
// period. When another replica holds the archive lock the run is skipped.
func (a *Archiver) Run(ctx context.Context) (RunResult, error) {
	cutoff := a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	res := RunResult{Cutoff: cutoff}

	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, ArchiveLockKey, archiveLockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.Info("archive run skipped, lock held elsewhere")
			res.Skipped = true
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("pipeline: archive lock: %w", err)
		}
		defer unlock()
	}

	a.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	var err error
	if res.Analyses, err = a.blobArchiver.ArchiveAnalyses(ctx, cutoff); err != nil {
		return res, fmt.Errorf("pipeline: archiving analyses before %v: %w", cutoff, err)
	}
	if res.Alerts, err = a.blobArchiver.ArchiveAlerts(ctx, cutoff); err != nil {
		return res, fmt.Errorf("pipeline: archiving alerts before %v: %w", cutoff, err)
	}

	a.logger.Info("archive run complete",
		slog.Int64("analyses_archived", res.Analyses),
		slog.Int64("alerts_archived", res.Alerts),
	)
	return res, nil
}

// RunCron runs the archiver on a five-field cron schedule
// ("minute hour day-of-month month day-of-week") until ctx is cancelled.
// Fields accept "*", lists, ranges and steps, e.g. "0 3 1 * *" or "*/15 * * * 1-5".
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("pipeline: parsing cron expression %q: %w", cronExpr, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.next(a.now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: cron %q: %w", cronExpr, err)
		}
		wait := next.Sub(a.now())
		a.logger.Debug("archiver waiting for next trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField is the set of values a field matches, indexed by value.
type cronField []bool

// parseCronField parses "*", "5", "1,15", "1-5", "*/10" and "10-40/5" within
// [lo, hi].
func parseCronField(field string, lo, hi int) (cronField, error) {
	f := make(cronField, hi+1)
	for _, part := range strings.Split(field, ",") {
		rangePart, step := part, 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			s, err := strconv.Atoi(part[i+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
			rangePart, step = part[:i], s
		}

		start, end := lo, hi
		switch {
		case rangePart == "*":
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			var err1, err2 error
			start, err1 = strconv.Atoi(bounds[0])
			end, err2 = strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("invalid range %q", rangePart)
			}
		default:
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", rangePart)
			}
			start, end = v, v
		}
		if start < lo || end > hi || start > end {
			return nil, fmt.Errorf("%q outside %d-%d", part, lo, hi)
		}
		for v := start; v <= end; v += step {
			f[v] = true
		}
	}
	return f, nil
}

type cronSchedule struct {
	minute, hour, dom, month, dow cronField
}

func parseCron(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	limits := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	parsed := make([]cronField, 5)
	for i, field := range fields {
		f, err := parseCronField(field, limits[i][0], limits[i][1])
		if err != nil {
			return cronSchedule{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		parsed[i] = f
	}
	return cronSchedule{parsed[0], parsed[1], parsed[2], parsed[3], parsed[4]}, nil
}

func (c cronSchedule) matches(t time.Time) bool {
	return c.minute[t.Minute()] && c.hour[t.Hour()] && c.dom[t.Day()] &&
		c.month[int(t.Month())] && c.dow[int(t.Weekday())]
}

// next returns the first matching minute strictly after after, searching up
// to one year ahead.
func (c cronSchedule) next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, errors.New("no matching time within one year")
}
