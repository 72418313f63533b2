package state

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/synthmon/platform/internal/app/domain/alertdom"
)

// SubjectLister supplies the set of subjects a Heartbeat composes a summary
// over (test states for tenant tests, domain states for the domain monitor).
type SubjectLister interface {
	Subjects(ctx context.Context) ([]alertdom.SubjectSummary, error)
}

// AlertBookkeeper persists the last heartbeat timestamp so a restart within
// the same minute does not fire an anchor twice. An anchor minute that passes
// while the process is down is not fired later.
type AlertBookkeeper interface {
	GetLastHeartbeatAt(ctx context.Context) (time.Time, error)
	PutLastHeartbeatAt(ctx context.Context, at time.Time) error
}

// Heartbeat fires a summary alert at configured wall-clock anchors ("HH:MM"
// cron-style), using robfig/cron's schedule parser purely for the "does now
// match one of these anchors" check rather than running its own scheduler
// goroutine (the app package's heartbeatService calls MaybeFire once a
// minute). Anchors are matched in the location of the time passed to
// MaybeFire: heartbeatService passes UTC, and HeartbeatConfig.Timezone is
// not applied.
type Heartbeat struct {
	parser   cron.Parser
	schedule []cron.Schedule
	lister   SubjectLister
	book     AlertBookkeeper
	sink     Sink
}

// NewHeartbeat parses the configured "HH:MM" anchors into daily cron
// schedules ("M H * * *").
func NewHeartbeat(anchors []string, lister SubjectLister, book AlertBookkeeper, sink Sink) (*Heartbeat, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	var schedules []cron.Schedule
	for _, a := range anchors {
		var hh, mm int
		if _, err := fmt.Sscanf(a, "%d:%d", &hh, &mm); err != nil {
			return nil, fmt.Errorf("heartbeat: invalid anchor %q: %w", a, err)
		}
		expr := fmt.Sprintf("%d %d * * *", mm, hh)
		sched, err := parser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("heartbeat: parse anchor %q: %w", a, err)
		}
		schedules = append(schedules, sched)
	}
	return &Heartbeat{parser: parser, schedule: schedules, lister: lister, book: book, sink: sink}, nil
}

// MaybeFire checks whether now matches a configured anchor that hasn't
// already fired this minute, and if so composes and sends a summary.
func (h *Heartbeat) MaybeFire(ctx context.Context, now time.Time) error {
	last, err := h.book.GetLastHeartbeatAt(ctx)
	if err != nil {
		last = time.Time{}
	}
	if !h.anchorDue(now, last) {
		return nil
	}

	subjects, err := h.lister.Subjects(ctx)
	if err != nil {
		return fmt.Errorf("heartbeat: list subjects: %w", err)
	}

	summary := alertdom.HeartbeatSummary{GeneratedAt: now, Subjects: subjects}
	for _, s := range subjects {
		if s.Failing {
			summary.FailingCount++
		}
	}

	text := renderHeartbeat(summary)
	_ = h.sink.Send(ctx, text)

	return h.book.PutLastHeartbeatAt(ctx, now)
}

func (h *Heartbeat) anchorDue(now, last time.Time) bool {
	if now.Truncate(time.Minute).Equal(last.Truncate(time.Minute)) {
		return false
	}
	for _, sched := range h.schedule {
		next := sched.Next(now.Add(-time.Minute))
		if next.Truncate(time.Minute).Equal(now.Truncate(time.Minute)) {
			return true
		}
	}
	return false
}

func renderHeartbeat(s alertdom.HeartbeatSummary) string {
	text := fmt.Sprintf("Heartbeat %s: %d/%d subjects failing\n", s.GeneratedAt.Format(time.RFC3339), s.FailingCount, len(s.Subjects))
	for _, sub := range s.Subjects {
		status := "ok"
		if sub.Failing {
			status = "FAILING"
		}
		text += fmt.Sprintf("- %s (%s): %s, last_elapsed=%dms\n", sub.DisplayName, status, sub.SubjectID, sub.LastElapsed)
	}
	return text
}
