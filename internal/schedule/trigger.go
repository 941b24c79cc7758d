// Package schedule maintains cron, interval, and one-shot tasks in a single
// time-ordered queue and fires due tasks onto a bounded worker pool.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/meshboard/meshboard/pkg/plugin"
	"github.com/robfig/cron/v3"
)

// TriggerKind discriminates the three trigger flavors.
type TriggerKind string

const (
	KindCron     TriggerKind = "cron"
	KindInterval TriggerKind = "interval"
	KindOneShot  TriggerKind = "oneshot"
)

// ErrInvalidTrigger is returned when a task spec does not declare exactly
// one well-formed trigger.
var ErrInvalidTrigger = errors.New("invalid trigger")

// Trigger reduces every flavor to a "next run at" computation.
type Trigger struct {
	Kind  TriggerKind
	Cron  string
	Every time.Duration
	At    time.Time

	schedule cron.Schedule // Parsed cron expression, nil for other kinds
}

// NewTrigger validates a task spec's trigger declaration. Exactly one of
// Cron, Every, or At must be set.
func NewTrigger(spec plugin.TaskSpec) (Trigger, error) {
	set := 0
	if spec.Cron != "" {
		set++
	}
	if spec.Every != 0 {
		set++
	}
	if !spec.At.IsZero() {
		set++
	}
	if set != 1 {
		return Trigger{}, fmt.Errorf("%w: exactly one of cron, every, at must be set", ErrInvalidTrigger)
	}

	switch {
	case spec.Cron != "":
		sched, err := cron.ParseStandard(spec.Cron)
		if err != nil {
			return Trigger{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidTrigger, spec.Cron, err)
		}
		return Trigger{Kind: KindCron, Cron: spec.Cron, schedule: sched}, nil
	case spec.Every != 0:
		if spec.Every < time.Second {
			return Trigger{}, fmt.Errorf("%w: interval %s below 1s minimum", ErrInvalidTrigger, spec.Every)
		}
		return Trigger{Kind: KindInterval, Every: spec.Every}, nil
	default:
		return Trigger{Kind: KindOneShot, At: spec.At}, nil
	}
}

// Next computes the next firing time strictly from now; the result is never
// before now. ok is false when the trigger is exhausted (a one-shot that has
// already fired).
//
// fired reports whether the task has fired before: a one-shot whose moment
// has passed still fires once (ok with next=now) if it never ran, and is
// exhausted if it did.
func (t Trigger) Next(now time.Time, fired bool) (next time.Time, ok bool) {
	switch t.Kind {
	case KindCron:
		return t.schedule.Next(now), true
	case KindInterval:
		return now.Add(t.Every), true
	default:
		if fired {
			return time.Time{}, false
		}
		if t.At.After(now) {
			return t.At, true
		}
		return now, true
	}
}
