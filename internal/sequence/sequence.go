// Package sequence runs ordered asynchronous stages and reports their progress.
package sequence

import (
	"context"
	"fmt"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Stage is one step of a sequence.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// Progress is reported before and after every stage.
type Progress struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Status Status `json:"status"`
	Err    error  `json:"-"`
}

// Run executes stages in order and stops at the first failure.
// report may be nil.
func Run(ctx context.Context, stages []Stage, report func(Progress)) error {
	if report == nil {
		report = func(Progress) {}
	}
	for i, s := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		report(Progress{Index: i, Name: s.Name, Status: StatusInProgress})
		if err := s.Run(ctx); err != nil {
			report(Progress{Index: i, Name: s.Name, Status: StatusFailed, Err: err})
			return fmt.Errorf("stage %s: %w", s.Name, err)
		}
		report(Progress{Index: i, Name: s.Name, Status: StatusDone})
	}
	return nil
}

// Tracker checks a progress stream produced elsewhere against a declared order.
type Tracker struct {
	names  []string
	status []Status
}

func NewTracker(names ...string) *Tracker {
	st := make([]Status, len(names))
	for i := range st {
		st[i] = StatusPending
	}
	return &Tracker{names: append([]string(nil), names...), status: st}
}

func (t *Tracker) index(name string) int {
	for i, n := range t.names {
		if n == name {
			return i
		}
	}
	return -1
}

// Observe applies one update. A stage may only start or finish once every
// earlier stage is done.
func (t *Tracker) Observe(name string, status Status) error {
	i := t.index(name)
	if i < 0 {
		return fmt.Errorf("unknown stage %q", name)
	}
	for j := 0; j < i; j++ {
		if t.status[j] != StatusDone {
			return fmt.Errorf("stage %s reported %s before %s completed", name, status, t.names[j])
		}
	}
	cur := t.status[i]
	switch status {
	case StatusInProgress:
		if cur != StatusPending && cur != StatusInProgress {
			return fmt.Errorf("stage %s already %s", name, cur)
		}
	case StatusDone:
		if cur == StatusDone || cur == StatusFailed {
			return fmt.Errorf("stage %s already %s", name, cur)
		}
	case StatusFailed:
		if cur == StatusDone {
			return fmt.Errorf("stage %s already done", name)
		}
	default:
		return fmt.Errorf("stage %s: unsupported status %q", name, status)
	}
	t.status[i] = status
	return nil
}

// Complete is true once every stage is done.
func (t *Tracker) Complete() bool {
	for _, s := range t.status {
		if s != StatusDone {
			return false
		}
	}
	return true
}

// Snapshot returns the stages and their status in order.
func (t *Tracker) Snapshot() []Progress {
	out := make([]Progress, len(t.names))
	for i, n := range t.names {
		out[i] = Progress{Index: i, Name: n, Status: t.status[i]}
	}
	return out
}
