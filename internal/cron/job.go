package cron

import (
	"context"
	"time"
)

// JobFunc does one scheduled unit of work. The returned string is logged.
type JobFunc func(ctx context.Context) (string, error)

// Job is a named recurring task. Spec is a robfig cron expression with a
// leading seconds field, e.g. "0 */10 * * * *".
type Job struct {
	Name  string
	Spec  string
	State JobState
}

type JobState struct {
	Runs       int
	LastRunAt  time.Time
	LastStatus string
	LastError  string
}
