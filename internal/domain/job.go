package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a broadcast job.
type JobStatus string

const (
	JobStatusDraft   JobStatus = "draft"
	JobStatusRunning JobStatus = "running"
	JobStatusPaused  JobStatus = "paused"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

func (s JobStatus) String() string { return string(s) }

func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusDraft, JobStatusRunning, JobStatusPaused, JobStatusDone, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no worker will ever run for the job again without an explicit restart.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// CanTransitionTo encodes the job state machine.
//
//	draft   -> running, paused
//	running -> paused, done, failed
//	paused  -> running
//	failed  -> running (explicit Start only)
//	done    -> (absorbing)
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s == next {
		return s == JobStatusRunning || s == JobStatusPaused
	}

	switch s {
	case JobStatusDraft:
		return next == JobStatusRunning || next == JobStatusPaused
	case JobStatusRunning:
		return next == JobStatusPaused || next == JobStatusDone || next == JobStatusFailed
	case JobStatusPaused:
		return next == JobStatusRunning
	case JobStatusFailed:
		return next == JobStatusRunning
	}
	return false
}

var jobStatuses = []JobStatus{JobStatusDraft, JobStatusRunning, JobStatusPaused, JobStatusDone, JobStatusFailed}

// TransitionSources lists the states from which next is reachable. Repositories use it
// to make status writes conditional.
func TransitionSources(next JobStatus) []JobStatus {
	sources := make([]JobStatus, 0, len(jobStatuses))
	for _, s := range jobStatuses {
		if s.CanTransitionTo(next) {
			sources = append(sources, s)
		}
	}
	return sources
}

func ParseJobStatusFromString(s string) (JobStatus, error) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid job status %q", ErrValidation, s)
	}
	return st, nil
}

// MaxTextLength bounds a broadcast message (in characters).
const MaxTextLength = 4096

// Job is one authored broadcast with its target-resolution snapshot.
type Job struct {
	ID         string
	Audience   string
	Text       string
	Status     JobStatus
	Total      int
	Sent       int
	Failed     int
	LastError  *string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time
}

// ValidateText checks a message payload against the channel limits.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text is required", ErrValidation)
	}
	if n := len([]rune(text)); n > MaxTextLength {
		return fmt.Errorf("%w: text exceeds %d characters (got %d)", ErrValidation, MaxTextLength, n)
	}
	return nil
}

// Counters is a recomputed view of recipient progress for a job.
type Counters struct {
	Total   int
	Pending int
	Sending int
	Sent    int
	Failed  int
}

// Remaining is the number of recipients not yet in a terminal state.
func (c Counters) Remaining() int {
	return c.Pending + c.Sending
}

// CountersFromStatuses folds a per-status count into Counters.
func CountersFromStatuses(counts map[RecipientStatus]int) Counters {
	c := Counters{
		Pending: counts[RecipientStatusPending],
		Sending: counts[RecipientStatusSending],
		Sent:    counts[RecipientStatusSent],
		Failed:  counts[RecipientStatusFailed],
	}
	c.Total = c.Pending + c.Sending + c.Sent + c.Failed
	return c
}
