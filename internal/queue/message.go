package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action is the operation a worker process applies to a job.
type Action string

const (
	ActionStart Action = "start"
	ActionPause Action = "pause"
)

func (a Action) IsValid() bool {
	return a == ActionStart || a == ActionPause
}

// JobCommand is the broker payload asking a worker process to start or stop a job's run.
type JobCommand struct {
	JobID         string    `json:"jobId"`
	Action        Action    `json:"action"`
	CorrelationID string    `json:"correlationId,omitempty"`
	RequestedAt   time.Time `json:"requestedAt"`
}

func (c JobCommand) Validate() error {
	if strings.TrimSpace(c.JobID) == "" {
		return fmt.Errorf("jobId is required")
	}
	if !c.Action.IsValid() {
		return fmt.Errorf("invalid action %q", c.Action)
	}
	return nil
}

func decodeCommand(body []byte) (JobCommand, error) {
	var cmd JobCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return JobCommand{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return JobCommand{}, err
	}
	return cmd, nil
}
