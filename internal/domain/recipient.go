package domain

import (
	"fmt"
	"strings"
	"time"
)

// RecipientStatus represents the delivery state of one recipient.
type RecipientStatus string

const (
	RecipientStatusPending RecipientStatus = "pending"
	RecipientStatusSending RecipientStatus = "sending"
	RecipientStatusSent    RecipientStatus = "sent"
	RecipientStatusFailed  RecipientStatus = "failed"
)

func (s RecipientStatus) String() string { return string(s) }

func (s RecipientStatus) IsValid() bool {
	switch s {
	case RecipientStatusPending, RecipientStatusSending, RecipientStatusSent, RecipientStatusFailed:
		return true
	}
	return false
}

func (s RecipientStatus) IsTerminal() bool {
	return s == RecipientStatusSent || s == RecipientStatusFailed
}

// Target is a delivery address produced by an audience resolver.
type Target struct {
	Address string
	Role    string
}

// Recipient is one (job, target) delivery unit with independent status.
type Recipient struct {
	ID        int64
	JobID     string
	Target    string
	Role      string
	Status    RecipientStatus
	Error     *string
	Attempts  int
	SentAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DedupeTargets trims addresses, drops empty ones and keeps the first occurrence of each.
func DedupeTargets(targets []Target) []Target {
	seen := make(map[string]struct{}, len(targets))
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		addr := strings.TrimSpace(t.Address)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, Target{Address: addr, Role: strings.TrimSpace(t.Role)})
	}
	return out
}

func ValidateTarget(target string) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("%w: target is required", ErrValidation)
	}
	return nil
}
