package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestParseJobStatusFromString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    JobStatus
		wantErr bool
	}{
		{name: "valid uppercase", input: "RUNNING", want: JobStatusRunning},
		{name: "valid lowercase with spaces", input: " paused ", want: JobStatusPaused},
		{name: "invalid", input: "queued", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseJobStatusFromString(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("ParseJobStatusFromString() error = %v, want ErrValidation", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("ParseJobStatusFromString() unexpected error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseJobStatusFromString() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestJobStatusCanTransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from JobStatus
		to   JobStatus
		want bool
	}{
		{from: JobStatusDraft, to: JobStatusRunning, want: true},
		{from: JobStatusDraft, to: JobStatusPaused, want: true},
		{from: JobStatusDraft, to: JobStatusDone, want: false},
		{from: JobStatusDraft, to: JobStatusDraft, want: false},
		{from: JobStatusRunning, to: JobStatusPaused, want: true},
		{from: JobStatusRunning, to: JobStatusDone, want: true},
		{from: JobStatusRunning, to: JobStatusFailed, want: true},
		{from: JobStatusRunning, to: JobStatusRunning, want: true},
		{from: JobStatusRunning, to: JobStatusDraft, want: false},
		{from: JobStatusPaused, to: JobStatusRunning, want: true},
		{from: JobStatusPaused, to: JobStatusPaused, want: true},
		{from: JobStatusPaused, to: JobStatusDone, want: false},
		{from: JobStatusFailed, to: JobStatusRunning, want: true},
		{from: JobStatusFailed, to: JobStatusPaused, want: false},
		{from: JobStatusDone, to: JobStatusRunning, want: false},
		{from: JobStatusDone, to: JobStatusPaused, want: false},
		{from: JobStatusDone, to: JobStatusDone, want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()

			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Fatalf("%s.CanTransitionTo(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTransitionSources(t *testing.T) {
	t.Parallel()

	tests := []struct {
		next JobStatus
		want []JobStatus
	}{
		{next: JobStatusRunning, want: []JobStatus{JobStatusDraft, JobStatusRunning, JobStatusPaused, JobStatusFailed}},
		{next: JobStatusPaused, want: []JobStatus{JobStatusDraft, JobStatusRunning, JobStatusPaused}},
		{next: JobStatusDone, want: []JobStatus{JobStatusRunning}},
		{next: JobStatusFailed, want: []JobStatus{JobStatusRunning}},
		{next: JobStatusDraft, want: []JobStatus{}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.next), func(t *testing.T) {
			t.Parallel()

			got := TransitionSources(tt.next)
			if len(got) != len(tt.want) {
				t.Fatalf("TransitionSources(%s) = %v, want %v", tt.next, got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("TransitionSources(%s) = %v, want %v", tt.next, got, tt.want)
				}
			}
		})
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []JobStatus{JobStatusDone, JobStatusFailed} {
		if !s.IsTerminal() {
			t.Fatalf("%s.IsTerminal() = false, want true", s)
		}
	}
	for _, s := range []JobStatus{JobStatusDraft, JobStatusRunning, JobStatusPaused} {
		if s.IsTerminal() {
			t.Fatalf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestValidateText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{name: "plain", text: "hello"},
		{name: "max length multibyte", text: strings.Repeat("ğ", MaxTextLength)},
		{name: "empty", text: "", wantErr: true},
		{name: "whitespace only", text: " \n\t ", wantErr: true},
		{name: "too long", text: strings.Repeat("a", MaxTextLength+1), wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateText(tt.text)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("ValidateText() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateText() unexpected error = %v", err)
			}
		})
	}
}

func TestDedupeTargets(t *testing.T) {
	t.Parallel()

	got := DedupeTargets([]Target{
		{Address: " 100 ", Role: "admin"},
		{Address: "200"},
		{Address: ""},
		{Address: "100", Role: "member"},
		{Address: "   "},
		{Address: "300", Role: " member "},
	})

	want := []Target{
		{Address: "100", Role: "admin"},
		{Address: "200"},
		{Address: "300", Role: "member"},
	}
	if len(got) != len(want) {
		t.Fatalf("DedupeTargets() len = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("DedupeTargets()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestValidateTarget(t *testing.T) {
	t.Parallel()

	if err := ValidateTarget("12345"); err != nil {
		t.Fatalf("ValidateTarget() unexpected error = %v", err)
	}
	if err := ValidateTarget("  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("ValidateTarget() error = %v, want ErrValidation", err)
	}
}

func TestCountersFromStatuses(t *testing.T) {
	t.Parallel()

	c := CountersFromStatuses(map[RecipientStatus]int{
		RecipientStatusPending: 4,
		RecipientStatusSending: 2,
		RecipientStatusSent:    10,
		RecipientStatusFailed:  1,
	})

	if c.Total != 17 {
		t.Fatalf("Total = %d, want 17", c.Total)
	}
	if c.Remaining() != 6 {
		t.Fatalf("Remaining() = %d, want 6", c.Remaining())
	}
	if c.Sent != 10 || c.Failed != 1 {
		t.Fatalf("Sent/Failed = %d/%d, want 10/1", c.Sent, c.Failed)
	}
	if c.Total != c.Sent+c.Failed+c.Remaining() {
		t.Fatalf("counters do not add up: %+v", c)
	}
}

func TestErrNoRecipientsIsValidation(t *testing.T) {
	t.Parallel()

	if !errors.Is(ErrNoRecipients, ErrValidation) {
		t.Fatal("ErrNoRecipients should wrap ErrValidation")
	}
}
