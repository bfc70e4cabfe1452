package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestJobCommandValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cmd     JobCommand
		wantErr bool
	}{
		{name: "start", cmd: JobCommand{JobID: "j1", Action: ActionStart}},
		{name: "pause", cmd: JobCommand{JobID: "j1", Action: ActionPause}},
		{name: "missing job id", cmd: JobCommand{JobID: " ", Action: ActionStart}, wantErr: true},
		{name: "unknown action", cmd: JobCommand{JobID: "j1", Action: "resume"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cmd.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeCommand(t *testing.T) {
	t.Parallel()

	cmd, err := decodeCommand([]byte(`{"jobId":"j1","action":"pause"}`))
	if err != nil {
		t.Fatalf("decodeCommand() error = %v", err)
	}
	if cmd.JobID != "j1" || cmd.Action != ActionPause {
		t.Fatalf("decodeCommand() = %+v", cmd)
	}

	if _, err := decodeCommand([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if _, err := decodeCommand([]byte(`{"jobId":"j1","action":"stop"}`)); err == nil {
		t.Fatal("expected error for invalid action")
	}
}

func TestBuildPublishing(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	publishing, err := buildPublishing(JobCommand{JobID: "j1", Action: ActionStart, CorrelationID: "c1"}, now)
	if err != nil {
		t.Fatalf("buildPublishing() error = %v", err)
	}

	if publishing.DeliveryMode != amqp.Persistent {
		t.Fatalf("DeliveryMode = %d, want persistent", publishing.DeliveryMode)
	}
	if publishing.CorrelationId != "c1" || publishing.Type != "start" {
		t.Fatalf("publishing metadata = %+v", publishing)
	}

	var decoded JobCommand
	if err := json.Unmarshal(publishing.Body, &decoded); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if !decoded.RequestedAt.Equal(now) {
		t.Fatalf("RequestedAt = %s, want %s", decoded.RequestedAt, now)
	}

	if _, err := buildPublishing(JobCommand{Action: ActionStart}, now); err == nil {
		t.Fatal("expected error for invalid command")
	}
}

type fakePublisher struct {
	publishFn func(ctx context.Context, cmd JobCommand) error
	published []JobCommand
}

func (f *fakePublisher) Publish(ctx context.Context, cmd JobCommand) error {
	f.published = append(f.published, cmd)
	if f.publishFn != nil {
		return f.publishFn(ctx, cmd)
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func TestLauncherPublishesCommands(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	launcher, err := NewLauncher(pub, nil)
	if err != nil {
		t.Fatalf("NewLauncher() error = %v", err)
	}

	if err := launcher.Launch(context.Background(), "j1"); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if err := launcher.Interrupt(context.Background(), "j1"); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}

	if len(pub.published) != 2 {
		t.Fatalf("published = %d, want 2", len(pub.published))
	}
	if pub.published[0].Action != ActionStart || pub.published[1].Action != ActionPause {
		t.Fatalf("actions = %s, %s", pub.published[0].Action, pub.published[1].Action)
	}
	if pub.published[0].RequestedAt.IsZero() {
		t.Fatal("RequestedAt should be stamped")
	}
}

func TestLauncherWrapsPublishError(t *testing.T) {
	t.Parallel()

	errBroker := errors.New("broker down")
	launcher, err := NewLauncher(&fakePublisher{
		publishFn: func(context.Context, JobCommand) error { return errBroker },
	}, nil)
	if err != nil {
		t.Fatalf("NewLauncher() error = %v", err)
	}

	if err := launcher.Launch(context.Background(), "j1"); !errors.Is(err, errBroker) {
		t.Fatalf("Launch() error = %v, want %v", err, errBroker)
	}
}

func TestNewLauncherRequiresPublisher(t *testing.T) {
	t.Parallel()

	if _, err := NewLauncher(nil, nil); err == nil {
		t.Fatal("expected error for nil publisher")
	}
}
