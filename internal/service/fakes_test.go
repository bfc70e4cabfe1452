package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"github.com/kursadbilgin/broadcast-engine/internal/gateway"
)

// memStore is an in-memory JobRepository, RecipientRepository and AudienceResolver.
// ClaimPending hands every pending row to at most one caller, like SKIP LOCKED.
type memStore struct {
	mu         sync.Mutex
	jobs       map[string]*domain.Job
	recipients []*domain.Recipient
	audiences  map[string][]domain.Target
	nextID     int64
	now        func() time.Time

	getStatusErr error
	claimErr     error
	markSentErr  error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      make(map[string]*domain.Job),
		audiences: make(map[string][]domain.Target),
		now:       time.Now,
	}
}

// seedJob stores a job with one pending recipient per target.
func (s *memStore) seedJob(t *testing.T, id string, status domain.JobStatus, targets ...string) {
	t.Helper()

	list := make([]domain.Target, 0, len(targets))
	for _, target := range targets {
		list = append(list, domain.Target{Address: target})
	}
	job := &domain.Job{ID: id, Audience: "test", Text: "hello", Status: domain.JobStatusDraft}
	if err := s.CreateWithRecipients(context.Background(), job, list); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	s.mu.Lock()
	s.jobs[id].Status = status
	s.mu.Unlock()
}

func (s *memStore) job(t *testing.T, id string) domain.Job {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		t.Fatalf("job %s not found", id)
	}
	return *job
}

func (s *memStore) counters(t *testing.T, id string) domain.Counters {
	t.Helper()

	c, err := s.CountByStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	return c
}

func (s *memStore) recipient(t *testing.T, target string) domain.Recipient {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.recipients {
		if r.Target == target {
			return *r
		}
	}
	t.Fatalf("recipient %s not found", target)
	return domain.Recipient{}
}

func (s *memStore) setRecipient(target string, status domain.RecipientStatus, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.recipients {
		if r.Target == target {
			r.Status = status
			r.UpdatedAt = updatedAt
		}
	}
}

func (s *memStore) CreateWithRecipients(ctx context.Context, job *domain.Job, targets []domain.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s exists", domain.ErrConflict, job.ID)
	}
	job.Total = len(targets)
	stored := *job
	s.jobs[job.ID] = &stored

	now := s.now()
	for _, target := range targets {
		s.nextID++
		s.recipients = append(s.recipients, &domain.Recipient{
			ID:        s.nextID,
			JobID:     job.ID,
			Target:    target.Address,
			Role:      target.Role,
			Status:    domain.RecipientStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *job
	return &out, nil
}

func (s *memStore) GetStatus(ctx context.Context, id string) (domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getStatusErr != nil {
		return "", s.getStatusErr
	}
	job, ok := s.jobs[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	return job.Status, nil
}

func (s *memStore) MarkRunning(ctx context.Context, id string) error {
	return s.transition(id, domain.JobStatusRunning, func(job *domain.Job) {
		now := s.now()
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		job.FinishedAt = nil
		job.LastError = nil
	})
}

func (s *memStore) MarkPaused(ctx context.Context, id string) error {
	return s.transition(id, domain.JobStatusPaused, nil)
}

func (s *memStore) transition(id string, to domain.JobStatus, apply func(job *domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != to && !job.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrConflict, job.Status, to)
	}
	job.Status = to
	if apply != nil {
		apply(job)
	}
	return nil
}

func (s *memStore) Finish(ctx context.Context, id string, status domain.JobStatus, lastError *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !job.Status.CanTransitionTo(status) {
		return false, nil
	}
	now := s.now()
	job.Status = status
	job.LastError = lastError
	job.FinishedAt = &now
	return true, nil
}

func (s *memStore) UpdateCounters(ctx context.Context, id string, counters domain.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	job.Sent = counters.Sent
	job.Failed = counters.Failed
	return nil
}

func (s *memStore) ListByStatus(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ClaimPending(ctx context.Context, jobID string, limit int) ([]domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claimErr != nil {
		return nil, s.claimErr
	}

	now := s.now()
	out := make([]domain.Recipient, 0, limit)
	for _, r := range s.recipients {
		if len(out) == limit {
			break
		}
		if r.JobID != jobID || r.Status != domain.RecipientStatusPending {
			continue
		}
		r.Status = domain.RecipientStatusSending
		r.Attempts++
		r.UpdatedAt = now
		out = append(out, *r)
	}
	return out, nil
}

func (s *memStore) MarkSent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markSentErr != nil {
		return s.markSentErr
	}
	return s.finishRecipientLocked(id, domain.RecipientStatusSent, nil)
}

func (s *memStore) MarkFailed(ctx context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.finishRecipientLocked(id, domain.RecipientStatusFailed, &reason)
}

func (s *memStore) finishRecipientLocked(id int64, status domain.RecipientStatus, reason *string) error {
	for _, r := range s.recipients {
		if r.ID != id {
			continue
		}
		if r.Status != domain.RecipientStatusSending {
			return domain.ErrConflict
		}
		now := s.now()
		r.Status = status
		r.Error = reason
		r.UpdatedAt = now
		if status == domain.RecipientStatusSent {
			r.SentAt = &now
		}
		return nil
	}
	return domain.ErrNotFound
}

func (s *memStore) Release(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	for _, r := range s.recipients {
		if _, ok := wanted[r.ID]; ok && r.Status == domain.RecipientStatusSending {
			r.Status = domain.RecipientStatusPending
			r.UpdatedAt = s.now()
		}
	}
	return nil
}

func (s *memStore) CountByStatus(ctx context.Context, jobID string) (domain.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.RecipientStatus]int)
	for _, r := range s.recipients {
		if r.JobID == jobID {
			counts[r.Status]++
		}
	}
	return domain.CountersFromStatuses(counts), nil
}

func (s *memStore) LastFailures(ctx context.Context, jobID string, limit int) ([]domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Recipient, 0)
	for i := len(s.recipients) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.recipients[i]
		if r.JobID == jobID && r.Status == domain.RecipientStatusFailed {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memStore) ReleaseStale(ctx context.Context, jobID string, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released int64
	for _, r := range s.recipients {
		if r.JobID == jobID && r.Status == domain.RecipientStatusSending && r.UpdatedAt.Before(olderThan) {
			r.Status = domain.RecipientStatusPending
			released++
		}
	}
	return released, nil
}

func (s *memStore) Resolve(ctx context.Context, tag string) ([]domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]domain.Target(nil), s.audiences[tag]...), nil
}

// fakeGateway records every send and delegates the outcome to sendFn.
type fakeGateway struct {
	mu     sync.Mutex
	sendFn func(ctx context.Context, target, text string) (*gateway.Receipt, error)
	sends  map[string]int
	order  []string
}

func (f *fakeGateway) Send(ctx context.Context, target, text string) (*gateway.Receipt, error) {
	f.mu.Lock()
	if f.sends == nil {
		f.sends = make(map[string]int)
	}
	f.sends[target]++
	f.order = append(f.order, target)
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(ctx, target, text)
	}
	return &gateway.Receipt{StatusCode: 200, MessageID: "msg-" + target}, nil
}

func (f *fakeGateway) Name() string {
	return "fake"
}

func (f *fakeGateway) sendCount(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[target]
}

func (f *fakeGateway) totalSends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

// fakeClock advances on every sleep instead of blocking.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return nil
}

func (c *fakeClock) maxSleep() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	var longest time.Duration
	for _, d := range c.sleeps {
		longest = max(longest, d)
	}
	return longest
}

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, bucket string) (bool, error)
	waitFn  func(ctx context.Context, bucket string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, bucket string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, bucket)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, bucket string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, bucket)
	}
	return nil
}

type fakeLauncher struct {
	mu          sync.Mutex
	launchFn    func(ctx context.Context, jobID string) error
	interruptFn func(ctx context.Context, jobID string) error
	launched    []string
	interrupted []string
}

func (f *fakeLauncher) Launch(ctx context.Context, jobID string) error {
	f.mu.Lock()
	f.launched = append(f.launched, jobID)
	f.mu.Unlock()
	if f.launchFn != nil {
		return f.launchFn(ctx, jobID)
	}
	return nil
}

func (f *fakeLauncher) Interrupt(ctx context.Context, jobID string) error {
	f.mu.Lock()
	f.interrupted = append(f.interrupted, jobID)
	f.mu.Unlock()
	if f.interruptFn != nil {
		return f.interruptFn(ctx, jobID)
	}
	return nil
}

type fakeLease struct {
	mu        sync.Mutex
	acquireFn func(ctx context.Context, jobID string) (bool, error)
	refreshFn func(ctx context.Context, jobID string) (bool, error)
	heldFn    func(ctx context.Context, jobID string) (bool, error)
	released  []string
}

func (f *fakeLease) Acquire(ctx context.Context, jobID string) (bool, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, jobID)
	}
	return true, nil
}

func (f *fakeLease) Refresh(ctx context.Context, jobID string) (bool, error) {
	if f.refreshFn != nil {
		return f.refreshFn(ctx, jobID)
	}
	return true, nil
}

func (f *fakeLease) Release(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, jobID)
	return nil
}

func (f *fakeLease) Held(ctx context.Context, jobID string) (bool, error) {
	if f.heldFn != nil {
		return f.heldFn(ctx, jobID)
	}
	return false, nil
}

func (f *fakeLease) releasedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recipientTargets(n int) []string {
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf("chat-%03d", i))
	}
	return out
}
