package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"cellarsight/internal/storage"
	"cellarsight/pkg/logx"
)

// fakeStore records job log transitions in memory.
type fakeStore struct {
	mu      sync.Mutex
	nextID  int
	entries map[string]*storage.JobLogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string]*storage.JobLogEntry{}}
}

func (f *fakeStore) CreateJobLog(ctx context.Context, jobType string, start time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("log-%d", f.nextID)
	f.entries[id] = &storage.JobLogEntry{ID: id, JobType: jobType, Status: storage.JobRunning, StartTime: start}
	return id, nil
}

func (f *fakeStore) FinishJobLog(ctx context.Context, id string, status storage.JobStatus, end time.Time, execTime time.Duration, errMsg string, dataGenerated bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok || e.Status != storage.JobRunning {
		return fmt.Errorf("entry %s not running", id)
	}
	ms := execTime.Milliseconds()
	e.Status = status
	e.EndTime = &end
	e.ExecutionTimeMS = &ms
	e.Error = errMsg
	e.DataGenerated = dataGenerated
	return nil
}

func (f *fakeStore) JobLog(ctx context.Context, id string) (storage.JobLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[id]; ok {
		return *e, nil
	}
	return storage.JobLogEntry{}, errors.New("not found")
}

func (f *fakeStore) ActiveReportSubscriptions(ctx context.Context) ([]storage.ReportSubscription, error) {
	return nil, nil
}
func (f *fakeStore) ActiveCoachingConfigs(ctx context.Context) ([]storage.CoachingConfig, error) {
	return nil, nil
}
func (f *fakeStore) PendingAnnouncements(ctx context.Context) ([]storage.Announcement, error) {
	return nil, nil
}
func (f *fakeStore) MarkAnnouncementSent(ctx context.Context, id string, at time.Time) error {
	return nil
}
func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

func (f *fakeStore) byType(jobType string) []storage.JobLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.JobLogEntry
	for _, e := range f.entries {
		if e.JobType == jobType {
			out = append(out, *e)
		}
	}
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) JobFailed(jobType string, took time.Duration, err error) {
	n.mu.Lock()
	n.calls = append(n.calls, jobType)
	n.mu.Unlock()
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	tr := New(time.Minute, logx.Nop(), nil)

	err := tr.Run(context.Background(), st, "mtd", func(ctx context.Context) (bool, error) {
		return true, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries := st.byType("mtd")
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Status != storage.JobCompleted {
		t.Fatalf("Status = %q, want completed", e.Status)
	}
	if !e.DataGenerated {
		t.Fatal("DataGenerated must be true on success")
	}
	if tr.RunningCount() != 0 {
		t.Fatal("running set must be empty after completion")
	}
}

func TestRunReentrancy(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	tr := New(time.Minute, logx.Nop(), nil)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tr.Run(context.Background(), st, "mtd", func(ctx context.Context) (bool, error) {
			close(started)
			<-release
			return true, nil
		})
	}()
	<-started

	// Second same-type run is rejected immediately, with no second entry.
	err := tr.Run(context.Background(), st, "mtd", func(ctx context.Context) (bool, error) {
		return true, nil
	})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run = %v, want ErrAlreadyRunning", err)
	}
	if got := len(st.byType("mtd")); got != 1 {
		t.Fatalf("got %d entries during overlap, want 1", got)
	}

	close(release)
	wg.Wait()

	// After completion the type is free again.
	if err := tr.Run(context.Background(), st, "mtd", func(ctx context.Context) (bool, error) {
		return true, nil
	}); err != nil {
		t.Fatalf("Run after release: %v", err)
	}
}

func TestRunDistinctTypesOverlap(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	tr := New(time.Minute, logx.Nop(), nil)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tr.Run(context.Background(), st, "mtd", func(ctx context.Context) (bool, error) {
			close(started)
			<-release
			return true, nil
		})
	}()
	<-started

	if err := tr.Run(context.Background(), st, "ytd", func(ctx context.Context) (bool, error) {
		return true, nil
	}); err != nil {
		t.Fatalf("distinct type must not be blocked: %v", err)
	}

	close(release)
	wg.Wait()
}

func TestRunFailureNotifies(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	n := &fakeNotifier{}
	tr := New(time.Minute, logx.Nop(), nil, WithNotifier(n))

	boom := errors.New("generator crashed")
	err := tr.Run(context.Background(), st, "mtd", func(ctx context.Context) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want %v", err, boom)
	}

	e := st.byType("mtd")[0]
	if e.Status != storage.JobFailed {
		t.Fatalf("Status = %q, want failed", e.Status)
	}
	if e.Error == "" {
		t.Fatal("failed entry must carry the error message")
	}

	n.mu.Lock()
	calls := len(n.calls)
	n.mu.Unlock()
	if calls != 1 {
		t.Fatalf("notifier called %d times, want 1", calls)
	}
	if tr.RunningCount() != 0 {
		t.Fatal("running set must be released after failure")
	}
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	tr := New(50*time.Millisecond, logx.Nop(), nil)

	err := tr.Run(context.Background(), st, "mtd", func(ctx context.Context) (bool, error) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(5 * time.Second):
			return true, nil
		}
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}

	e := st.byType("mtd")[0]
	if e.Status != storage.JobFailed {
		t.Fatalf("Status = %q, want failed", e.Status)
	}
	if tr.RunningCount() != 0 {
		t.Fatal("running set must be released after timeout")
	}
}

func TestRunPanicIsFailure(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	tr := New(time.Minute, logx.Nop(), nil)

	err := tr.Run(context.Background(), st, "mtd", func(ctx context.Context) (bool, error) {
		panic("nil dereference in generator")
	})
	if err == nil {
		t.Fatal("expected error from panicking body")
	}
	if e := st.byType("mtd")[0]; e.Status != storage.JobFailed {
		t.Fatalf("Status = %q, want failed", e.Status)
	}
}

func TestLimitedBuffer(t *testing.T) {
	t.Parallel()
	b := &limitedBuffer{cap: 8}
	n, err := b.Write([]byte("0123456789"))
	if err != nil || n != 10 {
		t.Fatalf("Write = (%d, %v), want (10, nil)", n, err)
	}
	if got := b.String(); got != "01234567\n[output truncated]" {
		t.Fatalf("String() = %q", got)
	}
}

func TestCommandBody(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ok, err := CommandBody("sh", []string{"-c", "exit 0"}, 0)(ctx)
	if err != nil || !ok {
		t.Fatalf("success command = (%v, %v)", ok, err)
	}

	_, err = CommandBody("sh", []string{"-c", "echo broken input >&2; exit 3"}, 0)(ctx)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "broken input") {
		t.Fatalf("error %q must include captured output", err)
	}
}
