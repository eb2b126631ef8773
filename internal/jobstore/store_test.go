package jobstore

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cexll/fixbot/internal/job"
)

func withClock(t *testing.T) func(time.Duration) {
	t.Helper()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	orig := nowFunc
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = orig })
	return func(d time.Duration) { now = now.Add(d) }
}

func newJob(id string) *job.Job {
	return &job.Job{
		ID:          id,
		Platform:    job.PlatformGitHub,
		Trigger:     job.TriggerFix,
		Owner:       "octo",
		Repo:        "demo",
		IssueNumber: 7,
		IssueTitle:  "Crash",
		Actor:       "alice",
		Branch:      "agent/fix-7-0101-000000",
	}
}

func TestStoreLifecycle(t *testing.T) {
	advance := withClock(t)
	s := NewStore()

	s.Create(newJob("a"))
	r, ok := s.Get("a")
	if !ok {
		t.Fatal("Get() did not find created record")
	}
	if r.Status != StatusPending || r.Platform != "github" || r.Trigger != "fix" {
		t.Errorf("created record = %+v", r)
	}

	advance(time.Second)
	s.UpdateStatus("a", StatusRunning)
	s.SetPhase("a", job.PhaseLocate)
	s.SetPR("a", 12, "https://example.com/pr/12")
	s.AddLog("a", "info", "Draft PR created")

	r, _ = s.Get("a")
	if r.Status != StatusRunning || r.Phase != job.PhaseLocate || r.PRNumber != 12 {
		t.Errorf("updated record = %+v", r)
	}
	if len(r.Logs) != 1 || r.Logs[0].Message != "Draft PR created" {
		t.Errorf("Logs = %+v", r.Logs)
	}
	if !r.UpdatedAt.After(r.CreatedAt) {
		t.Errorf("UpdatedAt %v should be after CreatedAt %v", r.UpdatedAt, r.CreatedAt)
	}

	s.Fail("a", errors.New("push rejected"))
	r, _ = s.Get("a")
	if r.Status != StatusFailed || r.Error != "push rejected" {
		t.Errorf("failed record = %+v", r)
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Create(newJob("a"))
	s.AddLog("a", "info", "one")

	r, _ := s.Get("a")
	r.Logs[0].Message = "mutated"
	r.Status = StatusFailed

	again, _ := s.Get("a")
	if again.Logs[0].Message != "one" || again.Status != StatusPending {
		t.Errorf("store was mutated through a copy: %+v", again)
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	advance := withClock(t)
	s := NewStore()
	for _, id := range []string{"a", "b", "c"} {
		s.Create(newJob(id))
		advance(time.Minute)
	}

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d, want 3", len(list))
	}
	for i, want := range []string{"c", "b", "a"} {
		if list[i].ID != want {
			t.Errorf("List()[%d] = %s, want %s", i, list[i].ID, want)
		}
	}
}

func TestStoreUnknownIDIgnored(t *testing.T) {
	s := NewStore()
	s.UpdateStatus("missing", StatusRunning)
	s.AddLog("missing", "info", "x")
	if _, ok := s.Get("missing"); ok {
		t.Error("updates must not create records")
	}
}

func TestStoreEvictsOldestFinished(t *testing.T) {
	advance := withClock(t)
	s := NewStoreWithCapacity(2)

	s.Create(newJob("old"))
	s.UpdateStatus("old", StatusSucceeded)
	advance(time.Minute)
	s.Create(newJob("running"))
	s.UpdateStatus("running", StatusRunning)
	advance(time.Minute)
	s.Create(newJob("new"))

	if _, ok := s.Get("old"); ok {
		t.Error("oldest finished record should be evicted")
	}
	for _, id := range []string{"running", "new"} {
		if _, ok := s.Get(id); !ok {
			t.Errorf("record %s should be kept", id)
		}
	}

	counts := s.Counts()
	if counts[StatusRunning] != 1 || counts[StatusPending] != 1 {
		t.Errorf("Counts() = %v", counts)
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			s.Create(newJob(id))
			s.UpdateStatus(id, StatusRunning)
			s.AddLog(id, "info", "working")
			_ = s.List()
		}()
	}
	wg.Wait()

	if got := len(s.List()); got != 20 {
		t.Errorf("List() len = %d, want 20", got)
	}
}
