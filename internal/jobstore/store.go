// Package jobstore keeps an in-memory record of recent jobs for the status
// API. Nothing is persisted; a restart forgets everything.
package jobstore

import (
	"sort"
	"sync"
	"time"

	"github.com/cexll/fixbot/internal/job"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// DefaultCapacity is how many records are kept before the oldest finished
// ones are evicted.
const DefaultCapacity = 500

// Record is the externally visible state of one job.
type Record struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Status      Status     `json:"status"`
	Platform    string     `json:"platform"`
	Owner       string     `json:"owner"`
	Repo        string     `json:"repo"`
	IssueNumber int        `json:"issue_number"`
	Actor       string     `json:"actor"`
	Trigger     string     `json:"trigger"`
	Branch      string     `json:"branch"`
	PRNumber    int        `json:"pr_number,omitempty"`
	PRURL       string     `json:"pr_url,omitempty"`
	Phase       job.Phase  `json:"phase,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Logs        []LogEntry `json:"logs"`
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // info, error, success
	Message   string    `json:"message"`
}

// nowFunc is swapped in tests.
var nowFunc = time.Now

type Store struct {
	mu       sync.RWMutex
	records  map[string]*Record
	capacity int
}

func NewStore() *Store {
	return NewStoreWithCapacity(DefaultCapacity)
}

func NewStoreWithCapacity(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		records:  make(map[string]*Record),
		capacity: capacity,
	}
}

// Create registers a newly accepted job as pending.
func (s *Store) Create(j *job.Job) {
	now := nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[j.ID] = &Record{
		ID:          j.ID,
		Title:       j.IssueTitle,
		Status:      StatusPending,
		Platform:    string(j.Platform),
		Owner:       j.Owner,
		Repo:        j.Repo,
		IssueNumber: j.IssueNumber,
		Actor:       j.Actor,
		Trigger:     string(j.Trigger),
		Branch:      j.Branch,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.evictLocked()
}

// Get returns a copy of the record.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// List returns copies of all records, newest first.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of records per status.
func (s *Store) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Status]int, 4)
	for _, r := range s.records {
		out[r.Status]++
	}
	return out
}

func (s *Store) UpdateStatus(id string, status Status) {
	s.update(id, func(r *Record) { r.Status = status })
}

// Fail marks the job failed and keeps the error text.
func (s *Store) Fail(id string, err error) {
	s.update(id, func(r *Record) {
		r.Status = StatusFailed
		if err != nil {
			r.Error = err.Error()
		}
	})
}

func (s *Store) SetPhase(id string, phase job.Phase) {
	s.update(id, func(r *Record) { r.Phase = phase })
}

func (s *Store) SetPR(id string, number int, url string) {
	s.update(id, func(r *Record) {
		r.PRNumber = number
		r.PRURL = url
	})
}

func (s *Store) AddLog(id string, level, message string) {
	s.update(id, func(r *Record) {
		r.Logs = append(r.Logs, LogEntry{
			Timestamp: nowFunc(),
			Level:     level,
			Message:   message,
		})
	})
}

func (s *Store) update(id string, fn func(*Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		fn(r)
		r.UpdatedAt = nowFunc()
	}
}

// evictLocked drops the oldest finished records once over capacity. Pending
// and running jobs are never evicted.
func (s *Store) evictLocked() {
	if len(s.records) <= s.capacity {
		return
	}
	var finished []*Record
	for _, r := range s.records {
		if r.Status == StatusSucceeded || r.Status == StatusFailed {
			finished = append(finished, r)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].UpdatedAt.Before(finished[j].UpdatedAt)
	})
	for _, r := range finished {
		if len(s.records) <= s.capacity {
			return
		}
		delete(s.records, r.ID)
	}
}

func (r *Record) clone() Record {
	c := *r
	c.Logs = append([]LogEntry(nil), r.Logs...)
	return c
}
