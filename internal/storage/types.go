package storage

import (
	"errors"
	"time"

	"cellarsight/internal/recurrence"
)

var ErrClosed = errors.New("storage closed")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobLogEntry records one heavyweight job execution. Created with status
// running, mutated exactly once to a terminal status, never deleted.
type JobLogEntry struct {
	ID              string
	JobType         string
	Status          JobStatus
	StartTime       time.Time
	EndTime         *time.Time
	ExecutionTimeMS *int64
	Error           string
	DataGenerated   bool
}

// ReportSubscription is an email report recipient plus its recurrence rule.
// Owned by the portal's admin screens; read-only to the scheduler.
type ReportSubscription struct {
	ID         string
	Recipient  string
	ReportType string
	Schedule   recurrence.Schedule
}

// CoachingConfig is an SMS coaching target plus its recurrence rule.
type CoachingConfig struct {
	ID              string
	StaffName       string
	Phone           string
	DashboardPeriod string
	Schedule        recurrence.Schedule
}

// Announcement is a one-shot outbound message queued by the portal.
type Announcement struct {
	ID         string
	Channel    string // "sms" or "email"
	Body       string
	Recipients []string
	CreatedAt  time.Time
	SentAt     *time.Time
}
