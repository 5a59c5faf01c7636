package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"cellarsight/internal/recurrence"
	"cellarsight/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the persistence API the scheduler uses. The schema beyond these
// calls belongs to the portal and is out of scope here.
type Store interface {
	CreateJobLog(ctx context.Context, jobType string, start time.Time) (id string, err error)
	FinishJobLog(ctx context.Context, id string, status JobStatus, end time.Time, execTime time.Duration, errMsg string, dataGenerated bool) error
	JobLog(ctx context.Context, id string) (JobLogEntry, error)

	ActiveReportSubscriptions(ctx context.Context) ([]ReportSubscription, error)
	ActiveCoachingConfigs(ctx context.Context) ([]CoachingConfig, error)

	PendingAnnouncements(ctx context.Context) ([]Announcement, error)
	MarkAnnouncementSent(ctx context.Context, id string, at time.Time) error

	Ping(ctx context.Context) error
	Close() error
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) CreateJobLog(ctx context.Context, jobType string, start time.Time) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrClosed
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_log(id, job_type, status, start_time) VALUES(?,?,?,?)`,
		id, jobType, string(JobRunning), start.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *sqliteStore) FinishJobLog(ctx context.Context, id string, status JobStatus, end time.Time, execTime time.Duration, errMsg string, dataGenerated bool) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if status != JobCompleted && status != JobFailed {
		return fmt.Errorf("non-terminal job status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_log
		 SET status=?, end_time=?, execution_time_ms=?, error=?, data_generated=?
		 WHERE id=? AND status=?`,
		string(status), end.UTC().Format(time.RFC3339Nano), execTime.Milliseconds(),
		nullStr(errMsg), boolInt(dataGenerated), id, string(JobRunning),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	// The running guard makes the terminal transition single-shot.
	if n == 0 {
		return fmt.Errorf("job log %s not in running state", id)
	}
	return nil
}

func (s *sqliteStore) JobLog(ctx context.Context, id string) (JobLogEntry, error) {
	if s == nil || s.db == nil {
		return JobLogEntry{}, ErrClosed
	}
	var (
		e       JobLogEntry
		status  string
		startS  string
		endS    sql.NullString
		execMS  sql.NullInt64
		errS    sql.NullString
		dataGen int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_type, status, start_time, end_time, execution_time_ms, error, data_generated
		 FROM job_log WHERE id=?`, id,
	).Scan(&e.ID, &e.JobType, &status, &startS, &endS, &execMS, &errS, &dataGen)
	if err != nil {
		return JobLogEntry{}, err
	}
	e.Status = JobStatus(status)
	e.StartTime, _ = time.Parse(time.RFC3339Nano, startS)
	if endS.Valid {
		t, _ := time.Parse(time.RFC3339Nano, endS.String)
		e.EndTime = &t
	}
	if execMS.Valid {
		v := execMS.Int64
		e.ExecutionTimeMS = &v
	}
	e.Error = errS.String
	e.DataGenerated = dataGen != 0
	return e, nil
}

func (s *sqliteStore) ActiveReportSubscriptions(ctx context.Context) ([]ReportSubscription, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient, report_type,
		        frequency, time_of_day, day_of_week, day_of_month, week_of_month, week_start
		 FROM report_subscriptions WHERE is_active=1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReportSubscription
	for rows.Next() {
		var (
			sub  ReportSubscription
			freq string
		)
		var dw, dm, wm, ws sql.NullInt64
		if err := rows.Scan(&sub.ID, &sub.Recipient, &sub.ReportType,
			&freq, &sub.Schedule.TimeOfDay, &dw, &dm, &wm, &ws); err != nil {
			return nil, err
		}
		sub.Schedule.Frequency = recurrence.Frequency(freq)
		sub.Schedule.DayOfWeek = nullInt(dw)
		sub.Schedule.DayOfMonth = nullInt(dm)
		sub.Schedule.WeekOfMonth = nullInt(wm)
		sub.Schedule.WeekStart = nullInt(ws)
		sub.Schedule.Active = true
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ActiveCoachingConfigs(ctx context.Context) ([]CoachingConfig, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, staff_name, phone, dashboard_period,
		        frequency, time_of_day, day_of_week, day_of_month, week_of_month, week_start
		 FROM coaching_configs WHERE is_active=1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CoachingConfig
	for rows.Next() {
		var (
			cc   CoachingConfig
			freq string
		)
		var dw, dm, wm, ws sql.NullInt64
		if err := rows.Scan(&cc.ID, &cc.StaffName, &cc.Phone, &cc.DashboardPeriod,
			&freq, &cc.Schedule.TimeOfDay, &dw, &dm, &wm, &ws); err != nil {
			return nil, err
		}
		cc.Schedule.Frequency = recurrence.Frequency(freq)
		cc.Schedule.DayOfWeek = nullInt(dw)
		cc.Schedule.DayOfMonth = nullInt(dm)
		cc.Schedule.WeekOfMonth = nullInt(wm)
		cc.Schedule.WeekStart = nullInt(ws)
		cc.Schedule.Active = true
		out = append(out, cc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PendingAnnouncements(ctx context.Context) ([]Announcement, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, body, recipients, created_at
		 FROM announcements WHERE sent_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Announcement
	for rows.Next() {
		var (
			a     Announcement
			recps string
			at    string
		)
		if err := rows.Scan(&a.ID, &a.Channel, &a.Body, &recps, &at); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(recps), &a.Recipients); err != nil {
			if !s.log.IsZero() {
				s.log.Warn("announcement has malformed recipients", logx.String("id", a.ID), logx.Any("err", err))
			}
			continue
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkAnnouncementSent(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE announcements SET sent_at=? WHERE id=? AND sent_at IS NULL`,
		at.UTC().Format(time.RFC3339Nano), id)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
