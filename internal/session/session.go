// Package session records logins and the last-activity touch that feeds
// "last seen" and inactivity reports.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/dcp-core/internal/infrastructure/database"
)

// DefaultCountry is recorded when the client's country is unknown.
const DefaultCountry = "Localhost"

// History paging limits.
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// ClientMeta describes the client a login came from. The HTTP layer fills
// it in; the recorder stores it as given.
type ClientMeta struct {
	IP        string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	Browser   string `json:"browser"`
	OS        string `json:"os"`
	Device    string `json:"device"`
	Country   string `json:"country"`
}

// Record is one stored login.
type Record struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	Browser      string    `json:"browser"`
	OS           string    `json:"os"`
	Device       string    `json:"device"`
	Country      string    `json:"country"`
	LoginTime    time.Time `json:"login_time"`
	LastActivity time.Time `json:"last_activity"`
}

// Observer is notified after a login has been stored. Implementations must
// not block; failures are theirs to log.
type Observer interface {
	ObserveLogin(rec Record)
}

// HistoryQuery selects a page of a user's login history. Search matches
// IP address, country or browser.
type HistoryQuery struct {
	Page   int
	Limit  int
	Search string
}

// HistoryPage is one page of login history, newest first.
type HistoryPage struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Page    int      `json:"page"`
	Limit   int      `json:"limit"`
}

// Recorder persists login records.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Recorder struct {
	db        database.DBTX
	now       func() time.Time
	observers []Observer
}

// NewRecorder creates a recorder on db. A nil now means time.Now.
func NewRecorder(db database.DBTX, now func() time.Time, observers ...Observer) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{db: db, now: now, observers: observers}
}

// RecordLogin stores a login for userID and notifies observers.
func (r *Recorder) RecordLogin(ctx context.Context, userID string, meta ClientMeta) (Record, error) {
	now := r.now().UTC().Truncate(time.Microsecond)
	country := meta.Country
	if country == "" {
		country = DefaultCountry
	}

	rec := Record{
		ID:           "ses-" + uuid.NewString(),
		UserID:       userID,
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		Browser:      meta.Browser,
		OS:           meta.OS,
		Device:       meta.Device,
		Country:      country,
		LoginTime:    now,
		LastActivity: now,
	}

	stamp := database.FormatTime(now)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_records (id, user_id, ip_address, user_agent, browser, os, device, country, login_time, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.IPAddress, rec.UserAgent, rec.Browser, rec.OS, rec.Device, rec.Country, stamp, stamp,
	)
	if err != nil {
		return Record{}, fmt.Errorf("recording login: %w", err)
	}

	for _, o := range r.observers {
		o.ObserveLogin(rec)
	}
	return rec, nil
}

// TouchActivity sets last_activity on the user's newest login record.
// It is a no-op when the user has none.
func (r *Recorder) TouchActivity(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE session_records SET last_activity = ?
		 WHERE id = (SELECT id FROM session_records WHERE user_id = ? ORDER BY login_time DESC LIMIT 1)`,
		database.FormatTime(r.now().UTC().Truncate(time.Microsecond)), userID,
	)
	if err != nil {
		return fmt.Errorf("touching activity: %w", err)
	}
	return nil
}

// Latest returns the user's newest login record. ok is false when there
// is none.
func (r *Recorder) Latest(ctx context.Context, userID string) (rec Record, ok bool, err error) {
	page, err := r.History(ctx, userID, HistoryQuery{Page: 1, Limit: 1})
	if err != nil || len(page.Records) == 0 {
		return Record{}, false, err
	}
	return page.Records[0], true, nil
}

// History returns one page of a user's logins, newest first.
func (r *Recorder) History(ctx context.Context, userID string, q HistoryQuery) (HistoryPage, error) {
	page := max(q.Page, 1)
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)

	where := " WHERE user_id = ?"
	args := []any{userID}
	if s := strings.TrimSpace(q.Search); s != "" {
		pattern := "%" + s + "%"
		where += " AND (ip_address LIKE ? OR country LIKE ? OR browser LIKE ?)"
		args = append(args, pattern, pattern, pattern)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM session_records"+where, args...).Scan(&total); err != nil {
		return HistoryPage{}, fmt.Errorf("counting logins: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, ip_address, user_agent, browser, os, device, country, login_time, last_activity
		 FROM session_records`+where+` ORDER BY login_time DESC LIMIT ? OFFSET ?`,
		append(args, limit, (page-1)*limit)...)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("listing logins: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var login, last string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.IPAddress, &rec.UserAgent, &rec.Browser,
			&rec.OS, &rec.Device, &rec.Country, &login, &last); err != nil {
			return HistoryPage{}, fmt.Errorf("scanning login: %w", err)
		}
		if rec.LoginTime, err = database.ParseTime(login); err != nil {
			return HistoryPage{}, err
		}
		if rec.LastActivity, err = database.ParseTime(last); err != nil {
			return HistoryPage{}, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, fmt.Errorf("iterating logins: %w", err)
	}

	return HistoryPage{Records: records, Total: total, Page: page, Limit: limit}, nil
}
