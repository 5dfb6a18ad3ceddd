package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/models"
)

// GormStore implements Gateway on gorm. The SQLite DSN must request immediate
// transactions (see database.DSN) for InsertEventAndCount to be atomic.
type GormStore struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewGormStore returns a GormStore bounding every call by timeout.
func NewGormStore(db *gorm.DB, timeout time.Duration) *GormStore {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &GormStore{db: db, timeout: timeout}
}

func (s *GormStore) session(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(ctx), cancel
}

func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound), errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
}

// InsertEvent appends ev, assigning a timestamp that is strictly increasing per identifier.
func (s *GormStore) InsertEvent(ctx context.Context, ev *models.RequestEvent) error {
	_, err := s.InsertEventAndCount(ctx, ev, nil, nil)
	return err
}

func (s *GormStore) InsertEventAndCount(ctx context.Context, ev *models.RequestEvent, windowStarts []int64, decide Decider) ([]int64, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	counts := make([]int64, len(windowStarts))
	err := db.Transaction(func(tx *gorm.DB) error {
		var last int64
		if err := tx.Model(&models.RequestEvent{}).
			Select("COALESCE(MAX(unix_nano), 0)").
			Where("identifier = ?", ev.Identifier).
			Scan(&last).Error; err != nil {
			return err
		}
		if ev.UnixNano <= last {
			ev.UnixNano = last + 1
		}
		for i, start := range windowStarts {
			if err := tx.Model(&models.RequestEvent{}).
				Where("identifier = ? AND allowed = ? AND unix_nano >= ?", ev.Identifier, true, start).
				Count(&counts[i]).Error; err != nil {
				return err
			}
		}
		if decide != nil {
			ev.Allowed, ev.Reason = decide(append([]int64(nil), counts...))
		}
		if err := tx.Create(ev).Error; err != nil {
			return err
		}
		if ev.Allowed {
			for i := range counts {
				counts[i]++
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap("insert event", err)
	}
	return counts, nil
}

// CompleteEvent records the response code once; later calls are ignored.
func (s *GormStore) CompleteEvent(ctx context.Context, id uint64, responseCode int) error {
	db, cancel := s.session(ctx)
	defer cancel()

	err := db.Model(&models.RequestEvent{}).
		Where("id = ? AND response_code = 0", id).
		Update("response_code", responseCode).Error
	return wrap("complete event", err)
}

func (s *GormStore) CountEvents(ctx context.Context, identifier, endpoint string, since time.Time) (int64, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	q := db.Model(&models.RequestEvent{}).
		Where("identifier = ? AND allowed = ? AND unix_nano >= ?", identifier, true, since.UnixNano())
	if endpoint != "" {
		q = q.Where("endpoint = ?", endpoint)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, wrap("count events", err)
	}
	return n, nil
}

func (s *GormStore) OldestEventSince(ctx context.Context, identifier string, since time.Time) (time.Time, bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var oldest sql.NullInt64
	row := db.Model(&models.RequestEvent{}).
		Select("MIN(unix_nano)").
		Where("identifier = ? AND allowed = ? AND unix_nano >= ?", identifier, true, since.UnixNano()).
		Row()
	if err := row.Scan(&oldest); err != nil {
		return time.Time{}, false, wrap("oldest event", err)
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, oldest.Int64).UTC(), true, nil
}

func (s *GormStore) SubjectActivity(ctx context.Context, since time.Time) ([]Activity, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var totals []Activity
	err := db.Model(&models.RequestEvent{}).
		Select("ip, COUNT(*) AS total, SUM(CASE WHEN response_code = 0 THEN 1 ELSE 0 END) AS in_flight").
		Where("unix_nano >= ? AND ip <> ''", since.UnixNano()).
		Group("ip").
		Order("ip").
		Scan(&totals).Error
	if err != nil {
		return nil, wrap("subject activity", err)
	}

	rows, err := db.Model(&models.RequestEvent{}).
		Select("ip, unix_nano").
		Where("unix_nano >= ? AND ip <> ''", since.UnixNano()).
		Order("ip, unix_nano").
		Rows()
	if err != nil {
		return nil, wrap("subject activity", err)
	}
	defer rows.Close()

	peaks := make(map[string]int64, len(totals))
	var (
		current string
		times   []int64
	)
	for rows.Next() {
		var (
			ip   string
			nano int64
		)
		if err := rows.Scan(&ip, &nano); err != nil {
			return nil, wrap("subject activity", err)
		}
		if ip != current {
			peaks[current] = peakPerSecond(times)
			current, times = ip, times[:0]
		}
		times = append(times, nano)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("subject activity", err)
	}
	peaks[current] = peakPerSecond(times)

	for i := range totals {
		totals[i].PeakPerSecond = peaks[totals[i].IP]
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].IP < totals[j].IP })
	return totals, nil
}

// peakPerSecond returns the most events inside any span [t, t+1s) starting at
// an event time. times must be ascending.
func peakPerSecond(times []int64) int64 {
	var peak int64
	lo := 0
	for hi, t := range times {
		for t-times[lo] >= int64(time.Second) {
			lo++
		}
		if n := int64(hi - lo + 1); n > peak {
			peak = n
		}
	}
	return peak
}

// SubjectSummary aggregates events for an IP or, when apiKeyHash is set, for an API key.
func (s *GormStore) SubjectSummary(ctx context.Context, ip, apiKeyHash string, since time.Time) (Summary, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	q := db.Model(&models.RequestEvent{}).
		Select("COUNT(*) AS total, " +
			"COALESCE(SUM(CASE WHEN response_code >= 400 THEN 1 ELSE 0 END), 0) AS errors, " +
			"COUNT(DISTINCT endpoint) AS endpoints, " +
			"COALESCE(MIN(unix_nano), 0) AS first_nano, " +
			"COALESCE(MAX(unix_nano), 0) AS last_nano").
		Where("unix_nano >= ?", since.UnixNano())
	if apiKeyHash != "" {
		q = q.Where("api_key_hash = ?", apiKeyHash)
	} else {
		q = q.Where("ip = ?", ip)
	}
	var sum Summary
	if err := q.Scan(&sum).Error; err != nil {
		return Summary{}, wrap("subject summary", err)
	}
	return sum, nil
}

// ActiveSubjects lists IPs and API key subjects with at least minEvents events since the cutoff.
func (s *GormStore) ActiveSubjects(ctx context.Context, since time.Time, minEvents int) ([]string, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	if minEvents < 1 {
		minEvents = 1
	}
	var ips []string
	if err := db.Model(&models.RequestEvent{}).
		Where("unix_nano >= ? AND ip <> ''", since.UnixNano()).
		Group("ip").
		Having("COUNT(*) >= ?", minEvents).
		Pluck("ip", &ips).Error; err != nil {
		return nil, wrap("active subjects", err)
	}
	var keys []string
	if err := db.Model(&models.RequestEvent{}).
		Where("unix_nano >= ? AND api_key_hash <> ''", since.UnixNano()).
		Group("api_key_hash").
		Having("COUNT(*) >= ?", minEvents).
		Pluck("api_key_hash", &keys).Error; err != nil {
		return nil, wrap("active subjects", err)
	}
	out := append([]string{}, ips...)
	for _, k := range keys {
		out = append(out, models.APIKeySubject(k))
	}
	sort.Strings(out)
	return out, nil
}

func (s *GormStore) EventStats(ctx context.Context, f EventFilter) (EventStats, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	q := db.Model(&models.RequestEvent{})
	if f.Identifier != "" {
		q = q.Where("identifier = ?", f.Identifier)
	}
	if f.IP != "" {
		q = q.Where("ip = ?", f.IP)
	}
	if !f.Since.IsZero() {
		q = q.Where("unix_nano >= ?", f.Since.UnixNano())
	}
	type row struct {
		Allowed bool
		Reason  string
		N       int64
	}
	var rows []row
	if err := q.Select("allowed, reason, COUNT(*) AS n").Group("allowed, reason").Scan(&rows).Error; err != nil {
		return EventStats{}, wrap("event stats", err)
	}
	st := EventStats{ByReason: map[string]int64{}}
	for _, r := range rows {
		st.Total += r.N
		if r.Allowed {
			st.Allowed += r.N
			continue
		}
		st.Denied += r.N
		if r.Reason != "" {
			st.ByReason[r.Reason] += r.N
		}
	}
	return st, nil
}

// DeleteEvents removes an identifier's events, optionally only for one endpoint.
func (s *GormStore) DeleteEvents(ctx context.Context, identifier, endpoint string) (int64, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	q := db.Where("identifier = ?", identifier)
	if endpoint != "" {
		q = q.Where("endpoint = ?", endpoint)
	}
	res := q.Delete(&models.RequestEvent{})
	if res.Error != nil {
		return 0, wrap("delete events", res.Error)
	}
	return res.RowsAffected, nil
}

// GetIdentityRecord returns nil, nil when the subject has no record.
func (s *GormStore) GetIdentityRecord(ctx context.Context, subject string) (*models.IdentityRecord, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var rec models.IdentityRecord
	if err := db.Where("subject = ?", subject).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrap("get identity", err)
	}
	return &rec, nil
}

func (s *GormStore) UpsertIdentityRecord(ctx context.Context, rec *models.IdentityRecord, expectedVersion int) error {
	db, cancel := s.session(ctx)
	defer cancel()

	if rec.ID == 0 {
		rec.Version = 1
		if err := db.Create(rec).Error; err != nil {
			rec.ID = 0
			return wrap("insert identity", err)
		}
		return nil
	}

	upd := *rec
	upd.Version = expectedVersion + 1
	res := db.Model(&upd).
		Where("version = ?", expectedVersion).
		Select("*").Omit("id", "subject", "created_at").
		Updates(&upd)
	if res.Error != nil {
		return wrap("update identity", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update identity %s: %w", rec.Subject, ErrConflict)
	}
	rec.Version = upd.Version
	return nil
}

func (s *GormStore) ListIdentityRecords(ctx context.Context, membership models.Membership) ([]models.IdentityRecord, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	q := db.Order("updated_at desc")
	if membership != "" {
		q = q.Where("membership = ?", membership)
	}
	var out []models.IdentityRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, wrap("list identities", err)
	}
	return out, nil
}

func (s *GormStore) InsertAlert(ctx context.Context, a *models.Alert) error {
	db, cancel := s.session(ctx)
	defer cancel()

	return wrap("insert alert", insertAlert(db, a))
}

func insertAlert(db *gorm.DB, a *models.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.OccurrenceCount == 0 {
		a.OccurrenceCount = 1
	}
	if a.Status == "" {
		a.Status = models.AlertActive
	}
	a.Version = 1
	return db.Create(a).Error
}

func findActiveAlert(db *gorm.DB, component, alertType string, level models.AlertLevel, since time.Time) (*models.Alert, error) {
	var a models.Alert
	err := db.Where("component = ? AND type = ? AND level = ? AND status = ? AND created_at >= ?",
		component, alertType, level, models.AlertActive, since.UTC()).
		Order("created_at desc").
		First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// FindActiveAlert returns nil, nil when no alert matches.
func (s *GormStore) FindActiveAlert(ctx context.Context, component, alertType string, level models.AlertLevel, since time.Time) (*models.Alert, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	a, err := findActiveAlert(db, component, alertType, level, since)
	return a, wrap("find active alert", err)
}

func (s *GormStore) DedupAlert(ctx context.Context, a *models.Alert, since time.Time) (*models.Alert, bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var (
		out     *models.Alert
		created bool
	)
	err := db.Transaction(func(tx *gorm.DB) error {
		existing, err := findActiveAlert(tx, a.Component, a.Type, a.Level, since)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := insertAlert(tx, a); err != nil {
				return err
			}
			out, created = a, true
			return nil
		}
		res := tx.Model(&models.Alert{}).
			Where("id = ? AND version = ?", existing.ID, existing.Version).
			Updates(map[string]interface{}{
				"occurrence_count": gorm.Expr("occurrence_count + 1"),
				"updated_at":       a.UpdatedAt,
				"version":          existing.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		existing.OccurrenceCount++
		existing.UpdatedAt = a.UpdatedAt
		existing.Version++
		out = existing
		return nil
	})
	if err != nil {
		return nil, false, wrap("dedup alert", err)
	}
	return out, created, nil
}

func (s *GormStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var a models.Alert
	if err := db.Where("id = ?", id).First(&a).Error; err != nil {
		return nil, wrap("get alert "+id, err)
	}
	return &a, nil
}

func (s *GormStore) UpdateAlert(ctx context.Context, a *models.Alert, expectedVersion int) error {
	db, cancel := s.session(ctx)
	defer cancel()

	upd := *a
	upd.Version = expectedVersion + 1
	res := db.Model(&upd).
		Where("version = ?", expectedVersion).
		Select("*").Omit("id", "created_at").
		Updates(&upd)
	if res.Error != nil {
		return wrap("update alert", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update alert %s: %w", a.ID, ErrConflict)
	}
	a.Version = upd.Version
	return nil
}

func (s *GormStore) QueryAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	q := db.Order("created_at desc")
	if f.Component != "" {
		q = q.Where("component = ?", f.Component)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Level != "" {
		q = q.Where("level = ?", f.Level)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at < ?", f.Until.UTC())
	}
	if f.Unacknowledged {
		q = q.Where("acknowledged_at IS NULL")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Alert
	if err := q.Find(&out).Error; err != nil {
		return nil, wrap("query alerts", err)
	}
	return out, nil
}

// ListAlertRules returns enabled rules ordered by priority then id.
func (s *GormStore) ListAlertRules(ctx context.Context) ([]models.AlertRule, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var out []models.AlertRule
	if err := db.Where("enabled = ?", true).Order("priority asc, id asc").Find(&out).Error; err != nil {
		return nil, wrap("list alert rules", err)
	}
	return out, nil
}

func (s *GormStore) PurgeExpired(ctx context.Context, table Table, before time.Time) (int64, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var res *gorm.DB
	switch table {
	case TableEvents:
		res = db.Where("unix_nano < ?", before.UnixNano()).Delete(&models.RequestEvent{})
	case TableIdentities:
		res = db.Model(&models.IdentityRecord{}).
			Where("membership = ? AND expires_at <= ?", models.MembershipTempBlocked, before.UTC()).
			Updates(map[string]interface{}{
				"membership": models.MembershipNone,
				"expires_at": nil,
				"version":    gorm.Expr("version + 1"),
				"updated_at": before.UTC(),
			})
	default:
		return 0, fmt.Errorf("purge %q: unsupported table", table)
	}
	if res.Error != nil {
		return 0, wrap("purge "+string(table), res.Error)
	}
	return res.RowsAffected, nil
}
