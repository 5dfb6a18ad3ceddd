package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/models"
)

// SecurityService keeps the audit trail: block/unblock decisions taken by
// detectors or operators, and operator actions on alerts and lists.
type SecurityService struct {
	db    *gorm.DB
	clock Clock
}

// NewSecurityService returns a SecurityService using the provided DB
func NewSecurityService(db *gorm.DB, clock Clock) *SecurityService {
	if clock == nil {
		clock = SystemClock()
	}
	return &SecurityService{db: db, clock: clock}
}

// LogDecision stores a security decision record
func (s *SecurityService) LogDecision(ctx context.Context, d *models.SecurityDecision) error {
	if d == nil {
		return nil
	}
	if d.UUID == "" {
		d.UUID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock.Now()
	}
	return s.db.WithContext(ctx).Create(d).Error
}

// ListDecisions returns recent security decisions, ordered by created_at desc
func (s *SecurityService) ListDecisions(ctx context.Context, subject string, limit int) ([]models.SecurityDecision, error) {
	var res []models.SecurityDecision
	q := s.db.WithContext(ctx).Order("created_at desc, id desc")
	if subject != "" {
		q = q.Where("subject = ?", subject)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// LogAudit stores an audit entry
func (s *SecurityService) LogAudit(ctx context.Context, a *models.SecurityAudit) error {
	if a == nil {
		return nil
	}
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock.Now()
	}
	return s.db.WithContext(ctx).Create(a).Error
}

// ListAudits returns audit entries newer than since, newest first.
func (s *SecurityService) ListAudits(ctx context.Context, since time.Time, limit int) ([]models.SecurityAudit, error) {
	var res []models.SecurityAudit
	q := s.db.WithContext(ctx).Order("created_at desc, id desc")
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since.UTC())
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}
