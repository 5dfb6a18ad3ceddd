package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/models"
)

// AlertRuleService manages routing rules. The alert pipeline only reads them
// through the store gateway.
type AlertRuleService struct {
	db *gorm.DB
}

func NewAlertRuleService(db *gorm.DB) *AlertRuleService {
	return &AlertRuleService{db: db}
}

func (s *AlertRuleService) validate(r *models.AlertRule) error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return fmt.Errorf("%w: rule name is required", ErrConfiguration)
	}
	if lvl := strings.TrimSpace(r.Level); lvl != "" && lvl != "*" && !models.AlertLevel(strings.ToLower(lvl)).Valid() {
		return fmt.Errorf("%w: unknown level %q", ErrConfiguration, r.Level)
	}
	if len(r.DestinationList()) == 0 {
		return fmt.Errorf("%w: rule %s needs at least one destination", ErrConfiguration, r.Name)
	}
	return nil
}

func (s *AlertRuleService) List(ctx context.Context) ([]models.AlertRule, error) {
	var rules []models.AlertRule
	if err := s.db.WithContext(ctx).Order("priority asc, id asc").Find(&rules).Error; err != nil {
		return nil, opErr("alert rules", "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	return rules, nil
}

func (s *AlertRuleService) Create(ctx context.Context, r *models.AlertRule) error {
	if err := s.validate(r); err != nil {
		return err
	}
	return s.write("alert rule create", r.Name, s.db.WithContext(ctx).Create(r).Error)
}

func (s *AlertRuleService) Update(ctx context.Context, r *models.AlertRule) error {
	if err := s.validate(r); err != nil {
		return err
	}
	var existing models.AlertRule
	if err := s.db.WithContext(ctx).First(&existing, r.ID).Error; err != nil {
		return s.write("alert rule update", r.Name, err)
	}
	r.CreatedAt = existing.CreatedAt
	return s.write("alert rule update", r.Name, s.db.WithContext(ctx).Save(r).Error)
}

func (s *AlertRuleService) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.AlertRule{}, id)
	if res.Error != nil {
		return s.write("alert rule delete", fmt.Sprint(id), res.Error)
	}
	if res.RowsAffected == 0 {
		return opErr("alert rule delete", fmt.Sprint(id), ErrNotFound)
	}
	return nil
}

func (s *AlertRuleService) write(op, subject string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return opErr(op, subject, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return opErr(op, subject, fmt.Errorf("%w: rule name already exists", ErrPolicyConflict))
	}
	return opErr(op, subject, fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
}
