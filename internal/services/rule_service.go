package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/keephq/keep-sub006/internal/database"
)

// RuleService is the tenant-scoped rule configuration feed: CRUD plus a
// YAML bootstrap loader for seeding rules at startup. Deleting a rule
// does not retroactively unlink incidents it already formed.
type RuleService struct {
	db *gorm.DB
}

// NewRuleService creates a new RuleService
func NewRuleService(db *gorm.DB) *RuleService {
	return &RuleService{db: db}
}

// ListRules returns the tenant's rules in evaluation order
func (s *RuleService) ListRules(ctx context.Context, tenantID string) ([]database.Rule, error) {
	var rules []database.Rule
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, storageErr("list rules", err)
	}
	return rules, nil
}

// GetRule retrieves a rule by id
func (s *RuleService) GetRule(ctx context.Context, id uint) (*database.Rule, error) {
	var rule database.Rule
	err := s.db.WithContext(ctx).First(&rule, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invariantErr("rule %d not found", id)
	}
	if err != nil {
		return nil, storageErr("load rule", err)
	}
	return &rule, nil
}

// CreateRule validates and stores a new rule
func (s *RuleService) CreateRule(ctx context.Context, rule *database.Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return storageErr("create rule", err)
	}
	return nil
}

// UpdateRule validates and stores rule changes
func (s *RuleService) UpdateRule(ctx context.Context, rule *database.Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&database.Rule{}).
		Where("id = ?", rule.ID).
		Updates(map[string]interface{}{
			"name":              rule.Name,
			"grouping_criteria": rule.GroupingCriteria,
			"condition":         rule.Condition,
			"timeframe_seconds": rule.TimeframeSeconds,
			"resolve_on":        rule.ResolveOn,
			"create_on":         rule.CreateOn,
			"create_threshold":  rule.CreateThreshold,
			"enabled":           rule.Enabled,
		})
	if res.Error != nil {
		return storageErr("update rule", res.Error)
	}
	if res.RowsAffected == 0 {
		return invariantErr("rule %d not found", rule.ID)
	}
	return nil
}

// DeleteRule removes a rule. Incidents it formed keep their
// rule_fingerprint and stay linked.
func (s *RuleService) DeleteRule(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Delete(&database.Rule{}, id).Error; err != nil {
		return storageErr("delete rule", err)
	}
	return nil
}

func validateRule(rule *database.Rule) error {
	if rule.TenantID == "" {
		return fmt.Errorf("%w: rule missing tenant id", ErrConfiguration)
	}
	if rule.Name == "" {
		return fmt.Errorf("%w: rule missing name", ErrConfiguration)
	}
	if rule.ResolveOn == "" {
		rule.ResolveOn = database.ResolveOnNever
	}
	if !rule.ResolveOn.IsValid() {
		return fmt.Errorf("%w: unknown resolve_on policy %q", ErrConfiguration, rule.ResolveOn)
	}
	if rule.CreateOn == "" {
		rule.CreateOn = database.CreateOnAny
	}
	if !rule.CreateOn.IsValid() {
		return fmt.Errorf("%w: unknown create_on policy %q", ErrConfiguration, rule.CreateOn)
	}
	if rule.CreateOn == database.CreateOnThreshold && rule.CreateThreshold < 1 {
		return fmt.Errorf("%w: threshold policy needs create_threshold >= 1", ErrConfiguration)
	}
	if _, err := ParseCondition(rule.Condition); err != nil {
		return err
	}
	return nil
}

// ruleFile is the YAML shape of a bootstrap rules file
type ruleFile struct {
	Rules []struct {
		TenantID         string                 `yaml:"tenant_id"`
		Name             string                 `yaml:"name"`
		GroupingCriteria []string               `yaml:"grouping_criteria"`
		Condition        map[string]interface{} `yaml:"condition"`
		TimeframeSeconds int                    `yaml:"timeframe_seconds"`
		ResolveOn        string                 `yaml:"resolve_on"`
		CreateOn         string                 `yaml:"create_on"`
		CreateThreshold  int                    `yaml:"create_threshold"`
		Enabled          *bool                  `yaml:"enabled"`
	} `yaml:"rules"`
}

// LoadRulesFromFile seeds rules from a YAML file. Existing rules (matched
// by tenant and name) are updated in place so the file can be re-applied
// on every start.
func (s *RuleService) LoadRulesFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: read rules file: %v", ErrConfiguration, err)
	}
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("%w: parse rules file: %v", ErrConfiguration, err)
	}

	loaded := 0
	for _, r := range file.Rules {
		criteria := make([]interface{}, len(r.GroupingCriteria))
		for i, f := range r.GroupingCriteria {
			criteria[i] = f
		}
		enabled := true
		if r.Enabled != nil {
			enabled = *r.Enabled
		}
		rule := &database.Rule{
			TenantID:         r.TenantID,
			Name:             r.Name,
			GroupingCriteria: database.JSONB{"fields": criteria},
			Condition:        yamlCondition(r.Condition),
			TimeframeSeconds: r.TimeframeSeconds,
			ResolveOn:        database.ResolveOnPolicy(r.ResolveOn),
			CreateOn:         database.CreateOnPolicy(r.CreateOn),
			CreateThreshold:  r.CreateThreshold,
			Enabled:          enabled,
		}
		if err := s.ensureRule(ctx, rule); err != nil {
			log.Printf("Skipping rule %s/%s: %v", r.TenantID, r.Name, err)
			continue
		}
		loaded++
	}
	log.Printf("Loaded %d rules from %s", loaded, path)
	return loaded, nil
}

// ensureRule creates or updates a rule keyed by (tenant, name)
func (s *RuleService) ensureRule(ctx context.Context, rule *database.Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	var existing database.Rule
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND name = ?", rule.TenantID, rule.Name).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.CreateRule(ctx, rule)
	}
	if err != nil {
		return storageErr("load rule", err)
	}
	rule.ID = existing.ID
	return s.UpdateRule(ctx, rule)
}

// yamlCondition converts a YAML condition map to the stored JSONB form.
// yaml.v3 decodes nested maps as map[string]interface{}, but a JSON
// round-trip normalizes numbers the way ParseCondition expects.
func yamlCondition(cond map[string]interface{}) database.JSONB {
	if len(cond) == 0 {
		return nil
	}
	data, err := json.Marshal(cond)
	if err != nil {
		return nil
	}
	var out database.JSONB
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
