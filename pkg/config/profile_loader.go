package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantProfile is a per-tenant YAML overlay: tier, boundary rules, and
// budget overrides loaded at bootstrap.
type TenantProfile struct {
	TenantID string `yaml:"tenant_id" json:"tenant_id"`
	Name     string `yaml:"name" json:"name"`
	Tier     string `yaml:"tier" json:"tier"` // "free" | "standard" | "sovereign"

	Boundary BoundaryProfile `yaml:"boundary" json:"boundary"`
	Budget   BudgetProfile   `yaml:"budget" json:"budget"`
}

// BoundaryProfile declares the authored contract rules for a tenant.
type BoundaryProfile struct {
	Rules []RuleProfile `yaml:"rules" json:"rules"`
}

// RuleProfile is one authored boundary rule in YAML form.
type RuleProfile struct {
	ID            string         `yaml:"id" json:"id"`
	ResourceClass string         `yaml:"resource_class" json:"resource_class"`
	Expression    string         `yaml:"expression" json:"expression"`
	Grants        []GrantProfile `yaml:"grants" json:"grants"`
}

// GrantProfile is one granted access in YAML form.
type GrantProfile struct {
	ResourceClass string `yaml:"resource_class" json:"resource_class"`
	Mode          string `yaml:"mode" json:"mode"` // "read" | "write" | "persist"
	Scope         string `yaml:"scope" json:"scope"`
}

// BudgetProfile overrides the default agent call budget for a tenant.
type BudgetProfile struct {
	RPM   int `yaml:"rpm" json:"rpm"`
	Burst int `yaml:"burst" json:"burst"`
}

// LoadProfile loads one tenant profile by ID, searching the profiles
// directory for profile_<id>.yaml.
func LoadProfile(profilesDir, tenantID string) (*TenantProfile, error) {
	name := strings.ToLower(strings.TrimPrefix(tenantID, "tenant:"))
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", tenantID, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", tenantID, err)
	}
	if profile.TenantID == "" {
		profile.TenantID = tenantID
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml under the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.TenantID == "" {
			base := filepath.Base(path)
			id := strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
			profile.TenantID = "tenant:" + id
		}
		profiles[profile.TenantID] = &profile
	}
	return profiles, nil
}
