package policy

import (
	"fmt"
	"os"
	"sync"

	"github.com/cuemby/drover/pkg/types"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Policy answers which runtime kinds a tenant's tasks may execute on and
// whether a fallback descent to a weaker isolation kind is permitted.
type Policy interface {
	// AllowedRuntimeKinds returns the kinds the task may run on, in no
	// particular order. An empty result means the task cannot run at all.
	AllowedRuntimeKinds(tenantID string, task *types.Task) []types.RuntimeKind

	// MayFallbackTo reports whether the task may fall back to the given
	// kind after its preferred kinds failed.
	MayFallbackTo(task *types.Task, kind types.RuntimeKind) bool

	// HighRisk reports whether the tenant is classified high risk.
	// High-risk tenants are blocked from descending to host-sandbox.
	HighRisk(tenantID string) bool

	// MayOverrideBudget reports whether the tenant holds the
	// budget.override permission.
	MayOverrideBudget(tenantID string) bool
}

// TenantRule is the per-tenant policy record
type TenantRule struct {
	AllowedKinds   []types.RuntimeKind `yaml:"allowedKinds,omitempty"`
	DeniedKinds    []types.RuntimeKind `yaml:"deniedKinds,omitempty"`
	HighRisk       bool                `yaml:"highRisk,omitempty"`
	BudgetOverride bool                `yaml:"budgetOverride,omitempty"`
}

// File is the on-disk policy document
type File struct {
	Default TenantRule            `yaml:"default"`
	Tenants map[string]TenantRule `yaml:"tenants,omitempty"`
}

// Static is a Policy backed by an in-memory rule table, loadable from YAML
type Static struct {
	mu      sync.RWMutex
	defRule TenantRule
	tenants map[string]TenantRule
}

// NewStatic creates a policy with the given default rule
func NewStatic(def TenantRule) *Static {
	return &Static{
		defRule: def,
		tenants: make(map[string]TenantRule),
	}
}

// AllowAll returns a policy that permits every runtime kind for every tenant
func AllowAll() *Static {
	return NewStatic(TenantRule{AllowedKinds: types.AllRuntimeKinds()})
}

// LoadFile reads a policy document from a YAML file
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if len(f.Default.AllowedKinds) == 0 {
		f.Default.AllowedKinds = types.AllRuntimeKinds()
	}

	p := NewStatic(f.Default)
	for tenant, rule := range f.Tenants {
		p.SetTenant(tenant, rule)
	}
	return p, nil
}

// SetTenant installs or replaces the rule for a tenant
func (p *Static) SetTenant(tenantID string, rule TenantRule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tenants[tenantID] = rule
}

func (p *Static) rule(tenantID string) TenantRule {
	if r, ok := p.tenants[tenantID]; ok {
		return r
	}
	return p.defRule
}

// AllowedRuntimeKinds applies the tenant rule's allow and deny lists
func (p *Static) AllowedRuntimeKinds(tenantID string, task *types.Task) []types.RuntimeKind {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rule := p.rule(tenantID)
	allowed := rule.AllowedKinds
	if len(allowed) == 0 {
		allowed = p.defRule.AllowedKinds
	}
	return lo.Filter(allowed, func(kind types.RuntimeKind, _ int) bool {
		return !lo.Contains(rule.DeniedKinds, kind)
	})
}

// MayFallbackTo blocks high-risk tenants from descending to host-sandbox
// and denies any kind the tenant rule excludes
func (p *Static) MayFallbackTo(task *types.Task, kind types.RuntimeKind) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rule := p.rule(task.TenantID)
	if rule.HighRisk && kind == types.RuntimeHostSandbox {
		return false
	}
	if lo.Contains(rule.DeniedKinds, kind) {
		return false
	}
	allowed := rule.AllowedKinds
	if len(allowed) == 0 {
		allowed = p.defRule.AllowedKinds
	}
	return lo.Contains(allowed, kind)
}

// HighRisk reports the tenant's risk classification
func (p *Static) HighRisk(tenantID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rule(tenantID).HighRisk
}

// MayOverrideBudget reports whether the tenant rule grants budget.override
func (p *Static) MayOverrideBudget(tenantID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rule(tenantID).BudgetOverride
}
