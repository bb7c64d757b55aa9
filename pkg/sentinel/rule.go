// Package sentinel implements the Drift Sentinel: an advisory scanner that
// runs a registry of independent rules over a proposal's free text and
// returns alerts. It is never a gate and never fails the cycle.
package sentinel

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// KnowledgeView is the read-only slice of Knowledge Base statistics a rule may use.
type KnowledgeView struct {
	ProposalCount int     `json:"proposal_count"`
	MeanLength    float64 `json:"mean_length"`
	PolicyCount   int     `json:"policy_count"`
}

// Input is what each rule sees.
type Input struct {
	Title      string
	Context    string
	Decision   string
	PolicyRefs int
	Normalized string // fields normalized one by one, joined by fieldSep
	View       KnowledgeView
}

// fieldSep separates fields in Input.Normalized. Normalize folds every
// whitespace run to one space, so no normalized term can span it.
const fieldSep = "\n"

// Text joins the scanned fields.
func (in Input) Text() string {
	return in.Title + "\n" + in.Context + "\n" + in.Decision
}

// Rule is one independent drift detector. Rules must not depend on each other.
type Rule interface {
	ID() string
	Evaluate(in Input) []contracts.SentinelAlert
}

// Descriptor declares a rule as data. Which fields apply depends on Kind.
type Descriptor struct {
	ID         string   `yaml:"id" json:"id"`
	Kind       string   `yaml:"kind" json:"kind"`
	Category   string   `yaml:"category" json:"category"`
	Severity   string   `yaml:"severity" json:"severity"`
	Action     string   `yaml:"action" json:"action"`
	Message    string   `yaml:"message,omitempty" json:"message,omitempty"`
	Terms      []string `yaml:"terms,omitempty" json:"terms,omitempty"`
	Pattern    string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	MaxLength  int      `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Factor     float64  `yaml:"factor,omitempty" json:"factor,omitempty"`
	MinSamples int      `yaml:"min_samples,omitempty" json:"min_samples,omitempty"`
	MaxDensity float64  `yaml:"max_density,omitempty" json:"max_density,omitempty"`
	MinRefs    int      `yaml:"min_refs,omitempty" json:"min_refs,omitempty"`
}

// Factory builds a rule of one kind from its descriptor.
type Factory func(d Descriptor) (Rule, error)

// Registry holds rule kinds and rule instances. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Factory
	rules []Rule
	ids   map[string]bool
}

// NewRegistry returns a registry with the built-in kinds and no rules.
func NewRegistry() *Registry {
	r := &Registry{
		kinds: make(map[string]Factory),
		ids:   make(map[string]bool),
	}
	r.kinds[KindKeyword] = newKeywordRule
	r.kinds[KindRegex] = newRegexRule
	r.kinds[KindLength] = newLengthRule
	r.kinds[KindPolicyDensity] = newDensityRule
	return r
}

// DefaultRegistry returns a registry loaded with DefaultRules.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	if err := r.Load(DefaultRules()...); err != nil {
		panic(fmt.Sprintf("default sentinel rules invalid: %v", err))
	}
	return r
}

// RegisterKind adds a new rule kind. Existing kinds cannot be replaced.
func (r *Registry) RegisterKind(kind string, f Factory) error {
	if kind == "" || f == nil {
		return fmt.Errorf("sentinel: kind name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[kind]; ok {
		return fmt.Errorf("sentinel: kind %q already registered", kind)
	}
	r.kinds[kind] = f
	return nil
}

// Kinds lists registered kind names.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Register adds a rule instance. Rule IDs are unique.
func (r *Registry) Register(rule Rule) error {
	if rule == nil || rule.ID() == "" {
		return fmt.Errorf("sentinel: rule must have an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids[rule.ID()] {
		return fmt.Errorf("sentinel: rule %q already registered", rule.ID())
	}
	r.ids[rule.ID()] = true
	r.rules = append(r.rules, rule)
	return nil
}

// Build constructs a rule from its descriptor via the kind factory and registers it.
func (r *Registry) Build(d Descriptor) error {
	r.mu.RLock()
	f, ok := r.kinds[d.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("sentinel: unknown rule kind %q for rule %q", d.Kind, d.ID)
	}
	rule, err := f(d)
	if err != nil {
		return fmt.Errorf("sentinel: rule %q: %w", d.ID, err)
	}
	return r.Register(rule)
}

// Load builds every descriptor in order, stopping at the first error.
func (r *Registry) Load(ds ...Descriptor) error {
	for _, d := range ds {
		if err := r.Build(d); err != nil {
			return err
		}
	}
	return nil
}

// Rules returns all rules in registration order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Rule(nil), r.rules...)
}

// Enabled returns the rules whose IDs are listed; an empty list means all.
func (r *Registry) Enabled(ids []string) []Rule {
	all := r.Rules()
	if len(ids) == 0 {
		return all
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[strings.TrimSpace(id)] = true
	}
	out := make([]Rule, 0, len(ids))
	for _, rule := range all {
		if want[rule.ID()] {
			out = append(out, rule)
		}
	}
	return out
}

// base carries the alert template shared by every built-in kind.
type base struct {
	id       string
	category contracts.AlertCategory
	severity contracts.Severity
	action   contracts.AlertAction
	message  string
}

func newBase(d Descriptor) (base, error) {
	if d.ID == "" {
		return base{}, fmt.Errorf("id is required")
	}
	b := base{
		id:       d.ID,
		category: contracts.ParseAlertCategory(strings.ToUpper(d.Category)),
		severity: contracts.SeverityMedium,
		action:   contracts.ActionLog,
		message:  d.Message,
	}
	if d.Severity != "" {
		sev, err := contracts.ParseSeverity(d.Severity)
		if err != nil {
			return base{}, err
		}
		b.severity = sev
	}
	if d.Action != "" {
		switch a := contracts.AlertAction(strings.ToUpper(d.Action)); a {
		case contracts.ActionLog, contracts.ActionBlock, contracts.ActionEscalate:
			b.action = a
		default:
			return base{}, fmt.Errorf("unknown action %q", d.Action)
		}
	}
	return b, nil
}

func (b base) ID() string { return b.id }

func (b base) alert(detail string) contracts.SentinelAlert {
	msg := detail
	if b.message != "" {
		msg = b.message + ": " + detail
	}
	return contracts.SentinelAlert{
		ID:       uuid.NewString(),
		Category: b.category,
		Severity: b.severity,
		RuleID:   b.id,
		Message:  msg,
		Action:   b.action,
	}
}
