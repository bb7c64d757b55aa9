package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

var policyRef = regexp.MustCompile(`\bP-[A-Z]+-[0-9]{2,}\b`)

// Sentinel scans proposals with the enabled rules of a registry.
type Sentinel struct {
	registry *Registry
	enabled  []string
	logger   *slog.Logger
}

// Option configures a Sentinel.
type Option func(*Sentinel)

// WithEnabledRules restricts scanning to the listed rule IDs.
func WithEnabledRules(ids ...string) Option {
	return func(s *Sentinel) {
		s.enabled = append([]string(nil), ids...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sentinel) {
		s.logger = l
	}
}

// New creates a Sentinel. A nil registry means DefaultRegistry.
func New(registry *Registry, opts ...Option) *Sentinel {
	if registry == nil {
		registry = DefaultRegistry()
	}
	s := &Sentinel{
		registry: registry,
		logger:   slog.Default().With("component", "drift_sentinel"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the underlying rule registry.
func (s *Sentinel) Registry() *Registry {
	return s.registry
}

// Scan runs every enabled rule over the proposal text. It never panics and
// never returns an error: a failing rule is logged and skipped, and a
// cancelled context returns the alerts collected so far. The result is never nil.
func (s *Sentinel) Scan(ctx context.Context, p *contracts.Proposal, view KnowledgeView) (alerts []contracts.SentinelAlert) {
	alerts = []contracts.SentinelAlert{}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sentinel scan recovered from panic", "panic", fmt.Sprint(r))
		}
	}()
	if p == nil {
		return alerts
	}

	in := buildInput(p, view)
	for _, rule := range s.registry.Enabled(s.enabled) {
		if ctx.Err() != nil {
			s.logger.Warn("sentinel scan interrupted", "proposal_id", p.ID, "error", ctx.Err())
			return alerts
		}
		alerts = append(alerts, s.evaluate(rule, in, p.ID)...)
	}
	if len(alerts) > 0 {
		s.logger.Info("sentinel raised alerts", "proposal_id", p.ID, "alerts", len(alerts))
	}
	return alerts
}

func (s *Sentinel) evaluate(rule Rule, in Input, proposalID string) (out []contracts.SentinelAlert) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("sentinel rule failed",
				"rule_id", rule.ID(),
				"proposal_id", proposalID,
				"panic", fmt.Sprint(r),
			)
			out = nil
		}
	}()
	return rule.Evaluate(in)
}

func buildInput(p *contracts.Proposal, view KnowledgeView) Input {
	in := Input{
		Title:    p.Title,
		Context:  p.Context,
		Decision: p.Decision,
		View:     view,
	}
	text := in.Text()
	in.Normalized = Normalize(in.Title) + fieldSep + Normalize(in.Context) + fieldSep + Normalize(in.Decision)
	in.PolicyRefs = len(p.PolicyCodes) + len(policyRef.FindAllStringIndex(text, -1))
	return in
}
