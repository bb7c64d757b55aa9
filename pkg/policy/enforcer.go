package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// Constraint is an extra hard constraint expressed in CEL. The expression must
// evaluate to true for the proposal to pass.
type Constraint struct {
	PolicyCode string `json:"policy_code" yaml:"policy_code"`
	Expression string `json:"expression" yaml:"expression"`
	Message    string `json:"message" yaml:"message"`
}

// policyCodeRef finds policy code references in free text.
var policyCodeRef = regexp.MustCompile(`\bP-[A-Z]+-[0-9]{2,}\b`)

// editVerbs are verbs that, near an existing policy code, signal a direct edit.
var editVerbs = regexp.MustCompile(`(?i)\b(amend|modify|change|rewrite|replace|update|edit|delete|remove|override|redefine)\b`)

// editWindow is how far (in bytes) an edit verb may sit from the policy code.
const editWindow = 80

// authorityPatterns match decision text that removes the human from the loop.
var authorityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(bypass|skip|circumvent)\w*\s+(the\s+)?(hdal|human\s+(sign-?off|approval))\b`),
	regexp.MustCompile(`(?i)\bauto-?approve\s+this\s+proposal\b`),
	regexp.MustCompile(`(?i)\bwithout\s+(any\s+)?human\s+(approval|sign-?off|decision|signature)\b`),
}

// Enforcer validates proposals against hard, non-overridable constraints.
// Check is synchronous and performs no I/O.
type Enforcer struct {
	schema      *jsonschema.Schema
	env         *cel.Env
	constraints []Constraint
	prgCache    map[string]cel.Program
	mu          sync.RWMutex
	logger      *slog.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithConstraints appends CEL constraints.
func WithConstraints(cs ...Constraint) Option {
	return func(e *Enforcer) {
		e.constraints = append(e.constraints, cs...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) {
		e.logger = l
	}
}

// NewEnforcer compiles the structural schema and CEL environment. Every
// constraint is compiled up front so a bad expression fails at startup.
func NewEnforcer(opts ...Option) (*Enforcer, error) {
	schema, err := compileSchema(proposalSchemaURL, ProposalSchema)
	if err != nil {
		return nil, err
	}
	env, err := cel.NewEnv(
		cel.Variable("proposal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("policies", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	e := &Enforcer{
		schema:   schema,
		env:      env,
		prgCache: make(map[string]cel.Program),
		logger:   slog.Default().With("component", "policy_enforcer"),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, c := range e.constraints {
		if c.PolicyCode != "" && !contracts.PolicyCodePattern.MatchString(c.PolicyCode) {
			return nil, fmt.Errorf("constraint has malformed policy code %q", c.PolicyCode)
		}
		if _, err := e.program(c.Expression); err != nil {
			return nil, fmt.Errorf("constraint %s: %w", c.PolicyCode, err)
		}
	}
	return e, nil
}

// Constraints returns the configured CEL constraints.
func (e *Enforcer) Constraints() []Constraint {
	return append([]Constraint(nil), e.constraints...)
}

// Check runs every hard constraint and returns all violations found. When any
// violation exists the error is a *contracts.GovernanceError carrying them.
func (e *Enforcer) Check(ctx context.Context, p *contracts.Proposal, set *PolicySet) ([]contracts.Violation, error) {
	if p == nil {
		return nil, contracts.NewError(contracts.CodePolicyViolation, "nil proposal")
	}
	if set == nil {
		set, _ = NewPolicySet("")
	}

	violations := validateStructure(e.schema, p)
	violations = append(violations, checkReferences(p, set)...)
	violations = append(violations, checkImmutability(p, set)...)
	violations = append(violations, checkAuthority(p)...)
	violations = append(violations, e.checkConstraints(ctx, p, set)...)

	if len(violations) == 0 {
		return nil, nil
	}
	e.logger.Info("proposal failed policy check",
		"proposal_id", p.ID,
		"violations", len(violations),
		"policy_version", set.Version(),
	)
	return violations, contracts.PolicyError(violations)
}

// checkReferences flags well-formed but unknown policy codes. Malformed codes
// are reported by the structural schema.
func checkReferences(p *contracts.Proposal, set *PolicySet) []contracts.Violation {
	var out []contracts.Violation
	for _, code := range p.PolicyCodes {
		if !contracts.PolicyCodePattern.MatchString(code) {
			continue
		}
		if !set.Has(code) {
			out = append(out, contracts.Violation{
				Code:       contracts.CodePolicyViolation,
				PolicyCode: code,
				Message:    "references unknown policy code",
			})
		}
	}
	return out
}

// checkImmutability flags decision text that edits an existing policy in place.
// Referencing a policy is fine; pairing its code with an edit verb is not.
func checkImmutability(p *contracts.Proposal, set *PolicySet) []contracts.Violation {
	var out []contracts.Violation
	seen := make(map[string]bool)
	text := p.Decision
	for _, loc := range policyCodeRef.FindAllStringIndex(text, -1) {
		code := text[loc[0]:loc[1]]
		if seen[code] || !set.Has(code) {
			continue
		}
		lo := max(0, loc[0]-editWindow)
		hi := min(len(text), loc[1]+editWindow)
		if editVerbs.MatchString(text[lo:hi]) {
			seen[code] = true
			out = append(out, contracts.Violation{
				Code:       contracts.CodeImmutabilityViolation,
				PolicyCode: code,
				Message:    "decision edits an existing policy rule directly; submit a superseding policy instead",
			})
		}
	}
	return out
}

func checkAuthority(p *contracts.Proposal) []contracts.Violation {
	for _, re := range authorityPatterns {
		if m := re.FindString(p.Decision); m != "" {
			return []contracts.Violation{{
				Code:    contracts.CodeAuthorityViolation,
				Message: fmt.Sprintf("decision removes the human decision step (%q)", m),
			}}
		}
	}
	return nil
}

func (e *Enforcer) checkConstraints(ctx context.Context, p *contracts.Proposal, set *PolicySet) []contracts.Violation {
	if len(e.constraints) == 0 {
		return nil
	}
	input := map[string]any{
		"proposal": map[string]any{
			"id":           p.ID,
			"title":        p.Title,
			"context":      p.Context,
			"decision":     p.Decision,
			"consequences": append([]string{}, p.Consequences...),
			"policy_codes": append([]string{}, p.PolicyCodes...),
		},
		"policies": set.Codes(),
	}

	var out []contracts.Violation
	for _, c := range e.constraints {
		ok, err := e.evaluate(ctx, c.Expression, input)
		if err != nil {
			// Fail closed: an expression that cannot be evaluated is a violation.
			out = append(out, contracts.Violation{
				Code:       contracts.CodePolicyViolation,
				PolicyCode: c.PolicyCode,
				Message:    fmt.Sprintf("constraint evaluation failed: %v", err),
			})
			continue
		}
		if !ok {
			msg := c.Message
			if msg == "" {
				msg = fmt.Sprintf("constraint %q not satisfied", c.Expression)
			}
			out = append(out, contracts.Violation{
				Code:       contracts.CodePolicyViolation,
				PolicyCode: c.PolicyCode,
				Message:    msg,
			})
		}
	}
	return out
}

func (e *Enforcer) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.prgCache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.prgCache[expr]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program construction error: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func (e *Enforcer) evaluate(ctx context.Context, expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("expression did not return bool")
	}
	return b, nil
}
