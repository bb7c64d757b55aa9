package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
	"github.com/Mindburn-Labs/icgl/pkg/policy"
)

// runPoliciesCmd lists the active policy set. With --file it only validates
// a policy file and never touches the knowledge base.
func runPoliciesCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath, jsonOut := newFlagSet("policies", stderr)
	file := fs.String("file", "", "Validate this policy file instead of listing")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *file != "" {
		set, constraints, err := policy.LoadPolicyFile(*file)
		if err == nil {
			_, err = policy.NewEnforcer(policy.WithConstraints(constraints...))
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "%s✗%s %s: %v\n", ColorRed, ColorReset, *file, err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "%s✓%s %s: %d policies, %d constraints, version %s\n",
			ColorGreen, ColorReset, *file, set.Len(), len(constraints), set.Version())
		return 0
	}

	return withApp(*configPath, stderr, func(ctx context.Context, a *app) error {
		if *jsonOut {
			return writeJSON(stdout, struct {
				Version  string             `json:"version"`
				Policies []contracts.Policy `json:"policies"`
			}{Version: a.policies.Version(), Policies: a.policies.Policies()})
		}
		_, _ = fmt.Fprintf(stdout, "%sPolicy set %s%s\n", ColorBold, a.policies.Version(), ColorReset)
		for _, p := range a.policies.Policies() {
			_, _ = fmt.Fprintf(stdout, "  %s%-10s%s [%s] %s\n", ColorGreen, p.Code, ColorReset, p.Severity, p.Title)
		}
		return nil
	})
}

// runRulesCmd lists sentinel rules and the rule kinds a rule file may use.
func runRulesCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath, jsonOut := newFlagSet("rules", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	return withApp(*configPath, stderr, func(ctx context.Context, a *app) error {
		registry := a.sentinel.Registry()
		enabled := make(map[string]bool)
		for _, r := range registry.Enabled(a.cfg.EnabledRules) {
			enabled[r.ID()] = true
		}
		type ruleView struct {
			ID      string `json:"id"`
			Enabled bool   `json:"enabled"`
		}
		var rules []ruleView
		for _, r := range registry.Rules() {
			rules = append(rules, ruleView{ID: r.ID(), Enabled: enabled[r.ID()]})
		}
		if *jsonOut {
			return writeJSON(stdout, map[string]any{"rules": rules, "kinds": registry.Kinds()})
		}
		printSection(stdout, "RULES")
		for _, r := range rules {
			mark := ColorGray + "off" + ColorReset
			if r.Enabled {
				mark = ColorGreen + "on " + ColorReset
			}
			_, _ = fmt.Fprintf(stdout, "  %s %s\n", mark, r.ID)
		}
		printSection(stdout, "KINDS")
		for _, k := range registry.Kinds() {
			_, _ = fmt.Fprintf(stdout, "  %s\n", k)
		}
		return nil
	})
}

// runBudgetCmd prints the shared budget status, optionally resetting it first.
func runBudgetCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath, jsonOut := newFlagSet("budget", stderr)
	reset := fs.Bool("reset", false, "Reset the counter to zero")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	return withApp(*configPath, stderr, func(ctx context.Context, a *app) error {
		if *reset {
			if err := a.guard.Reset(ctx); err != nil {
				return err
			}
		}
		st, err := a.guard.Status(ctx)
		if err != nil {
			return err
		}
		if *jsonOut {
			return writeJSON(stdout, st)
		}
		_, _ = fmt.Fprintf(stdout, "Budget: %d / %d (%.1f%%) %s\n", st.Used, st.Limit, st.Percent, st.State)
		return nil
	})
}

// runTokenCmd issues a short-lived signer token for a human.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath, _ := newFlagSet("token", stderr)
	human := fs.String("human", "", "Human signer id (REQUIRED)")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *human == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --human is required")
		return 2
	}

	return withApp(*configPath, stderr, func(ctx context.Context, a *app) error {
		tok, err := a.tokens.Issue(*human, *ttl)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, tok)
		return nil
	})
}
