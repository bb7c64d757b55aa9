package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
	"github.com/Mindburn-Labs/icgl/pkg/cycle"
)

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// newFlagSet registers the flags shared by every command.
func newFlagSet(name string, stderr io.Writer) (fs *flag.FlagSet, configPath *string, jsonOut *bool) {
	fs = flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath = fs.String("config", "", "Path to a YAML config file")
	jsonOut = fs.Bool("json", false, "Output machine-readable JSON")
	return fs, configPath, jsonOut
}

// withApp builds the app, runs fn and reports its error.
func withApp(configPath string, stderr io.Writer, fn func(ctx context.Context, a *app) error) int {
	ctx := context.Background()
	a, err := newApp(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sError:%s %v\n", ColorRed, ColorReset, err)
		return 2
	}
	defer a.close(ctx)

	if err := fn(ctx, a); err != nil {
		_, _ = fmt.Fprintf(stderr, "%sError:%s %v\n", ColorRed, ColorReset, err)
		return exitCode(err)
	}
	return 0
}

// runCycleCmd implements `icgl cycle`.
//
// Exit codes:
//
//	0 = proposal reached UNDER_REVIEW
//	1 = policy violation (proposal stays DRAFT) or other governance error
//	2 = usage or runtime error
func runCycleCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath, jsonOut := newFlagSet("cycle", stderr)
	var (
		title        = fs.String("title", "", "Proposal title (REQUIRED unless --file)")
		background   = fs.String("context", "", "Background for the decision")
		decision     = fs.String("decision", "", "The decision being proposed")
		file         = fs.String("file", "", "Read the submission from a JSON file")
		as           = fs.String("as", "", "Requesting principal")
		token        = fs.String("token", "", "Signer token identifying the requester")
		consequences stringList
		policies     stringList
	)
	fs.Var(&consequences, "consequence", "Expected consequence (repeatable)")
	fs.Var(&policies, "policy", "Referenced policy code (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var sub cycle.Submission
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if err := json.Unmarshal(data, &sub); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: parse %s: %v\n", *file, err)
			return 2
		}
	}
	if *title != "" {
		sub.Title = *title
	}
	if *background != "" {
		sub.Context = *background
	}
	if *decision != "" {
		sub.Decision = *decision
	}
	sub.Consequences = append(sub.Consequences, consequences...)
	sub.PolicyCodes = append(sub.PolicyCodes, policies...)
	if sub.Title == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --title or --file is required")
		return 2
	}

	return withApp(*configPath, stderr, func(ctx context.Context, a *app) error {
		requester, err := a.resolveSigner(*as, *token)
		if err != nil {
			return err
		}
		h, err := a.engine.StartCycle(ctx, sub, requester)
		if h != nil {
			writeHandle(stdout, h, *jsonOut)
		}
		return err
	})
}

// runDecideCmd implements `icgl decide`.
func runDecideCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath, jsonOut := newFlagSet("decide", stderr)
	var (
		proposal  = fs.String("proposal", "", "Proposal id (REQUIRED)")
		action    = fs.String("action", "", "APPROVE, REJECT, REQUEST_CHANGES or CONDITIONAL (REQUIRED)")
		rationale = fs.String("rationale", "", "Why (REQUIRED)")
		as        = fs.String("as", "", "Human signer id")
		token     = fs.String("token", "", "Signer token; overrides --as")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *proposal == "" || *action == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --proposal and --action are required")
		return 2
	}

	return withApp(*configPath, stderr, func(ctx context.Context, a *app) error {
		human, err := a.resolveSigner(*as, *token)
		if err != nil {
			return err
		}
		act := contracts.DecisionAction(strings.ToUpper(*action))
		h, err := a.engine.Decide(ctx, *proposal, human, act, *rationale)
		if h != nil {
			writeHandle(stdout, h, *jsonOut)
		}
		return err
	})
}

// runResolveCmd implements `icgl resolve`.
func runResolveCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath, jsonOut := newFlagSet("resolve", stderr)
	proposal := fs.String("proposal", "", "Proposal id (REQUIRED)")
	note := fs.String("note", "", "How the conditions were met (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *proposal == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --proposal is required")
		return 2
	}

	return withApp(*configPath, stderr, func(ctx context.Context, a *app) error {
		h, err := a.engine.ResolveConditions(ctx, *proposal, *note)
		if h != nil {
			writeHandle(stdout, h, *jsonOut)
		}
		return err
	})
}

// runRerunCmd implements `icgl rerun`.
func runRerunCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath, jsonOut := newFlagSet("rerun", stderr)
	proposal := fs.String("proposal", "", "Proposal id (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *proposal == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --proposal is required")
		return 2
	}

	return withApp(*configPath, stderr, func(ctx context.Context, a *app) error {
		h, err := a.engine.Rerun(ctx, *proposal)
		if h != nil {
			writeHandle(stdout, h, *jsonOut)
		}
		return err
	})
}

// runShowCmd implements `icgl show`.
func runShowCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath, jsonOut := newFlagSet("show", stderr)
	proposal := fs.String("proposal", "", "Proposal id (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *proposal == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --proposal is required")
		return 2
	}

	return withApp(*configPath, stderr, func(ctx context.Context, a *app) error {
		p, err := a.engine.Proposal(ctx, *proposal)
		if err != nil {
			return err
		}
		writeHandle(stdout, &cycle.Handle{Proposal: p}, *jsonOut)
		return nil
	})
}

// runLogsCmd implements `icgl logs`. --since is a cursor: the last sequence
// already seen. The next cursor is printed on stderr in text mode.
func runLogsCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath, jsonOut := newFlagSet("logs", stderr)
	since := fs.Uint64("since", 0, "Only entries after this sequence")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	return withApp(*configPath, stderr, func(ctx context.Context, a *app) error {
		entries, next, err := a.engine.GetNewLogsSince(ctx, cycle.Cursor(*since))
		if err != nil {
			return err
		}
		if *jsonOut {
			return writeJSON(stdout, struct {
				Entries []contracts.LearningLogEntry `json:"entries"`
				Cursor  cycle.Cursor                 `json:"cursor"`
			}{Entries: entries, Cursor: next})
		}
		for _, e := range entries {
			line := fmt.Sprintf("%4d  %s  %s  %s -> %s", e.Sequence, e.Timestamp.Format("2006-01-02T15:04:05Z"), e.ProposalID, e.FromStatus, e.ToStatus)
			if e.DecisionID != "" {
				line += "  decision=" + e.DecisionID
			}
			if e.Violation != "" {
				line += "  " + ColorRed + e.Violation + ColorReset
			}
			_, _ = fmt.Fprintln(stdout, line)
		}
		_, _ = fmt.Fprintf(stderr, "cursor: %d\n", next)
		return nil
	})
}

// runVerifyCmd implements `icgl verify`.
//
// Exit codes:
//
//	0 = learning log chain intact (and decision signature valid, if given)
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath, jsonOut := newFlagSet("verify", stderr)
	decisionID := fs.String("decision", "", "Also verify this decision's signature")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	return withApp(*configPath, stderr, func(ctx context.Context, a *app) error {
		chainErr := a.engine.VerifyLog(ctx)
		var decisionErr error
		if *decisionID != "" {
			_, decisionErr = a.engine.VerifyDecision(ctx, *decisionID)
		}
		if *jsonOut {
			_ = writeJSON(stdout, map[string]any{
				"chain_ok":    chainErr == nil,
				"decision_ok": *decisionID == "" || decisionErr == nil,
			})
		} else {
			printCheck(stdout, "learning log chain", chainErr)
			if *decisionID != "" {
				printCheck(stdout, "decision "+*decisionID, decisionErr)
			}
		}
		if chainErr != nil {
			return contracts.WrapError(contracts.CodeSignatureError, chainErr, "learning log verification failed")
		}
		return decisionErr
	})
}

func printCheck(w io.Writer, what string, err error) {
	if err != nil {
		_, _ = fmt.Fprintf(w, "%s✗%s %s: %v\n", ColorRed, ColorReset, what, err)
		return
	}
	_, _ = fmt.Fprintf(w, "%s✓%s %s\n", ColorGreen, ColorReset, what)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeHandle prints the outcome of an engine operation.
func writeHandle(w io.Writer, h *cycle.Handle, jsonOut bool) {
	if jsonOut {
		_ = writeJSON(w, h)
		return
	}
	p := h.Proposal
	_, _ = fmt.Fprintf(w, "%sProposal%s %s\n", ColorBold, ColorReset, p.ID)
	_, _ = fmt.Fprintf(w, "  Title:   %s\n", p.Title)
	_, _ = fmt.Fprintf(w, "  Status:  %s\n", p.Status)
	if p.DecisionID != "" {
		_, _ = fmt.Fprintf(w, "  Decision: %s\n", p.DecisionID)
	}
	for _, v := range h.Violations {
		_, _ = fmt.Fprintf(w, "  %sviolation%s %s\n", ColorRed, ColorReset, v)
	}
	for _, al := range h.Alerts {
		_, _ = fmt.Fprintf(w, "  alert [%s/%s] %s (%s)\n", al.Category, al.Severity, al.Message, al.Action)
	}
	if s := h.Synthesis; s != nil {
		_, _ = fmt.Fprintf(w, "  Synthesis: %d agents, confidence %.2f\n", len(s.Results), s.Confidence)
		for _, c := range s.Concerns {
			_, _ = fmt.Fprintf(w, "    concern: %s\n", c)
		}
		for _, r := range s.Recommendations {
			_, _ = fmt.Fprintf(w, "    recommend: %s\n", r)
		}
		if s.NoUsableSignal() {
			_, _ = fmt.Fprintf(w, "    %sno usable agent signal%s\n", ColorRed, ColorReset)
		}
	}
	if d := h.Decision; d != nil {
		_, _ = fmt.Fprintf(w, "  Signed %s by %s (%s)\n", d.Action, d.SignerID, d.ID)
	}
}
