package main

import (
	"fmt"
	"io"
	"os"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = governance failure (violation, signature or persistence error)
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "cycle", "start":
		return runCycleCmd(args[2:], stdout, stderr)
	case "decide":
		return runDecideCmd(args[2:], stdout, stderr)
	case "resolve":
		return runResolveCmd(args[2:], stdout, stderr)
	case "rerun":
		return runRerunCmd(args[2:], stdout, stderr)
	case "show":
		return runShowCmd(args[2:], stdout, stderr)
	case "logs":
		return runLogsCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "policies":
		return runPoliciesCmd(args[2:], stdout, stderr)
	case "rules":
		return runRulesCmd(args[2:], stdout, stderr)
	case "budget":
		return runBudgetCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "icgl %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sICGL %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	_, _ = fmt.Fprintf(w, "%sAgents review. Humans decide.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  icgl <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "GOVERNANCE CYCLE")
	printCommand(w, "cycle", "Submit a proposal and run it to review (--title, --decision, --file)")
	printCommand(w, "decide", "Sign a human decision (--proposal, --action, --rationale)")
	printCommand(w, "resolve", "Mark conditions met on a CONDITIONAL proposal (--proposal, --note)")
	printCommand(w, "rerun", "Re-run a DRAFT proposal through the cycle (--proposal)")
	printCommand(w, "show", "Show a stored proposal (--proposal)")

	printSection(w, "AUDIT")
	printCommand(w, "logs", "Print the learning log (--since, --json)")
	printCommand(w, "verify", "Verify the log hash chain and decision signatures")

	printSection(w, "CONFIGURATION")
	printCommand(w, "policies", "List active policies or validate a policy file (--file)")
	printCommand(w, "rules", "List sentinel rules and rule kinds")
	printCommand(w, "budget", "Show or reset the resource budget (--reset)")
	printCommand(w, "token", "Issue a human signer token (--human, --ttl)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Global flag on every command: --config <path> (YAML overlay; ICGL_* env wins)")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-10s%s %s\n", ColorGreen, name, ColorReset, desc)
}
