package tools

import (
	"regexp"
	"strings"
)

// Risk grades a shell command before run_command executes it.
type Risk int

const (
	RiskNone Risk = iota
	RiskCaution
	RiskRefused
)

// Verdict explains why a command was graded.
type Verdict struct {
	Risk       Risk
	Reason     string
	Suggestion string
}

type guardRule struct {
	re         *regexp.Regexp
	risk       Risk
	reason     string
	suggestion string
}

// CommandGuard refuses shell commands a worker must never run unattended.
type CommandGuard struct {
	rules []guardRule
}

// NewCommandGuard returns a guard with the built-in rules.
func NewCommandGuard() *CommandGuard {
	return &CommandGuard{rules: builtinRules}
}

var builtinRules = []guardRule{
	{regexp.MustCompile(`rm\s+(-[rf]+\s+)*(/|/\*|\.\.|~)(\s|$)`), RiskRefused,
		"recursive delete of a root or parent path", "name the directory: rm -rf ./build"},
	{regexp.MustCompile(`rm\s+-rf\s+\.git(\s|$)`), RiskRefused,
		"deleting .git loses the repository history", ""},
	{regexp.MustCompile(`mkfs\s`), RiskRefused, "filesystem formatting", ""},
	{regexp.MustCompile(`dd\s+.*of=/dev/`), RiskRefused, "raw device write", ""},
	{regexp.MustCompile(`git\s+push\s+.*--force(\s|$)`), RiskRefused,
		"force push rewrites remote history", "git push --force-with-lease"},
	{regexp.MustCompile(`git\s+add\s+.*\.env`), RiskRefused, ".env files hold secrets", "add .env to .gitignore"},
	{regexp.MustCompile(`git\s+add\s+.*(id_rsa|id_ed25519|\.pem|\.key)`), RiskRefused, "private key material", ""},
	{regexp.MustCompile(`(?i)DROP\s+DATABASE`), RiskRefused, "dropping a database", ""},
	{regexp.MustCompile(`docker\s+run\s+.*-v\s+/:/`), RiskRefused, "mounting the host root", "mount a specific directory"},
	{regexp.MustCompile(`git\s+reset\s+--hard\s+HEAD~`), RiskCaution,
		"hard reset discards commits", "git stash first"},
	{regexp.MustCompile(`(?i)DELETE\s+FROM\s+\w+\s*(;|$)`), RiskCaution, "DELETE without WHERE", ""},
	{regexp.MustCompile(`(?i)TRUNCATE\s+TABLE`), RiskCaution, "TRUNCATE removes every row", ""},
	{regexp.MustCompile(`docker\s+run\s+.*--privileged`), RiskCaution, "privileged container", "use --cap-add"},
	{regexp.MustCompile(`curl\s+.*\|\s*(bash|sh)`), RiskCaution, "piping a download into a shell", ""},
}

// Check grades command against the first matching rule.
func (g *CommandGuard) Check(command string) Verdict {
	command = strings.TrimSpace(command)
	for _, r := range g.rules {
		if r.re.MatchString(command) {
			return Verdict{Risk: r.risk, Reason: r.reason, Suggestion: r.suggestion}
		}
	}
	return Verdict{}
}
