// Package promptopt rewrites user prompts to match the target model's
// tool-calling capabilities. The optimizer is a pure function of its inputs
// and never touches the transcript.
package promptopt

import (
	"regexp"
	"strings"

	"github.com/convoke-ai/convoke/internal/caps"
)

// Strategy names the rewrite direction applied to a message.
type Strategy string

const (
	// StrategyNone means the message was left untouched.
	StrategyNone Strategy = "none"

	// StrategyParallel encourages batched, simultaneous tool use.
	StrategyParallel Strategy = "parallel"

	// StrategySequential spells out one-step-at-a-time execution.
	StrategySequential Strategy = "sequential"
)

// DefaultMinWords is the threshold below which messages are passed through
// untouched.
const DefaultMinWords = 4

var continuationPhrases = map[string]bool{
	"continue":      true,
	"ok":            true,
	"okay":          true,
	"go on":         true,
	"keep going":    true,
	"next":          true,
	"proceed":       true,
	"yes":           true,
	"go ahead":      true,
	"carry on":      true,
	"more":          true,
	"and then":      true,
	"what's next":   true,
	"keep working":  true,
}

var (
	firstThenRe = regexp.MustCompile(`(?i)\bfirst\s+(.+?)\s*,?\s*(?:and\s+)?then\s+(.+)`)
	oneByOneRe  = regexp.MustCompile(`(?i)\bone\s+(?:by|at\s+a)\s+(?:one|time)\b`)

	simultaneouslyRe = regexp.MustCompile(`(?i)\bsimultaneously\s+(.+?)\s+and\s+(.+)`)
	atOnceRe         = regexp.MustCompile(`(?i)\b(?:all\s+at\s+once|at\s+the\s+same\s+time|in\s+parallel)\b`)
)

const (
	parallelHint   = "\n\n(You may batch independent tool calls and run them together.)"
	sequentialHint = "\n\n(Work through this one step at a time, finishing each tool call before the next.)"
)

// Optimizer rewrites prompts based on the capability table and an optional
// per-agent hint table.
type Optimizer struct {
	caps     *caps.Table
	minWords int
	hints    map[hintKey]string
}

type hintKey struct {
	agent    string
	strategy Strategy
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithMinWords overrides the short-message threshold.
func WithMinWords(n int) Option {
	return func(o *Optimizer) {
		if n > 0 {
			o.minWords = n
		}
	}
}

// WithAgentHint installs a hint appended when the given agent's message was
// rewritten with the given strategy.
func WithAgentHint(agent string, strategy Strategy, hint string) Option {
	return func(o *Optimizer) {
		o.hints[hintKey{agent: agent, strategy: strategy}] = hint
	}
}

// New builds an optimizer over the capability table.
func New(table *caps.Table, opts ...Option) *Optimizer {
	o := &Optimizer{
		caps:     table,
		minWords: DefaultMinWords,
		hints:    make(map[hintKey]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Result reports what Optimize did.
type Result struct {
	Text     string
	Strategy Strategy
	Skipped  bool
}

// Optimize rewrites message for the target model. Continuation phrases and
// short messages skip every rewrite.
func (o *Optimizer) Optimize(message, model, agentID string) Result {
	if o.shouldSkip(message) {
		return Result{Text: message, Strategy: StrategyNone, Skipped: true}
	}

	record := o.caps.Lookup(model)
	var out string
	var strategy Strategy
	if record.MultiTool {
		out = rewriteParallel(message)
		strategy = StrategyParallel
	} else {
		out = rewriteSequential(message)
		strategy = StrategySequential
	}

	if hint, ok := o.hints[hintKey{agent: agentID, strategy: strategy}]; ok {
		out += "\n\n" + hint
	}
	return Result{Text: out, Strategy: strategy}
}

// shouldSkip detects continuation prompts and short messages.
func (o *Optimizer) shouldSkip(message string) bool {
	normalized := strings.ToLower(strings.TrimSpace(message))
	normalized = strings.TrimRight(normalized, ".!?")
	if continuationPhrases[normalized] {
		return true
	}
	return len(strings.Fields(message)) < o.minWords
}

// rewriteParallel turns sequential phrasings into simultaneous ones and
// appends a batching hint when the rewrite changed little.
func rewriteParallel(message string) string {
	out := firstThenRe.ReplaceAllString(message, "simultaneously $1 and $2")
	out = oneByOneRe.ReplaceAllString(out, "all at once")
	if out == message {
		out += parallelHint
	}
	return out
}

// rewriteSequential turns parallel phrasings into explicit steps and appends
// a one-at-a-time hint when the rewrite changed little.
func rewriteSequential(message string) string {
	out := simultaneouslyRe.ReplaceAllString(message, "first $1, then $2")
	out = atOnceRe.ReplaceAllString(out, "one at a time")
	if out == message {
		out += sequentialHint
	}
	return out
}
