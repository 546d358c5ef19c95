package backend

import (
	"regexp"

	"github.com/hyperlab-be/ralph/internal/config"
)

// patternTable is the per-backend set of regexes used to classify an
// iteration's final payload into an Outcome (spec §9 "The precise set of
// patterns... should be configurable per backend"). Absence of any error
// pattern means the invocation succeeded (spec §7): there is no curated
// "success" pattern set, since the PRD/promise-marker inspection that
// decides whether the *loop* is done happens separately, one layer up.
type patternTable struct {
	authError    []*regexp.Regexp
	rateLimit    []*regexp.Regexp
	contextLimit []*regexp.Regexp
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

func newPatternTable(auth, rate, ctxLimit []string) *patternTable {
	return &patternTable{
		authError:    compileAll(auth),
		rateLimit:    compileAll(rate),
		contextLimit: compileAll(ctxLimit),
	}
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// classify inspects the final agent payload text and returns the matching
// Outcome (spec §7 "classified by the backend"). A payload matching none of
// the known error categories is treated as success.
func (t *patternTable) classify(payload string) Outcome {
	switch {
	case matchesAny(t.authError, payload):
		return OutcomeAuthError
	case matchesAny(t.rateLimit, payload):
		return OutcomeRateLimit
	case matchesAny(t.contextLimit, payload):
		return OutcomeContextLimit
	default:
		return OutcomeSuccess
	}
}

var claudePatterns = newPatternTable(
	[]string{`(?i)invalid api key`, `(?i)authentication_error`, `(?i)please run.*login`},
	[]string{`(?i)rate.?limit`, `(?i)usage limit reached`, `(?i)429`},
	[]string{`(?i)context.?length`, `(?i)prompt is too long`, `(?i)maximum context`},
)

var openCodePatterns = newPatternTable(
	[]string{`(?i)unauthorized`, `(?i)401`, `(?i)not logged in`},
	[]string{`(?i)rate.?limit`, `(?i)too many requests`, `(?i)429`},
	[]string{`(?i)context window`, `(?i)token limit exceeded`},
)

// Configure applies per-backend error-pattern overrides from the global TOML
// config (spec §9 "make the error-marker set configurable per backend").
// A backend whose `[backends.<name>]` table is absent, or leaves a category
// empty, keeps the corresponding built-in default for that category.
func Configure(gc *config.GlobalConfig) {
	if gc == nil {
		return
	}
	if bc, ok := gc.Backends["claude"]; ok {
		claudePatterns = overridePatternTable(claudePatterns, bc)
	}
	if bc, ok := gc.Backends["opencode"]; ok {
		openCodePatterns = overridePatternTable(openCodePatterns, bc)
		if bc.Port > 0 {
			openCodePort = bc.Port
		}
	}
}

func overridePatternTable(base *patternTable, bc config.BackendConfig) *patternTable {
	auth, rate, ctxLimit := base.authError, base.rateLimit, base.contextLimit
	if len(bc.AuthError) > 0 {
		auth = compileAll(bc.AuthError)
	}
	if len(bc.RateLimit) > 0 {
		rate = compileAll(bc.RateLimit)
	}
	if len(bc.ContextLimit) > 0 {
		ctxLimit = compileAll(bc.ContextLimit)
	}
	return &patternTable{authError: auth, rateLimit: rate, contextLimit: ctxLimit}
}
