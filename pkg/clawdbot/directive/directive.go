// Package directive extracts inline directives (/think, /verbose) from user
// text. Directives modify the agent's behavior for the current turn only;
// the cleaned text is what reaches the model.
package directive

import (
	"regexp"
	"strings"
)

// Result is the outcome of directive extraction. Extraction never fails:
// text with no directives comes back with only its whitespace collapsed.
type Result struct {
	// Cleaned is the input with recognized directives stripped and
	// whitespace collapsed.
	Cleaned string

	// ThinkLevel is the effective thinking level ("" when not set).
	ThinkLevel string

	// VerboseLevel is "on" or "off" ("" when not set).
	VerboseLevel string

	// HasDirectives reports whether any directive pattern was seen,
	// including ones left in place because the argument was unknown.
	HasDirectives bool
}

// thinkLevels maps accepted /think arguments to canonical levels.
var thinkLevels = map[string]string{
	"off":         "off",
	"min":         "low",
	"minimal":     "low",
	"low":         "low",
	"thinkhard":   "medium",
	"think-hard":  "medium",
	"medium":      "medium",
	"mid":         "medium",
	"med":         "medium",
	"thinkharder": "high",
	"high":        "high",
	"ultra":       "max",
	"ultrathink":  "max",
	"max":         "max",
}

// verboseLevels maps accepted /verbose arguments to "on"/"off".
var verboseLevels = map[string]string{
	"on":    "on",
	"true":  "on",
	"yes":   "on",
	"1":     "on",
	"full":  "on",
	"off":   "off",
	"false": "off",
	"no":    "off",
	"0":     "off",
}

// Directives must be preceded by start-of-string or whitespace. The colon
// after the directive word is optional. The argument is captured loosely
// and validated against the level tables; unknown arguments leave the
// directive in place.
var (
	thinkRe   = regexp.MustCompile(`(?i)(^|\s)/(?:thinking|think|t)\b:?[ \t]*([^\s]*)`)
	verboseRe = regexp.MustCompile(`(?i)(^|\s)/(?:verbose|v)\b:?[ \t]*([^\s]*)`)
)

// Parse extracts directives from text. Each directive kind is stripped at
// most once per invocation.
func Parse(text string) Result {
	res := Result{Cleaned: text}

	res.Cleaned, res.ThinkLevel, res.HasDirectives =
		extract(res.Cleaned, thinkRe, thinkLevels, res.HasDirectives)
	res.Cleaned, res.VerboseLevel, res.HasDirectives =
		extract(res.Cleaned, verboseRe, verboseLevels, res.HasDirectives)

	res.Cleaned = collapseWhitespace(res.Cleaned)
	return res
}

// extract strips the first recognized occurrence of the directive and
// returns (cleaned, level, seen).
func extract(text string, re *regexp.Regexp, levels map[string]string, seen bool) (string, string, bool) {
	loc := re.FindStringSubmatchIndex(text)
	if loc == nil {
		return text, "", seen
	}

	arg := strings.ToLower(text[loc[4]:loc[5]])
	level, known := levels[arg]
	if !known {
		// The directive is present but its argument is not a level we
		// understand. Leave the text untouched so the agent can see it.
		return text, "", true
	}

	// Strip the directive and its argument, preserving the leading
	// separator (start-of-string or the whitespace that preceded it).
	lead := text[loc[2]:loc[3]]
	cleaned := text[:loc[0]] + lead + text[loc[5]:]
	return cleaned, level, true
}

var wsRe = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return strings.TrimSpace(wsRe.ReplaceAllString(s, " "))
}
