package edge

import (
	"regexp"
	"strings"
)

// PatternSetVersion identifies the compiled attack-pattern lists. Bump it
// whenever a family gains or loses an expression so operators can correlate
// behavior changes with deployments.
const PatternSetVersion = 3

// Family classifies a detected attack.
type Family int

const (
	FamilyNone Family = iota
	FamilySQLInjection
	FamilyXSS
	FamilyPathTraversal
	FamilyCommandInjection
)

func (f Family) String() string {
	switch f {
	case FamilySQLInjection:
		return "sql_injection"
	case FamilyXSS:
		return "xss"
	case FamilyPathTraversal:
		return "path_traversal"
	case FamilyCommandInjection:
		return "command_injection"
	default:
		return "none"
	}
}

// ws tolerates literal whitespace plus the common URL encodings of it between
// attack tokens.
const ws = `(?:\s|\+|%20|%09|%0a|%0d)`

var sqlInjectionPatterns = compileAll(
	`(?i)union`+ws+`+(?:all`+ws+`+)?select`,
	`(?i)select`+ws+`+.{0,100}?`+ws+`from`+ws,
	`(?i)insert`+ws+`+into`+ws,
	`(?i)(?:delete`+ws+`+from|drop`+ws+`+(?:table|database)|truncate`+ws+`+table)`,
	`(?i)(?:'|%27)`+ws+`*(?:or|and)`+ws+`*(?:'|%27)?`+ws+`*\d+`+ws+`*(?:'|%27)?`+ws+`*(?:=|%3d)`,
	`(?i)(?:or|and)`+ws+`+\d+`+ws+`*=`+ws+`*\d+`+ws+`*(?:--|#|$)`,
	`(?i)(?:;|%3b)`+ws+`*(?:shutdown|exec|execute)\b`,
	`(?i)(?:xp_cmdshell|information_schema|load_file`+ws+`*\(|sleep`+ws+`*\(|benchmark`+ws+`*\()`,
	`(?i)(?:'|%27|\d)`+ws+`*(?:--|%2d%2d)`,
)

var xssPatterns = compileAll(
	`(?i)(?:<|%3c|&lt;?)`+ws+`*script`,
	`(?i)javascript`+ws+`*(?::|%3a)`,
	`(?i)\bon(?:error|load|click|focus|mouseover|submit)`+ws+`*(?:=|%3d)`,
	`(?i)(?:<|%3c)`+ws+`*(?:img|iframe|svg|embed|object)\b`,
	`(?i)(?:alert|prompt|confirm)`+ws+`*(?:\(|%28)`,
	`(?i)document`+ws+`*\.`+ws+`*(?:cookie|location|write)`,
	`(?i)(?:eval|settimeout|setinterval)`+ws+`*(?:\(|%28)`,
	`(?i)expression`+ws+`*(?:\(|%28)`,
)

// Path traversal is scanned against the URI only.
var pathTraversalPatterns = compileAll(
	`\.\./`,
	`\.\.\\`,
	`(?i)%2e%2e(?:%2f|%5c|/|\\)`,
	`(?i)%252e%252e`,
	`(?i)\.\.%(?:2f|5c)`,
	`(?i)(?:^|/)etc(?:/|%2f)(?:passwd|shadow|hosts)`,
	`(?i)(?:boot\.ini|win\.ini|system32)`,
)

var commandInjectionPatterns = compileAll(
	`(?i)(?:;|\||&&|%3b|%7c|%26%26)`+ws+`*(?:cat|ls|id|pwd|whoami|uname|wget|curl|rm|mv|cp|chmod|nc|netcat|ping|bash|sh|zsh|cmd|powershell|python|perl|ruby)\b`,
	"`[^`]+`",
	`\$\([^)]+\)`,
	`(?i)%60[^%]*%60`,
	`(?i)(?:^|`+ws+`|=)/bin/(?:ba|z|da)?sh\b`,
	`(?i)(?:\||%7c){2}`+ws+`*(?:true|false|\w+)`,
	`(?i)(?:>|%3e)`+ws+`*/(?:dev|tmp|etc)/`,
)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// DetectAttack evaluates the four pattern families in fixed order against the
// scan surface and returns the first matching family. Path traversal is
// evaluated against the URI alone; the other families see the full surface.
func DetectAttack(uri, body string, headerValues []string) Family {
	var sb strings.Builder
	sb.Grow(len(uri) + 1 + len(body) + 16*len(headerValues))
	sb.WriteString(uri)
	sb.WriteByte(' ')
	sb.WriteString(body)
	for _, v := range headerValues {
		sb.WriteByte(' ')
		sb.WriteString(v)
	}
	surface := sb.String()

	switch {
	case matchAny(sqlInjectionPatterns, surface):
		return FamilySQLInjection
	case matchAny(xssPatterns, surface):
		return FamilyXSS
	case matchAny(pathTraversalPatterns, uri):
		return FamilyPathTraversal
	case matchAny(commandInjectionPatterns, surface):
		return FamilyCommandInjection
	default:
		return FamilyNone
	}
}
