// Package sanitize redacts secrets and classifies sensitive paths before
// any content leaves the process. All redaction is irreversible and lossy;
// there is no round-trip guarantee.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Redacted replaces every secret recognized by Redact.
const Redacted = "[REDACTED]"

// sensitiveKeyRe matches variable or field names that commonly hold secrets.
var sensitiveKeyRe = regexp.MustCompile(`(?i)key|secret|token|password|credential|auth|private`)

// assignmentRe matches NAME=value lines, including shell export statements.
var assignmentRe = regexp.MustCompile(`(?m)^([ \t]*(?:export[ \t]+)?)([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

// secretShapeRes matches strings that look like secrets regardless of the
// surrounding key name. Ordering matters: specific vendor shapes run before
// the generic long-opaque-token shape.
var secretShapeRes = []*regexp.Regexp{
	// Vendor-prefixed tokens (OpenAI/Stripe-style, GitHub, GitLab, Slack)
	regexp.MustCompile(`\b(?:sk|rk|pk)-[A-Za-z0-9_-]{16,}`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{16,}\b`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}\b`),
	regexp.MustCompile(`\bglpat-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}`),
	// Cloud access key ids
	regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`),
	// Three-segment base64url, the shape of signed tokens
	regexp.MustCompile(`\b[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`),
	// Long opaque tokens
	regexp.MustCompile(`\b[A-Za-z0-9_-]{32,}\b`),
}

// bearerRe matches Authorization headers carrying a bearer token.
var bearerRe = regexp.MustCompile(`(?i)(authorization['"]?\s*[:=]\s*['"]?bearer\s+)[^\s"',;]+`)

// jsonFieldRe matches JSON string fields whose key looks sensitive.
var jsonFieldRe = regexp.MustCompile(`(?i)("[^"]*(?:key|secret|token|password|credential|auth|private)[^"]*"\s*:\s*)"(?:[^"\\]|\\.)*"`)

// Redact removes secrets from arbitrary text. It applies, in order:
// NAME=value assignment redaction, secret-shape redaction, Authorization
// header redaction, and JSON field redaction. Redact is idempotent.
func Redact(s string) string {
	s = redactAssignments(s)
	for _, re := range secretShapeRes {
		s = re.ReplaceAllString(s, Redacted)
	}
	s = bearerRe.ReplaceAllString(s, "${1}"+Redacted)
	s = jsonFieldRe.ReplaceAllString(s, `${1}"`+Redacted+`"`)
	return s
}

// redactAssignments redacts the value of NAME=value lines whose NAME looks
// sensitive, preserving single or double quoting around the value.
func redactAssignments(s string) string {
	return assignmentRe.ReplaceAllStringFunc(s, func(line string) string {
		m := assignmentRe.FindStringSubmatch(line)
		if m == nil || !sensitiveKeyRe.MatchString(m[2]) {
			return line
		}
		value := strings.TrimRight(m[3], " \t")
		replacement := Redacted
		switch {
		case len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"':
			replacement = `"` + Redacted + `"`
		case len(value) >= 2 && value[0] == '\'' && value[len(value)-1] == '\'':
			replacement = "'" + Redacted + "'"
		case value == "":
			replacement = ""
		}
		return m[1] + m[2] + "=" + replacement
	})
}

// Truncate cuts s at maxLen and appends a marker with the original length
// and a short content digest, so duplicate truncations can be detected
// without storing the original. Input at or under maxLen is returned as is.
func Truncate(s string, maxLen int) string {
	if maxLen < 0 {
		maxLen = 0
	}
	if len(s) <= maxLen {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	digest := hex.EncodeToString(sum[:4])
	return fmt.Sprintf("%s...[truncated, original %d chars, sha256 %s]", s[:maxLen], len(s), digest)
}

// HashPath returns a deterministic one-way digest of a file path, used for
// deduplication without leaking directory structure. Separators are
// normalized so the same file hashes alike on every platform.
func HashPath(p string) string {
	sum := sha256.Sum256([]byte(strings.ReplaceAll(p, `\`, "/")))
	return hex.EncodeToString(sum[:])[:16]
}

// defaultSensitivePatterns classify files whose content must never be
// collected. Patterns without a slash match the base name.
var defaultSensitivePatterns = []string{
	".env*",
	"*.pem",
	"*.key",
	"*.p12",
	"*.pfx",
	"*.jks",
	"credentials*",
	"*credentials*.json",
	"secrets*",
	"*.secret",
	"*service-account*.json",
	"*service_account*.json",
	"id_rsa*",
	"id_dsa*",
	"id_ecdsa*",
	"id_ed25519*",
}

// Matcher classifies sensitive file paths. The built-in pattern set can be
// extended with caller-supplied glob patterns (doublestar syntax).
type Matcher struct {
	patterns []string
}

// NewMatcher returns a Matcher combining the built-in sensitive-file
// patterns with any extra patterns. Invalid extra patterns are kept and
// simply never match.
func NewMatcher(extra ...string) *Matcher {
	patterns := make([]string, 0, len(defaultSensitivePatterns)+len(extra))
	patterns = append(patterns, defaultSensitivePatterns...)
	patterns = append(patterns, extra...)
	return &Matcher{patterns: patterns}
}

// IsSensitiveFile reports whether the path must be treated as sensitive.
// Sensitive files never have content or line-level diffs collected.
func (m *Matcher) IsSensitiveFile(p string) bool {
	normalized := strings.ToLower(filepath.ToSlash(p))
	base := path.Base(normalized)

	// Anything under an .ssh directory is sensitive regardless of name.
	for _, segment := range strings.Split(path.Dir(normalized), "/") {
		if segment == ".ssh" {
			return true
		}
	}

	for _, pattern := range m.patterns {
		pattern = strings.ToLower(pattern)
		target := base
		if strings.Contains(pattern, "/") {
			target = normalized
		}
		if ok, err := doublestar.Match(pattern, target); err == nil && ok {
			return true
		}
	}
	return false
}
