// Package redaction applies a deterministic masking pass over log and
// event payloads. Redaction happens centrally — at the event bus publish
// step and at the audit sink — never ad hoc in handlers.
package redaction

import (
	"regexp"
	"strings"
)

// Mask replaces redacted values.
const Mask = "[REDACTED]"

// sensitiveFields are matched case-insensitively against field names.
var sensitiveFields = map[string]bool{
	"token":          true,
	"access_token":   true,
	"refresh_token":  true,
	"authorization":  true,
	"password":       true,
	"secret":         true,
	"api_key":        true,
	"apikey":         true,
	"private_key":    true,
	"signing_key":    true,
	"client_secret":  true,
	"credit_card":    true,
	"card_number":    true,
	"ssn":            true,
	"account_number": true,
}

// patternRules catch sensitive values regardless of field name.
var patternRules = []*regexp.Regexp{
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}\b`), // JWT
	regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),                                         // PAN-like digit runs
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`),                               // bearer credentials
}

// Redactor performs the deterministic redaction pass.
type Redactor struct {
	fields   map[string]bool
	patterns []*regexp.Regexp
}

// New returns a Redactor with the default sensitive-field set and
// pattern rules. Extra field names may be supplied per deployment.
func New(extraFields ...string) *Redactor {
	fields := make(map[string]bool, len(sensitiveFields)+len(extraFields))
	for k := range sensitiveFields {
		fields[k] = true
	}
	for _, f := range extraFields {
		fields[strings.ToLower(f)] = true
	}
	return &Redactor{fields: fields, patterns: patternRules}
}

// Apply walks a decoded JSON value and returns a copy with sensitive
// fields and values masked. The input is not mutated.
func (r *Redactor) Apply(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if r.fields[strings.ToLower(k)] {
				out[k] = Mask
				continue
			}
			out[k] = r.Apply(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = r.Apply(elem)
		}
		return out
	case string:
		return r.redactString(t)
	default:
		return v
	}
}

func (r *Redactor) redactString(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, Mask)
	}
	return s
}
