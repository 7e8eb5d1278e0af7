// Package docparse extracts identity fields from the raw text of a document barcode.
//
// Every rule is a best-effort heuristic tuned to one issuer's historical formats.
// Rules are independent: one that cannot match contributes nothing and never blocks the others.
package docparse

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/andresmejia3/idproof/internal/types"
)

// Rule writes at most one field when its pattern matches.
type Rule struct {
	Field   string
	Pattern *regexp.Regexp
	// Group selects the submatch to keep (0 = whole match).
	Group int
}

func (r Rule) apply(raw string, out types.Fields) {
	m := r.Pattern.FindStringSubmatch(raw)
	if m == nil || r.Group >= len(m) || m[r.Group] == "" {
		return
	}
	out[r.Field] = m[r.Group]
}

// DefaultRules are applied in order.
var DefaultRules = []Rule{
	{Field: types.FieldIdentifier, Pattern: regexp.MustCompile(`[A-Z]{4}\d{6}[A-Z]{6}[A-Z0-9]{2}`)},
	{Field: types.FieldElectorKey, Pattern: regexp.MustCompile(`[A-Z]{6}\d{8}[A-Z]\d{3}`)},
	// The label is optional; bare digit runs must stand alone so they are not carved out of longer numbers.
	{Field: types.FieldControlNumber, Pattern: regexp.MustCompile(`(?:IDMEX|\b)(\d{9,10})\b`), Group: 1},
}

// DefaultOverrides maps URL query parameters to fields. Newer documents encode a
// verification URL whose parameters are authoritative over pattern guesses.
var DefaultOverrides = map[string]string{
	"curp":          types.FieldIdentifier,
	"identifier":    types.FieldIdentifier,
	"cve":           types.FieldElectorKey,
	"clave":         types.FieldElectorKey,
	"electorkey":    types.FieldElectorKey,
	"cic":           types.FieldControlNumber,
	"controlnumber": types.FieldControlNumber,
}

// Parser applies an ordered rule table followed by the URL override.
type Parser struct {
	rules     []Rule
	overrides map[string]string
}

// New returns a parser with the default rules and overrides.
func New() *Parser {
	p := &Parser{
		rules:     append([]Rule(nil), DefaultRules...),
		overrides: make(map[string]string, len(DefaultOverrides)),
	}
	for k, v := range DefaultOverrides {
		p.overrides[k] = v
	}
	return p
}

// WithRule appends a rule for an additional issuer format. Later rules overwrite
// earlier ones for the same field.
func (p *Parser) WithRule(r Rule) *Parser {
	p.rules = append(p.rules, r)
	return p
}

// WithOverride maps an extra query parameter (case-insensitive) to a field.
func (p *Parser) WithOverride(param, field string) *Parser {
	p.overrides[strings.ToLower(param)] = field
	return p
}

// Parse never fails. The result always holds the raw text under types.FieldRaw.
func (p *Parser) Parse(raw string) types.Fields {
	out := types.Fields{types.FieldRaw: raw}
	for _, r := range p.rules {
		r.apply(raw, out)
	}
	p.applyQuery(raw, out)
	return out
}

// applyQuery lets named query parameters override regex-derived values.
func (p *Parser) applyQuery(raw string, out types.Fields) {
	i := strings.IndexByte(raw, '?')
	if i < 0 {
		return
	}
	query := strings.TrimSpace(raw[i+1:])
	if j := strings.IndexByte(query, '#'); j >= 0 {
		query = query[:j]
	}
	// ParseQuery returns whatever pairs it could decode alongside the first error.
	values, _ := url.ParseQuery(query)
	for param, vals := range values {
		field, ok := p.overrides[strings.ToLower(param)]
		if !ok || len(vals) == 0 {
			continue
		}
		if v := strings.TrimSpace(vals[0]); v != "" {
			out[field] = v
		}
	}
}

var defaultParser = New()

// Parse runs the default parser.
func Parse(raw string) types.Fields {
	return defaultParser.Parse(raw)
}
