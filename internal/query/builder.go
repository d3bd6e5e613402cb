// Package query builds the effective search-engine query for a discovery run.
package query

import (
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/sells-group/attendry/internal/model"
)

// ErrEmptyBase is returned when the base query is blank.
var ErrEmptyBase = eris.New("query: base query is required")

// CountryContext carries the country signal for a query. It is the only
// place a country enters the query string.
type CountryContext struct {
	ISO2   string
	Locale string
}

// Option configures a Builder.
type Option func(*Builder)

// WithExclusions sets terms that are appended as negative terms.
func WithExclusions(terms ...string) Option {
	return func(b *Builder) {
		b.exclusions = append(b.exclusions, terms...)
	}
}

// WithProfile folds the profile's industry terms into the query as an OR group.
func WithProfile(p model.Profile) Option {
	return func(b *Builder) {
		b.profile = &p
	}
}

// WithMaxProfileTerms caps how many profile terms are added. Default: 3.
func WithMaxProfileTerms(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxProfileTerms = n
		}
	}
}

// Builder turns a base topic, free-text user input, and country context into
// one query string.
type Builder struct {
	exclusions      []string
	profile         *model.Profile
	maxProfileTerms int
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{maxProfileTerms: 3}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build returns the effective query. Base and user text are combined with AND
// semantics; exclusions are appended as negative terms.
func (b *Builder) Build(base, userText string, cc *CountryContext) (string, error) {
	base = collapseSpace(base)
	if base == "" {
		return "", ErrEmptyBase
	}
	userText = collapseSpace(userText)

	parts := []string{base}
	if userText != "" && !strings.Contains(strings.ToLower(base), strings.ToLower(userText)) {
		parts = []string{"(" + base + ")", "AND", "(" + userText + ")"}
	}

	if group := b.profileGroup(base, userText); group != "" {
		parts = append(parts, group)
	}

	if cc != nil {
		if name := CountryName(cc.ISO2, cc.Locale); name != "" {
			parts = append(parts, quoteIfNeeded(name))
		}
	}

	excluded := make(map[string]bool, len(b.exclusions))
	for _, ex := range b.exclusions {
		ex = collapseSpace(ex)
		key := strings.ToLower(ex)
		if ex == "" || excluded[key] {
			continue
		}
		excluded[key] = true
		parts = append(parts, "-"+quoteIfNeeded(ex))
	}

	return strings.Join(parts, " "), nil
}

func (b *Builder) profileGroup(base, userText string) string {
	if b.profile == nil || len(b.profile.IndustryTerms) == 0 {
		return ""
	}
	existing := strings.ToLower(base + " " + userText)
	var terms []string
	for _, t := range b.profile.IndustryTerms {
		t = collapseSpace(t)
		if t == "" || strings.Contains(existing, strings.ToLower(t)) {
			continue
		}
		terms = append(terms, quoteIfNeeded(t))
		if len(terms) >= b.maxProfileTerms {
			break
		}
	}
	if len(terms) == 0 {
		return ""
	}
	if len(terms) == 1 {
		return terms[0]
	}
	return "(" + strings.Join(terms, " OR ") + ")"
}

// CountryName resolves an ISO2 region code to its display name in the
// locale's language, falling back to English. Unknown codes yield "".
func CountryName(iso2, locale string) string {
	iso2 = strings.TrimSpace(iso2)
	if len(iso2) != 2 {
		return ""
	}
	region, err := language.ParseRegion(iso2)
	if err != nil {
		return ""
	}
	tag := language.English
	if locale != "" {
		if t, err := language.Parse(locale); err == nil {
			tag = t
		}
	}
	if name := display.Regions(tag).Name(region); name != "" {
		return name
	}
	return display.English.Regions().Name(region)
}

func quoteIfNeeded(s string) string {
	if strings.ContainsAny(s, " \t") && !strings.HasPrefix(s, `"`) {
		return `"` + s + `"`
	}
	return s
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
