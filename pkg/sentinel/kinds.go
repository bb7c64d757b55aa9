package sentinel

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// Built-in rule kinds.
const (
	KindKeyword       = "keyword"
	KindRegex         = "regex"
	KindLength        = "length"
	KindPolicyDensity = "policy_density"
)

// Normalize applies NFKC, Unicode case folding and whitespace collapsing, so
// lookalike and mixed-case phrasing matches the same keyword.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// keywordRule emits one alert per occurrence of each term.
type keywordRule struct {
	base
	terms []string
}

func newKeywordRule(d Descriptor) (Rule, error) {
	b, err := newBase(d)
	if err != nil {
		return nil, err
	}
	if len(d.Terms) == 0 {
		return nil, fmt.Errorf("keyword rule needs terms")
	}
	terms := make([]string, 0, len(d.Terms))
	for _, t := range d.Terms {
		if n := Normalize(t); n != "" {
			terms = append(terms, n)
		}
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("keyword rule terms are blank")
	}
	return &keywordRule{base: b, terms: terms}, nil
}

func (r *keywordRule) Evaluate(in Input) []contracts.SentinelAlert {
	var out []contracts.SentinelAlert
	for _, t := range r.terms {
		for range strings.Count(in.Normalized, t) {
			out = append(out, r.alert(fmt.Sprintf("matched phrase %q", t)))
		}
	}
	return out
}

// regexRule emits one alert per match over the raw text.
type regexRule struct {
	base
	re *regexp.Regexp
}

func newRegexRule(d Descriptor) (Rule, error) {
	b, err := newBase(d)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(d.Pattern)
	if err != nil {
		return nil, fmt.Errorf("bad pattern: %w", err)
	}
	return &regexRule{base: b, re: re}, nil
}

func (r *regexRule) Evaluate(in Input) []contracts.SentinelAlert {
	var out []contracts.SentinelAlert
	for _, m := range r.re.FindAllString(in.Text(), -1) {
		out = append(out, r.alert(fmt.Sprintf("matched %q", m)))
	}
	return out
}

// lengthRule flags text that is longer than an absolute cap, or longer than
// factor × the knowledge base mean once enough samples exist.
type lengthRule struct {
	base
	maxLength  int
	factor     float64
	minSamples int
}

func newLengthRule(d Descriptor) (Rule, error) {
	b, err := newBase(d)
	if err != nil {
		return nil, err
	}
	r := &lengthRule{base: b, maxLength: d.MaxLength, factor: d.Factor, minSamples: d.MinSamples}
	if r.factor == 0 {
		r.factor = 3
	}
	if r.minSamples == 0 {
		r.minSamples = 5
	}
	if r.maxLength < 0 || r.factor < 0 {
		return nil, fmt.Errorf("length rule limits must be positive")
	}
	return r, nil
}

func (r *lengthRule) Evaluate(in Input) []contracts.SentinelAlert {
	n := utf8.RuneCountInString(in.Text())
	if r.maxLength > 0 && n > r.maxLength {
		return []contracts.SentinelAlert{r.alert(fmt.Sprintf("length %d exceeds cap %d", n, r.maxLength))}
	}
	v := in.View
	if v.ProposalCount >= r.minSamples && v.MeanLength > 0 && float64(n) > r.factor*v.MeanLength {
		return []contracts.SentinelAlert{r.alert(fmt.Sprintf("length %d is over %.1fx the mean %.0f", n, r.factor, v.MeanLength))}
	}
	return nil
}

// densityRule flags proposals that cite an anomalous number of policies per 1k characters.
type densityRule struct {
	base
	maxDensity float64
	minRefs    int
}

func newDensityRule(d Descriptor) (Rule, error) {
	b, err := newBase(d)
	if err != nil {
		return nil, err
	}
	r := &densityRule{base: b, maxDensity: d.MaxDensity, minRefs: d.MinRefs}
	if r.maxDensity <= 0 {
		r.maxDensity = 10
	}
	if r.minRefs <= 0 {
		r.minRefs = 3
	}
	return r, nil
}

func (r *densityRule) Evaluate(in Input) []contracts.SentinelAlert {
	if in.PolicyRefs < r.minRefs {
		return nil
	}
	n := utf8.RuneCountInString(in.Text())
	if n == 0 {
		return nil
	}
	density := float64(in.PolicyRefs) * 1000 / float64(n)
	if density > r.maxDensity {
		return []contracts.SentinelAlert{r.alert(fmt.Sprintf("%d policy references (%.1f per 1k chars)", in.PolicyRefs, density))}
	}
	return nil
}
