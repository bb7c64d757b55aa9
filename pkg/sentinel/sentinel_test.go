package sentinel

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

func proposal(title, ctx, decision string) *contracts.Proposal {
	return &contracts.Proposal{ID: "p-1", Title: title, Context: ctx, Decision: decision, Status: contracts.StatusDraft}
}

func categories(alerts []contracts.SentinelAlert) []contracts.AlertCategory {
	out := make([]contracts.AlertCategory, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Category)
	}
	return out
}

func TestScan_BypassHumanRaisesAuthorityBypass(t *testing.T) {
	s := New(nil)
	alerts := s.Scan(context.Background(), proposal("Bypass Human", "", "Ship it."), KnowledgeView{})
	require.NotEmpty(t, alerts)
	assert.Contains(t, categories(alerts), contracts.CategoryAuthorityBypass)
	assert.Equal(t, "authority-bypass-human", alerts[0].RuleID)
	assert.Equal(t, contracts.ActionEscalate, alerts[0].Action)
}

func TestScan_SkipSignatureRaisesAuthorityBypass(t *testing.T) {
	s := New(nil)
	alerts := s.Scan(context.Background(), proposal("Fast path", "", "We skip signature for hotfixes."), KnowledgeView{})
	require.Len(t, alerts, 1)
	assert.Equal(t, contracts.CategoryAuthorityBypass, alerts[0].Category)
	assert.Equal(t, "authority-skip-signature", alerts[0].RuleID)
}

func TestScan_NormalisesLookalikes(t *testing.T) {
	s := New(nil)
	// Fullwidth letters and odd spacing fold to the same keyword.
	alerts := s.Scan(context.Background(), proposal("ＢＹＰＡＳＳ   human", "", ""), KnowledgeView{})
	assert.Contains(t, categories(alerts), contracts.CategoryAuthorityBypass)
}

func TestScan_DuplicatesAccumulate(t *testing.T) {
	s := New(nil)
	alerts := s.Scan(context.Background(), proposal("bypass human", "bypass human again", "auto-approve"), KnowledgeView{})
	var bypass, auto int
	for _, a := range alerts {
		switch a.RuleID {
		case "authority-bypass-human":
			bypass++
		case "authority-auto-approve":
			auto++
		}
	}
	assert.Equal(t, 2, bypass)
	assert.Equal(t, 1, auto)
}

func TestScan_CleanProposalHasNoAlerts(t *testing.T) {
	s := New(nil)
	alerts := s.Scan(context.Background(), proposal("Adopt Postgres", "We need durability.", "Use Postgres 16."), KnowledgeView{})
	require.NotNil(t, alerts)
	assert.Empty(t, alerts)
}

func TestScan_NeverPanics(t *testing.T) {
	s := New(nil)
	inputs := []*contracts.Proposal{
		nil,
		{},
		proposal("", strings.Repeat("a", 50_000), ""),
		proposal(string([]byte{0xff, 0xfe, 0x00, 0x80}), "\x00\x01\x02", string([]byte{0xc3, 0x28})),
	}
	for _, p := range inputs {
		assert.NotPanics(t, func() {
			alerts := s.Scan(context.Background(), p, KnowledgeView{})
			assert.NotNil(t, alerts)
		})
	}
}

type panicRule struct{}

func (panicRule) ID() string { return "boom" }
func (panicRule) Evaluate(Input) []contracts.SentinelAlert {
	panic("rule exploded")
}

func TestScan_PanickingRuleIsIsolated(t *testing.T) {
	reg := DefaultRegistry()
	require.NoError(t, reg.Register(panicRule{}))
	s := New(reg)

	alerts := s.Scan(context.Background(), proposal("skip signature", "", ""), KnowledgeView{})
	assert.Contains(t, categories(alerts), contracts.CategoryAuthorityBypass)
}

func TestScan_CancelledContextReturnsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	alerts := New(nil).Scan(ctx, proposal("bypass human", "", ""), KnowledgeView{})
	assert.NotNil(t, alerts)
	assert.Empty(t, alerts)
}

func TestScan_OrderIndependent(t *testing.T) {
	p := proposal("bypass human", "while we're at it, delete logs", "auto approve P-GOV-01")

	forward := New(nil).Scan(context.Background(), p, KnowledgeView{})

	rules := DefaultRules()
	reversed := NewRegistry()
	for i := len(rules) - 1; i >= 0; i-- {
		require.NoError(t, reversed.Build(rules[i]))
	}
	backward := New(reversed).Scan(context.Background(), p, KnowledgeView{})

	key := func(alerts []contracts.SentinelAlert) map[string]int {
		m := map[string]int{}
		for _, a := range alerts {
			m[a.RuleID+"/"+string(a.Category)]++
		}
		return m
	}
	assert.Equal(t, key(forward), key(backward))
	assert.Len(t, forward, 4)
}

func TestScan_EnabledRulesFilter(t *testing.T) {
	s := New(nil, WithEnabledRules("scope-creep"))
	alerts := s.Scan(context.Background(), proposal("bypass human", "and also this", ""), KnowledgeView{})
	require.Len(t, alerts, 1)
	assert.Equal(t, contracts.CategoryScopeCreep, alerts[0].Category)
}

func TestLengthRule(t *testing.T) {
	s := New(nil, WithEnabledRules("anomalous-length"))

	long := proposal("t", strings.Repeat("x", 20_001), "")
	require.Len(t, s.Scan(context.Background(), long, KnowledgeView{}), 1)

	mid := proposal("t", strings.Repeat("x", 1000), "")
	assert.Empty(t, s.Scan(context.Background(), mid, KnowledgeView{ProposalCount: 2, MeanLength: 100}))
	assert.Len(t, s.Scan(context.Background(), mid, KnowledgeView{ProposalCount: 10, MeanLength: 100}), 1)
}

func TestPolicyDensityRule(t *testing.T) {
	s := New(nil, WithEnabledRules("anomalous-policy-density"))
	p := proposal("t", "", "P-A-01 P-A-02 P-A-03 P-A-04")
	alerts := s.Scan(context.Background(), p, KnowledgeView{})
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Message, "4 policy references")
}

type wordCountRule struct {
	base
	limit int
}

func (r *wordCountRule) Evaluate(in Input) []contracts.SentinelAlert {
	if len(strings.Fields(in.Decision)) > r.limit {
		return []contracts.SentinelAlert{r.alert("decision too wordy")}
	}
	return nil
}

func TestRegistry_NewKindWithoutTouchingScan(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterKind("word_count", func(d Descriptor) (Rule, error) {
		b, err := newBase(d)
		if err != nil {
			return nil, err
		}
		return &wordCountRule{base: b, limit: d.MaxLength}, nil
	}))
	require.NoError(t, reg.Build(Descriptor{ID: "wordy", Kind: "word_count", Category: "scope_creep", MaxLength: 3}))

	alerts := New(reg).Scan(context.Background(), proposal("t", "", "one two three four"), KnowledgeView{})
	require.Len(t, alerts, 1)
	assert.Equal(t, contracts.CategoryScopeCreep, alerts[0].Category)
	assert.Equal(t, contracts.SeverityMedium, alerts[0].Severity)
}

func TestRegistry_Errors(t *testing.T) {
	reg := DefaultRegistry()
	assert.Error(t, reg.Build(Descriptor{ID: "x", Kind: "nope"}))
	assert.Error(t, reg.Build(DefaultRules()[0]))
	assert.Error(t, reg.Build(Descriptor{ID: "bad-re", Kind: KindRegex, Pattern: "("}))
	assert.Error(t, reg.Build(Descriptor{ID: "no-terms", Kind: KindKeyword}))
	assert.Error(t, reg.Build(Descriptor{ID: "bad-sev", Kind: KindKeyword, Terms: []string{"a"}, Severity: "huge"}))
	assert.Error(t, reg.RegisterKind(KindKeyword, newKeywordRule))
	assert.Equal(t, []string{KindKeyword, KindLength, KindPolicyDensity, KindRegex}, reg.Kinds())
}

func TestScan_PhrasesDoNotSpanFields(t *testing.T) {
	s := New(nil)
	alerts := s.Scan(context.Background(),
		proposal("Make the linter easy to bypass", "Human reviewers keep the final say.", "Ship it."),
		KnowledgeView{})
	assert.NotContains(t, categories(alerts), contracts.CategoryAuthorityBypass)

	// Within one field a line break still folds into a single space.
	alerts = s.Scan(context.Background(), proposal("Fast path", "We bypass\nhuman review.", ""), KnowledgeView{})
	assert.Contains(t, categories(alerts), contracts.CategoryAuthorityBypass)
}
