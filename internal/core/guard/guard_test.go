package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rl1809/profile-store/internal/core/domain"
)

func summary(balance int64, counts map[string]int) domain.Summary {
	if counts == nil {
		counts = map[string]int{}
	}
	return domain.Summary{Balance: balance, Counts: counts}
}

func TestAllow(t *testing.T) {
	g := New(DefaultThresholds())

	tests := []struct {
		name   string
		old    *domain.Summary
		next   domain.Summary
		reason string
		allow  bool
		code   ReasonCode
	}{
		{
			name:  "first write",
			next:  summary(0, nil),
			allow: true,
			code:  ReasonFirstWrite,
		},
		{
			name:  "balance zeroed",
			old:   ptr(summary(1000, nil)),
			next:  summary(0, nil),
			allow: false,
			code:  ReasonBalanceZeroed,
		},
		{
			name:  "balance collapse",
			old:   ptr(summary(1000, nil)),
			next:  summary(50, nil),
			allow: false,
			code:  ReasonBalanceCollapse,
		},
		{
			name:  "ordinary spend",
			old:   ptr(summary(1000, nil)),
			next:  summary(400, nil),
			allow: true,
			code:  ReasonAllowed,
		},
		{
			name:  "sale empties category while balance grows",
			old:   ptr(summary(0, map[string]int{"captured": 5})),
			next:  summary(1000, map[string]int{"captured": 0}),
			allow: true,
			code:  ReasonAllowed,
		},
		{
			name:  "category wiped",
			old:   ptr(summary(100, map[string]int{"captured": 5, "eggs": 2})),
			next:  summary(100, map[string]int{"eggs": 2}),
			allow: false,
			code:  ReasonCategoryWiped,
		},
		{
			name:   "override",
			old:    ptr(summary(1000, map[string]int{"captured": 5})),
			next:   summary(0, nil),
			reason: "admin wipe [override]",
			allow:  true,
			code:   ReasonOverride,
		},
		{
			name:  "zero to zero",
			old:   ptr(summary(0, nil)),
			next:  summary(0, nil),
			allow: true,
			code:  ReasonAllowed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allow, code := g.Allow(tt.old, tt.next, tt.reason)
			assert.Equal(t, tt.allow, allow)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestAllow_CustomThresholds(t *testing.T) {
	g := New(Thresholds{MinBalanceRatio: 0.5, OverrideToken: "!force"})
	old := summary(100, nil)

	allow, code := g.Allow(&old, summary(40, nil), "spend")
	assert.False(t, allow)
	assert.Equal(t, ReasonBalanceCollapse, code)

	allow, _ = g.Allow(&old, summary(40, nil), "spend !force")
	assert.True(t, allow)
}

func TestWipedCategory(t *testing.T) {
	old := summary(1, map[string]int{"b": 1, "a": 2})
	assert.Equal(t, "a", WipedCategory(&old, summary(1, nil)))
	assert.Equal(t, "", WipedCategory(nil, summary(1, nil)))
}

func ptr(s domain.Summary) *domain.Summary { return &s }
