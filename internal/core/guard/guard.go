// Package guard vetoes profile writes that look like accidental data loss.
//
// It compares the summary of the last saved state with the summary of the
// state about to be written. The checks are heuristics tuned against the
// common failure where a bug or race zeroes a profile just before a save;
// legitimate large losses are blocked too and need an explicit override.
package guard

import (
	"sort"
	"strings"

	"github.com/rl1809/profile-store/internal/core/domain"
)

type ReasonCode string

const (
	ReasonAllowed         ReasonCode = "allowed"
	ReasonFirstWrite      ReasonCode = "first_write"
	ReasonOverride        ReasonCode = "override"
	ReasonBalanceZeroed   ReasonCode = "balance_zeroed"
	ReasonBalanceCollapse ReasonCode = "balance_collapse"
	ReasonCategoryWiped   ReasonCode = "category_wiped"
)

const DefaultOverrideToken = "[override]"

// Thresholds are the tunable parts of the heuristic.
type Thresholds struct {
	// MinBalanceRatio blocks a write whose balance falls below this fraction
	// of the previous balance.
	MinBalanceRatio float64
	// OverrideToken in a save reason bypasses every check.
	OverrideToken string
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinBalanceRatio: 0.10,
		OverrideToken:   DefaultOverrideToken,
	}
}

type Guard struct {
	th Thresholds
}

func New(th Thresholds) *Guard {
	if th.MinBalanceRatio < 0 {
		th.MinBalanceRatio = 0
	}
	if th.OverrideToken == "" {
		th.OverrideToken = DefaultOverrideToken
	}
	return &Guard{th: th}
}

// Allow decides whether a write may proceed. old is nil when nothing has been
// saved or loaded for the key yet.
func (g *Guard) Allow(old *domain.Summary, next domain.Summary, reason string) (bool, ReasonCode) {
	if strings.Contains(reason, g.th.OverrideToken) {
		return true, ReasonOverride
	}
	if old == nil {
		return true, ReasonFirstWrite
	}

	if old.Balance > 0 && next.Balance <= 0 {
		return false, ReasonBalanceZeroed
	}
	if old.Balance > 0 && float64(next.Balance) < float64(old.Balance)*g.th.MinBalanceRatio {
		return false, ReasonBalanceCollapse
	}

	// A populated category that empties while the balance did not grow looks
	// like a wipe rather than a sale.
	if next.Balance <= old.Balance {
		for _, category := range sortedKeys(old.Counts) {
			if old.Counts[category] > 0 && next.Counts[category] == 0 {
				return false, ReasonCategoryWiped
			}
		}
	}
	return true, ReasonAllowed
}

// WipedCategory names the first category that triggered ReasonCategoryWiped,
// for audit records.
func WipedCategory(old *domain.Summary, next domain.Summary) string {
	if old == nil {
		return ""
	}
	for _, category := range sortedKeys(old.Counts) {
		if old.Counts[category] > 0 && next.Counts[category] == 0 {
			return category
		}
	}
	return ""
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
