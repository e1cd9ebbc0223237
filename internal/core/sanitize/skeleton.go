package sanitize

// Skeleton is the smallest profile tree the backend accepts. It is written
// in place of a payload that could not be reduced, so a save still happens.
func Skeleton(schemaVersion, dataVersion int64, balance int64) map[string]any {
	return map[string]any{
		"schemaVersion": schemaVersion,
		"dataVersion":   dataVersion,
		"core": map[string]any{
			"balance":  balance,
			"counters": map[string]any{},
		},
		"inventory": map[string]any{},
	}
}

// ValidProfileTree reports whether a sanitized tree still carries the fields
// every stored profile must have.
func ValidProfileTree(v any) bool {
	tree, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if !isNumber(tree["schemaVersion"]) || !isNumber(tree["dataVersion"]) {
		return false
	}
	core, ok := tree["core"].(map[string]any)
	if !ok || !isNumber(core["balance"]) {
		return false
	}
	if _, ok := tree["inventory"].(map[string]any); !ok {
		return false
	}
	return true
}

func isNumber(v any) bool {
	switch v.(type) {
	case int64, uint64, float64:
		return true
	default:
		return false
	}
}
