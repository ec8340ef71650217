package rules

import (
	"math"
	"strconv"
	"strings"
)

// Values flowing through conditions are nil (absent), float64, string, bool
// or []float64. Literals decoded from YAML may also arrive as ints.

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []float64:
		return true
	}
	if n, ok := toNumber(v); ok {
		return n != 0 && !math.IsNaN(n)
	}
	return true
}

// looseEqual compares numbers numerically, coercing numeric strings.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, aNum := toNumber(a)
	bn, bNum := toNumber(b)
	switch {
	case aNum && bNum:
		return an == bn
	case aNum:
		if s, ok := b.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			return err == nil && f == an
		}
	case bNum:
		if s, ok := a.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			return err == nil && f == bn
		}
	}
	return strictEqual(a, b)
}

// strictEqual requires both sides to have the same kind.
func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, aNum := toNumber(a)
	bn, bNum := toNumber(b)
	if aNum || bNum {
		return aNum && bNum && an == bn
	}
	switch at := a.(type) {
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	}
	return false
}

// compareOrdered returns -1, 0 or 1. ok is false when the values are not
// both numbers or both strings.
func compareOrdered(a, b any) (int, bool) {
	an, aNum := toNumber(a)
	bn, bNum := toNumber(b)
	if aNum && bNum {
		if math.IsNaN(an) || math.IsNaN(bn) {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		}
		return 0, true
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []float64:
		n, ok := toNumber(needle)
		if !ok {
			return false
		}
		for _, v := range h {
			if v == n {
				return true
			}
		}
	}
	return false
}
