package shared

// IntersectCount returns the size of the intersection of two IP-ID sets,
// iterating over the smaller set. When minOverlap > 0 this early-exits
// once minOverlap is reached, whatever the set sizes, since
// the matcher's pre-filter (§4.D.3) only needs to know the intersection
// meets a floor, not its exact size — except callers that need the exact
// count (the strong-IP-ID override, §4.D.4) pass minOverlap <= 0 to disable
// the early exit.
func IntersectCount(a, b map[uint16]struct{}, minOverlap int) int {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}

	count := 0
	for id := range small {
		if _, ok := large[id]; ok {
			count++
			if minOverlap > 0 && count >= minOverlap {
				return count
			}
		}
	}

	return count
}

// OverlapRatio returns |a ∩ b| / min(|a|, |b|), the ratio the pre-filter
// and strong-IP-ID override compare against a floor (§4.D.3, §4.D.4).
func OverlapRatio(a, b map[uint16]struct{}) float64 {
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	if minLen == 0 {
		return 0
	}

	return float64(IntersectCount(a, b, 0)) / float64(minLen)
}
