// Package signature provides content fingerprints and their ordering.
package signature

// Compare orders two fingerprints: absent sorts before present, shorter
// before longer, and equal-length fingerprints compare byte-wise with each
// byte read as a signed 8-bit value. Returns -1, 0 or 1.
func Compare(a, b []byte) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	for i := range a {
		x, y := int8(a[i]), int8(b[i])
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Equal reports whether a and b are the same fingerprint, treating absent
// and empty as different.
func Equal(a, b []byte) bool {
	return Compare(a, b) == 0
}
