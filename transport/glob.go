package transport

// globMatch matches channel names the way PSUBSCRIBE does: * and ? wildcards,
// [...] classes with ranges and ^ negation, and \ escapes.
func globMatch(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatch(pattern[1:], s[i:]) {
					return true
				}
			}
			return false

		case '?':
			if len(s) == 0 {
				return false
			}
			s = s[1:]
			pattern = pattern[1:]

		case '[':
			if len(s) == 0 {
				return false
			}

			matched, rest := matchClass(pattern[1:], s[0])
			if !matched {
				return false
			}
			s = s[1:]
			pattern = rest

		case '\\':
			if len(pattern) >= 2 {
				pattern = pattern[1:]
			}
			fallthrough

		default:
			if len(s) == 0 || s[0] != pattern[0] {
				return false
			}
			s = s[1:]
			pattern = pattern[1:]
		}
	}

	return len(s) == 0
}

// matchClass matches c against the class that starts after a '['. It
// returns the pattern following the closing ']'.
func matchClass(pattern string, c byte) (bool, string) {
	negate := len(pattern) > 0 && pattern[0] == '^'
	if negate {
		pattern = pattern[1:]
	}

	matched := false
	for len(pattern) > 0 && pattern[0] != ']' {
		switch {
		case pattern[0] == '\\' && len(pattern) >= 2:
			if pattern[1] == c {
				matched = true
			}
			pattern = pattern[2:]

		case len(pattern) >= 3 && pattern[1] == '-' && pattern[2] != ']':
			lo, hi := pattern[0], pattern[2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				matched = true
			}
			pattern = pattern[3:]

		default:
			if pattern[0] == c {
				matched = true
			}
			pattern = pattern[1:]
		}
	}

	// Skip the closing bracket; an unterminated class ends the pattern.
	if len(pattern) > 0 {
		pattern = pattern[1:]
	}

	return matched != negate, pattern
}
