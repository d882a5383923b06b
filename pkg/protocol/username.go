package protocol

import "regexp"

var defaultUsername = regexp.MustCompile(`^[a-z0-9]{3,20}$`)

// IsValidUsername is the default username predicate: lowercase alphanumeric,
// 3 to 20 characters.
func IsValidUsername(username string) bool {
	return defaultUsername.MatchString(username)
}

// IsValidUsernameStrict is a stricter predicate: 2 to 32 characters, starts
// with a letter, ends with a letter or digit, and allows '.', '-', '@' and
// '_' as interior characters as long as no two of them are adjacent.
func IsValidUsernameStrict(username string) bool {
	n := len(username)
	if n < 2 || n > 32 {
		return false
	}
	if !isLetter(username[0]) {
		return false
	}
	last := username[n-1]
	if !isLetter(last) && !isDigit(last) {
		return false
	}
	prevSpecial := false
	for i := 1; i < n-1; i++ {
		c := username[i]
		switch {
		case isLetter(c) || isDigit(c):
			prevSpecial = false
		case c == '.' || c == '-' || c == '@' || c == '_':
			if prevSpecial {
				return false
			}
			prevSpecial = true
		default:
			return false
		}
	}
	return true
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
