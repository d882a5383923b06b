package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidUsername(t *testing.T) {
	valid := []string{"bob", "lisa99", "abc", "aaaaaaaaaaaaaaaaaaaa"}
	for _, u := range valid {
		assert.True(t, IsValidUsername(u), u)
	}

	invalid := []string{"", "ab", "Bob", "li sa", "user-name", "aaaaaaaaaaaaaaaaaaaaa", "héllo"}
	for _, u := range invalid {
		assert.False(t, IsValidUsername(u), u)
	}
}

func TestIsValidUsernameStrict(t *testing.T) {
	valid := []string{"ab", "Bob", "a1", "user.name", "u-s-e-r", "mail@host", "snake_case9"}
	for _, u := range valid {
		assert.True(t, IsValidUsernameStrict(u), u)
	}

	invalid := []string{
		"",
		"a",
		"1bob",       // must start with a letter
		"bob.",       // must end with a letter or digit
		"bob-",       // must end with a letter or digit
		"a..b",       // no adjacent specials
		"a.-b",       // no adjacent specials
		"has space",  // no spaces
		"ab!",        // no other specials
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", // 33 chars
	}
	for _, u := range invalid {
		assert.False(t, IsValidUsernameStrict(u), u)
	}
}
