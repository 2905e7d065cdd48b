package shortlink_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"snowlink.local/internal/app/shortlink"
)

func TestValidateURL(t *testing.T) {
	ok := []string{
		"https://example.com/a",
		"http://example.com",
		"https://example.com/" + strings.Repeat("a", shortlink.MaxURLLength-len("https://example.com/")),
	}
	for _, u := range ok {
		assert.NoError(t, shortlink.ValidateURL(u), u)
	}

	bad := []string{
		"",
		"   ",
		"example.com/a",
		"ftp://example.com/file",
		"javascript:alert(1)",
		"https://",
		"https://example.com/" + strings.Repeat("a", shortlink.MaxURLLength),
	}
	for _, u := range bad {
		assert.ErrorIs(t, shortlink.ValidateURL(u), shortlink.ErrInvalidURL, u)
	}
}

func TestValidateCode(t *testing.T) {
	assert.NoError(t, shortlink.ValidateCode("lU9x"))
	for _, c := range []string{"", "a-b", "../x", strings.Repeat("a", 33), "api", "Healthz"} {
		assert.ErrorIs(t, shortlink.ValidateCode(c), shortlink.ErrInvalidCode, c)
	}
}
