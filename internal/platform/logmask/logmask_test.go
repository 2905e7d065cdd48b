package logmask_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"snowlink.local/internal/platform/logmask"
)

func TestURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://example.com/a", "https://example.com/a"},
		{"https://example.com/a?token=abc123&x=1", "https://example.com/a?token=***&x=1"},
		{"https://example.com/?x=1&api_key=k&Password=p", "https://example.com/?x=1&api_key=***&Password=***"},
		{"https://example.com/?access_token=zzz#frag", "https://example.com/?access_token=***#frag"},
		{"https://example.com/?to=alice@example.com", "https://example.com/?to=a***@example.com"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, logmask.URL(c.in), c.in)
	}
}

func TestPayload(t *testing.T) {
	got := logmask.Payload([]byte(`{"shortCode":"abc","longUrl":"https://example.com/?secret=s3"}`))
	assert.Equal(t, `{"shortCode":"abc","longUrl":"https://example.com/?secret=***"}`, got)

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, logmask.Payload(long), 256+len("...(truncated)"))
}
