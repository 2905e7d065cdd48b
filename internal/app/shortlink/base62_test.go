package shortlink_test

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"snowlink.local/internal/app/shortlink"
)

func TestBase62_EncodeKnownValues(t *testing.T) {
	c, err := shortlink.NewBase62Codec(shortlink.DefaultBase62Alphabet)
	require.NoError(t, err)

	a := shortlink.DefaultBase62Alphabet
	cases := []struct {
		id   int64
		want string
	}{
		{1, string(a[1])},
		{61, string(a[61])},
		{62, string(a[1]) + string(a[0])},
		{62*62 + 5, string(a[1]) + string(a[0]) + string(a[5])},
	}
	for _, tc := range cases {
		got, err := c.Encode(tc.id)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "id=%d", tc.id)
	}
}

func TestBase62_DeterministicInjectiveAndInAlphabet(t *testing.T) {
	c, err := shortlink.NewBase62Codec(shortlink.DefaultBase62Alphabet)
	require.NoError(t, err)

	seen := make(map[string]int64, 200_000)
	check := func(id int64) {
		code, err := c.Encode(id)
		require.NoError(t, err)
		again, _ := c.Encode(id)
		require.Equal(t, code, again)
		if prev, dup := seen[code]; dup {
			t.Fatalf("ids %d and %d both encode to %q", prev, id, code)
		}
		seen[code] = id
		for _, r := range code {
			require.True(t, strings.ContainsRune(shortlink.DefaultBase62Alphabet, r), "char %q not in alphabet", r)
		}
	}
	for id := int64(1); id <= 100_000; id++ {
		check(id)
	}
	// Snowflake 量级的 ID
	for id := int64(1) << 40; id < int64(1)<<40+50_000; id++ {
		check(id)
	}
	check(math.MaxInt64)
}

func TestBase62_RejectsNonPositive(t *testing.T) {
	c, err := shortlink.NewBase62Codec(shortlink.DefaultBase62Alphabet)
	require.NoError(t, err)
	for _, id := range []int64{0, -1, math.MinInt64} {
		_, err := c.Encode(id)
		assert.ErrorIs(t, err, shortlink.ErrNonPositiveID)
	}
}

func TestNewBase62Codec_ValidatesAlphabet(t *testing.T) {
	_, err := shortlink.NewBase62Codec("abc")
	assert.Error(t, err)

	dup := "a" + shortlink.DefaultBase62Alphabet[1:61] + "a"
	_, err = shortlink.NewBase62Codec(dup)
	assert.Error(t, err)
}

func TestSqidsCodec(t *testing.T) {
	c, err := shortlink.NewSqidsCodec(6)
	require.NoError(t, err)

	a, err := c.Encode(1)
	require.NoError(t, err)
	b, err := c.Encode(2)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 6)
	for _, r := range a {
		assert.True(t, strings.ContainsRune(c.Alphabet(), r))
	}

	_, err = c.Encode(0)
	assert.ErrorIs(t, err, shortlink.ErrNonPositiveID)
}
