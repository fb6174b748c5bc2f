package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, 1, v.Major)
	assert.Equal(t, 2, v.Minor)
	assert.Equal(t, 3, v.Patch)

	v, err = ParseVersion("2.0.0-beta.1")
	require.NoError(t, err)
	assert.Equal(t, "beta.1", v.Pre)

	_, err = ParseVersion("1.2")
	assert.Error(t, err)
	_, err = ParseVersion("not-a-version")
	assert.Error(t, err)
}

func TestVersionCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "2.0.0", -1},
		{"2.1.0", "2.0.9", 1},
		{"1.0.0-alpha", "1.0.0", -1}, // pre-release sorts before release
		{"1.0.0-alpha", "1.0.0-beta", -1},
	}
	for _, tc := range cases {
		a, err := ParseVersion(tc.a)
		require.NoError(t, err)
		b, err := ParseVersion(tc.b)
		require.NoError(t, err)
		assert.Equal(t, tc.want, a.Compare(b), "%s vs %s", tc.a, tc.b)
	}
}

func TestSatisfiesConstraint(t *testing.T) {
	cases := []struct {
		version    string
		constraint string
		want       bool
	}{
		{"1.2.3", "==1.2.3", true},
		{"1.2.3", "=1.2.3", true},
		{"1.2.4", "==1.2.3", false},
		{"2.0.0", ">=2.0.0", true},
		{"1.9.9", ">=2.0.0", false},
		{"1.9.9", "<2.0.0", true},
		{"2.0.0", "<2.0.0", false},
		{"2.0.1", ">2.0.0", true},
		{"1.5.0", "^1.2.0", true},
		{"2.0.0", "^1.2.0", false},
		{"1.2.9", "~1.2.3", true},
		{"1.3.0", "~1.2.3", false},
		{"9.9.9", "*", true},
		{"9.9.9", "", true},
		{"garbage", ">=1.0.0", false},
		{"1.0.0", "garbage", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SatisfiesConstraint(tc.version, tc.constraint),
			"%s against %q", tc.version, tc.constraint)
	}
}

func TestMajorMismatch(t *testing.T) {
	assert.True(t, MajorMismatch("1.0.0", ">=2.0.0"))
	assert.False(t, MajorMismatch("2.1.0", ">=2.0.0"))
	assert.False(t, MajorMismatch("1.0.0", "*"))
}
