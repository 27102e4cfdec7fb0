package scrape

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://Host.COM/a/?b=1#x", "https://host.com/a?b=1"},
		{"HTTPS://host.com/a?b=1", "https://host.com/a?b=1"},
		{"https://ex.com/", "https://ex.com/"},
		{"https://ex.com/path/", "https://ex.com/path"},
		{"http://EX.com/Path#frag", "http://ex.com/Path"},
		{"  https://ex.com/x  ", "https://ex.com/x"},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := NormalizeURL("ftp://ex.com/file")
	require.Error(t, err)
}

func TestNormalizeEquivalentSpellings(t *testing.T) {
	a, err := NormalizeURL("https://Host.COM/a/?b=1#x")
	require.NoError(t, err)
	b, err := NormalizeURL("HTTPS://host.com/a?b=1")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSameDomain(t *testing.T) {
	assert.True(t, SameDomain("https://ex.com/a", "https://ex.com/b"))
	assert.True(t, SameDomain("https://EX.com/a", "http://ex.com/b"))
	assert.False(t, SameDomain("https://ex.com/a", "https://other.com/a"))
}

func TestMatchesPatterns(t *testing.T) {
	// Excludes win over includes.
	assert.False(t, MatchesPatterns("https://ex.com/admin/users",
		[]string{"/**"}, []string{"/admin/**"}))
	// Empty include list allows everything not excluded.
	assert.True(t, MatchesPatterns("https://ex.com/docs/page", nil, []string{"/private/**"}))
	// Non-empty include list requires a match.
	assert.True(t, MatchesPatterns("https://ex.com/docs/page", []string{"/docs/**"}, nil))
	assert.False(t, MatchesPatterns("https://ex.com/blog/post", []string{"/docs/**"}, nil))
}

func TestHasExtension(t *testing.T) {
	exts := []string{"pdf", "docx"}
	assert.True(t, HasExtension("https://ex.com/files/report.pdf", exts))
	assert.True(t, HasExtension("https://ex.com/files/REPORT.PDF", exts))
	assert.False(t, HasExtension("https://ex.com/files/report.html", exts))
}

func TestResolveLink(t *testing.T) {
	got, err := ResolveLink("https://ex.com/docs/page", "../files/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://ex.com/files/a.pdf", got)

	got, err = ResolveLink("https://ex.com/docs/", "https://other.com/x")
	require.NoError(t, err)
	assert.Equal(t, "https://other.com/x", got)
}
