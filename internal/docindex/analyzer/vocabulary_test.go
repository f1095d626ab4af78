package analyzer_test

import (
	"testing"

	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex/analyzer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Words taken from the pages of the bundled index must stem to the terms
// Sphinx stored for them.
func TestStem_MatchesIndexVocabulary(t *testing.T) {
	idx, err := docindex.LoadFile("../testdata/searchindex.js")
	require.NoError(t, err)

	tests := []struct {
		word  string
		title bool
	}{
		{"use", false},
		{"use", true},
		{"library", false},
		{"library", true},
		{"communication", false},
		{"successfully", false},
		{"prerequisites", true},
		{"virtualenv", false},
		{"activate", false},
		{"environment", false},
		{"nearby", false},
		{"represents", false},
		{"documentation", true},
		{"indices", true},
	}
	for _, tt := range tests {
		name := tt.word
		if tt.title {
			name += "/title"
		}
		t.Run(name, func(t *testing.T) {
			term := analyzer.Stem(tt.word)
			if tt.title {
				_, ok := idx.TitleTerm(term)
				assert.True(t, ok, "title term %q missing", term)
				return
			}
			_, ok := idx.Term(term)
			assert.True(t, ok, "term %q missing", term)
		})
	}
}
