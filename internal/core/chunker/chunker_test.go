package chunker

import (
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/crmrag/internal/core"
)

func TestSplit_ShortText(t *testing.T) {
	chunks, err := Split("Short text.", 1000)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Short text.", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 3, chunks[0].TokenCount)
}

func TestSplit_Empty(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t  \n"} {
		_, err := Split(in, 1000)
		assert.ErrorIs(t, err, core.ErrEmptyDocument, "input %q", in)
	}
}

func TestSplit_InvalidSize(t *testing.T) {
	_, err := Split("hello", 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrEmptyDocument)
}

func TestSplit_RoundTripAndBound(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
	}{
		{"prose", "The quick brown fox jumps over the lazy dog. " + strings.Repeat("Pack my box with five dozen liquor jugs. ", 40), 50},
		{"messy whitespace", "alpha\n\nbeta\tgamma   delta\r\nepsilon " + strings.Repeat("zeta  eta\ttheta\n", 30), 17},
		{"unicode", strings.Repeat("héllo wörld ünïcode ", 60), 23},
		{"size one", "a bb ccc dddd", 1},
		{"exact fit", "abcd efgh ijkl", 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Split(tt.text, tt.size)
			require.NoError(t, err)
			require.NotEmpty(t, chunks)

			joined := strings.Join(Texts(chunks), " ")
			assert.Equal(t, strings.Fields(tt.text), strings.Fields(joined))
			assert.Equal(t, strings.Join(strings.Fields(tt.text), " "), joined)

			for i, c := range chunks {
				assert.Equal(t, i, c.Index)
				n := utf8.RuneCountInString(c.Text)
				if n > tt.size {
					assert.Len(t, strings.Fields(c.Text), 1, "oversized chunk %d must be a single word", i)
				}
			}
		})
	}
}

func TestSplit_LongWordNotTruncated(t *testing.T) {
	long := strings.Repeat("x", 250)
	chunks, err := Split("before "+long+" after", 100)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "before", chunks[0].Text)
	assert.Equal(t, long, chunks[1].Text)
	assert.Equal(t, "after", chunks[2].Text)
}

func TestSplit_CountScaling(t *testing.T) {
	tests := []struct {
		word string
		reps int
		size int
	}{
		{"lorem", 2000, 1000},
		{"ab", 5000, 300},
		{"filler", 1500, 512},
	}

	for _, tt := range tests {
		text := strings.TrimSpace(strings.Repeat(tt.word+" ", tt.reps))
		chunks, err := Split(text, tt.size)
		require.NoError(t, err)

		want := int(math.Ceil(float64(len(text)) / float64(tt.size)))
		assert.InDelta(t, want, len(chunks), 2, "word=%q size=%d", tt.word, tt.size)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	text := strings.Repeat("one two three four five six seven ", 100)
	a, err := Split(text, 64)
	require.NoError(t, err)
	b, err := Split(text, 64)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
