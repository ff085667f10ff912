package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleChunker_BreaksAtWhitespace(t *testing.T) {
	c := NewChunker(StrategySimple, 50, 10)
	text := strings.Repeat("lorem ipsum dolor sit amet ", 20)

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, runeLen(ch), 50)
		assert.False(t, strings.HasPrefix(ch, " "))
		for _, w := range strings.Fields(ch) {
			assert.Contains(t, []string{"lorem", "ipsum", "dolor", "sit", "amet"}, w, "chunk %q split a word", ch)
		}
	}
}

func TestSimpleChunker_Empty(t *testing.T) {
	assert.Nil(t, NewChunker(StrategySimple, 100, 10).Split("   \n "))
}

func TestSemanticChunker_SentenceBoundaries(t *testing.T) {
	c := NewChunker(StrategySemantic, 60, 0)
	text := "First sentence is here. Second sentence follows it. Third one closes.\n\nA new paragraph starts. It has two sentences."

	chunks := c.Split(text)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.LessOrEqual(t, runeLen(ch), 90)
		last := ch[len(ch)-1]
		assert.True(t, last == '.' || last == '!' || last == '?', "chunk %q does not end at a sentence boundary", ch)
	}
	assert.Contains(t, strings.Join(chunks, " "), "A new paragraph starts.")
}

func TestSemanticChunker_CarriesOverlap(t *testing.T) {
	c := NewChunker(StrategySemantic, 60, 25)
	text := "Alpha beta gamma delta. Short one here. Epsilon zeta eta theta iota. Kappa lambda mu nu."

	chunks := c.Split(text)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.True(t, strings.HasPrefix(chunks[1], "Short one here."), "second chunk %q should start with the overlap sentence", chunks[1])
}

func TestSemanticChunker_ResplitsOversizedChunks(t *testing.T) {
	c := NewChunker(StrategySemantic, 100, 10)
	// 没有句子边界的长文本
	text := strings.Repeat("word ", 200)

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, runeLen(ch), 150)
	}
}

func TestNewChunker_Defaults(t *testing.T) {
	c, ok := NewChunker("unknown", 0, -1).(*SemanticChunker)
	require.True(t, ok)
	assert.Equal(t, defaultChunkSize, c.chunkSize)
	assert.Equal(t, 0, c.chunkOverlap)

	s := NewChunker(StrategySimple, 100, 200).(*SimpleChunker)
	assert.Equal(t, 25, s.chunkOverlap)
}
