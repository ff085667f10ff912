package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func citedChunks() []Result {
	return []Result{
		{ChunkID: "k1_0", Text: "RAG combines retrieval with generation.", Metadata: map[string]interface{}{
			"knowledge_id": "k1", "source": "rag.pdf", "page": 3,
		}},
		{ChunkID: "k2_4", Text: "Vector stores index embeddings.", Metadata: map[string]interface{}{
			"knowledge_id": "k2", "source": "vectors.csv", "row": 5, "citation": "vectors.csv, Row 5",
		}},
	}
}

func TestFormatCitation(t *testing.T) {
	assert.Equal(t, "doc.pdf, Page 3", FormatCitation(map[string]interface{}{"source": "doc.pdf", "page": 3}))
	assert.Equal(t, "deck.pptx, Slide 2", FormatCitation(map[string]interface{}{"source": "deck.pptx", "slide": 2}))
	assert.Equal(t, "book.xlsx, Sheet Q1", FormatCitation(map[string]interface{}{"source": "book.xlsx", "sheet": "Q1"}))
	assert.Equal(t, "page.html, Guide", FormatCitation(map[string]interface{}{"source": "page.html", "title": "Guide"}))
	assert.Equal(t, "document", FormatCitation(map[string]interface{}{}))
}

func TestBuildContextPreamble(t *testing.T) {
	preamble := BuildContextPreamble(citedChunks())
	assert.Contains(t, preamble, "[1] rag.pdf, Page 3\nRAG combines retrieval with generation.")
	assert.Contains(t, preamble, "[2] vectors.csv, Row 5\n")
	assert.Empty(t, BuildContextPreamble(nil))
}

func TestCitationsFor_NumericToken(t *testing.T) {
	has, citations := CitationsFor("RAG is retrieval augmented generation. See [1].", citedChunks())
	require.True(t, has)
	require.Len(t, citations, 1)
	assert.Equal(t, "k1_0", citations[0].ChunkID)
	assert.Equal(t, "k1", citations[0].KnowledgeID)
	assert.Equal(t, "rag.pdf, Page 3", citations[0].Source)
}

func TestCitationsFor_SourceWords(t *testing.T) {
	has, citations := CitationsFor("According to Source 2 and [1] ...", citedChunks())
	require.True(t, has)
	require.Len(t, citations, 2)
	ids := []string{citations[0].ChunkID, citations[1].ChunkID}
	assert.ElementsMatch(t, []string{"k1_0", "k2_4"}, ids)
}

func TestCitationsFor_TextTokenWithoutNumbers(t *testing.T) {
	has, citations := CitationsFor("As stated in [rag.pdf, Page 3], retrieval helps.", citedChunks())
	require.True(t, has)
	require.Len(t, citations, 1)
	assert.Equal(t, "k1_0", citations[0].ChunkID)
	assert.Equal(t, "[rag.pdf, Page 3]", citations[0].Text)
}

func TestCitationsFor_NumbersTakePrecedenceOverText(t *testing.T) {
	_, citations := CitationsFor("See [2] and [rag.pdf, Page 3].", citedChunks())
	require.Len(t, citations, 1)
	assert.Equal(t, "k2_4", citations[0].ChunkID)
}

func TestCitationsFor_MarkdownLinkIsNotACitation(t *testing.T) {
	has, citations := CitationsFor("Read [the paper](https://example.com/rag) for details.", citedChunks())
	require.True(t, has)
	assert.Len(t, citations, 2)
}

func TestCitationsFor_UnmatchedTextFallsBackToImplicit(t *testing.T) {
	has, citations := CitationsFor("This is **important** [note] to remember.", citedChunks())
	require.True(t, has)
	assert.Len(t, citations, 2)
}

func TestCitationsFor_PlaceholdersIgnored(t *testing.T) {
	has, citations := CitationsFor("Nothing specific [?][?] here [0].", citedChunks())
	// 无有效引用标记时所有分块作为隐式引用
	require.True(t, has)
	assert.Len(t, citations, 2)
}

func TestCitationsFor_Dedupes(t *testing.T) {
	_, citations := CitationsFor("[1] and again [1] and Source 1", citedChunks())
	assert.Len(t, citations, 1)
}

func TestCitationsFor_NoChunks(t *testing.T) {
	has, citations := CitationsFor("See [1].", nil)
	assert.False(t, has)
	assert.Empty(t, citations)
}

func TestCitationsFor_OutOfRangeNumber(t *testing.T) {
	has, citations := CitationsFor("See [7].", citedChunks())
	assert.False(t, has)
	assert.Empty(t, citations)
}
