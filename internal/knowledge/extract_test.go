package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectType(t *testing.T) {
	cases := []struct {
		name, contentType, want string
	}{
		{"report.PDF", "", "pdf"},
		{"page.htm", "", "html"},
		{"notes.markdown", "", "md"},
		{"upload", "application/json; charset=utf-8", "json"},
		{"blob.bin", "application/octet-stream", "txt"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DetectType(tc.name, tc.contentType), tc.name)
	}
	assert.True(t, Supported("a.xlsx"))
	assert.False(t, Supported("a.exe"))
}

func TestExtract_CSVRows(t *testing.T) {
	ex := NewExtractors(0)
	out, err := ex.Extract(File{Name: "people.csv", Data: []byte("name,city\nAda,London\nLinus,\n,\n")})
	require.NoError(t, err)

	require.Len(t, out.Sections, 2)
	assert.Equal(t, "name: Ada, city: London", out.Sections[0].Text)
	assert.Equal(t, 1, out.Sections[0].Citation["row"])
	assert.Equal(t, "name: Linus", out.Sections[1].Text)
	assert.Equal(t, "csv", out.Metadata["file_type"])
	assert.Equal(t, 3, out.Metadata["rows"])
}

func TestExtract_JSONSplitsLargeObjects(t *testing.T) {
	ex := NewExtractors(16)
	out, err := ex.Extract(File{Name: "data.json", Data: []byte(`{"beta": [1, 2], "alpha": {"x": "y"}}`)})
	require.NoError(t, err)

	require.Len(t, out.Sections, 2)
	assert.Equal(t, "alpha", out.Sections[0].Citation["section"])
	assert.True(t, strings.HasPrefix(out.Sections[1].Text, "beta: "))

	small := NewExtractors(1024)
	out, err = small.Extract(File{Name: "data.json", Data: []byte(`{"a": 1}`)})
	require.NoError(t, err)
	require.Len(t, out.Sections, 1)
	assert.Equal(t, "root", out.Sections[0].Citation["section"])
}

func TestExtract_JSONInvalid(t *testing.T) {
	_, err := NewExtractors(0).Extract(File{Name: "bad.json", Data: []byte("{nope")})
	assert.Error(t, err)
}

func TestExtract_HTMLStripsScripts(t *testing.T) {
	html := `<html><head><title>Guide</title><style>p{}</style></head>
<body><script>alert(1)</script><h1>Heading</h1><p>Body   text here.</p></body></html>`
	out, err := NewExtractors(0).Extract(File{Name: "guide.html", Data: []byte(html)})
	require.NoError(t, err)

	require.Len(t, out.Sections, 1)
	assert.Equal(t, "Guide", out.Sections[0].Citation["title"])
	assert.Contains(t, out.Text, "Body text here.")
	assert.NotContains(t, out.Text, "alert")
}

func TestExtract_PlainTextFallback(t *testing.T) {
	out, err := NewExtractors(0).Extract(File{Name: "readme", ContentType: "", Data: []byte("hello world")})
	require.NoError(t, err)
	assert.Equal(t, "txt", out.FileType)
	assert.Equal(t, "hello world", out.Text)
	assert.Equal(t, 1, out.Metadata["sections"])
}
