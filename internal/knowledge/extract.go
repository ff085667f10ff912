package knowledge

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/unidoc/unioffice/document"
	"github.com/unidoc/unioffice/presentation"
	"github.com/unidoc/unioffice/spreadsheet"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
)

// Section 文档中的一个引用单元（页、幻灯片、行、工作表……）
type Section struct {
	Text     string
	Citation map[string]interface{}
}

// Extracted 抽取结果
type Extracted struct {
	FileType string
	Text     string
	Sections []Section
	Metadata map[string]interface{}
}

// File 待处理的上传文件
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Extractor 格式抽取器
type Extractor interface {
	Extract(f File) (*Extracted, error)
}

type extractorFunc func(f File) (*Extracted, error)

func (fn extractorFunc) Extract(f File) (*Extracted, error) {
	return fn(f)
}

// Extractors 按扩展名/MIME 分派
type Extractors struct {
	byType             map[string]Extractor
	jsonSplitThreshold int
}

// NewExtractors jsonSplitThreshold 为 JSON 按顶层键拆分的字节阈值
func NewExtractors(jsonSplitThreshold int) *Extractors {
	if jsonSplitThreshold <= 0 {
		jsonSplitThreshold = 10 * 1024
	}
	e := &Extractors{jsonSplitThreshold: jsonSplitThreshold}
	e.byType = map[string]Extractor{
		"pdf":  extractorFunc(extractPDF),
		"docx": extractorFunc(extractDOCX),
		"pptx": extractorFunc(extractPPTX),
		"xlsx": extractorFunc(extractXLSX),
		"csv":  extractorFunc(extractCSV),
		"html": extractorFunc(extractHTML),
		"json": extractorFunc(e.extractJSON),
		"md":   extractorFunc(extractText),
		"txt":  extractorFunc(extractText),
	}
	return e
}

var mimeTypes = map[string]string{
	"application/pdf": "pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "docx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "xlsx",
	"text/csv":         "csv",
	"text/html":        "html",
	"application/json": "json",
	"text/markdown":    "md",
	"text/plain":       "txt",
}

// DetectType 先看扩展名，再看 MIME，都无法识别时按纯文本处理
func DetectType(name, contentType string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	switch ext {
	case "htm":
		return "html"
	case "markdown":
		return "md"
	case "pdf", "docx", "pptx", "xlsx", "csv", "html", "json", "md", "txt":
		return ext
	}
	mt := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if t, ok := mimeTypes[mt]; ok {
		return t
	}
	return "txt"
}

// Supported 上传允许的扩展名
func Supported(name string) bool {
	switch strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".") {
	case "pdf", "docx", "pptx", "xlsx", "csv", "html", "htm", "json", "md", "markdown", "txt":
		return true
	}
	return false
}

func (e *Extractors) Extract(f File) (*Extracted, error) {
	fileType := DetectType(f.Name, f.ContentType)
	ex, ok := e.byType[fileType]
	if !ok {
		ex = extractorFunc(extractText)
	}
	out, err := ex.Extract(f)
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", fileType, err)
	}
	out.FileType = fileType
	if out.Metadata == nil {
		out.Metadata = map[string]interface{}{}
	}
	out.Metadata["file_type"] = fileType
	out.Metadata["sections"] = len(out.Sections)
	if out.Text == "" {
		parts := make([]string, 0, len(out.Sections))
		for _, s := range out.Sections {
			parts = append(parts, s.Text)
		}
		out.Text = strings.Join(parts, "\n\n")
	}
	return out, nil
}

func nonEmpty(sections []Section) []Section {
	out := sections[:0]
	for _, s := range sections {
		if strings.TrimSpace(s.Text) != "" {
			out = append(out, s)
		}
	}
	return out
}

func extractPDF(f File) (*Extracted, error) {
	reader, err := model.NewPdfReader(bytes.NewReader(f.Data))
	if err != nil {
		return nil, err
	}
	numPages, err := reader.GetNumPages()
	if err != nil {
		return nil, err
	}

	sections := make([]Section, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page, err := reader.GetPage(i)
		if err != nil {
			continue
		}
		ex, err := extractor.New(page)
		if err != nil {
			continue
		}
		text, err := ex.ExtractText()
		if err != nil {
			continue
		}
		sections = append(sections, Section{Text: text, Citation: map[string]interface{}{"page": i}})
	}
	return &Extracted{
		Sections: nonEmpty(sections),
		Metadata: map[string]interface{}{"pages": numPages},
	}, nil
}

// extractDOCX 段落与表格按文档顺序合并成一个单元
func extractDOCX(f File) (*Extracted, error) {
	doc, err := document.Read(bytes.NewReader(f.Data), int64(len(f.Data)))
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	var b strings.Builder
	for _, para := range doc.Paragraphs() {
		for _, run := range para.Runs() {
			b.WriteString(run.Text())
		}
		b.WriteString("\n")
	}
	tables := doc.Tables()
	for _, table := range tables {
		b.WriteString("\n")
		for _, row := range table.Rows() {
			cells := make([]string, 0, len(row.Cells()))
			for _, cell := range row.Cells() {
				var ct strings.Builder
				for _, p := range cell.Paragraphs() {
					for _, run := range p.Runs() {
						ct.WriteString(run.Text())
					}
				}
				cells = append(cells, strings.TrimSpace(ct.String()))
			}
			b.WriteString(strings.Join(cells, " | "))
			b.WriteString("\n")
		}
	}
	return &Extracted{
		Sections: nonEmpty([]Section{{Text: b.String(), Citation: map[string]interface{}{"document": f.Name}}}),
		Metadata: map[string]interface{}{"paragraphs": len(doc.Paragraphs()), "tables": len(tables)},
	}, nil
}

func extractPPTX(f File) (*Extracted, error) {
	ppt, err := presentation.Read(bytes.NewReader(f.Data), int64(len(f.Data)))
	if err != nil {
		return nil, err
	}

	slides := ppt.Slides()
	sections := make([]Section, 0, len(slides))
	for i := range slides {
		st := slides[i].ExtractText()
		if st == nil {
			continue
		}
		lines := make([]string, 0, len(st.Items))
		for _, item := range st.Items {
			if t := strings.TrimSpace(item.Text); t != "" {
				lines = append(lines, t)
			}
		}
		sections = append(sections, Section{
			Text:     strings.Join(lines, "\n"),
			Citation: map[string]interface{}{"slide": i + 1},
		})
	}
	return &Extracted{
		Sections: nonEmpty(sections),
		Metadata: map[string]interface{}{"slides": len(slides)},
	}, nil
}

func extractXLSX(f File) (*Extracted, error) {
	wb, err := spreadsheet.Read(bytes.NewReader(f.Data), int64(len(f.Data)))
	if err != nil {
		return nil, err
	}
	defer wb.Close()

	sheets := wb.Sheets()
	sections := make([]Section, 0, len(sheets))
	for _, sheet := range sheets {
		var b strings.Builder
		for _, row := range sheet.Rows() {
			cells := make([]string, 0, len(row.Cells()))
			for _, cell := range row.Cells() {
				cells = append(cells, cell.GetString())
			}
			if line := strings.TrimSpace(strings.Join(cells, "\t")); line != "" {
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
		sections = append(sections, Section{
			Text:     b.String(),
			Citation: map[string]interface{}{"sheet": sheet.Name()},
		})
	}
	return &Extracted{
		Sections: nonEmpty(sections),
		Metadata: map[string]interface{}{"sheets": len(sheets)},
	}, nil
}

// extractCSV 每行一个单元，按 "列名: 值" 展开
func extractCSV(f File) (*Extracted, error) {
	r := csv.NewReader(bytes.NewReader(f.Data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return &Extracted{Metadata: map[string]interface{}{"rows": 0}}, nil
	}
	if err != nil {
		return nil, err
	}

	var sections []Section
	rowNum := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rowNum++
		parts := make([]string, 0, len(record))
		for i, v := range record {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				parts = append(parts, strings.TrimSpace(header[i])+": "+v)
			} else {
				parts = append(parts, v)
			}
		}
		sections = append(sections, Section{
			Text:     strings.Join(parts, ", "),
			Citation: map[string]interface{}{"row": rowNum},
		})
	}
	return &Extracted{
		Sections: nonEmpty(sections),
		Metadata: map[string]interface{}{"rows": rowNum, "columns": len(header)},
	}, nil
}

func extractHTML(f File) (*Extracted, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(f.Data))
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, nav, footer, header, iframe").Remove()

	var lines []string
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	for _, line := range strings.Split(body.Text(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	if title == "" {
		title = f.Name
	}
	return &Extracted{
		Sections: nonEmpty([]Section{{Text: strings.Join(lines, "\n"), Citation: map[string]interface{}{"title": title}}}),
		Metadata: map[string]interface{}{"title": title},
	}, nil
}

// extractJSON 大文件按顶层键拆分，小文件整体作为一个单元
func (e *Extractors) extractJSON(f File) (*Extracted, error) {
	var v interface{}
	if err := json.Unmarshal(f.Data, &v); err != nil {
		return nil, err
	}
	obj, isObject := v.(map[string]interface{})
	if !isObject || len(f.Data) <= e.jsonSplitThreshold {
		pretty, _ := json.MarshalIndent(v, "", "  ")
		return &Extracted{
			Sections: nonEmpty([]Section{{Text: string(pretty), Citation: map[string]interface{}{"section": "root"}}}),
		}, nil
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sections := make([]Section, 0, len(keys))
	for _, k := range keys {
		pretty, _ := json.MarshalIndent(obj[k], "", "  ")
		sections = append(sections, Section{
			Text:     k + ": " + string(pretty),
			Citation: map[string]interface{}{"section": k},
		})
	}
	return &Extracted{
		Sections: nonEmpty(sections),
		Metadata: map[string]interface{}{"keys": len(keys)},
	}, nil
}

func extractText(f File) (*Extracted, error) {
	text := strings.ToValidUTF8(string(f.Data), "")
	return &Extracted{
		Sections: nonEmpty([]Section{{Text: text, Citation: map[string]interface{}{"document": f.Name}}}),
	}, nil
}
