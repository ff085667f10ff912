package knowledge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aihub/chat-backend/internal/models"
)

// FormatCitation 由分块元数据生成可读引用，如 "doc.pdf, Page 3"
func FormatCitation(meta map[string]interface{}) string {
	source, _ := meta["source"].(string)
	if source == "" {
		source = "document"
	}
	switch {
	case meta["page"] != nil:
		return fmt.Sprintf("%s, Page %v", source, meta["page"])
	case meta["slide"] != nil:
		return fmt.Sprintf("%s, Slide %v", source, meta["slide"])
	case meta["row"] != nil:
		return fmt.Sprintf("%s, Row %v", source, meta["row"])
	case meta["sheet"] != nil:
		return fmt.Sprintf("%s, Sheet %v", source, meta["sheet"])
	case meta["section"] != nil:
		return fmt.Sprintf("%s, Section %v", source, meta["section"])
	case meta["title"] != nil && meta["title"] != source:
		return fmt.Sprintf("%s, %v", source, meta["title"])
	}
	return source
}

// citationOf 优先使用写入时保存的引用字符串
func citationOf(meta map[string]interface{}) string {
	if c, ok := meta["citation"].(string); ok && c != "" {
		return c
	}
	return FormatCitation(meta)
}

// BuildContextPreamble 生成拼接到最后一条用户消息前的资料段，编号与 [N] 引用对应
func BuildContextPreamble(chunks []Result) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Use the following sources to answer the question. Cite them as [N] where N is the source number.\n\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, citationOf(c.Metadata), strings.TrimSpace(c.Text))
	}
	return b.String()
}

var (
	placeholderPattern = regexp.MustCompile(`(?:\[\?\]|\[0\])+`)

	numericPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\[(\d+)\]`),
		regexp.MustCompile(`(?i)\[source\s+(\d+)\]`),
		regexp.MustCompile(`(?i)\bsource\s+(\d+)\b`),
		regexp.MustCompile(`(?i)\breference\s+(\d+)\b`),
		regexp.MustCompile(`(?i)\bdocument\s+(\d+)\b`),
		regexp.MustCompile(`(?i)\bcitation\s+(\d+)\b`),
	}
	// 方括号中的非数字引用，如 [doc.pdf, Page 3]；第二组非空表示 markdown 链接
	textualPattern = regexp.MustCompile(`\[([^\]\d?][^\]]{1,200})\](\()?`)
)

type citationToken struct {
	raw    string
	number int
	text   string
}

func dedupeTokens(tokens []citationToken) []citationToken {
	seen := map[string]bool{}
	out := tokens[:0]
	for _, t := range tokens {
		key := t.text
		if t.number > 0 {
			key = "#" + strconv.Itoa(t.number)
		}
		if !seen[key] {
			seen[key] = true
			out = append(out, t)
		}
	}
	return out
}

// extractCitationTokens 有编号引用时只用编号；否则才取方括号文本
func extractCitationTokens(response string) []citationToken {
	clean := placeholderPattern.ReplaceAllString(response, "")
	var tokens []citationToken
	for _, re := range numericPatterns {
		for _, m := range re.FindAllStringSubmatch(clean, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				tokens = append(tokens, citationToken{raw: m[0], number: n})
			}
		}
	}
	if len(tokens) > 0 {
		return dedupeTokens(tokens)
	}
	for _, m := range textualPattern.FindAllStringSubmatch(clean, -1) {
		if m[2] != "" {
			continue
		}
		tokens = append(tokens, citationToken{raw: strings.TrimSuffix(m[0], "("), text: strings.TrimSpace(m[1])})
	}
	return dedupeTokens(tokens)
}

func matchText(needle string, chunks []Result) (Result, bool) {
	needle = strings.ToLower(needle)
	if needle == "" {
		return Result{}, false
	}
	for _, c := range chunks {
		hay := strings.ToLower(citationOf(c.Metadata))
		if strings.Contains(hay, needle) || strings.Contains(needle, hay) {
			return c, true
		}
	}
	return Result{}, false
}

// CitationsFor 从回复文本中抽取引用并对应到分块。
// 没有编号引用、且方括号文本也对不上任何分块时，全部分块作为隐式引用。
func CitationsFor(response string, chunks []Result) (bool, []models.Citation) {
	if len(chunks) == 0 {
		return false, nil
	}
	tokens := extractCitationTokens(response)

	var citations []models.Citation
	used := map[string]bool{}
	emit := func(token string, c Result) {
		if used[c.ChunkID] {
			return
		}
		used[c.ChunkID] = true
		citations = append(citations, toCitation(token, c))
	}

	numeric := false
	for _, t := range tokens {
		if t.number > 0 {
			numeric = true
			if t.number <= len(chunks) {
				emit(t.raw, chunks[t.number-1])
			}
			continue
		}
		if c, ok := matchText(t.text, chunks); ok {
			emit(t.raw, c)
		}
	}

	if !numeric && len(citations) == 0 {
		for _, c := range chunks {
			emit("", c)
		}
	}
	return len(citations) > 0, citations
}
func toCitation(token string, c Result) models.Citation {
	knowledgeID, _ := c.Metadata["knowledge_id"].(string)
	text := token
	if text == "" {
		text = c.Text
		if runes := []rune(text); len(runes) > 200 {
			text = string(runes[:200]) + "..."
		}
	}
	return models.Citation{
		Text:        text,
		Source:      citationOf(c.Metadata),
		ChunkID:     c.ChunkID,
		KnowledgeID: knowledgeID,
		Metadata:    c.Metadata,
	}
}
