package knowledge

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	StrategySimple   = "simple"
	StrategySemantic = "semantic"

	defaultChunkSize    = 1000
	defaultChunkOverlap = 100
)

// Chunker 文本分块器
type Chunker interface {
	Split(text string) []string
}

// NewChunker 按策略名创建分块器，未知策略使用 semantic
func NewChunker(strategy string, chunkSize, overlap int) Chunker {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	simple := &SimpleChunker{chunkSize: chunkSize, chunkOverlap: overlap}
	if strategy == StrategySimple {
		return simple
	}
	return &SemanticChunker{chunkSize: chunkSize, chunkOverlap: overlap, fallback: simple}
}

// SimpleChunker 固定字符窗口，在最近的空白处断开
type SimpleChunker struct {
	chunkSize    int
	chunkOverlap int
}

func (c *SimpleChunker) Split(text string) []string {
	runes := []rune(normalizeWhitespace(text))
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	for start := 0; start < len(runes); {
		end := start + c.chunkSize
		if end >= len(runes) {
			end = len(runes)
		} else if cut := lastSpace(runes, start+c.chunkSize/2, end); cut > start {
			end = cut
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}

		next := end - c.chunkOverlap
		if next <= start {
			next = end
		}
		// 重叠起点对齐到词首
		for next < end && next > 0 && !unicode.IsSpace(runes[next-1]) {
			next++
		}
		start = next
	}
	return chunks
}

// lastSpace 在 [from, to] 内向前找空白位置，找不到返回 -1
func lastSpace(runes []rune, from, to int) int {
	if from < 0 {
		from = 0
	}
	for i := to; i > from; i-- {
		if i < len(runes) && unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

// SemanticChunker 段落、句子边界分块，超过 1.5 倍大小的块再按固定窗口切分
type SemanticChunker struct {
	chunkSize    int
	chunkOverlap int
	fallback     *SimpleChunker
}

func (c *SemanticChunker) Split(text string) []string {
	var (
		chunks  []string
		current []string
		size    int
		added   int // 上次输出后新加入的句子数
	)
	flush := func() {
		if chunk := strings.TrimSpace(strings.Join(current, " ")); chunk != "" {
			chunks = append(chunks, chunk)
		}
		current, size, added = c.overlapTail(current), 0, 0
		for _, s := range current {
			size += runeLen(s) + 1
		}
	}

	for _, para := range splitParagraphs(text) {
		for _, sentence := range splitSentences(para) {
			n := runeLen(sentence)
			if added > 0 && size+n > c.chunkSize {
				flush()
				// 重叠句加上新句仍超长时丢弃重叠
				if size+n > c.chunkSize {
					current, size = nil, 0
				}
			}
			current = append(current, sentence)
			size += n + 1
			added++
		}
	}
	if added > 0 {
		flush()
	}

	limit := c.chunkSize + c.chunkSize/2
	out := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if runeLen(chunk) > limit {
			out = append(out, c.fallback.Split(chunk)...)
			continue
		}
		out = append(out, chunk)
	}
	return out
}

// overlapTail 取末尾若干句，总长不超过 overlap
func (c *SemanticChunker) overlapTail(sentences []string) []string {
	if c.chunkOverlap == 0 {
		return nil
	}
	total := 0
	i := len(sentences)
	for i > 0 {
		n := runeLen(sentences[i-1]) + 1
		if total+n > c.chunkOverlap {
			break
		}
		total += n
		i--
	}
	if i == len(sentences) {
		return nil
	}
	return append([]string(nil), sentences[i:]...)
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var paras []string
	for _, block := range strings.Split(text, "\n\n") {
		if p := normalizeWhitespace(block); p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// splitSentences 在句末标点后断句；中日文句号不需要后随空白
func splitSentences(para string) []string {
	runes := []rune(para)
	var (
		out   []string
		start int
	)
	for i, r := range runes {
		boundary := false
		switch r {
		case '。', '！', '？', '；':
			boundary = true
		case '.', '!', '?':
			boundary = i+1 == len(runes) || unicode.IsSpace(runes[i+1])
		}
		if boundary {
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func normalizeWhitespace(s string) string {
	var builder strings.Builder
	builder.Grow(len(s))

	var prevSpace bool
	for _, r := range s {
		if unicode.IsSpace(r) {
			if prevSpace {
				continue
			}
			builder.WriteRune(' ')
			prevSpace = true
			continue
		}
		builder.WriteRune(r)
		prevSpace = false
	}

	return strings.TrimSpace(builder.String())
}
