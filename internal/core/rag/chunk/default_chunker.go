package chunk

import (
	"regexp"
	"strings"
)

// DefaultChunker はファイル種別を考慮した行ベースの分割器。
// Markdownは見出し、ソースコードは関数境界を優先して構造分割し、
// その後どの種別でも1チャンクのトークン数が上限に収まるよう窓切りする。
type DefaultChunker struct {
	counter   TokenCounter
	maxTokens int // 1チャンクの上限トークン数
	minTokens int // これ未満の断片は直前のチャンクへ吸収する
	overlap   int // 窓切りで次チャンクへ持ち越すトークン数
}

// NewDefaultChunker は新しいDefaultChunkerを作成する。
// maxTokensが0以下の場合は800を使う。
func NewDefaultChunker(counter TokenCounter, maxTokens int) *DefaultChunker {
	if maxTokens <= 0 {
		maxTokens = 800
	}
	return &DefaultChunker{
		counter:   counter,
		maxTokens: maxTokens,
		minTokens: 16,
		overlap:   maxTokens / 8,
	}
}

// section は構造分割の中間単位。offsetは元テキスト先頭からのバイト位置。
type section struct {
	text   string
	offset int
}

// Split はコンテンツをチャンク列へ分割する。
// 空白のみのコンテンツはnilを返す。Ordinalは0始まりの連番。
func (c *DefaultChunker) Split(content, contentType string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	var sections []section
	switch {
	case contentType == "text/markdown":
		sections = splitMarkdownSections(content)
	case contentType == "text/html":
		sections = []section{{text: ExtractHTMLText(content)}}
	case isSourceCodeType(contentType):
		sections = splitCodeSections(content)
	default:
		sections = []section{{text: content}}
	}

	var chunks []Chunk
	for _, sec := range sections {
		chunks = c.appendWindows(chunks, sec)
	}
	for i := range chunks {
		chunks[i].Ordinal = i
	}
	return chunks
}

// appendWindows はセクションを上限トークン内の窓に切り出してchunksへ足す。
// 構造よりも上限が優先で、フェンスや段落の途中でも上限に達したら切る。
func (c *DefaultChunker) appendWindows(chunks []Chunk, sec section) []Chunk {
	lines := strings.Split(sec.text, "\n")
	starts := lineStarts(sec.text)

	var window []string
	windowStart := 0

	for i, line := range lines {
		// 単独で上限を超える行は窓を確定したうえで強制分割する
		if c.counter.CountTokens(line) > c.maxTokens {
			if len(window) > 0 {
				chunks = c.appendChunk(chunks, strings.Join(window, "\n"), sec.offset+starts[windowStart])
				window = nil
			}
			byteOff := 0
			for _, part := range c.splitByTokenLimit(line) {
				chunks = c.appendChunk(chunks, part, sec.offset+starts[i]+byteOff)
				byteOff += len(part)
			}
			windowStart = i + 1
			continue
		}

		candidate := append(window, line)
		if len(window) > 0 && c.counter.CountTokens(strings.Join(candidate, "\n")) > c.maxTokens {
			chunks = c.appendChunk(chunks, strings.Join(window, "\n"), sec.offset+starts[windowStart])

			// 末尾の数行を次の窓へ持ち越して文脈の断絶を抑える
			carry := c.overlapLines(window)
			if carry > 0 && carry < len(window) {
				windowStart = i - carry
				window = append(append([]string(nil), window[len(window)-carry:]...), line)
			} else {
				windowStart = i
				window = []string{line}
			}
			continue
		}
		window = candidate
	}

	if len(window) > 0 {
		chunks = c.appendChunk(chunks, strings.Join(window, "\n"), sec.offset+starts[windowStart])
	}
	return chunks
}

// appendChunk は窓をチャンクとして確定する。minTokens未満の断片は
// 直前のチャンクへ吸収し、吸収で上限を超える場合は単独のまま残す。
// 窓を捨てることはない。
func (c *DefaultChunker) appendChunk(chunks []Chunk, text string, offset int) []Chunk {
	if strings.TrimSpace(text) == "" {
		return chunks
	}
	tokens := c.counter.CountTokens(text)
	if tokens < c.minTokens && len(chunks) > 0 {
		last := &chunks[len(chunks)-1]
		merged := last.Text + "\n" + text
		if mergedTokens := c.counter.CountTokens(merged); mergedTokens <= c.maxTokens {
			last.Text = merged
			last.Tokens = mergedTokens
			return chunks
		}
	}
	return append(chunks, Chunk{Text: text, Offset: offset, Tokens: tokens})
}

// splitByTokenLimit は1行が上限を超える場合にルーン境界で分割する。
// 上限に収まる最長の接頭辞を二分探索で求める。1ルーンで上限を超える
// 極端な設定では進行を優先して1ルーンずつ切る。
func (c *DefaultChunker) splitByTokenLimit(line string) []string {
	runes := []rune(line)
	var parts []string
	for len(runes) > 0 {
		lo, hi := 1, len(runes)
		for lo < hi {
			mid := (lo + hi + 1) / 2
			if c.counter.CountTokens(string(runes[:mid])) <= c.maxTokens {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		parts = append(parts, string(runes[:lo]))
		runes = runes[lo:]
	}
	return parts
}

// overlapLines は窓の末尾からoverlapトークン分に相当する行数を返す。
func (c *DefaultChunker) overlapLines(window []string) int {
	total := 0
	for i := len(window) - 1; i >= 0; i-- {
		total += c.counter.CountTokens(window[i])
		if total >= c.overlap {
			return len(window) - i
		}
	}
	return len(window)
}

// splitMarkdownSections は見出し行を境界にセクションへ分割する。
// コードフェンス内の#は見出しとして扱わない。
func splitMarkdownSections(content string) []section {
	lines := strings.Split(content, "\n")
	starts := lineStarts(content)

	var sections []section
	begin := 0
	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence || !strings.HasPrefix(trimmed, "#") {
			continue
		}
		if i > begin {
			sections = append(sections, section{
				text:   strings.Join(lines[begin:i], "\n"),
				offset: starts[begin],
			})
		}
		begin = i
	}
	if begin < len(lines) {
		sections = append(sections, section{
			text:   strings.Join(lines[begin:], "\n"),
			offset: starts[begin],
		})
	}
	return sections
}

// codeBoundaryPatterns は関数やクラスの開始行を検出する経験則。
var codeBoundaryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*(func|function|def|class|interface|struct|enum|impl|fn|type)\s+\w`),
	regexp.MustCompile(`^\s*(public|private|protected|export)\s+\w`),
}

// splitCodeSections は関数・クラス境界でセクションへ分割する。
func splitCodeSections(content string) []section {
	lines := strings.Split(content, "\n")
	starts := lineStarts(content)

	var sections []section
	begin := 0
	for i, line := range lines {
		boundary := false
		for _, p := range codeBoundaryPatterns {
			if p.MatchString(line) {
				boundary = true
				break
			}
		}
		if !boundary || i == begin {
			continue
		}
		sections = append(sections, section{
			text:   strings.Join(lines[begin:i], "\n"),
			offset: starts[begin],
		})
		begin = i
	}
	if begin < len(lines) {
		sections = append(sections, section{
			text:   strings.Join(lines[begin:], "\n"),
			offset: starts[begin],
		})
	}
	return sections
}

// lineStarts は各行の先頭バイト位置を返す。
func lineStarts(text string) []int {
	lines := strings.Split(text, "\n")
	starts := make([]int, len(lines))
	off := 0
	for i, line := range lines {
		starts[i] = off
		off += len(line) + 1
	}
	return starts
}

// sourceCodeTypes はソースコードとして扱うMIMEタイプのセット
var sourceCodeTypes = map[string]bool{
	"text/x-go":          true,
	"text/javascript":    true,
	"text/x-typescript":  true,
	"text/x-python":      true,
	"text/x-java":        true,
	"text/x-c":           true,
	"text/x-c++":         true,
	"text/x-csharp":      true,
	"text/x-ruby":        true,
	"text/x-php":         true,
	"text/x-rust":        true,
	"text/x-swift":       true,
	"text/x-kotlin":      true,
	"text/x-scala":       true,
	"text/x-shellscript": true,
}

// isSourceCodeType はコンテンツタイプがソースコードかどうかを判定する。
func isSourceCodeType(contentType string) bool {
	return sourceCodeTypes[contentType]
}
