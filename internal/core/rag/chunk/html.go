package chunk

import (
	"strings"

	"golang.org/x/net/html"
)

// 本文として扱わない要素
var skipHTMLElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
	"template": true,
	"svg":      true,
}

// ExtractHTMLText はHTML文書から表示テキストを取り出す。
// テキストノードごとに1行へ落とすため、インライン要素の並びも
// 行として扱われる。後段の窓切りが行を連結するので実用上は問題ない。
func ExtractHTMLText(content string) string {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		// html.Parseは寛容なので通常は失敗しない。失敗時は原文のまま返す。
		return content
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipHTMLElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				b.WriteString(text)
				b.WriteByte('\n')
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return strings.TrimRight(b.String(), "\n")
}
