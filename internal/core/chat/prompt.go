package chat

import (
	"fmt"
	"strings"
)

// BuildAugmentedContent はナレッジベースの断片とWeb検索結果を前置した上流向けの質問文を構築する。
// どちらも空の場合は入力をそのまま返す。履歴へ永続化されるのは元の userContent のみ。
func BuildAugmentedContent(userContent string, snippets []Snippet, results []SearchResult) string {
	if len(snippets) == 0 && len(results) == 0 {
		return userContent
	}

	var sb strings.Builder

	sb.WriteString("以下の参考情報を踏まえて、ユーザーの質問に回答してください。\n")
	sb.WriteString("参考情報に答えが含まれない場合は、その旨を明示してください。\n\n")

	if len(snippets) > 0 {
		sb.WriteString("## 参考資料: ナレッジベース\n\n")
		for i, snip := range snippets {
			sb.WriteString(fmt.Sprintf("### [資料 %d] %s (関連度: %.3f)\n", i+1, snip.Source, snip.Score))
			sb.WriteString("```\n")
			sb.WriteString(snip.Text)
			if !strings.HasSuffix(snip.Text, "\n") {
				sb.WriteString("\n")
			}
			sb.WriteString("```\n\n")
		}
	}

	if len(results) > 0 {
		sb.WriteString("## 参考資料: Web検索結果\n\n")
		for i, r := range results {
			sb.WriteString(fmt.Sprintf("### [検索結果 %d] %s\n", i+1, r.Title))
			if r.URL != "" {
				sb.WriteString(r.URL + "\n")
			}
			sb.WriteString(r.Snippet)
			if !strings.HasSuffix(r.Snippet, "\n") {
				sb.WriteString("\n")
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("## ユーザーの質問\n\n")
	sb.WriteString(userContent)

	return sb.String()
}
