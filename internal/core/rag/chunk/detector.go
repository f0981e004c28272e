package chunk

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-enry/go-enry/v2"
)

// languageMIME はgo-enryが返す言語名からMIMEタイプへの対応表
var languageMIME = map[string]string{
	"Go":         "text/x-go",
	"JavaScript": "text/javascript",
	"TypeScript": "text/x-typescript",
	"Python":     "text/x-python",
	"Java":       "text/x-java",
	"C":          "text/x-c",
	"C++":        "text/x-c++",
	"C#":         "text/x-csharp",
	"Ruby":       "text/x-ruby",
	"PHP":        "text/x-php",
	"Rust":       "text/x-rust",
	"Swift":      "text/x-swift",
	"Kotlin":     "text/x-kotlin",
	"Scala":      "text/x-scala",
	"Shell":      "text/x-shellscript",
	"Bash":       "text/x-shellscript",
	"Markdown":   "text/markdown",
	"HTML":       "text/html",
	"CSS":        "text/css",
	"JSON":       "application/json",
	"YAML":       "text/x-yaml",
	"XML":        "text/xml",
	"SQL":        "text/x-sql",
	"Text":       "text/plain",
}

// DetectContentType はファイル名と内容から文書のMIMEタイプを判定する。
// go-enryの言語判定が付かない場合はhttp.DetectContentTypeへ落とし、
// 内容が空ならプレーンテキスト扱いにする。
func DetectContentType(path string, content []byte) string {
	language := enry.GetLanguage(filepath.Base(path), content)
	if mime, ok := languageMIME[language]; ok {
		return mime
	}

	if len(content) > 0 {
		detected := http.DetectContentType(content)
		// 「; charset=utf-8」などのパラメータ部分を除去する
		if idx := strings.Index(detected, ";"); idx != -1 {
			detected = detected[:idx]
		}
		return strings.TrimSpace(detected)
	}
	return "text/plain"
}
