// Package chunk はアップロードされた文書をファイル種別に応じて分割する。
package chunk

// TokenCounter はテキストのトークン数を数える。
type TokenCounter interface {
	CountTokens(text string) int
}

// Chunk は分割された1断片。
// Offset は分割対象テキスト先頭からのバイト位置で、HTMLの場合は
// タグ除去後のテキストを基準とする。
type Chunk struct {
	Ordinal int
	Text    string
	Offset  int
	Tokens  int
}
