// Package i18n はクライアント向け文言のローカライズカタログを提供する。
// バンドルはバイナリに埋め込まれ、実行中の言語切り替えは即時に反映される。
package i18n

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/jinford/deskchat/internal/core/apperr"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// Language はカタログが提供する言語の情報
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Catalog は埋め込みバンドルを保持し、現在のロケールを管理する。
type Catalog struct {
	mu      sync.RWMutex
	current string

	tags     []language.Tag
	codes    []string
	matcher  language.Matcher
	messages map[string]map[string]string // code -> key -> message
}

// New は埋め込みバンドルを読み込み、初期ロケールを設定したカタログを返す。
// defaultLang がバンドルに無い場合は最も近い言語へフォールバックする。
func New(defaultLang string) (*Catalog, error) {
	entries, err := fs.ReadDir(localeFS, "locales")
	if err != nil {
		return nil, fmt.Errorf("ロケールバンドルの読み込みに失敗: %w", err)
	}

	c := &Catalog{
		messages: make(map[string]map[string]string),
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") {
			continue
		}
		code := strings.TrimSuffix(name, ".yaml")

		data, err := localeFS.ReadFile("locales/" + name)
		if err != nil {
			return nil, fmt.Errorf("ロケールバンドル %s の読み込みに失敗: %w", name, err)
		}

		bundle := make(map[string]string)
		if err := yaml.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("ロケールバンドル %s の解析に失敗: %w", name, err)
		}

		tag, err := language.Parse(code)
		if err != nil {
			return nil, fmt.Errorf("ロケールコード %s の解析に失敗: %w", code, err)
		}

		c.codes = append(c.codes, code)
		c.tags = append(c.tags, tag)
		c.messages[code] = bundle
	}

	if len(c.tags) == 0 {
		return nil, fmt.Errorf("ロケールバンドルが見つかりません")
	}

	sort.Sort(byCode{codes: c.codes, tags: c.tags})
	c.matcher = language.NewMatcher(c.tags)
	c.current = c.match(defaultLang)

	return c, nil
}

// Languages は提供言語の一覧を返す。
func (c *Catalog) Languages() []Language {
	c.mu.RLock()
	defer c.mu.RUnlock()

	langs := make([]Language, 0, len(c.codes))
	for _, code := range c.codes {
		langs = append(langs, Language{
			Code: code,
			Name: c.messages[code]["name"],
		})
	}
	return langs
}

// Current は現在のロケールコードを返す。
func (c *Catalog) Current() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// SetLanguage は現在のロケールを切り替える。
// 提供していない言語は not_found、構文として不正なコードは invalid_request を返す。
func (c *Catalog) SetLanguage(code string) error {
	tag, err := language.Parse(code)
	if err != nil {
		// 整形式だが未知のサブタグ（language.ValueError）はマッチャーに委ねる。
		// マッチしなければ not_found になる
		var verr language.ValueError
		if !errors.As(err, &verr) {
			return apperr.InvalidRequest("i18n.SetLanguage", fmt.Sprintf("invalid language code: %s", code))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, idx, conf := c.matcher.Match(tag)
	if conf == language.No {
		return apperr.NotFound("i18n.SetLanguage", fmt.Sprintf("unsupported language: %s", code))
	}
	c.current = c.codes[idx]
	return nil
}

// T は現在のロケールでキーに対応する文言を返す。
// 見つからない場合は英語、それも無ければキーをそのまま返す。
func (c *Catalog) T(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if msg, ok := c.messages[c.current][key]; ok {
		return msg
	}
	if msg, ok := c.messages["en"][key]; ok {
		return msg
	}
	return key
}

// match は希望コードに最も近い提供ロケールを返す。
func (c *Catalog) match(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return c.codes[0]
	}
	_, idx, conf := c.matcher.Match(tag)
	if conf == language.No {
		return c.codes[0]
	}
	return c.codes[idx]
}

// byCode はコードとタグを同じ順序でソートするためのヘルパ。
type byCode struct {
	codes []string
	tags  []language.Tag
}

func (b byCode) Len() int           { return len(b.codes) }
func (b byCode) Less(i, j int) bool { return b.codes[i] < b.codes[j] }
func (b byCode) Swap(i, j int) {
	b.codes[i], b.codes[j] = b.codes[j], b.codes[i]
	b.tags[i], b.tags[j] = b.tags[j], b.tags[i]
}
