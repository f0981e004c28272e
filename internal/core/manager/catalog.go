package manager

import (
	"strings"

	"github.com/jinford/deskchat/internal/core/supplier"
)

// VisibleVariant はインストール可能なパラメータ規模1種
type VisibleVariant struct {
	Parameters string `json:"parameters"`
	Size       string `json:"size"`
	Installed  bool   `json:"installed"`
}

// VisibleModel はカタログに載せるインストール可能モデル1件
type VisibleModel struct {
	Name         string           `json:"name"`
	Title        string           `json:"title"`
	Description  string           `json:"description"`
	Capabilities []string         `json:"capabilities"`
	Variants     []VisibleVariant `json:"variants"`
}

// visibleCatalog はバイナリに埋め込む静的カタログ。
// list_visible_models がインストール状況を突き合わせて返す。
var visibleCatalog = []VisibleModel{
	{
		Name:         "llama3.1",
		Title:        "Llama 3.1",
		Description:  "Meta の汎用チャットモデル",
		Capabilities: []string{supplier.CapabilityChat, supplier.CapabilityTools},
		Variants: []VisibleVariant{
			{Parameters: "8b", Size: "4.9GB"},
			{Parameters: "70b", Size: "43GB"},
		},
	},
	{
		Name:         "qwen2.5",
		Title:        "Qwen 2.5",
		Description:  "Alibaba の多言語チャットモデル",
		Capabilities: []string{supplier.CapabilityChat, supplier.CapabilityTools},
		Variants: []VisibleVariant{
			{Parameters: "0.5b", Size: "398MB"},
			{Parameters: "1.5b", Size: "986MB"},
			{Parameters: "7b", Size: "4.7GB"},
			{Parameters: "14b", Size: "9.0GB"},
		},
	},
	{
		Name:         "gemma2",
		Title:        "Gemma 2",
		Description:  "Google の軽量チャットモデル",
		Capabilities: []string{supplier.CapabilityChat},
		Variants: []VisibleVariant{
			{Parameters: "2b", Size: "1.6GB"},
			{Parameters: "9b", Size: "5.4GB"},
		},
	},
	{
		Name:         "phi3.5",
		Title:        "Phi 3.5",
		Description:  "Microsoft の小規模高効率モデル",
		Capabilities: []string{supplier.CapabilityChat},
		Variants: []VisibleVariant{
			{Parameters: "3.8b", Size: "2.2GB"},
		},
	},
	{
		Name:         "deepseek-r1",
		Title:        "DeepSeek R1",
		Description:  "思考過程を出力する推論特化モデル",
		Capabilities: []string{supplier.CapabilityChat},
		Variants: []VisibleVariant{
			{Parameters: "7b", Size: "4.7GB"},
			{Parameters: "14b", Size: "9.0GB"},
		},
	},
	{
		Name:         "llava",
		Title:        "LLaVA",
		Description:  "画像入力に対応したマルチモーダルモデル",
		Capabilities: []string{supplier.CapabilityChat, supplier.CapabilityVision},
		Variants: []VisibleVariant{
			{Parameters: "7b", Size: "4.7GB"},
		},
	},
	{
		Name:         "nomic-embed-text",
		Title:        "Nomic Embed Text",
		Description:  "ナレッジベース用のテキスト埋め込みモデル",
		Capabilities: []string{supplier.CapabilityEmbedding},
		Variants: []VisibleVariant{
			{Parameters: "v1.5", Size: "274MB"},
		},
	},
	{
		Name:         "bge-m3",
		Title:        "BGE-M3",
		Description:  "多言語対応の埋め込みモデル",
		Capabilities: []string{supplier.CapabilityEmbedding},
		Variants: []VisibleVariant{
			{Parameters: "567m", Size: "1.2GB"},
		},
	},
}

// localCapabilities はローカルモデル名から能力集合を推定する。
// 埋め込み系の既知の名前だけ特別扱いし、それ以外はチャット対応とみなす。
func localCapabilities(name string) []string {
	lower := strings.ToLower(name)
	for _, marker := range []string{"embed", "bge-", "minilm"} {
		if strings.Contains(lower, marker) {
			return []string{supplier.CapabilityEmbedding}
		}
	}
	return []string{supplier.CapabilityChat}
}
