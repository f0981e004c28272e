package supplier

// LocalName は組み込みのローカルサプライヤ名。
// ローカルサプライヤは常に1つだけ存在し、管理ランタイムを指す。
const LocalName = "local"

// モデルの能力種別
const (
	CapabilityChat      = "chat"
	CapabilityEmbedding = "embedding"
	CapabilityVision    = "vision"
	CapabilityTools     = "tools"
)

// Model はサプライヤに属する1つのモデル
type Model struct {
	Name          string   `json:"name"`
	Title         string   `json:"title"`
	Parameters    string   `json:"parameters"`
	Capabilities  []string `json:"capabilities"`
	ContextLength int      `json:"context_length"`
	Enabled       bool     `json:"enabled"`
}

// HasCapability は指定の能力を持つか返す。
func (m *Model) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// DefaultContextLength はモデル設定にコンテキスト長が無い場合の既定値。
const DefaultContextLength = 8192

// EffectiveContextLength は設定済みのコンテキスト長、未設定なら既定値を返す。
func (m *Model) EffectiveContextLength() int {
	if m.ContextLength > 0 {
		return m.ContextLength
	}
	return DefaultContextLength
}

// Supplier は1つのモデル提供元。ローカルランタイムまたは
// OpenAI互換のサードパーティエンドポイントを表す。
type Supplier struct {
	Name       string  `json:"supplierName"`
	Title      string  `json:"title"`
	BaseURL    string  `json:"base_url"`
	APIKey     string  `json:"api_key"`
	Enabled    bool    `json:"enabled"`
	IsLocal    bool    `json:"is_local"`
	CreateTime int64   `json:"create_time"`
	Models     []Model `json:"models"`
}

// FindModel は名前（とパラメータタグ）でモデルを探す。
// parameters が空の場合は名前のみで照合する。
func (s *Supplier) FindModel(name, parameters string) (*Model, bool) {
	for i := range s.Models {
		m := &s.Models[i]
		if m.Name != name {
			continue
		}
		if parameters != "" && m.Parameters != parameters {
			continue
		}
		return m, true
	}
	return nil, false
}

// EmbeddingModelRef は埋め込みモデルへの参照
type EmbeddingModelRef struct {
	Supplier string `json:"supplierName"`
	Model    string `json:"model"`
}

// ChatModelGroup はチャット画面のモデル選択肢
type ChatModelGroup struct {
	Supplier string  `json:"supplierName"`
	Title    string  `json:"title"`
	IsLocal  bool    `json:"is_local"`
	Models   []Model `json:"models"`
}
