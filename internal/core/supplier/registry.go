// Package supplier はモデル提供元（サプライヤ）とそのモデルカタログを管理する。
package supplier

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/mo"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/objstore"
)

const suppliersDir = "suppliers"

// namePattern はファイル名として安全なサプライヤ名
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ConfigProber はサプライヤ設定の疎通確認を行う。
// 返すエラーのメッセージがそのまま失敗理由としてクライアントへ渡る。
type ConfigProber interface {
	Probe(ctx context.Context, sup *Supplier) error
}

// Registry はサプライヤ設定のCRUDとモデルカタログを提供する。
// オブジェクトストア上のファイルが永続状態で、メモリ上のキャッシュは
// 書き込みのたびに更新される。
type Registry struct {
	mu     sync.Mutex
	store  *objstore.Store
	logger *slog.Logger
	prober ConfigProber

	cache  map[string]*Supplier
	loaded bool
}

type registryOptions struct {
	logger *slog.Logger
	prober ConfigProber
}

// RegistryOption はRegistry構築時のオプション
type RegistryOption func(*registryOptions)

// WithRegistryLogger はロガーを差し替える
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(opts *registryOptions) {
		opts.logger = logger
	}
}

// WithRegistryProber は疎通確認の実装を差し替える
func WithRegistryProber(prober ConfigProber) RegistryOption {
	return func(opts *registryOptions) {
		opts.prober = prober
	}
}

// NewRegistry は新しいRegistryを作成する。
func NewRegistry(store *objstore.Store, opts ...RegistryOption) *Registry {
	options := registryOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}

	return &Registry{
		store:  store,
		logger: options.logger,
		prober: options.prober,
		cache:  make(map[string]*Supplier),
	}
}

// List は全サプライヤを返す。ローカルサプライヤが先頭、以降は作成順。
func (r *Registry) List(ctx context.Context) ([]*Supplier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return nil, err
	}

	suppliers := make([]*Supplier, 0, len(r.cache))
	for _, s := range r.cache {
		suppliers = append(suppliers, s.clone())
	}
	sort.Slice(suppliers, func(i, j int) bool {
		if suppliers[i].IsLocal != suppliers[j].IsLocal {
			return suppliers[i].IsLocal
		}
		if suppliers[i].CreateTime != suppliers[j].CreateTime {
			return suppliers[i].CreateTime < suppliers[j].CreateTime
		}
		return suppliers[i].Name < suppliers[j].Name
	})
	return suppliers, nil
}

// Get は名前でサプライヤを探す。
func (r *Registry) Get(ctx context.Context, name string) (mo.Option[*Supplier], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return mo.None[*Supplier](), err
	}
	s, ok := r.cache[name]
	if !ok {
		return mo.None[*Supplier](), nil
	}
	return mo.Some(s.clone()), nil
}

// Add は新しいサプライヤを登録する。
// 名前が空の場合は10文字の英数字をランダム生成し、衝突時は再試行する。
func (r *Registry) Add(ctx context.Context, sup *Supplier) (*Supplier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return nil, err
	}

	s := sup.clone()
	if s.Name == "" {
		name, err := r.generateNameLocked()
		if err != nil {
			return nil, err
		}
		s.Name = name
	} else {
		if !namePattern.MatchString(s.Name) {
			return nil, apperr.InvalidRequest("registry.Add", fmt.Sprintf("invalid supplier name: %s", s.Name))
		}
		if _, exists := r.cache[s.Name]; exists {
			return nil, apperr.Conflict("registry.Add", fmt.Sprintf("supplier %s already exists", s.Name))
		}
	}

	if s.IsLocal {
		for _, existing := range r.cache {
			if existing.IsLocal {
				return nil, apperr.Conflict("registry.Add", "local supplier already exists")
			}
		}
	}
	if s.CreateTime == 0 {
		s.CreateTime = time.Now().Unix()
	}
	if s.Models == nil {
		s.Models = []Model{}
	}

	if err := r.persistLocked(s); err != nil {
		return nil, err
	}

	r.logger.Info("サプライヤを登録しました", slog.String("supplier", s.Name), slog.Bool("is_local", s.IsLocal))
	return s.clone(), nil
}

// Remove はサプライヤとそのモデルを削除する。会話履歴には手を付けない。
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return err
	}

	s, ok := r.cache[name]
	if !ok {
		return apperr.NotFound("registry.Remove", fmt.Sprintf("supplier %s not found", name))
	}
	if s.IsLocal {
		return apperr.Conflict("registry.Remove", "local supplier cannot be removed")
	}

	if err := r.store.Remove(supplierPath(name)); err != nil {
		return err
	}
	delete(r.cache, name)

	r.logger.Info("サプライヤを削除しました", slog.String("supplier", name))
	return nil
}

// SetStatus はサプライヤの有効・無効を切り替える。
func (r *Registry) SetStatus(ctx context.Context, name string, enabled bool) error {
	return r.update(name, "registry.SetStatus", func(s *Supplier) error {
		s.Enabled = enabled
		return nil
	})
}

// GetConfig はサプライヤ設定を返す。
func (r *Registry) GetConfig(ctx context.Context, name string) (*Supplier, error) {
	opt, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if opt.IsAbsent() {
		return nil, apperr.NotFound("registry.GetConfig", fmt.Sprintf("supplier %s not found", name))
	}
	return opt.MustGet(), nil
}

// SetConfig は表示名・ベースURL・APIキーを更新する。
// 名前とローカルフラグは変更できない。
func (r *Registry) SetConfig(ctx context.Context, name string, cfg *Supplier) error {
	return r.update(name, "registry.SetConfig", func(s *Supplier) error {
		if s.IsLocal && cfg.BaseURL != "" && cfg.BaseURL != s.BaseURL {
			return apperr.Conflict("registry.SetConfig", "local supplier base URL is managed by the runtime")
		}
		if cfg.Title != "" {
			s.Title = cfg.Title
		}
		if !s.IsLocal {
			if cfg.BaseURL != "" {
				s.BaseURL = cfg.BaseURL
			}
			s.APIKey = cfg.APIKey
		}
		return nil
	})
}

// CheckConfig はサプライヤ設定の疎通確認を行い、失敗理由を返す。
// 副作用はない。理由が空文字列なら疎通成功。
func (r *Registry) CheckConfig(ctx context.Context, name string) (string, error) {
	sup, err := r.GetConfig(ctx, name)
	if err != nil {
		return "", err
	}
	if r.prober == nil {
		return "", apperr.Internal("registry.CheckConfig", fmt.Errorf("no prober configured"))
	}
	if err := r.prober.Probe(ctx, sup); err != nil {
		r.logger.Warn("サプライヤ疎通確認に失敗しました",
			slog.String("supplier", name),
			slog.String("reason", err.Error()),
		)
		return err.Error(), nil
	}
	return "", nil
}

// ListModels はサプライヤのモデル一覧を返す。
func (r *Registry) ListModels(ctx context.Context, supplierName string) ([]Model, error) {
	sup, err := r.GetConfig(ctx, supplierName)
	if err != nil {
		return nil, err
	}
	return sup.Models, nil
}

// AddModel はサプライヤへモデルを追加する。
func (r *Registry) AddModel(ctx context.Context, supplierName string, model Model) error {
	if model.Name == "" {
		return apperr.InvalidRequest("registry.AddModel", "model name is empty")
	}
	if len(model.Capabilities) == 0 {
		model.Capabilities = []string{CapabilityChat}
	}
	return r.update(supplierName, "registry.AddModel", func(s *Supplier) error {
		if _, exists := s.FindModel(model.Name, model.Parameters); exists {
			return apperr.Conflict("registry.AddModel",
				fmt.Sprintf("model %s already exists in supplier %s", model.Name, supplierName))
		}
		s.Models = append(s.Models, model)
		return nil
	})
}

// RemoveModel はサプライヤからモデルを削除する。
func (r *Registry) RemoveModel(ctx context.Context, supplierName, modelName, parameters string) error {
	return r.update(supplierName, "registry.RemoveModel", func(s *Supplier) error {
		for i := range s.Models {
			if s.Models[i].Name != modelName {
				continue
			}
			if parameters != "" && s.Models[i].Parameters != parameters {
				continue
			}
			s.Models = append(s.Models[:i], s.Models[i+1:]...)
			return nil
		}
		return apperr.NotFound("registry.RemoveModel",
			fmt.Sprintf("model %s not found in supplier %s", modelName, supplierName))
	})
}

// SetModelStatus はモデルの有効・無効を切り替える。
func (r *Registry) SetModelStatus(ctx context.Context, supplierName, modelName string, enabled bool) error {
	return r.update(supplierName, "registry.SetModelStatus", func(s *Supplier) error {
		m, ok := s.FindModel(modelName, "")
		if !ok {
			return apperr.NotFound("registry.SetModelStatus",
				fmt.Sprintf("model %s not found in supplier %s", modelName, supplierName))
		}
		m.Enabled = enabled
		return nil
	})
}

// SetModelTitle はモデルの表示名を更新する。
func (r *Registry) SetModelTitle(ctx context.Context, supplierName, modelName, title string) error {
	return r.update(supplierName, "registry.SetModelTitle", func(s *Supplier) error {
		m, ok := s.FindModel(modelName, "")
		if !ok {
			return apperr.NotFound("registry.SetModelTitle",
				fmt.Sprintf("model %s not found in supplier %s", modelName, supplierName))
		}
		m.Title = title
		return nil
	})
}

// ListEmbeddingModels は全サプライヤ横断で埋め込み可能なモデルを返す。
// 無効なサプライヤ・モデルは含めない。
func (r *Registry) ListEmbeddingModels(ctx context.Context) ([]EmbeddingModelRef, error) {
	suppliers, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	refs := make([]EmbeddingModelRef, 0)
	for _, s := range suppliers {
		if !s.Enabled {
			continue
		}
		for _, m := range s.Models {
			if !m.Enabled || !m.HasCapability(CapabilityEmbedding) {
				continue
			}
			refs = append(refs, EmbeddingModelRef{Supplier: s.Name, Model: m.Name})
		}
	}
	return refs, nil
}

// ListChatModels はチャット画面のモデル選択肢を返す。
// 有効なサプライヤの有効なチャット対応モデルのみ。
func (r *Registry) ListChatModels(ctx context.Context) ([]ChatModelGroup, error) {
	suppliers, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	groups := make([]ChatModelGroup, 0, len(suppliers))
	for _, s := range suppliers {
		if !s.Enabled {
			continue
		}
		models := make([]Model, 0, len(s.Models))
		for _, m := range s.Models {
			if m.Enabled && m.HasCapability(CapabilityChat) {
				models = append(models, m)
			}
		}
		if len(models) == 0 {
			continue
		}
		groups = append(groups, ChatModelGroup{
			Supplier: s.Name,
			Title:    s.Title,
			IsLocal:  s.IsLocal,
			Models:   models,
		})
	}
	return groups, nil
}

// ResolveChatModel は送信リクエストのサプライヤ・モデル参照を解決する。
// 同名モデルはパラメータタグで区別されるため、parameters も照合に使う。
// 存在しないサプライヤ参照は invalid_request（削除済みサプライヤへの送信）、
// 未知のモデルは not_found、無効化されている場合は conflict を返す。
func (r *Registry) ResolveChatModel(ctx context.Context, supplierName, modelName, parameters string) (*Supplier, *Model, error) {
	opt, err := r.Get(ctx, supplierName)
	if err != nil {
		return nil, nil, err
	}
	if opt.IsAbsent() {
		return nil, nil, apperr.InvalidRequest("registry.ResolveChatModel",
			fmt.Sprintf("supplier %s is not registered", supplierName))
	}
	sup := opt.MustGet()
	if !sup.Enabled {
		return nil, nil, apperr.Conflict("registry.ResolveChatModel",
			fmt.Sprintf("supplier %s is disabled", supplierName))
	}

	m, ok := sup.FindModel(modelName, parameters)
	if !ok {
		return nil, nil, apperr.NotFound("registry.ResolveChatModel",
			fmt.Sprintf("model %s not found in supplier %s", modelName, supplierName))
	}
	if !m.Enabled {
		return nil, nil, apperr.Conflict("registry.ResolveChatModel",
			fmt.Sprintf("model %s is disabled", modelName))
	}
	if !m.HasCapability(CapabilityChat) {
		return nil, nil, apperr.InvalidRequest("registry.ResolveChatModel",
			fmt.Sprintf("model %s does not support chat", modelName))
	}
	return sup, m, nil
}

// ResolveEmbeddingModel はナレッジベース設定の埋め込みモデル参照を解決する。
func (r *Registry) ResolveEmbeddingModel(ctx context.Context, supplierName, modelName string) (*Supplier, *Model, error) {
	opt, err := r.Get(ctx, supplierName)
	if err != nil {
		return nil, nil, err
	}
	if opt.IsAbsent() {
		return nil, nil, apperr.NotFound("registry.ResolveEmbeddingModel",
			fmt.Sprintf("supplier %s not found", supplierName))
	}
	sup := opt.MustGet()
	if !sup.Enabled {
		return nil, nil, apperr.Conflict("registry.ResolveEmbeddingModel",
			fmt.Sprintf("supplier %s is disabled", supplierName))
	}
	m, ok := sup.FindModel(modelName, "")
	if !ok {
		return nil, nil, apperr.NotFound("registry.ResolveEmbeddingModel",
			fmt.Sprintf("model %s not found in supplier %s", modelName, supplierName))
	}
	if !m.Enabled {
		return nil, nil, apperr.Conflict("registry.ResolveEmbeddingModel",
			fmt.Sprintf("model %s is disabled", modelName))
	}
	if !m.HasCapability(CapabilityEmbedding) {
		return nil, nil, apperr.InvalidRequest("registry.ResolveEmbeddingModel",
			fmt.Sprintf("model %s does not support embeddings", modelName))
	}
	return sup, m, nil
}

// EnsureLocal はローカルサプライヤの存在を保証する。
// 不在なら作成し、ベースURLが変わっていれば追従させる。
func (r *Registry) EnsureLocal(ctx context.Context, baseURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return err
	}

	for _, s := range r.cache {
		if !s.IsLocal {
			continue
		}
		if s.BaseURL == baseURL {
			return nil
		}
		updated := s.clone()
		updated.BaseURL = baseURL
		return r.persistLocked(updated)
	}

	local := &Supplier{
		Name:       LocalName,
		Title:      "Local",
		BaseURL:    baseURL,
		Enabled:    true,
		IsLocal:    true,
		CreateTime: time.Now().Unix(),
		Models:     []Model{},
	}
	if err := r.persistLocked(local); err != nil {
		return err
	}
	r.logger.Info("ローカルサプライヤを初期化しました", slog.String("base_url", baseURL))
	return nil
}

// SyncLocalModels はローカルサプライヤのモデル一覧をインストール済み
// アーティファクトへ同期する。既存エントリの表示名と有効状態は引き継ぐ。
func (r *Registry) SyncLocalModels(ctx context.Context, models []Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return err
	}

	var local *Supplier
	for _, s := range r.cache {
		if s.IsLocal {
			local = s
			break
		}
	}
	if local == nil {
		return apperr.NotFound("registry.SyncLocalModels", "local supplier not found")
	}

	updated := local.clone()
	merged := make([]Model, 0, len(models))
	for _, m := range models {
		if prev, ok := local.FindModel(m.Name, m.Parameters); ok {
			m.Title = prev.Title
			m.Enabled = prev.Enabled
			if m.ContextLength == 0 {
				m.ContextLength = prev.ContextLength
			}
		}
		merged = append(merged, m)
	}
	updated.Models = merged

	return r.persistLocked(updated)
}

// update は名前で引いたサプライヤへ変更を適用して永続化する。
func (r *Registry) update(name, op string, fn func(*Supplier) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return err
	}

	s, ok := r.cache[name]
	if !ok {
		return apperr.NotFound(op, fmt.Sprintf("supplier %s not found", name))
	}

	updated := s.clone()
	if err := fn(updated); err != nil {
		return err
	}
	return r.persistLocked(updated)
}

// loadLocked はサプライヤ一覧をディスクからキャッシュへ読み込む。
func (r *Registry) loadLocked() error {
	if r.loaded {
		return nil
	}

	names, err := r.store.List(suppliersDir)
	if err != nil {
		return err
	}

	r.cache = make(map[string]*Supplier, len(names))
	for _, fileName := range names {
		if !strings.HasSuffix(fileName, ".json") {
			continue
		}
		var s Supplier
		ok, err := r.store.Read(suppliersDir+"/"+fileName, &s)
		if err != nil {
			return err
		}
		if !ok || s.Name == "" {
			// 壊れたファイルは起動を妨げない
			r.logger.Warn("サプライヤ設定の読み込みをスキップしました", slog.String("file", fileName))
			continue
		}
		r.cache[s.Name] = &s
	}
	r.loaded = true
	return nil
}

func (r *Registry) persistLocked(s *Supplier) error {
	if err := r.store.Write(supplierPath(s.Name), s); err != nil {
		return err
	}
	r.cache[s.Name] = s.clone()
	return nil
}

const nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateNameLocked は未使用の10文字英数字名を生成する。
func (r *Registry) generateNameLocked() (string, error) {
	for attempt := 0; attempt < 16; attempt++ {
		var b strings.Builder
		for i := 0; i < 10; i++ {
			b.WriteByte(nameAlphabet[rand.IntN(len(nameAlphabet))])
		}
		name := b.String()
		if _, exists := r.cache[name]; !exists {
			return name, nil
		}
	}
	return "", apperr.Internal("registry.generateName", fmt.Errorf("failed to generate a unique supplier name"))
}

func supplierPath(name string) string {
	return suppliersDir + "/" + name + ".json"
}

func (s *Supplier) clone() *Supplier {
	if s == nil {
		return nil
	}
	dup := *s
	dup.Models = make([]Model, len(s.Models))
	copy(dup.Models, s.Models)
	for i := range dup.Models {
		caps := make([]string, len(s.Models[i].Capabilities))
		copy(caps, s.Models[i].Capabilities)
		dup.Models[i].Capabilities = caps
	}
	return &dup
}
