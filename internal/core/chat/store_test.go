package chat

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/objstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := objstore.New(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(store, WithChatStoreLogger(logger))
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	t.Run("作成した会話を取得できる", func(t *testing.T) {
		conv, err := store.Create(ctx, Conversation{
			Title:    "最初の質問",
			Model:    "gpt-test",
			Supplier: "openai",
		})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, conv.ID)
		assert.NotZero(t, conv.CreateTime)

		got, err := store.Get(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, conv.Title, got.Title)
		assert.Equal(t, "gpt-test", got.Model)
		assert.Equal(t, "openai", got.Supplier)
	})

	t.Run("長いタイトルは18ルーンに切り詰められる", func(t *testing.T) {
		long := strings.Repeat("あ", 30)
		conv, err := store.Create(ctx, Conversation{Title: long, Model: "m"})
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat("あ", 18), conv.Title)
	})

	t.Run("存在しない会話は not_found", func(t *testing.T) {
		_, err := store.Get(ctx, uuid.New())
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})

	t.Run("同じIDの二重作成は conflict", func(t *testing.T) {
		id := uuid.New()
		_, err := store.Create(ctx, Conversation{ID: id, Title: "a", Model: "m"})
		require.NoError(t, err)
		_, err = store.Create(ctx, Conversation{ID: id, Title: "b", Model: "m"})
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	})
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i, ct := range []int64{100, 300, 200} {
		_, err := store.Create(ctx, Conversation{
			Title:      strings.Repeat("x", i+1),
			Model:      "m",
			CreateTime: ct,
		})
		require.NoError(t, err)
	}

	convs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 3)
	assert.Equal(t, int64(300), convs[0].CreateTime)
	assert.Equal(t, int64(200), convs[1].CreateTime)
	assert.Equal(t, int64(100), convs[2].CreateTime)
}

func TestHistoryLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	conv, err := store.Create(ctx, Conversation{Title: "t", Model: "m"})
	require.NoError(t, err)

	t.Run("新規会話の履歴は空", func(t *testing.T) {
		history, err := store.History(ctx, conv.ID)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("存在しない会話の履歴は not_found", func(t *testing.T) {
		_, err := store.History(ctx, uuid.New())
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})

	t.Run("追記した組が読み出せる", func(t *testing.T) {
		history, err := store.AppendTurn(ctx, conv.ID,
			Entry{Content: "こんにちは", DocFiles: []string{"spec.txt"}},
			Entry{Content: "どうしました", Reasoning: "挨拶への応答"},
			mo.None[uuid.UUID](),
		)
		require.NoError(t, err)
		require.Len(t, history, 2)

		user, assistant := history[0], history[1]
		assert.Equal(t, RoleUser, user.Role)
		assert.Equal(t, RoleAssistant, assistant.Role)
		assert.NotEqual(t, uuid.Nil, user.ID)
		assert.NotEqual(t, uuid.Nil, assistant.ID)
		assert.Equal(t, []string{"spec.txt"}, user.DocFiles)
		assert.Equal(t, "挨拶への応答", assistant.Reasoning)

		// tokens は content のバイト長
		assert.Equal(t, len("こんにちは"), user.Tokens)
		assert.Equal(t, len("どうしました"), assistant.Tokens)

		assert.NotZero(t, user.CreateTime)
		assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`, user.CreateAt)
	})
}

func TestAppendTurnRegenerate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	conv, err := store.Create(ctx, Conversation{Title: "t", Model: "m"})
	require.NoError(t, err)

	history, err := store.AppendTurn(ctx, conv.ID,
		Entry{Content: "質問1"}, Entry{Content: "回答1"}, mo.None[uuid.UUID]())
	require.NoError(t, err)
	history, err = store.AppendTurn(ctx, conv.ID,
		Entry{Content: "質問2"}, Entry{Content: "回答2"}, mo.None[uuid.UUID]())
	require.NoError(t, err)
	require.Len(t, history, 4)

	// 2ターン目の assistant を指して再生成すると、そこから後が差し替わる
	target := history[3].ID
	history, err = store.AppendTurn(ctx, conv.ID,
		Entry{Content: "質問2"}, Entry{Content: "回答2改"}, mo.Some(target))
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "回答1", history[1].Content)
	assert.Equal(t, "質問2", history[2].Content)
	assert.Equal(t, "回答2改", history[3].Content)
	assert.NotEqual(t, target, history[3].ID)
}

func TestSetTitleAndModel(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	conv, err := store.Create(ctx, Conversation{Title: "旧タイトル", Model: "m1", Supplier: "s1"})
	require.NoError(t, err)

	require.NoError(t, store.SetTitle(ctx, conv.ID, strings.Repeat("新", 25)))
	require.NoError(t, store.SetModel(ctx, conv.ID, "m2", "7b", "s2"))

	got, err := store.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("新", 18), got.Title)
	assert.Equal(t, "m2", got.Model)
	assert.Equal(t, "7b", got.Parameters)
	assert.Equal(t, "s2", got.Supplier)
}

func TestRemoveConversation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	conv, err := store.Create(ctx, Conversation{Title: "t", Model: "m"})
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, conv.ID,
		Entry{Content: "q"}, Entry{Content: "a"}, mo.None[uuid.UUID]())
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, conv.ID))
	_, err = store.Get(ctx, conv.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// 二重削除もエラーにならない
	assert.NoError(t, store.Remove(ctx, conv.ID))
}

func TestLastHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	t.Run("会話が無ければ空の成功", func(t *testing.T) {
		conv, history, err := store.LastHistory(ctx)
		require.NoError(t, err)
		assert.Nil(t, conv)
		assert.Nil(t, history)
	})

	t.Run("最新の会話の履歴が返る", func(t *testing.T) {
		_, err := store.Create(ctx, Conversation{Title: "古い", Model: "m", CreateTime: 100})
		require.NoError(t, err)
		newer, err := store.Create(ctx, Conversation{Title: "新しい", Model: "m", CreateTime: 200})
		require.NoError(t, err)
		_, err = store.AppendTurn(ctx, newer.ID,
			Entry{Content: "q"}, Entry{Content: "a"}, mo.None[uuid.UUID]())
		require.NoError(t, err)

		conv, history, err := store.LastHistory(ctx)
		require.NoError(t, err)
		assert.Equal(t, newer.ID, conv.ID)
		require.Len(t, history, 2)
		assert.Equal(t, "q", history[0].Content)
	})
}

func TestAssembleContext(t *testing.T) {
	history := []Entry{
		{Role: RoleUser, Content: strings.Repeat("a", 10)},
		{Role: RoleAssistant, Content: strings.Repeat("b", 20)},
		{Role: RoleUser, Content: strings.Repeat("c", 30)},
	}

	tests := []struct {
		name   string
		budget int
		want   []string
	}{
		{
			name:   "全件収まる",
			budget: 60,
			want:   []string{strings.Repeat("a", 10), strings.Repeat("b", 20), strings.Repeat("c", 30)},
		},
		{
			name:   "古い項目から落ちる",
			budget: 50,
			want:   []string{strings.Repeat("b", 20), strings.Repeat("c", 30)},
		},
		{
			name:   "最新1件だけ収まる",
			budget: 30,
			want:   []string{strings.Repeat("c", 30)},
		},
		{
			name:   "最新すら収まらない",
			budget: 5,
			want:   []string{},
		},
		{
			name:   "バジェットなし",
			budget: 0,
			want:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			messages := AssembleContext(history, tt.budget)
			require.Len(t, messages, len(tt.want))
			total := 0
			for i, msg := range messages {
				assert.Equal(t, tt.want[i], msg.Content)
				total += len(msg.Content)
			}
			assert.LessOrEqual(t, total, tt.budget, "合計がバジェットを超えない")
		})
	}

	t.Run("ロールが保たれる", func(t *testing.T) {
		messages := AssembleContext(history, 60)
		require.Len(t, messages, 3)
		assert.Equal(t, RoleUser, messages[0].Role)
		assert.Equal(t, RoleAssistant, messages[1].Role)
		assert.Equal(t, RoleUser, messages[2].Role)
	})
}

func TestTruncateTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "短いタイトルはそのまま", input: "hello", want: "hello"},
		{name: "前後の空白は除去", input: "  hi  ", want: "hi"},
		{name: "18ルーンちょうど", input: strings.Repeat("字", 18), want: strings.Repeat("字", 18)},
		{name: "19ルーン目から切り捨て", input: strings.Repeat("字", 19), want: strings.Repeat("字", 18)},
		{name: "ASCIIも同じ規則", input: strings.Repeat("x", 40), want: strings.Repeat("x", 18)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateTitle(tt.input))
		})
	}
}
