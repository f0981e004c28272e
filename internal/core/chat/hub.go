package chat

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// flight は進行中のストリーム1本分の制御情報
type flight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Hub は会話ごとに高々1本のストリームを進行中として追跡する。
// 同じ会話への新しい送信は既存のストリームを中断させ、
// その履歴確定を待ってから自分を登録する。
type Hub struct {
	mu      sync.Mutex
	flights map[uuid.UUID]*flight
}

// NewHub はハブを作成する。
func NewHub() *Hub {
	return &Hub{
		flights: make(map[uuid.UUID]*flight),
	}
}

// Register は会話のスロットを獲得する。先行するストリームがあれば中断して完了を待つ。
// 返り値の release はストリームの後始末が終わった時点で必ず呼ぶこと。
func (h *Hub) Register(id uuid.UUID, cancel context.CancelFunc) (release func()) {
	f := &flight{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for {
		h.mu.Lock()
		prev, ok := h.flights[id]
		if !ok {
			h.flights[id] = f
			h.mu.Unlock()
			break
		}
		h.mu.Unlock()
		prev.cancel()
		<-prev.done
	}
	return func() {
		h.mu.Lock()
		if h.flights[id] == f {
			delete(h.flights, id)
		}
		h.mu.Unlock()
		close(f.done)
	}
}

// Stop は進行中のストリームを中断させる。何も進行していなければ false を返すだけで成功扱い。
func (h *Hub) Stop(id uuid.UUID) bool {
	h.mu.Lock()
	f, ok := h.flights[id]
	h.mu.Unlock()
	if !ok {
		return false
	}
	f.cancel()
	return true
}

// InFlight は会話にストリームが進行中かどうかを返す。
func (h *Hub) InFlight(id uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.flights[id]
	return ok
}
