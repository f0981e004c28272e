package manager

import "sync"

// tracker はジョブをキー（アーティファクトタグ）ごとに追跡する。
// 状態は単調にしか進まず、終端に達したジョブは begin で置き換えるまで変化しない。
type tracker struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newTracker() *tracker {
	return &tracker{jobs: make(map[string]*Job)}
}

// get はジョブの現在値のコピーを返す。
func (t *tracker) get(key string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[key]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// begin は新しいジョブの開始を試みる。追跡中のジョブが無い、または
// failed で終わっている場合のみ fresh を登録して true を返す。
// それ以外は既存ジョブのコピーと false を返す（done は冪等な無操作）。
func (t *tracker) begin(key string, fresh Job) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.jobs[key]; ok && cur.Status != StatusFailed {
		return *cur, false
	}
	job := fresh
	t.jobs[key] = &job
	return job, true
}

// update はジョブへ変更を適用する。終端状態のジョブと、
// 状態を後退させる変更（failedへの遷移を除く）は無視する。
func (t *tracker) update(key string, fn func(*Job)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.jobs[key]
	if !ok || cur.Status.Terminal() {
		return
	}
	next := *cur
	fn(&next)
	if next.Status < cur.Status && next.Status != StatusFailed {
		next.Status = cur.Status
	}
	*cur = next
}

// drop はジョブの追跡をやめる。モデル削除後の再インストールを可能にする。
func (t *tracker) drop(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, key)
}
