package poller

import (
	"context"
	"sync"

	"extract-bench/internal/model"
	"extract-bench/internal/storage"
)

// WatchStatus 是一次轮询会话的对外快照。Watching 为假表示循环已结束，
// 要么被停止，要么所有任务已到终态。
type WatchStatus struct {
	Jobs       []model.ExtractionJob `json:"jobs"`
	Watching   bool                  `json:"watching"`
	FetchError string                `json:"fetch_error,omitempty"`
}

// Tracker 按文档维度管理轮询会话，同一文档任意时刻至多一个活动循环。
type Tracker struct {
	source Source
	cfg    Config

	mu      sync.Mutex
	pollers map[string]*Poller
	handles map[string]*Handle
}

// NewTracker 创建会话管理器。
func NewTracker(source Source, cfg Config) *Tracker {
	return &Tracker{
		source:  source,
		cfg:     cfg,
		pollers: make(map[string]*Poller),
		handles: make(map[string]*Handle),
	}
}

// Track 开始（或替换）指定文档的轮询会话。
func (t *Tracker) Track(documentUUID string, opts storage.JobQueryOptions) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pollers[documentUUID]
	if !ok {
		p = NewPoller(t.source, t.cfg)
		t.pollers[documentUUID] = p
	}
	t.handles[documentUUID] = p.Start(context.Background(), documentUUID, opts)
}

// Status 返回文档当前会话的快照，没有会话时第二个返回值为假。
func (t *Tracker) Status(documentUUID string) (WatchStatus, bool) {
	t.mu.Lock()
	h, ok := t.handles[documentUUID]
	t.mu.Unlock()
	if !ok {
		return WatchStatus{}, false
	}

	jobs, err := h.Snapshot()
	st := WatchStatus{Jobs: jobs, Watching: true}
	select {
	case <-h.Done():
		st.Watching = false
	default:
	}
	if err != nil {
		st.FetchError = err.Error()
	}
	return st, true
}

// Poke 请求文档的活动会话立即刷新，没有会话时为空操作。
func (t *Tracker) Poke(documentUUID string) {
	t.mu.Lock()
	h, ok := t.handles[documentUUID]
	t.mu.Unlock()
	if ok {
		h.Poke()
	}
}

// Stop 停止指定文档的会话并移除记录。
func (t *Tracker) Stop(documentUUID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.handles[documentUUID]; ok {
		h.Stop()
		delete(t.handles, documentUUID)
	}
	delete(t.pollers, documentUUID)
}

// StopAll 停止全部会话，用于进程关闭。
func (t *Tracker) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for doc, h := range t.handles {
		h.Stop()
		delete(t.handles, doc)
	}
	for doc := range t.pollers {
		delete(t.pollers, doc)
	}
}
