package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"extract-bench/internal/model"
	"extract-bench/internal/storage"
)

// Config 用于轮询配置。
type Config struct {
	Interval string `yaml:"interval" json:"interval"`
	Timeout  string `yaml:"timeout" json:"timeout"`
}

// Source 抽象任务状态来源，便于测试替换。
type Source interface {
	ListJobs(ctx context.Context, documentUUID string, opts storage.JobQueryOptions) ([]model.ExtractionJob, error)
}

// Poller 跟踪单份文档的任务状态。同一 Poller 任意时刻至多一个活动句柄，
// 再次 Start 会先停掉上一个，避免对同一文档重复轮询。
type Poller struct {
	source   Source
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	active *Handle

	newTicker func(time.Duration) ticker
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

// Handle 是一次轮询会话，持有自己的取消句柄并缓存最近一次成功快照。
type Handle struct {
	documentUUID string
	opts         storage.JobQueryOptions

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	poke   chan struct{}

	fetching atomic.Bool

	mu      sync.Mutex
	jobs    []model.ExtractionJob
	lastErr error
}

// NewPoller 创建 Poller，解析配置的间隔与超时。
func NewPoller(source Source, cfg Config) *Poller {
	interval := 2 * time.Second
	if cfg.Interval != "" {
		if d, err := time.ParseDuration(cfg.Interval); err == nil && d > 0 {
			interval = d
		}
	}
	timeout := 10 * time.Second
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	return &Poller{
		source:    source,
		interval:  interval,
		timeout:   timeout,
		newTicker: defaultTicker,
	}
}

// Start 开始轮询指定文档并立即拉取一次。已有活动句柄时先将其停止，
// 保证任意时刻只有一个轮询循环在跑。
func (p *Poller) Start(ctx context.Context, documentUUID string, opts storage.JobQueryOptions) *Handle {
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		documentUUID: documentUUID,
		opts:         opts,
		ctx:          hctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		poke:         make(chan struct{}, 1),
	}

	p.mu.Lock()
	if p.active != nil {
		p.active.Stop()
	}
	p.active = h
	p.mu.Unlock()

	go p.run(h)
	return h
}

// Stop 停止当前活动的轮询会话（若有）。
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		p.active.Stop()
		p.active = nil
	}
}

func (p *Poller) run(h *Handle) {
	defer close(h.done)
	defer h.cancel()

	if done := p.fetch(h); done {
		return
	}

	tick := p.newTicker(p.interval)
	defer tick.Stop()
	ch := tick.C()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ch:
		case <-h.poke:
		}
		if done := p.fetch(h); done {
			return
		}
	drain:
		for {
			select {
			case <-ch:
				continue
			default:
				break drain
			}
		}
	}
}

// fetch 拉取一次状态快照，返回 true 表示所有任务已到终态、轮询应当结束。
// 拉取失败时保留上一次成功的快照。
func (p *Poller) fetch(h *Handle) bool {
	if h.fetching.Swap(true) {
		return false
	}
	defer h.fetching.Store(false)

	ctx, cancel := context.WithTimeout(h.ctx, p.timeout)
	defer cancel()

	jobs, err := p.source.ListJobs(ctx, h.documentUUID, h.opts)
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.lastErr = err
		return false
	}
	h.jobs = jobs
	h.lastErr = nil

	if len(jobs) == 0 {
		return false
	}
	for _, job := range jobs {
		if !job.Status.Terminal() {
			return false
		}
	}
	return true
}

// Poke 请求立即刷新一次，循环忙时静默合并。
func (h *Handle) Poke() {
	select {
	case h.poke <- struct{}{}:
	default:
	}
}

// Snapshot 返回最近一次成功快照的副本，以及最近一次拉取错误（若有）。
func (h *Handle) Snapshot() ([]model.ExtractionJob, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	jobs := make([]model.ExtractionJob, len(h.jobs))
	copy(jobs, h.jobs)
	return jobs, h.lastErr
}

// Stop 结束本次轮询会话。
func (h *Handle) Stop() {
	h.cancel()
}

// Done 在轮询循环退出后关闭：被停止或所有任务到达终态。
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func defaultTicker(d time.Duration) ticker {
	t := time.NewTicker(d)
	return tickerWrapper{t}
}

type tickerWrapper struct {
	*time.Ticker
}

func (t tickerWrapper) C() <-chan time.Time { return t.Ticker.C }
func (t tickerWrapper) Stop()               { t.Ticker.Stop() }
