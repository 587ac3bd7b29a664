package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"extract-bench/internal/engine"
	"extract-bench/internal/model"
	"extract-bench/internal/normalize"
	"extract-bench/internal/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrJobProcessing 表示任务正在执行中，拒绝重试以避免同一 (document, engine) 并发执行。
var ErrJobProcessing = errors.New("job is currently processing")

// Config 用于调度配置。
type Config struct {
	Workers        int    `yaml:"workers" json:"workers"`
	QueueSize      int    `yaml:"queue_size" json:"queue_size"`
	AttemptTimeout string `yaml:"attempt_timeout" json:"attempt_timeout"`
	RetryBackoff   string `yaml:"retry_backoff" json:"retry_backoff"`
}

// Store 抽象调度所需的存储接口，便于测试替换。
type Store interface {
	GetDocument(ctx context.Context, uuid string) (*model.Document, error)
	CreateJobs(ctx context.Context, jobs []model.ExtractionJob) error
	GetJob(ctx context.Context, uuid string) (*model.ExtractionJob, error)
	GetJobByEngine(ctx context.Context, documentUUID, engineID string) (*model.ExtractionJob, error)
	TransitionJob(ctx context.Context, jobUUID string, tr storage.Transition) error
}

// Rejection 描述提交时被逐个拒绝的引擎及原因。
type Rejection struct {
	EngineID string `json:"engine_id"`
	Reason   string `json:"reason"`
}

// SubmitResult 是一次提交的结果：有效子集建成任务，其余逐项失败。
type SubmitResult struct {
	JobUUIDs []string    `json:"job_uuids"`
	Rejected []Rejection `json:"rejected"`
}

type task struct {
	jobUUID      string
	documentUUID string
	engineID     string
	// started 表示状态已在入队前被置为 Processing（用户重试路径）。
	started bool
}

// Dispatcher 负责任务创建、入队与异步执行，是任务状态流转的唯一写入方。
// 同一 (document, engine) 任意时刻至多一次执行，不同引擎之间完全并行。
type Dispatcher struct {
	store    Store
	registry *engine.Registry

	workers        int
	queue          chan task
	attemptTimeout time.Duration
	retryBackoff   time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}

	stopped  chan struct{}
	stopOnce sync.Once

	logger *log.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration)
}

// NewDispatcher 创建 Dispatcher，解析配置的超时与退避间隔。
func NewDispatcher(store Store, registry *engine.Registry, cfg Config, logger *log.Logger) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	attemptTimeout := 2 * time.Minute
	if cfg.AttemptTimeout != "" {
		if d, err := time.ParseDuration(cfg.AttemptTimeout); err == nil && d > 0 {
			attemptTimeout = d
		}
	}
	retryBackoff := 2 * time.Second
	if cfg.RetryBackoff != "" {
		if d, err := time.ParseDuration(cfg.RetryBackoff); err == nil && d > 0 {
			retryBackoff = d
		}
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[dispatcher] ", log.LstdFlags)
	}

	return &Dispatcher{
		store:          store,
		registry:       registry,
		workers:        workers,
		queue:          make(chan task, queueSize),
		attemptTimeout: attemptTimeout,
		retryBackoff:   retryBackoff,
		inflight:       make(map[string]struct{}),
		stopped:        make(chan struct{}),
		logger:         logger,
		now:            time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		},
	}
}

// Start 启动工作协程，直到上下文取消。
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.store == nil || d.registry == nil {
		return fmt.Errorf("dispatcher missing dependencies")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		d.markStopped()
		return ctx.Err()
	})
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case t := <-d.queue:
					d.runTask(ctx, t)
				}
			}
		})
	}
	return g.Wait()
}

// Submit 为文档创建所选引擎的任务并异步执行。
// 不支持该输入类型或已存在任务的引擎被逐项拒绝，有效子集照常建立；
// 调用在执行开始前即返回任务标识。
func (d *Dispatcher) Submit(ctx context.Context, documentUUID string, engineIDs []string, requestedBy string) (SubmitResult, error) {
	res := SubmitResult{}

	doc, err := d.store.GetDocument(ctx, documentUUID)
	if err != nil {
		return res, fmt.Errorf("load document: %w", err)
	}

	seen := make(map[string]struct{}, len(engineIDs))
	var jobs []model.ExtractionJob
	var tasks []task
	for _, engineID := range engineIDs {
		if _, dup := seen[engineID]; dup {
			continue
		}
		seen[engineID] = struct{}{}

		if !d.registry.Supports(engineID, doc.FileType) {
			res.Rejected = append(res.Rejected, Rejection{
				EngineID: engineID,
				Reason:   fmt.Sprintf("engine does not support %s input", doc.FileType),
			})
			continue
		}
		if _, err := d.store.GetJobByEngine(ctx, documentUUID, engineID); err == nil {
			res.Rejected = append(res.Rejected, Rejection{
				EngineID: engineID,
				Reason:   "job already exists for this document, use retry",
			})
			continue
		}

		job := model.ExtractionJob{
			UUID:         uuid.NewString(),
			DocumentUUID: documentUUID,
			Engine:       engineID,
			Status:       model.StatusNotStarted,
			RequestedBy:  requestedBy,
		}
		jobs = append(jobs, job)
		tasks = append(tasks, task{jobUUID: job.UUID, documentUUID: documentUUID, engineID: engineID})
	}

	if len(jobs) > 0 {
		if err := d.store.CreateJobs(ctx, jobs); err != nil {
			return res, fmt.Errorf("create jobs: %w", err)
		}
		for _, job := range jobs {
			res.JobUUIDs = append(res.JobUUIDs, job.UUID)
		}
		for _, t := range tasks {
			d.enqueue(t)
		}
	}
	return res, nil
}

// Retry 重试终态或未开始的任务：立即置为 Processing、清空上轮终态元数据并重新入队。
// 执行中的任务返回 ErrJobProcessing，兄弟任务不受任何影响。
func (d *Dispatcher) Retry(ctx context.Context, jobUUID string) error {
	job, err := d.store.GetJob(ctx, jobUUID)
	if err != nil {
		return err
	}
	if job.Status == model.StatusProcessing || d.isInflight(jobKey(job.DocumentUUID, job.Engine)) {
		return ErrJobProcessing
	}

	start := d.now()
	err = d.store.TransitionJob(ctx, jobUUID, storage.Transition{
		To:            model.StatusProcessing,
		StartTime:     &start,
		ClearTerminal: true,
	})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return ErrJobProcessing
		}
		return err
	}

	d.enqueue(task{jobUUID: jobUUID, documentUUID: job.DocumentUUID, engineID: job.Engine, started: true})
	return nil
}

// Drain 同步处理当前队列中的全部任务，返回处理条数，供手动模式与测试使用。
func (d *Dispatcher) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case t := <-d.queue:
			d.runTask(ctx, t)
			n++
		default:
			return n
		}
	}
}

// enqueue 入队且不阻塞调用方，队列满时降级为后台投递。
// 后台投递随调度器停止一并放弃，不会在关闭后滞留协程。
func (d *Dispatcher) enqueue(t task) {
	select {
	case d.queue <- t:
	default:
		d.logger.Printf("queue full, deferring job %s", t.jobUUID)
		go func() {
			select {
			case d.queue <- t:
			case <-d.stopped:
				d.logger.Printf("dispatcher stopped, dropping deferred job %s", t.jobUUID)
			}
		}()
	}
}

func (d *Dispatcher) markStopped() {
	d.stopOnce.Do(func() { close(d.stopped) })
}

func jobKey(documentUUID, engineID string) string {
	return documentUUID + "|" + engineID
}

func (d *Dispatcher) isInflight(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[key]
	return ok
}

// runTask 执行单个任务，持有 (document, engine) 互斥键直到执行结束。
func (d *Dispatcher) runTask(ctx context.Context, t task) {
	key := jobKey(t.documentUUID, t.engineID)

	d.mu.Lock()
	if _, busy := d.inflight[key]; busy {
		d.mu.Unlock()
		d.logger.Printf("job %s already in flight, dropping duplicate task", t.jobUUID)
		return
	}
	d.inflight[key] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, key)
		d.mu.Unlock()
	}()

	start := d.now()
	if !t.started {
		err := d.store.TransitionJob(ctx, t.jobUUID, storage.Transition{
			To:            model.StatusProcessing,
			StartTime:     &start,
			ClearTerminal: true,
		})
		if err != nil {
			d.logger.Printf("job %s dispatch transition failed: %v", t.jobUUID, err)
			return
		}
	} else {
		// 重试路径在入队前已置 Processing，沿用其起始时间。
		if job, err := d.store.GetJob(ctx, t.jobUUID); err == nil && job.StartTime != nil {
			start = *job.StartTime
		}
	}

	d.execute(ctx, t, start)
}

// execute 调用适配器并以一次原子更新落盘结果。
// 超时与瞬时 IO 在引擎自带的重试预算内自动重试，其余失败等待用户显式重试。
func (d *Dispatcher) execute(ctx context.Context, t task, start time.Time) {
	adapter, ok := d.registry.Get(t.engineID)
	if !ok {
		d.failJob(ctx, t.jobUUID, start, 0, nil, fmt.Sprintf("unknown engine %s", t.engineID))
		return
	}
	desc := adapter.Describe()
	budget := desc.RetryBudget
	if budget <= 0 {
		budget = 1
	}

	doc, err := d.store.GetDocument(ctx, t.documentUUID)
	if err != nil {
		d.failJob(ctx, t.jobUUID, start, 0, nil, "document no longer available")
		return
	}
	handle := engine.DocumentHandle{
		UUID:      doc.UUID,
		Path:      doc.Filepath,
		Filename:  doc.Filename,
		FileType:  doc.FileType,
		PageCount: doc.PageCount,
	}

	attempts := 0
	for {
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		outputs, err := adapter.Extract(attemptCtx, handle, nil)
		cancel()

		if err == nil {
			if missing := missingPages(handle, outputs); missing != "" {
				// 全量成功才算成功，不完整结果保留下来用于诊断展示。
				d.failJob(ctx, t.jobUUID, start, attempts, toPageContents(t.jobUUID, outputs), missing)
				return
			}
			d.succeedJob(ctx, t.jobUUID, start, attempts, desc.CostPerPage, outputs)
			return
		}

		ee := engine.Classify(err)
		if ee.Retryable() && attempts < budget && ctx.Err() == nil {
			d.logger.Printf("job %s attempt %d/%d failed (%s), retrying", t.jobUUID, attempts, budget, ee.Kind)
			d.sleep(ctx, d.retryBackoff)
			continue
		}

		d.failJob(ctx, t.jobUUID, start, attempts, nil, ee.Error())
		return
	}
}

func (d *Dispatcher) succeedJob(ctx context.Context, jobUUID string, start time.Time, attempts int, costPerPage float64, outputs []engine.PageOutput) {
	end := d.now()
	latency := end.Sub(start).Milliseconds()
	cost := math.Round(costPerPage*float64(len(outputs))*10000) / 10000
	reason := ""

	err := d.store.TransitionJob(ctx, jobUUID, storage.Transition{
		To:          model.StatusSuccess,
		EndTime:     &end,
		LatencyMS:   &latency,
		Cost:        &cost,
		Attempts:    &attempts,
		ErrorReason: &reason,
		Pages:       toPageContents(jobUUID, outputs),
	})
	if err != nil {
		d.logger.Printf("job %s success transition failed: %v", jobUUID, err)
		return
	}
	d.logger.Printf("job %s succeeded: %d pages, %d attempts, %dms", jobUUID, len(outputs), attempts, latency)
}

func (d *Dispatcher) failJob(ctx context.Context, jobUUID string, start time.Time, attempts int, partial []model.PageContent, reason string) {
	end := d.now()
	latency := end.Sub(start).Milliseconds()
	cost := 0.0

	tr := storage.Transition{
		To:          model.StatusFailed,
		EndTime:     &end,
		LatencyMS:   &latency,
		Cost:        &cost,
		ErrorReason: &reason,
	}
	if attempts > 0 {
		tr.Attempts = &attempts
	}
	if partial != nil {
		tr.Pages = partial
	}
	if err := d.store.TransitionJob(ctx, jobUUID, tr); err != nil {
		d.logger.Printf("job %s failure transition failed: %v", jobUUID, err)
		return
	}
	d.logger.Printf("job %s failed: %s", jobUUID, reason)
}

// missingPages 校验全部请求页都有非空输出，返回空串表示完整。
func missingPages(handle engine.DocumentHandle, outputs []engine.PageOutput) string {
	produced := make(map[int]bool, len(outputs))
	for _, out := range outputs {
		produced[out.PageNumber] = normalize.HasContent(out.Views)
	}

	expected := handle.PageCount
	if expected <= 0 {
		expected = len(outputs)
	}
	if expected == 0 {
		return "engine produced no pages"
	}
	var missing []int
	for page := 1; page <= expected; page++ {
		if !produced[page] {
			missing = append(missing, page)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return fmt.Sprintf("no content extracted for pages %v (%d of %d pages succeeded)", missing, expected-len(missing), expected)
}

func toPageContents(jobUUID string, outputs []engine.PageOutput) []model.PageContent {
	pages := make([]model.PageContent, 0, len(outputs))
	for _, out := range outputs {
		if !normalize.HasContent(out.Views) {
			continue
		}
		pages = append(pages, model.PageContent{
			UUID:              uuid.NewString(),
			ExtractionJobUUID: jobUUID,
			PageNumber:        out.PageNumber,
			Views:             normalize.ToJSONMap(out.Views),
		})
	}
	return pages
}
