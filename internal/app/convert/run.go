// Package convert 是批量转换的调度器：静态分片的 worker 池、带重试的任务状态机、进度与取消。
package convert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/John-Robertt/sidconv/internal/audio"
	"github.com/John-Robertt/sidconv/internal/domain"
	"github.com/John-Robertt/sidconv/internal/infra/cache"
	"github.com/John-Robertt/sidconv/internal/infra/logging"
	"github.com/John-Robertt/sidconv/internal/loop"
)

// 通过可替换的函数指针，让测试能统计“重试前删除”的次数。
var removeFunc = os.Remove

const (
	DefaultMaxAttempts   = 3
	DefaultProgressEvery = 100
	DefaultFlushEvery    = 50

	// 每次 Render 的块大小（帧）。
	blockFrames = 4096
)

// LengthSource 是曲长库（未知返回 0）。
type LengthSource interface {
	Length(file string, subtune int) int
}

// FallbackSource 是测量/兜底缓存（总能给出一个时长）。
type FallbackSource interface {
	Resolve(file string, subtune int) int
}

// Options 是一次 Run 的全部参数。
//
// 约束：
// - Renderers 必填；每个 worker 调用一次
// - Loop 为 nil 时不做循环检测
// - ctx 是唯一的取消信号，只在任务之间检查
type Options struct {
	Workers        int
	DefaultTimeout int

	Format    audio.Format
	Renderers audio.RendererFactory
	Lengths   LengthSource
	Fallback  FallbackSource
	Loop      func() loop.Detector

	Audit     loop.AuditConfig
	SkipAudit bool

	Progress func(done, total int)
	Observer Observer
	Logger   *slog.Logger

	MaxAttempts   int
	ProgressEvery int
	FlushEvery    int
}

func (o Options) normalized() Options {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = cache.DefaultSeconds
	}
	if o.Format == nil {
		o.Format = audio.WAV()
	}
	if o.Loop == nil {
		o.Loop = func() loop.Detector { return loop.New(loop.PolicyOff, loop.Config{}) }
	}
	if o.Audit == (loop.AuditConfig{}) {
		o.Audit = loop.DefaultAuditConfig()
	}
	if o.Observer == nil {
		o.Observer = MultiObserver()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.ProgressEvery < 1 {
		o.ProgressEvery = DefaultProgressEvery
	}
	if o.FlushEvery < 1 {
		o.FlushEvery = DefaultFlushEvery
	}
	return o
}

// Result 是一次 Run 的汇总。
type Result struct {
	// Outputs 是成功输出的路径（跨 worker 无序）。
	Outputs []string
	// Results 包含每个任务的结果；取消后未执行的任务以 not_run 出现。
	Results   []domain.TaskResult
	Completed int
	Cancelled bool
}

// Run 把 tasks 静态切成 Workers 段连续分片并发执行，等待全部 worker 结束后返回。
//
// 约束：
// - 分片大小 ceil(n/Workers)；空分片不启动 goroutine
// - 分片内严格按顺序执行；分片之间无顺序保证
// - 单个任务失败不影响其他任务；Run 本身不返回错误
func Run(ctx context.Context, tasks []domain.Task, opts Options) Result {
	opts = opts.normalized()

	p := &pool{
		opts: opts,
		prog: newProgress(len(tasks), opts.ProgressEvery, opts.Progress),
	}

	var wg sync.WaitGroup
	for id, span := range partition(len(tasks), opts.Workers) {
		wg.Add(1)
		go func(id int, slice []domain.Task) {
			defer wg.Done()
			p.work(ctx, id, slice)
		}(id, tasks[span[0]:span[1]])
	}
	wg.Wait()

	res := Result{
		Outputs:   p.outputs,
		Results:   p.results,
		Completed: int(p.prog.completed.Load()),
	}
	if res.Completed < len(tasks) {
		res.Cancelled = ctx.Err() != nil
		res.Results = append(res.Results, notRun(tasks, p.results)...)
	}
	if res.Outputs == nil {
		res.Outputs = []string{}
	}
	return res
}

// partition 返回每个 worker 负责的 [lo, hi) 区间。
func partition(n, workers int) [][2]int {
	if n <= 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	size := (n + workers - 1) / workers
	spans := make([][2]int, 0, workers)
	for w := 0; w < workers; w++ {
		lo := w * size
		if lo >= n {
			break
		}
		hi := lo + size
		if hi > n {
			hi = n
		}
		spans = append(spans, [2]int{lo, hi})
	}
	return spans
}

func notRun(tasks []domain.Task, done []domain.TaskResult) []domain.TaskResult {
	seen := make(map[string]struct{}, len(done))
	for _, r := range done {
		seen[r.Output] = struct{}{}
	}
	var out []domain.TaskResult
	for _, t := range tasks {
		if _, ok := seen[t.Output]; ok {
			continue
		}
		out = append(out, domain.TaskResult{
			Source:    t.Source,
			Output:    t.Output,
			Subtune:   t.Subtune,
			Status:    domain.StatusNotRun,
			ErrorCode: domain.ErrCodeCancelled,
			LoopAt:    -1,
		})
	}
	return out
}

type pool struct {
	opts Options
	prog *progress

	mu      sync.Mutex
	outputs []string
	results []domain.TaskResult
}

func (p *pool) work(ctx context.Context, id int, tasks []domain.Task) {
	log := logging.WorkerLogger(p.opts.Logger, id)

	w := &worker{
		id:        id,
		format:    p.opts.Format,
		det:       p.opts.Loop(),
		audit:     p.opts.Audit,
		skipAudit: p.opts.SkipAudit,
		buf:       make([]int16, blockFrames*audio.Channels),
		opts:      &p.opts,
		log:       log,
	}

	r, err := p.opts.Renderers()
	if err != nil {
		log.Error("创建渲染会话失败", "err", err)
		w.initErr = err
	} else {
		w.r = r
		defer func() {
			if err := r.Close(); err != nil {
				log.Warn("关闭渲染会话失败", "err", err)
			}
		}()
	}

	local := make([]domain.TaskResult, 0, p.opts.FlushEvery)
	defer func() { p.flush(local) }()

	for i, t := range tasks {
		if ctx.Err() != nil {
			log.Info("收到取消信号，worker 退出", "remaining", len(tasks)-i)
			return
		}

		p.opts.Observer.OnTaskStart(id, t)
		res := w.convert(t)
		p.opts.Observer.OnTaskDone(id, res)

		if res.Status == domain.StatusConverted {
			local = append(local, res)
			if len(local) >= p.opts.FlushEvery {
				p.flush(local)
				local = local[:0]
			}
		} else {
			p.mu.Lock()
			p.results = append(p.results, res)
			p.mu.Unlock()
		}
		p.prog.done()
	}
}

func (p *pool) flush(local []domain.TaskResult) {
	if len(local) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range local {
		p.outputs = append(p.outputs, r.Output)
		p.results = append(p.results, r)
	}
}

// progress 在完成数每前进 every 或到达 total 时回调一次。
//
// 约束：
// - completed 与 lastReported 都是原子量；用 CAS 抢占上报权，同一数值不会重复上报
// - 回调可能来自不同 goroutine，调用方自行保证并发安全
type progress struct {
	total     int64
	every     int64
	fn        func(done, total int)
	completed atomic.Int64
	last      atomic.Int64
}

func newProgress(total, every int, fn func(done, total int)) *progress {
	return &progress{total: int64(total), every: int64(every), fn: fn}
}

func (p *progress) done() {
	n := p.completed.Add(1)
	if p.fn == nil {
		return
	}
	for {
		last := p.last.Load()
		if n <= last {
			return
		}
		if n-last < p.every && n != p.total {
			return
		}
		if p.last.CompareAndSwap(last, n) {
			p.fn(int(n), int(p.total))
			return
		}
	}
}

type attemptState int

const (
	statePending attemptState = iota
	stateAttempting
	stateSucceeded
	stateFailed
)

type worker struct {
	id        int
	r         audio.Renderer
	initErr   error
	format    audio.Format
	det       loop.Detector
	audit     loop.AuditConfig
	skipAudit bool
	buf       []int16
	opts      *Options
	log       *slog.Logger
}

// seconds 按优先级解析时长：任务自带 -> 曲长库 -> 测量缓存 -> 默认。
func (w *worker) seconds(t domain.Task) int {
	if t.Seconds > 0 {
		return t.Seconds
	}
	if w.opts.Lengths != nil {
		if s := w.opts.Lengths.Length(t.Source, t.Subtune); s > 0 {
			return s
		}
	}
	if w.opts.Fallback != nil {
		if s := w.opts.Fallback.Resolve(t.Source, t.Subtune); s > 0 {
			return s
		}
	}
	return w.opts.DefaultTimeout
}

// convert 驱动单个任务的重试状态机：Pending -> Attempting(n) -> Succeeded | Attempting(n+1) | Failed。
func (w *worker) convert(t domain.Task) domain.TaskResult {
	started := time.Now()
	res := domain.TaskResult{
		Source:  t.Source,
		Output:  t.Output,
		Subtune: t.Subtune,
		LoopAt:  -1,
	}
	if w.r == nil {
		res.Status = domain.StatusFailed
		res.ErrorCode = domain.ErrCodeLoadFailed
		res.ErrorMsg = fmt.Sprintf("渲染会话不可用：%v", w.initErr)
		res.DurationMs = time.Since(started).Milliseconds()
		return res
	}

	// 时长在头部校验通过后才解析（只解析一次），无效文件不会写入测量缓存。
	seconds := 0
	resolve := func() int {
		if seconds == 0 {
			seconds = w.seconds(t)
		}
		return seconds
	}
	log := w.log.With("source", t.Source, "subtune", t.Subtune)

	state := statePending
	n := 0
	var lastErr error
	for state != stateSucceeded && state != stateFailed {
		switch state {
		case statePending:
			state = stateAttempting
		case stateAttempting:
			n++
			if n > 1 {
				// 上一次尝试可能留下了不完整的输出。
				_ = removeFunc(t.Output)
			}
			out, err := w.attempt(t, resolve)
			if err == nil {
				res.LoopAt = out.loopAt
				state = stateSucceeded
				break
			}
			lastErr = err
			code := codeOf(err)
			w.opts.Observer.OnAttemptFailed(w.id, t, n, code)
			log.Warn("转换尝试失败", "attempt", n, "error_code", code, "err", err)
			if !retryable(code) || permanent(err) || n >= w.opts.MaxAttempts {
				res.ErrorCode = code
				res.ErrorMsg = err.Error()
				state = stateFailed
			}
		}
	}

	res.Attempts = n
	res.Seconds = seconds
	res.DurationMs = time.Since(started).Milliseconds()
	if state == stateSucceeded {
		res.Status = domain.StatusConverted
		log.Debug("转换完成", "attempts", n, "seconds", seconds, "loop_at", res.LoopAt)
	} else {
		res.Status = domain.StatusFailed
		log.Error("转换失败", "attempts", n, "error_code", res.ErrorCode, "err", lastErr)
	}
	return res
}
