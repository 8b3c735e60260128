package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/John-Robertt/sidconv/internal/app/convert"
	"github.com/John-Robertt/sidconv/internal/config"
	"github.com/John-Robertt/sidconv/internal/domain"
)

var _ convert.Observer = (*progressUI)(nil)

// progressUI 是交互终端下的进度条输出。
//
// 约束：
// - 只在 stderr/stdout 是终端时启用，不污染非 TTY 时 stdout 的 JSON 契约
// - 事件驱动：convert 层只发事件，这里决定如何展示
// - 失败条目逐行打印在进度条上方；成功条目只推进进度条
type progressUI struct {
	w io.Writer

	mu        sync.Mutex
	startedAt time.Time
	progress  *mpb.Progress
	bar       *mpb.Bar

	total int
	ok    int
	fail  int
	loops int
	retry int
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{w: w, startedAt: time.Now()}
}

func (p *progressUI) printConfig(eff config.EffectiveConfig, files int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "[%s] sidconv convert\n", p.startedAt.Format("15:04:05"))
	fmt.Fprintln(p.w, "配置（生效）:")
	fmt.Fprintf(p.w, "  path: %s\n", eff.Path)
	if eff.ConfigFile != "" {
		fmt.Fprintf(p.w, "  config: %s\n", eff.ConfigFile)
	}
	fmt.Fprintf(p.w, "  format: %s\n", formatName(eff.Format, eff.Bitrate))
	fmt.Fprintf(p.w, "  workers: %d\n", eff.Workers)
	fmt.Fprintf(p.w, "  timeout: %ds (fallback %ds)\n", eff.Timeout, eff.FallbackSeconds)
	fmt.Fprintf(p.w, "  loop: %s\n", eff.Loop)
	fmt.Fprintf(p.w, "  trim_silence: %s\n", onOff(eff.TrimSilence))
	fmt.Fprintf(p.w, "  songlengths: %s\n", formatStringListJSON(eff.Songlengths))
	fmt.Fprintf(p.w, "  exclude_dirs: %s + 固定排除 out/ 与隐藏目录\n", formatStringListJSON(eff.ExcludeDirs))
	if eff.PublishURL != "" {
		fmt.Fprintf(p.w, "  publish: %s\n", truncate(eff.PublishURL, 120))
	}
	fmt.Fprintln(p.w, "输出:")
	fmt.Fprintf(p.w, "  out: %s\n", eff.Out)
	fmt.Fprintf(p.w, "  report: %s\n", filepath.Join(reportDir(eff.Out), "report.json"))
	fmt.Fprintf(p.w, "扫描: files=%d (%s)\n", files, formatShortDuration(time.Since(p.startedAt)))
}

func (p *progressUI) OnPlanned(plan domain.Plan) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total = len(plan.Tasks)
	fmt.Fprintf(p.w, "规划: tasks=%d skipped=%d\n\n", len(plan.Tasks), len(plan.Skipped))
	if p.total == 0 {
		return
	}

	p.progress = mpb.New(mpb.WithOutput(p.w), mpb.WithWidth(64))
	p.bar = p.progress.AddBar(int64(p.total),
		mpb.PrependDecorators(
			decor.Name("转换", decor.WC{W: 5, C: decor.DindentRight}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 5}),
			decor.Name(" ETA "),
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
		),
	)
}

func (p *progressUI) OnTaskStart(int, domain.Task) {}

func (p *progressUI) OnAttemptFailed(_ int, t domain.Task, attempt int, code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retry++
	if attempt > 1 {
		return
	}
	fmt.Fprintf(p.out(), "RETRY %s %s\n", truncate(filepath.Base(t.Output), 80), code)
}

func (p *progressUI) OnTaskDone(_ int, res domain.TaskResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch res.Status {
	case domain.StatusConverted:
		p.ok++
		if res.LoopAt >= 0 {
			p.loops++
		}
	case domain.StatusFailed:
		p.fail++
		fmt.Fprintf(p.out(), "FAIL %s %s: %s (attempts=%d, %s)\n",
			truncate(filepath.Base(res.Output), 80), res.ErrorCode, truncate(res.ErrorMsg, 160),
			res.Attempts, formatShortDuration(time.Duration(res.DurationMs)*time.Millisecond),
		)
	}
	if p.bar != nil {
		p.bar.EwmaIncrement(time.Duration(res.DurationMs) * time.Millisecond)
	}
}

// out 在进度条存在时写到进度条上方，否则直接写终端。
func (p *progressUI) out() io.Writer {
	if p.progress != nil {
		return p.progress
	}
	return p.w
}

// finish 等待进度条落盘并打印汇总行；取消时进度条停在当前位置。
func (p *progressUI) finish() {
	p.mu.Lock()
	bar, progress := p.bar, p.progress
	p.mu.Unlock()

	if bar != nil && !bar.Completed() {
		bar.Abort(false)
	}
	if progress != nil {
		progress.Wait()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = nil
	fmt.Fprintf(p.w, "\n执行: ok=%d fail=%d loops=%d retries=%d elapsed=%s\n",
		p.ok, p.fail, p.loops, p.retry, formatElapsed(time.Since(p.startedAt)),
	)
}

func formatName(format string, bitrate int) string {
	if format == "mp3" {
		return fmt.Sprintf("mp3 (%d kbps)", bitrate)
	}
	return format
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func formatStringListJSON(xs []string) string {
	// json.Marshal(nil slice) => "null"；对用户更友好的是 "[]"
	if xs == nil {
		xs = []string{}
	}
	b, err := json.Marshal(xs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, (sec%3600)/60, sec%60)
}
