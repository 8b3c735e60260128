package convert

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/John-Robertt/sidconv/internal/audio"
	"github.com/John-Robertt/sidconv/internal/domain"
	"github.com/John-Robertt/sidconv/internal/infra/fsx"
	"github.com/John-Robertt/sidconv/internal/loop"
	"github.com/John-Robertt/sidconv/internal/sidfile"
)

// 通过可替换的函数指针，让测试能模拟读源文件失败。
var readFileFunc = os.ReadFile

// attemptError 携带 report 使用的 error_code，贯穿重试状态机。
type attemptError struct {
	Code string
	Err  error
}

func (e *attemptError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *attemptError) Unwrap() error { return e.Err }

func fail(code string, err error) *attemptError {
	return &attemptError{Code: code, Err: err}
}

func codeOf(err error) string {
	var ae *attemptError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return domain.ErrCodeIOFailed
}

// retryable 决定状态机的边：格式无效与静音重试也不会变好。
func retryable(code string) bool {
	switch code {
	case domain.ErrCodeInvalidFormat, domain.ErrCodeSilent:
		return false
	default:
		return true
	}
}

// permanent 报告与 error_code 无关、重试也无法恢复的错误：
// 临时文件与目标同目录仍然跨盘，说明输出目录被挂载点替换。
func permanent(err error) bool {
	return fsx.IsCrossDevice(err)
}

// checkCode 把输出校验错误映射为 error_code。
func checkCode(err error) string {
	switch {
	case errors.Is(err, audio.ErrOutputMissing):
		return domain.ErrCodeOutputMissing
	case errors.Is(err, audio.ErrOutputTooSmall):
		return domain.ErrCodeOutputTooSmall
	default:
		return domain.ErrCodeOutputCorrupt
	}
}

type outcome struct {
	loopAt float64 // 秒；-1 表示未检测到
	frames int64
}

// attempt 执行一次完整尝试：读源 -> 加载 -> 渲染+循环检测 -> 写临时文件 -> 提交 -> 校验 -> 静音审计。
//
// 约束：
// - 失败时不留下任何文件（临时文件丢弃；已提交但不合格的输出删除）
// - 触发循环检测的块不写入输出
func (w *worker) attempt(t domain.Task, resolve func() int) (outcome, error) {
	res := outcome{loopAt: -1}

	data, err := readFileFunc(t.Source)
	if err != nil {
		return res, fail(domain.ErrCodeLoadFailed, err)
	}
	h, err := sidfile.ParseHeader(data)
	if err != nil {
		return res, fail(domain.ErrCodeInvalidFormat, err)
	}
	seconds := resolve()

	if err := w.r.Load(audio.Tune{
		Path:    t.Source,
		Data:    data,
		Subtune: t.Subtune,
		Seconds: seconds,
		Timing:  h.Timing,
	}); err != nil {
		return res, fail(domain.ErrCodeLoadFailed, err)
	}

	tmp, err := fsx.TempFor(t.Output)
	if err != nil {
		return res, fail(domain.ErrCodeIOFailed, err)
	}
	committed := false
	defer func() {
		if !committed {
			fsx.Discard(tmp)
		}
	}()

	wr, err := w.format.NewWriter(tmp)
	if err != nil {
		return res, fail(domain.ErrCodeEncodeFailed, err)
	}

	frames, loopAt, err := w.renderInto(wr, seconds)
	if err != nil {
		_ = wr.Close()
		return res, err
	}
	if err := wr.Close(); err != nil {
		return res, fail(domain.ErrCodeEncodeFailed, err)
	}
	res.frames = frames
	res.loopAt = loopAt

	committed = true
	if err := fsx.Commit(tmp, t.Output); err != nil {
		return res, fail(domain.ErrCodeIOFailed, err)
	}

	if _, err := audio.Check(w.format, t.Output); err != nil {
		_ = fsx.RemoveIfExists(t.Output)
		return res, fail(checkCode(err), err)
	}

	if w.format.Lossless() && !w.skipAudit {
		if _, err := loop.Audit(t.Output, w.audit); err != nil {
			_ = fsx.RemoveIfExists(t.Output)
			switch {
			case errors.Is(err, loop.ErrSilent):
				return res, fail(domain.ErrCodeSilent, err)
			case errors.Is(err, loop.ErrNotWAV):
				return res, fail(domain.ErrCodeOutputCorrupt, err)
			default:
				return res, fail(domain.ErrCodeIOFailed, err)
			}
		}
	}
	return res, nil
}

// renderInto 按帧数控制时长：渲染 seconds*SampleRate 帧，检测到循环立即停止。
func (w *worker) renderInto(wr audio.Writer, seconds int) (int64, float64, error) {
	w.det.Reset()

	remaining := int64(seconds) * audio.SampleRate * audio.Channels
	var written int64
	for remaining > 0 {
		want := len(w.buf)
		if int64(want) > remaining {
			want = int(remaining)
		}
		n, rerr := w.r.Render(w.buf[:want])
		if n > 0 {
			block := w.buf[:n]
			if sig := w.det.Feed(block); sig.Detected {
				return written / audio.Channels, float64(sig.Offset) / audio.SampleRate, nil
			}
			if err := wr.Write(block); err != nil {
				return 0, -1, fail(domain.ErrCodeEncodeFailed, err)
			}
			written += int64(n)
			remaining -= int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return 0, -1, fail(domain.ErrCodeRenderFailed, rerr)
		}
		if n == 0 {
			return 0, -1, fail(domain.ErrCodeRenderFailed, fmt.Errorf("渲染器没有产出样本"))
		}
	}
	return written / audio.Channels, -1, nil
}
