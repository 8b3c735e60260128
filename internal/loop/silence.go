package loop

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/John-Robertt/sidconv/internal/infra/fsx"
)

// ErrSilent 表示输出几乎全是静音（渲染器没有真正发声）。该错误不重试。
var ErrSilent = errors.New("loop: 输出是静音")

// ErrNotWAV 表示审计对象不是可解析的 PCM WAV。
var ErrNotWAV = errors.New("loop: 不是有效的 WAV 文件")

// AuditConfig 描述静音审计参数。
type AuditConfig struct {
	// Threshold 是 20 ms 帧平均幅度（满幅 1.0）的发声阈值。
	Threshold float64
	Frame     time.Duration
	// MinAudible 是发声帧占比下限。
	MinAudible float64

	// TrimTail 为 true 时，尾部静音超过 TailSilence 会被裁掉（保留 TailSilence 的余量）。
	TrimTail    bool
	TailSilence time.Duration
}

// DefaultAuditConfig 返回默认参数（不裁剪）。
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Threshold:   0.0005,
		Frame:       20 * time.Millisecond,
		MinAudible:  0.05,
		TailSilence: 3 * time.Second,
	}
}

// AuditResult 是一次审计的统计。
type AuditResult struct {
	Frames   int
	Audible  int
	MaxLevel float64
	Duration time.Duration
	Trimmed  time.Duration
}

// Audit 读取 WAV，混成单声道后按帧统计平均幅度。
//
// 约束：
// - 最大帧幅度低于阈值，或发声帧占比低于 MinAudible：返回 ErrSilent
// - 只读；仅在 TrimTail=true 且尾部静音过长时原子重写文件
func Audit(path string, cfg AuditConfig) (AuditResult, error) {
	cfg = cfg.normalized()

	an, err := scanLevels(path, cfg)
	if err != nil {
		return AuditResult{}, err
	}
	res := an.result()
	if res.Frames == 0 || res.MaxLevel < cfg.Threshold {
		return res, fmt.Errorf("%w：最大电平 %.6f 低于阈值", ErrSilent, res.MaxLevel)
	}
	if ratio := float64(res.Audible) / float64(res.Frames); ratio < cfg.MinAudible {
		return res, fmt.Errorf("%w：发声帧占比 %.1f%%", ErrSilent, ratio*100)
	}

	if !cfg.TrimTail {
		return res, nil
	}
	keepFrames := an.lastAudible + 1 + int(cfg.TailSilence/cfg.Frame)
	if keepFrames >= res.Frames {
		return res, nil
	}
	keep := int64(keepFrames) * int64(an.frameLen)
	if err := rewriteHead(path, keep); err != nil {
		return res, fmt.Errorf("裁剪尾部静音失败：%w", err)
	}
	res.Trimmed = time.Duration(int64(res.Frames-keepFrames)) * cfg.Frame
	return res, nil
}

func (c AuditConfig) normalized() AuditConfig {
	def := DefaultAuditConfig()
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.Frame <= 0 {
		c.Frame = def.Frame
	}
	if c.MinAudible <= 0 {
		c.MinAudible = def.MinAudible
	}
	if c.TailSilence <= 0 {
		c.TailSilence = def.TailSilence
	}
	return c
}

type levels struct {
	sampleRate  int
	frameLen    int // 每帧的单声道采样数
	frames      int
	audible     int
	maxLevel    float64
	lastAudible int
}

func (l levels) result() AuditResult {
	return AuditResult{
		Frames:   l.frames,
		Audible:  l.audible,
		MaxLevel: l.maxLevel,
		Duration: time.Duration(int64(l.frames) * int64(l.frameLen) * int64(time.Second) / int64(max(l.sampleRate, 1))),
	}
}

func openPCM(path string) (*os.File, *wav.Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		_ = f.Close()
		return nil, nil, ErrNotWAV
	}
	if err := d.FwdToPCM(); err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%w：%v", ErrNotWAV, err)
	}
	if d.NumChans == 0 || d.SampleRate == 0 || d.BitDepth == 0 {
		_ = f.Close()
		return nil, nil, ErrNotWAV
	}
	return f, d, nil
}

func scanLevels(path string, cfg AuditConfig) (levels, error) {
	f, d, err := openPCM(path)
	if err != nil {
		return levels{}, err
	}
	defer f.Close()

	chans := int(d.NumChans)
	full := math.Exp2(float64(d.BitDepth) - 1)
	l := levels{
		sampleRate:  int(d.SampleRate),
		frameLen:    max(int(int64(d.SampleRate)*int64(cfg.Frame)/int64(time.Second)), 1),
		lastAudible: -1,
	}

	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: chans, SampleRate: int(d.SampleRate)},
		Data:   make([]int, 8192*chans),
	}
	var (
		sum   float64
		inFrm int
		carry []int
	)
	for {
		n, err := d.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return levels{}, fmt.Errorf("读取 PCM 失败：%w", err)
		}
		if n == 0 {
			break
		}
		data := append(carry, buf.Data[:n]...)
		whole := len(data) - len(data)%chans
		for i := 0; i < whole; i += chans {
			var mono float64
			for c := 0; c < chans; c++ {
				mono += float64(data[i+c])
			}
			sum += math.Abs(mono / float64(chans) / full)
			inFrm++
			if inFrm == l.frameLen {
				l.push(sum/float64(inFrm), cfg.Threshold)
				sum, inFrm = 0, 0
			}
		}
		carry = append(carry[:0], data[whole:]...)
	}
	if inFrm > 0 {
		l.push(sum/float64(inFrm), cfg.Threshold)
	}
	return l, nil
}

func (l *levels) push(level, threshold float64) {
	if level > l.maxLevel {
		l.maxLevel = level
	}
	if level >= threshold {
		l.audible++
		l.lastAudible = l.frames
	}
	l.frames++
}

// rewriteHead 只保留前 keep 个单声道采样帧（每帧 NumChans 个样本），原子替换原文件。
func rewriteHead(path string, keep int64) error {
	f, d, err := openPCM(path)
	if err != nil {
		return err
	}
	defer f.Close()

	chans := int(d.NumChans)
	tmp, err := fsx.TempFor(path)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(tmp, int(d.SampleRate), int(d.BitDepth), chans, 1)

	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: chans, SampleRate: int(d.SampleRate)},
		Data:   make([]int, 8192*chans),
	}
	remain := keep * int64(chans)
	for remain > 0 {
		n, err := d.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			fsx.Discard(tmp)
			return err
		}
		if n == 0 {
			break
		}
		if int64(n) > remain {
			n = int(remain)
		}
		out := &audio.IntBuffer{Format: buf.Format, Data: buf.Data[:n], SourceBitDepth: int(d.BitDepth)}
		if err := enc.Write(out); err != nil {
			fsx.Discard(tmp)
			return err
		}
		remain -= int64(n)
	}
	if err := enc.Close(); err != nil {
		fsx.Discard(tmp)
		return err
	}
	return fsx.Commit(tmp, path)
}
