package loop

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// writeWAV 用 go-audio/wav 写一个 16-bit 立体声文件；gen 返回第 i 帧的幅度（满幅 1.0）。
func writeWAV(t *testing.T, path string, rate int, frames int, gen func(i int) float64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("创建文件失败：%v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, 2, 1)
	data := make([]int, 0, frames*2)
	for i := 0; i < frames; i++ {
		v := int(gen(i) * 32767)
		data = append(data, v, v)
	}
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 2, SampleRate: rate}, Data: data, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("写入 WAV 失败：%v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("关闭 WAV 失败：%v", err)
	}
}

func sine(rate int, freq float64, amp float64) func(int) float64 {
	return func(i int) float64 {
		return amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
}

func TestAudit_AudibleTrackPasses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeWAV(t, path, 8000, 8000*2, sine(8000, 440, 0.5))

	res, err := Audit(path, DefaultAuditConfig())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if res.Frames != 100 || res.Audible != 100 {
		t.Fatalf("期望 100 帧全部发声，实际 %+v", res)
	}
	if res.Duration != 2*time.Second {
		t.Fatalf("期望时长 2s，实际 %v", res.Duration)
	}
}

func TestAudit_SilentTrackRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silent.wav")
	writeWAV(t, path, 8000, 8000*3, func(int) float64 { return 0 })

	_, err := Audit(path, DefaultAuditConfig())
	if !errors.Is(err, ErrSilent) {
		t.Fatalf("期望 ErrSilent，实际：%v", err)
	}
}

func TestAudit_MostlySilentRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blip.wav")
	tone := sine(8000, 440, 0.5)
	// 10 s 中只有前 0.2 s 发声（2%）。
	writeWAV(t, path, 8000, 8000*10, func(i int) float64 {
		if i < 1600 {
			return tone(i)
		}
		return 0
	})

	res, err := Audit(path, DefaultAuditConfig())
	if !errors.Is(err, ErrSilent) {
		t.Fatalf("期望 ErrSilent，实际：%v（%+v）", err, res)
	}
}

func TestAudit_TrimTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tail.wav")
	tone := sine(8000, 440, 0.5)
	// 4 s 发声 + 10 s 静音。
	writeWAV(t, path, 8000, 8000*14, func(i int) float64 {
		if i < 8000*4 {
			return tone(i)
		}
		return 0
	})

	cfg := DefaultAuditConfig()
	cfg.TrimTail = true
	res, err := Audit(path, cfg)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if res.Trimmed != 7*time.Second {
		t.Fatalf("期望裁掉 7s，实际 %v", res.Trimmed)
	}

	after, err := Audit(path, DefaultAuditConfig())
	if err != nil {
		t.Fatalf("重读不期望错误：%v", err)
	}
	if after.Duration != 7*time.Second {
		t.Fatalf("裁剪后期望 7s，实际 %v", after.Duration)
	}
}

func TestAudit_NotWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.wav")
	if err := os.WriteFile(path, []byte("ID3 not a wav at all"), 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
	if _, err := Audit(path, DefaultAuditConfig()); !errors.Is(err, ErrNotWAV) {
		t.Fatalf("期望 ErrNotWAV，实际：%v", err)
	}
}
