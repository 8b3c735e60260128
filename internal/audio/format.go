package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Writer 把 PCM 块写入一个输出文件。
type Writer interface {
	Write(pcm []int16) error
	Close() error
}

// Format 是一次批处理选定的输出格式策略。
type Format interface {
	Name() string
	Ext() string
	// MinSize 是合法输出的最小字节数。
	MinSize() int64
	// Lossless 为 true 时，成功后还要做静音审计。
	Lossless() bool
	NewWriter(w io.WriteSeeker) (Writer, error)
	// Sniff 检查文件内容是否能被解码（只在大小检查通过后调用）。
	Sniff(path string) error
}

// Check 校验输出：存在、不小于 MinSize、内容可解码。返回文件大小。
func Check(f Format, path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrOutputMissing
		}
		return 0, fmt.Errorf("%w：%v", ErrOutputMissing, err)
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("%w：%q 是目录", ErrOutputMissing, path)
	}
	if fi.Size() < f.MinSize() {
		return fi.Size(), fmt.Errorf("%w：%d 字节（至少 %d）", ErrOutputTooSmall, fi.Size(), f.MinSize())
	}
	if err := f.Sniff(path); err != nil {
		if errors.Is(err, ErrOutputCorrupt) {
			return fi.Size(), err
		}
		return fi.Size(), fmt.Errorf("%w：%v", ErrOutputCorrupt, err)
	}
	return fi.Size(), nil
}

// ParseFormat 按名称构造格式策略；encoders 只在 mp3 时需要。
func ParseFormat(name string, bitrate int, encoders EncoderFactory) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "wav":
		return WAV(), nil
	case "mp3":
		if encoders == nil {
			return nil, fmt.Errorf("mp3 输出需要编码器")
		}
		return MP3(bitrate, encoders), nil
	default:
		return nil, fmt.Errorf("format 只能是 wav 或 mp3，实际是 %q", name)
	}
}
