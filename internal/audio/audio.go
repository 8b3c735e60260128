// Package audio 定义渲染/编码会话的窄接口，以及输出格式策略（写出与校验）。
package audio

import (
	"errors"

	"github.com/John-Robertt/sidconv/internal/sidfile"
)

// 渲染输出固定为 44.1 kHz、16-bit、立体声交错 PCM。
const (
	SampleRate = 44100
	Channels   = 2
	BitDepth   = 16
)

// 失败分类。上层据此决定是否重试以及 report 中的 error_code。
var (
	ErrLoad           = errors.New("audio: 加载曲目失败")
	ErrRender         = errors.New("audio: 渲染失败")
	ErrEncode         = errors.New("audio: 编码失败")
	ErrOutputMissing  = errors.New("audio: 输出文件不存在")
	ErrOutputTooSmall = errors.New("audio: 输出文件过小")
	ErrOutputCorrupt  = errors.New("audio: 输出文件无法解码")
)

// Tune 是一次加载所需的全部信息。
type Tune struct {
	Path    string
	Data    []byte
	Subtune int
	// Seconds 是本次计划渲染的时长；渲染器可用它限制外部进程的运行时间。
	Seconds int
	Timing  sidfile.Timing
}

// Renderer 是芯片音频渲染会话。
//
// 约束：
// - 每个 worker 独占一个会话，worker 退出时 Close
// - 同一会话可多次 Load；每次 Load 都从曲目开头重新开始
// - Render 向 dst 写入交错样本并返回写入个数；流结束时返回 (n, io.EOF)
type Renderer interface {
	Load(t Tune) error
	Render(dst []int16) (int, error)
	Close() error
}

// RendererFactory 为每个 worker 创建独立会话。
type RendererFactory func() (Renderer, error)

// Encoder 是有损编码会话（一次编码一个输出文件）。
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
	Flush() ([]byte, error)
	Close() error
}

// EncoderFactory 按码率创建编码会话。
type EncoderFactory func(bitrate int) (Encoder, error)
