// Package loop 在流式渲染的音频上检测循环（以便提前停止渲染），并对无损输出做静音审计。
package loop

import (
	"fmt"
	"strings"
	"time"
)

// Signal 是一次 Feed 的检测结果。Offset 为循环起点，单位是帧（每帧含 Channels 个样本），
// 从本次渲染开始处计数。
type Signal struct {
	Detected bool
	Offset   int64
}

// Detector 消费交错的 16-bit PCM 块。
//
// 约束：
// - 每个 worker 独占一个实例，不要求并发安全
// - 每次尝试开始前调用 Reset
// - 结果只取决于样本序列本身，与块大小无关
// - 一旦检测到循环，后续 Feed 返回同一个 Signal；调用方应立即停止渲染且不编码触发块
type Detector interface {
	Feed(block []int16) Signal
	Reset()
}

// Policy 选择检测策略。
type Policy string

const (
	PolicyTolerant  Policy = "tolerant"
	PolicyHashChain Policy = "hashchain"
	PolicyOff       Policy = "off"
)

// ParsePolicy 解析配置中的策略名；空串视为 tolerant。
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyTolerant:
		return PolicyTolerant, nil
	case PolicyHashChain:
		return PolicyHashChain, nil
	case PolicyOff:
		return PolicyOff, nil
	default:
		return "", fmt.Errorf("loop 只能是 tolerant|hashchain|off，实际是 %q", s)
	}
}

// Config 描述检测参数。所有时长都会换算成样本数（SampleRate × Channels）。
type Config struct {
	SampleRate int
	Channels   int

	// MinElapsed 之前的音频不参与比较（前奏通常不循环）。
	MinElapsed time.Duration
	// Cadence 是取样/分块的间隔。
	Cadence time.Duration

	// tolerant：窗口样本数、单样本容差、相似度阈值（严格大于）、历史窗口数。
	Window     int
	Tolerance  int
	Similarity float64
	History    int

	// hashchain：子块样本数、需要连续匹配的块数。
	SubBlock int
	Run      int

	// Quiet 以下（峰值绝对值）的窗口/块视为静音，不参与匹配。
	Quiet int
}

// DefaultConfig 返回 44.1 kHz 立体声下的默认参数。
func DefaultConfig() Config {
	return Config{
		SampleRate: 44100,
		Channels:   2,
		MinElapsed: 15 * time.Second,
		Cadence:    2 * time.Second,
		Window:     8192,
		Tolerance:  500,
		Similarity: 0.90,
		History:    10,
		SubBlock:   2048,
		Run:        3,
		Quiet:      8,
	}
}

func (c Config) samplesFor(d time.Duration) int64 {
	return int64(d) * int64(c.SampleRate) * int64(c.Channels) / int64(time.Second)
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = def.Channels
	}
	if c.Cadence <= 0 {
		c.Cadence = def.Cadence
	}
	if c.MinElapsed < 0 {
		c.MinElapsed = 0
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if cad := c.samplesFor(c.Cadence); int64(c.Window) > cad {
		c.Window = int(cad)
	}
	if c.Tolerance <= 0 {
		c.Tolerance = def.Tolerance
	}
	if c.Similarity <= 0 || c.Similarity >= 1 {
		c.Similarity = def.Similarity
	}
	if c.History <= 0 {
		c.History = def.History
	}
	if c.SubBlock <= 0 {
		c.SubBlock = def.SubBlock
	}
	if c.Run <= 0 {
		c.Run = def.Run
	}
	if c.Quiet < 0 {
		c.Quiet = 0
	}
	return c
}

// New 按策略构造检测器；PolicyOff 返回永不触发的实现。
func New(p Policy, cfg Config) Detector {
	switch p {
	case PolicyHashChain:
		return NewHashChain(cfg)
	case PolicyOff:
		return never{}
	default:
		return NewTolerant(cfg)
	}
}

type never struct{}

func (never) Feed([]int16) Signal { return Signal{} }
func (never) Reset()              {}

func peak(xs []int16) int {
	m := 0
	for _, s := range xs {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}
