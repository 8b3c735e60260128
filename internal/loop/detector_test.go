package loop

import (
	"math/rand"
	"testing"
	"time"
)

// smallConfig 把时间尺度缩小到 1 kHz，便于在测试里构造几十秒的信号。
func smallConfig() Config {
	return Config{
		SampleRate: 1000,
		Channels:   2,
		MinElapsed: time.Second,
		Cadence:    time.Second,
		Window:     256,
		Tolerance:  500,
		Similarity: 0.90,
		History:    10,
		SubBlock:   64,
		Run:        3,
		Quiet:      8,
	}
}

// periodic 生成周期为 period 个样本的交错 PCM。
func periodic(total, period int) []int16 {
	out := make([]int16, total)
	for i := range out {
		out[i] = int16(((i%period)*37)%20000 - 10000)
	}
	return out
}

func noise(total int, seed int64) []int16 {
	r := rand.New(rand.NewSource(seed))
	out := make([]int16, total)
	for i := range out {
		out[i] = int16(r.Intn(65536) - 32768)
	}
	return out
}

func feedBlocks(d Detector, pcm []int16, block int) Signal {
	for i := 0; i < len(pcm); i += block {
		end := i + block
		if end > len(pcm) {
			end = len(pcm)
		}
		if sig := d.Feed(pcm[i:end]); sig.Detected {
			return sig
		}
	}
	return Signal{}
}

func policies() map[string]func(Config) Detector {
	return map[string]func(Config) Detector{
		"tolerant":  func(c Config) Detector { return NewTolerant(c) },
		"hashchain": func(c Config) Detector { return NewHashChain(c) },
	}
}

func TestDetect_IdenticalWindowsLoopAtFirstOccurrence(t *testing.T) {
	cfg := smallConfig()
	pcm := periodic(20*2000, 2000) // 周期 = 1 s = cadence
	for name, mk := range policies() {
		t.Run(name, func(t *testing.T) {
			sig := feedBlocks(mk(cfg), pcm, 500)
			if !sig.Detected {
				t.Fatalf("期望检测到循环")
			}
			// 第一个参与比较的位置是 MinElapsed=1s => 1000 帧。
			if sig.Offset != 1000 {
				t.Fatalf("期望 offset=1000，实际 %d", sig.Offset)
			}
		})
	}
}

func TestDetect_DistinctWindowsNeverFlag(t *testing.T) {
	cfg := smallConfig()
	pcm := noise(40*2000, 42)
	for name, mk := range policies() {
		t.Run(name, func(t *testing.T) {
			if sig := feedBlocks(mk(cfg), pcm, 777); sig.Detected {
				t.Fatalf("随机信号不应被判定为循环：%+v", sig)
			}
		})
	}
}

func TestDetect_SilenceIsNotALoop(t *testing.T) {
	cfg := smallConfig()
	pcm := make([]int16, 30*2000)
	for name, mk := range policies() {
		t.Run(name, func(t *testing.T) {
			if sig := feedBlocks(mk(cfg), pcm, 1024); sig.Detected {
				t.Fatalf("静音不应被判定为循环：%+v", sig)
			}
		})
	}
}

func TestDetect_BlockSizeIndependent(t *testing.T) {
	cfg := smallConfig()
	intro := noise(3*2000, 7)
	body := periodic(20*2000, 4000) // 周期 2 s
	pcm := append(intro, body...)

	for name, mk := range policies() {
		t.Run(name, func(t *testing.T) {
			want := feedBlocks(mk(cfg), pcm, len(pcm))
			if !want.Detected {
				t.Fatalf("期望检测到循环")
			}
			for _, bs := range []int{1, 7, 333, 2000, 4096} {
				got := feedBlocks(mk(cfg), pcm, bs)
				if got != want {
					t.Fatalf("block=%d 结果不同：got=%+v want=%+v", bs, got, want)
				}
			}
		})
	}
}

func TestDetect_NothingBeforeMinElapsed(t *testing.T) {
	cfg := smallConfig()
	cfg.MinElapsed = 10 * time.Second
	pcm := periodic(9*2000, 2000)
	for name, mk := range policies() {
		t.Run(name, func(t *testing.T) {
			if sig := feedBlocks(mk(cfg), pcm, 300); sig.Detected {
				t.Fatalf("MinElapsed 之前不应检测：%+v", sig)
			}
		})
	}
}

func TestDetect_ResetClearsHistoryAndSticky(t *testing.T) {
	cfg := smallConfig()
	for name, mk := range policies() {
		t.Run(name, func(t *testing.T) {
			d := mk(cfg)
			sig := feedBlocks(d, periodic(20*2000, 2000), 1000)
			if !sig.Detected {
				t.Fatalf("期望检测到循环")
			}
			if again := d.Feed(noise(100, 1)); again != sig {
				t.Fatalf("检测后应保持同一结果：%+v", again)
			}

			d.Reset()
			if got := feedBlocks(d, noise(30*2000, 9), 1000); got.Detected {
				t.Fatalf("Reset 后不应沿用旧历史：%+v", got)
			}
		})
	}
}

func TestTolerant_WithinToleranceStillMatches(t *testing.T) {
	cfg := smallConfig()
	base := periodic(20*2000, 2000)
	r := rand.New(rand.NewSource(3))
	for i := range base {
		base[i] += int16(r.Intn(200) - 100) // 小于容差的抖动
	}
	sig := feedBlocks(NewTolerant(cfg), base, 640)
	if !sig.Detected || sig.Offset != 1000 {
		t.Fatalf("抖动在容差内应仍能检测：%+v", sig)
	}
}

func TestHashChain_NeedsRunOfThree(t *testing.T) {
	cfg := smallConfig()
	d := NewHashChain(cfg)
	// 1s 之后：A B C A B（只有两块重复）=> 不足 3 块，不判定。
	a := noise(2000, 11)
	b := noise(2000, 12)
	c := noise(2000, 13)
	var pcm []int16
	pcm = append(pcm, noise(2000, 10)...)
	for _, chunk := range [][]int16{a, b, c, a, b} {
		pcm = append(pcm, chunk...)
	}
	if sig := feedBlocks(d, pcm, 256); sig.Detected {
		t.Fatalf("不足 Run 块时不应检测：%+v", sig)
	}
	// 再补一个 C：最后三块 A B C 与开头 A B C 相同且不重叠。
	if sig := d.Feed(c); !sig.Detected || sig.Offset != 1000 {
		t.Fatalf("期望 offset=1000，实际 %+v", sig)
	}
}

func TestParsePolicy(t *testing.T) {
	cases := map[string]Policy{"": PolicyTolerant, "Tolerant": PolicyTolerant, "hashchain": PolicyHashChain, "off": PolicyOff}
	for in, want := range cases {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q)=%q,%v 期望 %q", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("fft"); err == nil {
		t.Fatalf("期望未知策略报错")
	}
	if sig := New(PolicyOff, smallConfig()).Feed(periodic(40000, 2000)); sig.Detected {
		t.Fatalf("off 策略不应检测")
	}
}
