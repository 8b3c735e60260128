package loop

// Tolerant 在每个取样边界（MinElapsed 之后、Cadence 的整数倍处）截取一个窗口，
// 与最近 History 个窗口逐样本比较：|a-b| < Tolerance 的样本占比超过 Similarity 即判定循环，
// 循环起点为被匹配的历史窗口位置。
type Tolerant struct {
	cfg     Config
	cadence int64

	pos       int64 // 已消费的样本数
	next      int64 // 下一个取样边界（样本）
	capturing bool
	capStart  int64
	buf       []int16

	history []window
	hit     Signal
}

type window struct {
	start   int64
	samples []int16
}

func NewTolerant(cfg Config) *Tolerant {
	cfg = cfg.normalized()
	t := &Tolerant{cfg: cfg, cadence: cfg.samplesFor(cfg.Cadence)}
	t.Reset()
	return t
}

func (t *Tolerant) Reset() {
	t.pos = 0
	t.next = firstBoundary(t.cfg.samplesFor(t.cfg.MinElapsed), t.cadence)
	t.capturing = false
	t.capStart = 0
	t.buf = make([]int16, 0, t.cfg.Window)
	t.history = t.history[:0]
	t.hit = Signal{}
}

func (t *Tolerant) Feed(block []int16) Signal {
	if t.hit.Detected {
		return t.hit
	}
	defer func() { t.pos += int64(len(block)) }()

	i := 0
	for i < len(block) {
		if !t.capturing {
			abs := t.pos + int64(i)
			for t.next < abs {
				t.next += t.cadence
			}
			skip := t.next - abs
			if skip >= int64(len(block)-i) {
				return Signal{}
			}
			i += int(skip)
			t.capturing = true
			t.capStart = t.next
			t.buf = t.buf[:0]
		}

		take := t.cfg.Window - len(t.buf)
		if rest := len(block) - i; take > rest {
			take = rest
		}
		t.buf = append(t.buf, block[i:i+take]...)
		i += take

		if len(t.buf) < t.cfg.Window {
			continue
		}
		t.capturing = false
		t.next += t.cadence
		if sig := t.complete(); sig.Detected {
			t.hit = sig
			return sig
		}
	}
	return Signal{}
}

func (t *Tolerant) complete() Signal {
	if peak(t.buf) <= t.cfg.Quiet {
		return Signal{}
	}
	// 从最早的窗口开始比较，保证周期性信号报告的是第一次出现的位置。
	for _, h := range t.history {
		if t.similar(h.samples, t.buf) {
			return Signal{Detected: true, Offset: h.start / int64(t.cfg.Channels)}
		}
	}

	w := window{start: t.capStart, samples: append([]int16(nil), t.buf...)}
	if len(t.history) == t.cfg.History {
		copy(t.history, t.history[1:])
		t.history[len(t.history)-1] = w
	} else {
		t.history = append(t.history, w)
	}
	return Signal{}
}

func (t *Tolerant) similar(a, b []int16) bool {
	match := 0
	for k := range a {
		d := int(a[k]) - int(b[k])
		if d < 0 {
			d = -d
		}
		if d < t.cfg.Tolerance {
			match++
		}
	}
	return float64(match)/float64(len(a)) > t.cfg.Similarity
}

// firstBoundary 返回不小于 min 的第一个 cadence 整数倍（至少为一个 cadence）。
func firstBoundary(min, cadence int64) int64 {
	if cadence <= 0 {
		return min
	}
	n := (min + cadence - 1) / cadence
	if n < 1 {
		n = 1
	}
	return n * cadence
}
