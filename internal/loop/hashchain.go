package loop

// HashChain 把音频切成 Cadence 长度的块，每块的指纹是各子块（SubBlock 个样本）
// 滚动哈希（h = h*31 + s）的异或。只有起点不早于 MinElapsed 的块会被记录；
// 最近 Run 个指纹与更早的、不重叠的连续 Run 个指纹完全相同时判定循环，
// 起点取最早的那一组。
type HashChain struct {
	cfg   Config
	chunk int64
	min   int64

	pos      int64
	h        uint64 // 当前子块的滚动哈希
	inSub    int
	fp       uint64 // 当前块的指纹
	chunkPk  int
	chunkPos int64

	prints []print
	hit    Signal
}

type print struct {
	start int64
	fp    uint64
	quiet bool
}

func NewHashChain(cfg Config) *HashChain {
	cfg = cfg.normalized()
	c := &HashChain{
		cfg:   cfg,
		chunk: cfg.samplesFor(cfg.Cadence),
		min:   cfg.samplesFor(cfg.MinElapsed),
	}
	c.Reset()
	return c
}

func (c *HashChain) Reset() {
	c.pos = 0
	c.h = 0
	c.inSub = 0
	c.fp = 0
	c.chunkPk = 0
	c.chunkPos = 0
	c.prints = c.prints[:0]
	c.hit = Signal{}
}

func (c *HashChain) Feed(block []int16) Signal {
	if c.hit.Detected {
		return c.hit
	}
	for _, s := range block {
		c.h = c.h*31 + uint64(uint16(s))
		c.inSub++
		if c.inSub == c.cfg.SubBlock {
			c.fp ^= c.h
			c.h, c.inSub = 0, 0
		}
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > c.chunkPk {
			c.chunkPk = v
		}

		c.pos++
		c.chunkPos++
		if c.chunkPos < c.chunk {
			continue
		}

		if c.inSub > 0 {
			c.fp ^= c.h
		}
		start := c.pos - c.chunk
		quiet := c.chunkPk <= c.cfg.Quiet
		c.h, c.inSub, c.chunkPos, c.chunkPk = 0, 0, 0, 0
		fp := c.fp
		c.fp = 0

		if start < c.min {
			continue
		}
		c.prints = append(c.prints, print{start: start, fp: fp, quiet: quiet})
		if sig := c.match(); sig.Detected {
			c.hit = sig
			return sig
		}
	}
	return Signal{}
}

func (c *HashChain) match() Signal {
	run := c.cfg.Run
	n := len(c.prints)
	if n < 2*run {
		return Signal{}
	}
	tail := c.prints[n-run:]
	for _, p := range tail {
		if p.quiet {
			return Signal{}
		}
	}
	for j := 0; j+run <= n-run; j++ {
		ok := true
		for k := 0; k < run; k++ {
			if c.prints[j+k].quiet || c.prints[j+k].fp != tail[k].fp {
				ok = false
				break
			}
		}
		if ok {
			return Signal{Detected: true, Offset: c.prints[j].start / int64(c.cfg.Channels)}
		}
	}
	return Signal{}
}
