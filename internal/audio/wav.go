package audio

import (
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVMinSize 是合法 WAV 输出的最小字节数。
const WAVMinSize = 10000

type wavFormat struct{}

// WAV 返回无损 16-bit PCM WAV 输出策略。
func WAV() Format { return wavFormat{} }

func (wavFormat) Name() string   { return "wav" }
func (wavFormat) Ext() string    { return "wav" }
func (wavFormat) MinSize() int64 { return WAVMinSize }
func (wavFormat) Lossless() bool { return true }

func (wavFormat) NewWriter(w io.WriteSeeker) (Writer, error) {
	return &wavWriter{
		enc: wav.NewEncoder(w, SampleRate, BitDepth, Channels, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: Channels, SampleRate: SampleRate},
			SourceBitDepth: BitDepth,
		},
	}, nil
}

func (wavFormat) Sniff(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return ErrOutputCorrupt
	}
	if err := d.FwdToPCM(); err != nil {
		return err
	}
	if d.PCMLen() <= 0 {
		return ErrOutputCorrupt
	}
	return nil
}

type wavWriter struct {
	enc *wav.Encoder
	buf *audio.IntBuffer
}

func (w *wavWriter) Write(pcm []int16) error {
	if len(pcm) == 0 {
		return nil
	}
	if cap(w.buf.Data) < len(pcm) {
		w.buf.Data = make([]int, len(pcm))
	}
	w.buf.Data = w.buf.Data[:len(pcm)]
	for i, s := range pcm {
		w.buf.Data[i] = int(s)
	}
	return w.enc.Write(w.buf)
}

// Close 回填 RIFF/data 长度；必须在文件关闭前调用。
func (w *wavWriter) Close() error {
	return w.enc.Close()
}
