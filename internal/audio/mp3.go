package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"

	gomp3 "github.com/hajimehoshi/go-mp3"
)

// MP3MinSize 是合法 MP3 输出的最小字节数。
const MP3MinSize = 1000

// DefaultBitrate 是未配置时的 MP3 码率（kbps）。
const DefaultBitrate = 192

type mp3Format struct {
	bitrate  int
	encoders EncoderFactory
}

// MP3 返回有损输出策略；每个输出文件创建一个独立的编码会话。
func MP3(bitrate int, encoders EncoderFactory) Format {
	if bitrate <= 0 {
		bitrate = DefaultBitrate
	}
	return mp3Format{bitrate: bitrate, encoders: encoders}
}

func (mp3Format) Name() string   { return "mp3" }
func (mp3Format) Ext() string    { return "mp3" }
func (mp3Format) MinSize() int64 { return MP3MinSize }
func (mp3Format) Lossless() bool { return false }

func (f mp3Format) NewWriter(w io.WriteSeeker) (Writer, error) {
	enc, err := f.encoders(f.bitrate)
	if err != nil {
		return nil, fmt.Errorf("%w：%v", ErrEncode, err)
	}
	return &mp3Writer{w: w, enc: enc}, nil
}

// Sniff 先看帧同步/ID3 魔数，再让 go-mp3 真正解出一段 PCM。
func (mp3Format) Sniff(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !hasMP3Magic(b) {
		return fmt.Errorf("%w：缺少 ID3 标签或帧同步字", ErrOutputCorrupt)
	}

	dec, err := gomp3.NewDecoder(bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("%w：%v", ErrOutputCorrupt, err)
	}
	probe := make([]byte, 4096)
	n, err := io.ReadFull(dec, probe)
	if n == 0 {
		return fmt.Errorf("%w：解码不出 PCM：%v", ErrOutputCorrupt, err)
	}
	return nil
}

func hasMP3Magic(b []byte) bool {
	if len(b) >= 3 && string(b[:3]) == "ID3" {
		return true
	}
	return len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0
}

type mp3Writer struct {
	w   io.Writer
	enc Encoder
}

func (m *mp3Writer) Write(pcm []int16) error {
	out, err := m.enc.Encode(pcm)
	if err != nil {
		return fmt.Errorf("%w：%v", ErrEncode, err)
	}
	return m.emit(out)
}

func (m *mp3Writer) Close() error {
	defer m.enc.Close()
	out, err := m.enc.Flush()
	if err != nil {
		return fmt.Errorf("%w：%v", ErrEncode, err)
	}
	return m.emit(out)
}

func (m *mp3Writer) emit(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, err := m.w.Write(b)
	return err
}
