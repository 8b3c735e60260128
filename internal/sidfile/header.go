// Package sidfile 读取 PSID/RSID 文件头，并计算曲库使用的内容哈希。
package sidfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrInvalidFormat 表示文件不是 PSID/RSID（魔数不符或头部过短）。
// 上层把它映射为 error_code=invalid_format，且不重试。
var ErrInvalidFormat = errors.New("sidfile: 不是有效的 PSID/RSID 文件")

// HeaderSize 是 v2+ 头部长度，也是内容哈希的起始偏移。
const HeaderSize = 0x7C

const (
	offVersion  = 0x04
	offSongs    = 0x0E
	offStart    = 0x10
	offName     = 0x16
	offAuthor   = 0x36
	offReleased = 0x56
	offFlags    = 0x76
	strLen      = 32

	minV1 = offFlags     // v1 只读到 released 为止
	minV2 = offFlags + 2 // v2+ 需要 flags 字
)

// Timing 是曲目声明的视频制式（决定渲染器使用的时钟）。
type Timing int

const (
	TimingUnknown Timing = iota
	TimingPAL
	TimingNTSC
	TimingPALNTSC
)

func (t Timing) String() string {
	switch t {
	case TimingPAL:
		return "pal"
	case TimingNTSC:
		return "ntsc"
	case TimingPALNTSC:
		return "pal+ntsc"
	default:
		return "unknown"
	}
}

// Header 是解析后的文件头（每次调用重新计算，不缓存）。
type Header struct {
	Magic     string
	Version   int
	Songs     int
	StartSong int
	Timing    Timing

	Name     string
	Author   string
	Released string
}

// ParseHeader 从文件前缀解析头部。
//
// 约束：
// - 只接受 "PSID" / "RSID" 魔数，其余一律 ErrInvalidFormat
// - songs=0 视为 1；start song 同理
// - version<2 没有 flags 字，制式默认 PAL（这是约定，不是从文件读出的事实）
func ParseHeader(b []byte) (Header, error) {
	if len(b) < 4 {
		return Header{}, ErrInvalidFormat
	}
	magic := string(b[:4])
	if magic != "PSID" && magic != "RSID" {
		return Header{}, ErrInvalidFormat
	}
	if len(b) < minV1 {
		return Header{}, fmt.Errorf("%w：头部只有 %d 字节", ErrInvalidFormat, len(b))
	}

	h := Header{
		Magic:     magic,
		Version:   int(b[offVersion+1]),
		Songs:     int(binary.BigEndian.Uint16(b[offSongs:])),
		StartSong: int(binary.BigEndian.Uint16(b[offStart:])),
		Name:      cString(b[offName : offName+strLen]),
		Author:    cString(b[offAuthor : offAuthor+strLen]),
		Released:  cString(b[offReleased : offReleased+strLen]),
	}
	if h.Songs == 0 {
		h.Songs = 1
	}
	if h.StartSong == 0 || h.StartSong > h.Songs {
		h.StartSong = 1
	}

	if h.Version < 2 {
		h.Timing = TimingPAL
		return h, nil
	}
	if len(b) < minV2 {
		return Header{}, fmt.Errorf("%w：v%d 头部缺少 flags", ErrInvalidFormat, h.Version)
	}
	h.Timing = Timing((b[offFlags+1] >> 2) & 0x03)
	return h, nil
}

// ReadHeader 只读取文件前 HeaderSize 字节并解析。
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Header{}, err
	}
	return ParseHeader(buf[:n])
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
