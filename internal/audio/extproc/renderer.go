package extproc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/John-Robertt/sidconv/internal/audio"
)

// Renderer 每次 Load 运行一次外部渲染命令（输出一个 WAV 临时文件），
// Render 再以流的方式从该 WAV 读取样本。
//
// 约束：
// - 一个 Renderer 只被一个 worker 使用
// - 临时目录在 Close 时删除
// - 外部命令在 Load 内渲染完整时长后才开始流式输出；循环检测只截短产物，不节省渲染时间
type Renderer struct {
	Command []string

	dir  string
	out  string
	file *os.File
	dec  *wav.Decoder
	buf  *goaudio.IntBuffer
}

var _ audio.Renderer = (*Renderer)(nil)

// NewRendererFactory 返回为每个 worker 创建独立 Renderer 的工厂。
func NewRendererFactory(command []string) (audio.RendererFactory, error) {
	if len(command) == 0 {
		command = DefaultRenderCommand
	}
	if err := validateTemplate(command); err != nil {
		return nil, err
	}
	cmd := append([]string(nil), command...)
	return func() (audio.Renderer, error) {
		dir, err := os.MkdirTemp("", "sidconv-render-*")
		if err != nil {
			return nil, err
		}
		return &Renderer{Command: cmd, dir: dir}, nil
	}, nil
}

func (r *Renderer) Load(t audio.Tune) error {
	r.closeStream()

	src := t.Path
	if len(t.Data) > 0 {
		src = filepath.Join(r.dir, "input.sid")
		if err := os.WriteFile(src, t.Data, 0o644); err != nil {
			return fmt.Errorf("%w：%v", audio.ErrLoad, err)
		}
	}
	r.out = filepath.Join(r.dir, "render.wav")
	_ = os.Remove(r.out)

	args := expand(r.Command, renderVars(src, r.out, t.Subtune, t.Seconds, t.Timing))
	cmd := exec.Command(args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w：%s：%v：%s", audio.ErrLoad, args[0], err, bytes.TrimSpace(stderr.Bytes()))
	}

	f, err := os.Open(r.out)
	if err != nil {
		return fmt.Errorf("%w：渲染器没有产出文件：%v", audio.ErrLoad, err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		_ = f.Close()
		return fmt.Errorf("%w：渲染器输出不是 WAV", audio.ErrLoad)
	}
	if err := dec.FwdToPCM(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w：%v", audio.ErrLoad, err)
	}
	if int(dec.BitDepth) != audio.BitDepth || int(dec.NumChans) != audio.Channels || int(dec.SampleRate) != audio.SampleRate {
		_ = f.Close()
		return fmt.Errorf("%w：渲染器输出格式为 %d Hz/%d bit/%d ch", audio.ErrLoad, dec.SampleRate, dec.BitDepth, dec.NumChans)
	}
	r.file, r.dec = f, dec
	return nil
}

func (r *Renderer) Render(dst []int16) (int, error) {
	if r.dec == nil {
		return 0, fmt.Errorf("%w：尚未 Load", audio.ErrRender)
	}
	if r.buf == nil || cap(r.buf.Data) < len(dst) {
		r.buf = &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: audio.Channels, SampleRate: audio.SampleRate},
			Data:   make([]int, len(dst)),
		}
	}
	r.buf.Data = r.buf.Data[:len(dst)]

	n, err := r.dec.PCMBuffer(r.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("%w：%v", audio.ErrRender, err)
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(r.buf.Data[i])
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (r *Renderer) Close() error {
	r.closeStream()
	if r.dir == "" {
		return nil
	}
	err := os.RemoveAll(r.dir)
	r.dir = ""
	return err
}

func (r *Renderer) closeStream() {
	if r.file != nil {
		_ = r.file.Close()
	}
	r.file, r.dec = nil, nil
}
