package extproc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/John-Robertt/sidconv/internal/audio"
)

// Encoder 把 PCM 写入外部编码进程的 stdin，后台 goroutine 持续收集 stdout。
// Encode 返回自上次调用以来已产出的字节；Flush 关闭 stdin 并等待进程退出。
type Encoder struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu     sync.Mutex
	out    bytes.Buffer
	stderr lockedBuffer
	done   chan error

	raw []byte
}

var _ audio.Encoder = (*Encoder)(nil)

// NewEncoderFactory 返回按码率启动编码进程的工厂。
func NewEncoderFactory(command []string) (audio.EncoderFactory, error) {
	if len(command) == 0 {
		command = DefaultEncodeCommand
	}
	if err := validateTemplate(command); err != nil {
		return nil, err
	}
	tmpl := append([]string(nil), command...)
	return func(bitrate int) (audio.Encoder, error) {
		args := expand(tmpl, map[string]string{"bitrate": strconv.Itoa(bitrate)})
		return startEncoder(args)
	}, nil
}

func startEncoder(args []string) (*Encoder, error) {
	e := &Encoder{done: make(chan error, 1)}
	e.cmd = exec.Command(args[0], args[1:]...)
	e.cmd.Stderr = &e.stderr

	stdin, err := e.cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := e.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := e.cmd.Start(); err != nil {
		return nil, fmt.Errorf("启动编码器 %s 失败：%w", args[0], err)
	}
	e.stdin = stdin

	go func() {
		chunk := make([]byte, 32*1024)
		for {
			n, rerr := stdout.Read(chunk)
			if n > 0 {
				e.mu.Lock()
				e.out.Write(chunk[:n])
				e.mu.Unlock()
			}
			if rerr != nil {
				if rerr == io.EOF {
					rerr = nil
				}
				e.done <- rerr
				return
			}
		}
	}()
	return e, nil
}

func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if cap(e.raw) < len(pcm)*2 {
		e.raw = make([]byte, len(pcm)*2)
	}
	raw := e.raw[:len(pcm)*2]
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(s))
	}
	if _, err := e.stdin.Write(raw); err != nil {
		return nil, fmt.Errorf("写入编码器失败：%w：%s", err, e.stderrText())
	}
	return e.take(), nil
}

func (e *Encoder) Flush() ([]byte, error) {
	if e.stdin != nil {
		_ = e.stdin.Close()
		e.stdin = nil
	}
	readErr := <-e.done
	waitErr := e.cmd.Wait()
	e.done = nil
	if readErr != nil {
		return nil, readErr
	}
	if waitErr != nil {
		return nil, fmt.Errorf("编码器退出异常：%w：%s", waitErr, e.stderrText())
	}
	return e.take(), nil
}

// Close 在未 Flush 的情况下终止进程。
func (e *Encoder) Close() error {
	if e.done == nil {
		return nil
	}
	if e.stdin != nil {
		_ = e.stdin.Close()
		e.stdin = nil
	}
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	<-e.done
	_ = e.cmd.Wait()
	e.done = nil
	return nil
}

func (e *Encoder) take() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.out.Len() == 0 {
		return nil
	}
	b := append([]byte(nil), e.out.Bytes()...)
	e.out.Reset()
	return b
}

func (e *Encoder) stderrText() string {
	return e.stderr.text()
}

// lockedBuffer 是 cmd.Stderr 的目标：exec 的拷贝 goroutine 写入时，Encode 的错误路径可能同时读取。
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf.Bytes()))
}
