package extproc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/John-Robertt/sidconv/internal/audio"
	"github.com/John-Robertt/sidconv/internal/sidfile"
)

// TestHelperProcess 充当外部渲染器：参数为 "-- <out> <subtune>"，
// 写出 subtune×1000 帧、值为 subtune 的立体声 WAV。
func TestHelperProcess(t *testing.T) {
	switch os.Getenv("SIDCONV_HELPER") {
	case "render":
	case "encfail":
		// 模拟编码器因参数错误立即退出。
		os.Stderr.WriteString("unsupported bitrate")
		os.Exit(1)
	default:
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 3 {
		os.Exit(2)
	}
	out := args[1]
	sub, _ := strconv.Atoi(args[2])
	if sub == 99 {
		os.Stderr.WriteString("no such subtune")
		os.Exit(1)
	}

	f, err := os.Create(out)
	if err != nil {
		os.Exit(3)
	}
	enc := wav.NewEncoder(f, audio.SampleRate, 16, 2, 1)
	data := make([]int, sub*1000*2)
	for i := range data {
		data[i] = sub
	}
	_ = enc.Write(&goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 2, SampleRate: audio.SampleRate}, Data: data, SourceBitDepth: 16})
	_ = enc.Close()
	_ = f.Close()
	os.Exit(0)
}

func helperCommand() []string {
	return []string{os.Args[0], "-test.run=TestHelperProcess", "--", "{out}", "{subtune}"}
}

func TestRenderer_LoadAndStream(t *testing.T) {
	t.Setenv("SIDCONV_HELPER", "render")

	factory, err := NewRendererFactory(helperCommand())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	r, err := factory()
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer r.Close()

	for _, sub := range []int{2, 1} {
		if err := r.Load(audio.Tune{Data: []byte("PSID"), Subtune: sub, Seconds: 1, Timing: sidfile.TimingPAL}); err != nil {
			t.Fatalf("Load 失败：%v", err)
		}
		total := 0
		buf := make([]int16, 777)
		for {
			n, err := r.Render(buf)
			for _, s := range buf[:n] {
				if int(s) != sub {
					t.Fatalf("样本值不符合预期：%d", s)
				}
			}
			total += n
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.Fatalf("Render 失败：%v", err)
			}
		}
		if total != sub*1000*2 {
			t.Fatalf("subtune=%d 期望 %d 个样本，实际 %d", sub, sub*1000*2, total)
		}
	}
}

func TestRenderer_CommandFailureIsLoadError(t *testing.T) {
	t.Setenv("SIDCONV_HELPER", "render")

	factory, err := NewRendererFactory(helperCommand())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	r, _ := factory()
	defer r.Close()

	err = r.Load(audio.Tune{Data: []byte("PSID"), Subtune: 99})
	if !errors.Is(err, audio.ErrLoad) {
		t.Fatalf("期望 ErrLoad，实际：%v", err)
	}
	if _, err := r.Render(make([]int16, 4)); !errors.Is(err, audio.ErrRender) {
		t.Fatalf("Load 失败后 Render 期望 ErrRender，实际：%v", err)
	}
}

func TestEncoder_CatRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("系统没有 cat")
	}
	factory, err := NewEncoderFactory([]string{"cat"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	enc, err := factory(192)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer enc.Close()

	var got bytes.Buffer
	var want bytes.Buffer
	pcm := make([]int16, 4096)
	for round := 0; round < 8; round++ {
		for i := range pcm {
			pcm[i] = int16(round*1000 + i)
		}
		_ = binary.Write(&want, binary.LittleEndian, pcm)
		out, err := enc.Encode(pcm)
		if err != nil {
			t.Fatalf("Encode 失败：%v", err)
		}
		got.Write(out)
	}
	tail, err := enc.Flush()
	if err != nil {
		t.Fatalf("Flush 失败：%v", err)
	}
	got.Write(tail)

	if !bytes.Equal(got.Bytes(), want.Bytes()) {
		t.Fatalf("输出与输入不一致：got=%d 字节 want=%d 字节", got.Len(), want.Len())
	}
}

func TestEncoder_EarlyExitReportsError(t *testing.T) {
	t.Setenv("SIDCONV_HELPER", "encfail")

	factory, err := NewEncoderFactory([]string{os.Args[0], "-test.run=TestHelperProcess", "--", "{bitrate}"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	enc, err := factory(999)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer enc.Close()

	// 管道缓冲写满后写入必然失败；错误路径会在 stderr 仍可能被写入时读取它。
	pcm := make([]int16, 32*1024)
	var encErr error
	for i := 0; i < 256 && encErr == nil; i++ {
		_, encErr = enc.Encode(pcm)
	}
	if encErr == nil {
		_, encErr = enc.Flush()
	}
	if encErr == nil {
		t.Fatalf("编码器提前退出时期望报错")
	}
}

func TestLockedBuffer_ConcurrentWriteAndRead(t *testing.T) {
	var b lockedBuffer
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, _ = b.Write([]byte("x"))
			}
		}()
	}
	for j := 0; j < 200; j++ {
		_ = b.text()
	}
	wg.Wait()
	if got := b.text(); len(got) != 800 {
		t.Fatalf("期望 800 字节，实际 %d", len(got))
	}
}

func TestExpand(t *testing.T) {
	got := expand(DefaultRenderCommand, renderVars("/a.sid", "/tmp/o.wav", 3, 77, sidfile.TimingNTSC))
	want := []string{"sidplayfp", "-q", "-o3", "-t77", "-vn", "-w/tmp/o.wav", "/a.sid"}
	if len(got) != len(want) {
		t.Fatalf("长度不一致：%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("第 %d 个参数：got=%q want=%q", i, got[i], want[i])
		}
	}
	if _, err := NewEncoderFactory([]string{" "}); err == nil {
		t.Fatalf("空命令应报错")
	}
}
