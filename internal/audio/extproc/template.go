// Package extproc 用外部进程实现 audio.Renderer / audio.Encoder。
package extproc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/John-Robertt/sidconv/internal/sidfile"
)

// DefaultRenderCommand 让 sidplayfp 把指定子曲目渲染成 WAV 文件。
var DefaultRenderCommand = []string{"sidplayfp", "-q", "-o{subtune}", "-t{seconds}", "-v{clockflag}", "-w{out}", "{file}"}

// DefaultEncodeCommand 让 lame 从 stdin 读原始 PCM，向 stdout 写 MP3。
var DefaultEncodeCommand = []string{"lame", "-r", "-s", "44.1", "--bitwidth", "16", "--signed", "--little-endian", "-b", "{bitrate}", "--quiet", "-", "-"}

// expand 替换参数模板中的占位符；未知占位符原样保留。
func expand(tmpl []string, vars map[string]string) []string {
	out := make([]string, 0, len(tmpl))
	for _, a := range tmpl {
		for k, v := range vars {
			a = strings.ReplaceAll(a, "{"+k+"}", v)
		}
		out = append(out, a)
	}
	return out
}

func renderVars(file, out string, subtune, seconds int, timing sidfile.Timing) map[string]string {
	clock, flag := "pal", "p"
	if timing == sidfile.TimingNTSC {
		clock, flag = "ntsc", "n"
	}
	return map[string]string{
		"file":      file,
		"out":       out,
		"subtune":   strconv.Itoa(subtune),
		"seconds":   strconv.Itoa(seconds),
		"clock":     clock,
		"clockflag": flag,
	}
}

func validateTemplate(tmpl []string) error {
	if len(tmpl) == 0 || strings.TrimSpace(tmpl[0]) == "" {
		return fmt.Errorf("命令模板为空")
	}
	return nil
}
