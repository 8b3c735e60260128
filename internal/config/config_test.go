package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/John-Robertt/sidconv/internal/loop"
)

func TestLoadEffective_ConfigNotFound(t *testing.T) {
	cwd := t.TempDir()

	_, err := LoadEffective(cwd, 4, CLIArgs{})
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeNotFound, err, Code(err))
	}
}

func TestLoadEffective_ConfigMissingPath(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte("format: mp3\n"))

	_, err := LoadEffective(cwd, 4, CLIArgs{})
	if Code(err) != ErrCodeMissingPath {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeMissingPath, err, Code(err))
	}
}

func TestLoadEffective_FileValuesAndRelativePaths(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte(`
path: C64Music
out: converted
format: MP3
bitrate: 256
workers: 3
timeout: 200
songlengths:
  - DOCUMENTS/Songlengths.md5
  - custom.md5
lengths_cache: cache/lengths.txt
loop: hashchain
exclude_dirs: [DEMOS]
publish_url: file:///tmp/bucket
metrics_addr: ":9100"
log:
  format: json
  level: debug
`))

	eff, err := LoadEffective(cwd, 4, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Path != filepath.Join(cwd, "C64Music") || eff.Out != filepath.Join(cwd, "converted") {
		t.Fatalf("路径解析不正确：%+v", eff)
	}
	if eff.Format != "mp3" || eff.Bitrate != 256 || eff.Workers != 3 || eff.Timeout != 200 {
		t.Fatalf("字段不正确：%+v", eff)
	}
	if eff.FallbackSeconds != 200 {
		t.Fatalf("fallback_seconds 默认应等于 timeout：%d", eff.FallbackSeconds)
	}
	if len(eff.Songlengths) != 2 || eff.Songlengths[1] != filepath.Join(cwd, "custom.md5") {
		t.Fatalf("songlengths 不正确：%v", eff.Songlengths)
	}
	if eff.LengthsCache != filepath.Join(cwd, "cache", "lengths.txt") {
		t.Fatalf("lengths_cache 不正确：%q", eff.LengthsCache)
	}
	if eff.Loop != loop.PolicyHashChain || eff.LogFormat != "json" || eff.LogLevel != "debug" {
		t.Fatalf("loop/log 不正确：%+v", eff)
	}
	if eff.PublishURL != "file:///tmp/bucket" || eff.MetricsAddr != ":9100" {
		t.Fatalf("publish/metrics 不正确：%+v", eff)
	}
}

func TestLoadEffective_CLIOverridesFile(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte("path: music\nformat: mp3\nworkers: 3\nloop: off\n"))

	eff, err := LoadEffective(cwd, 4, CLIArgs{Format: "wav", Workers: 7, Loop: "tolerant", Out: "elsewhere"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Format != "wav" || eff.Workers != 7 || eff.Loop != loop.PolicyTolerant {
		t.Fatalf("CLI 应覆盖配置文件：%+v", eff)
	}
	if eff.Out != filepath.Join(cwd, "elsewhere") {
		t.Fatalf("CLI out 以 cwd 为基准：%q", eff.Out)
	}
}

func TestLoadEffective_CLIPath_ConfigOptionalAndAutoTuned(t *testing.T) {
	cwd := t.TempDir()
	root := filepath.Join(cwd, "root")
	writeFile(t, filepath.Join(root, "DOCUMENTS", "Songlengths.md5"), []byte("[Database]\n"))

	eff, err := LoadEffective(cwd, 6, CLIArgs{Path: root})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Path != root || eff.Out != filepath.Join(root, "out") || eff.ConfigFile != "" {
		t.Fatalf("默认路径不正确：%+v", eff)
	}
	if eff.Workers != 6 || eff.Timeout != 90 {
		t.Fatalf("期望自动调优 6/90，实际 %d/%d", eff.Workers, eff.Timeout)
	}
	if eff.Format != DefaultFormat || eff.Loop != loop.PolicyTolerant {
		t.Fatalf("默认值不正确：%+v", eff)
	}
	if len(eff.Songlengths) != 1 || eff.Songlengths[0] != filepath.Join(root, "DOCUMENTS", "Songlengths.md5") {
		t.Fatalf("应自动发现曲长库：%v", eff.Songlengths)
	}
	if eff.LengthsCache != filepath.Join(root, "out", ".sidconv", "lengths.txt") {
		t.Fatalf("测量缓存默认位置不正确：%q", eff.LengthsCache)
	}
}

func TestLoadEffective_CLIPath_InvalidConfig(t *testing.T) {
	cwd := t.TempDir()
	root := filepath.Join(cwd, "root")
	writeFile(t, filepath.Join(root, FileName), []byte("path: [unclosed\n"))

	_, err := LoadEffective(cwd, 4, CLIArgs{Path: root})
	if Code(err) != ErrCodeInvalid {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeInvalid, err, Code(err))
	}
}

func TestLoadEffective_InvalidFields(t *testing.T) {
	cases := []string{
		"path: p\nformat: flac\n",
		"path: p\nbitrate: 999\n",
		"path: p\nloop: sometimes\n",
		"path: p\ntimeout: -5\n",
	}
	for _, c := range cases {
		cwd := t.TempDir()
		writeFile(t, filepath.Join(cwd, FileName), []byte(c))
		_, err := LoadEffective(cwd, 4, CLIArgs{})
		if Code(err) != ErrCodeInvalid {
			t.Fatalf("%q：期望 %q，实际 err=%v", c, ErrCodeInvalid, err)
		}
	}
}

func TestLoadEffective_ExplicitConfigMustExist(t *testing.T) {
	cwd := t.TempDir()
	_, err := LoadEffective(cwd, 4, CLIArgs{Config: "nope.yaml"})
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("期望 %q，实际 err=%v", ErrCodeNotFound, err)
	}
}

func TestLoadEffective_LengthsCacheDisabled(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte("path: p\nlengths_cache: \"-\"\nworkers: 500\n"))

	eff, err := LoadEffective(cwd, 4, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.LengthsCache != "" {
		t.Fatalf("\"-\" 应关闭测量缓存落盘：%q", eff.LengthsCache)
	}
	if eff.Workers != MaxWorkers {
		t.Fatalf("workers 应截断到 %d，实际 %d", MaxWorkers, eff.Workers)
	}
}

func TestAutoTune(t *testing.T) {
	cases := []struct{ cores, workers, timeout int }{
		{0, 1, 60},
		{2, 2, 60},
		{4, 4, 60},
		{8, 8, 90},
		{12, 16, 120},
		{16, 16, 120},
		{64, 24, 180},
	}
	for _, c := range cases {
		w, to := AutoTune(c.cores)
		if w != c.workers || to != c.timeout {
			t.Fatalf("AutoTune(%d)=%d/%d，期望 %d/%d", c.cores, w, to, c.workers, c.timeout)
		}
	}
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写入文件失败 %q：%v", path, err)
	}
}
