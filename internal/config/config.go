package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/sidconv/internal/loop"
)

const (
	// ErrCodeNotFound 表示无参运行但 cwd 下没有 sidconv.yaml。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingPath 表示无参运行但配置文件缺少 path 字段。
	ErrCodeMissingPath = "config_missing_path"
)

// FileName 是配置文件名。
const FileName = "sidconv.yaml"

const (
	DefaultFormat  = "wav"
	DefaultBitrate = 192
	MaxWorkers     = 64
)

// CLIArgs 是 CLI 暴露的覆盖项。字符串为空、整数为 0 表示“未指定”。
type CLIArgs struct {
	Path    string
	Out     string
	Format  string
	Workers int
	Timeout int
	Loop    string
	Config  string // 显式指定配置文件（可选）

	LogLevel  string
	LogFormat string
}

// FileConfig 对应 sidconv.yaml 的解析结构。
type FileConfig struct {
	Path            string    `yaml:"path"`
	Out             string    `yaml:"out"`
	Format          string    `yaml:"format"`
	Bitrate         int       `yaml:"bitrate"`
	Workers         int       `yaml:"workers"`
	Timeout         int       `yaml:"timeout"`
	Songlengths     []string  `yaml:"songlengths"`
	LengthsCache    string    `yaml:"lengths_cache"`
	FallbackSeconds int       `yaml:"fallback_seconds"`
	Loop            string    `yaml:"loop"`
	TrimSilence     bool      `yaml:"trim_silence"`
	ExcludeDirs     []string  `yaml:"exclude_dirs"`
	RenderCmd       string    `yaml:"render_cmd"`
	EncodeCmd       string    `yaml:"encode_cmd"`
	PublishURL      string    `yaml:"publish_url"`
	MetricsAddr     string    `yaml:"metrics_addr"`
	Log             LogConfig `yaml:"log"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	Path string
	Out  string

	Format  string
	Bitrate int

	Workers int
	Timeout int

	// Songlengths 第一个为主库，其余为自定义库（后者覆盖前者）。
	Songlengths []string
	// LengthsCache 为空表示不落盘（纯内存）。
	LengthsCache    string
	FallbackSeconds int

	Loop        loop.Policy
	TrimSilence bool
	ExcludeDirs []string

	RenderCmd string
	EncodeCmd string

	PublishURL  string
	MetricsAddr string

	LogFormat string
	LogLevel  string

	// ConfigFile 是实际读取到的配置文件（未读取时为空）。
	ConfigFile string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingPath:
		return fmt.Sprintf("%s：配置文件 %q 缺少必填字段 path", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 指定 --config：必须存在
// 2) CLI 提供 path：尝试读取 <path>/sidconv.yaml（可选；path 是文件时取其所在目录）
// 3) 都没有：必须读取 <cwd>/sidconv.yaml，且其中必须包含 path
//
// 覆盖优先级（固定）：CLI > 配置文件 > 按 CPU 核数自动调优的默认值
func LoadEffective(cwd string, cores int, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	if strings.TrimSpace(cli.Config) != "" {
		cfgPath := absCleanFrom(cwdAbs, cli.Config)
		fc, exists, err := readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
		base := filepath.Dir(cfgPath)
		absPath := absCleanFrom(cwdAbs, cli.Path)
		if absPath == "" {
			if strings.TrimSpace(fc.Path) == "" {
				return EffectiveConfig{}, &Error{Code: ErrCodeMissingPath, Path: cfgPath}
			}
			absPath = absCleanFrom(base, fc.Path)
		}
		return merge(absPath, base, cwdAbs, cores, cli, fc, cfgPath)
	}

	if strings.TrimSpace(cli.Path) != "" {
		absPath := absCleanFrom(cwdAbs, cli.Path)
		dir := absPath
		if fi, err := os.Stat(absPath); err == nil && !fi.IsDir() {
			dir = filepath.Dir(absPath)
		}
		cfgPath := filepath.Join(dir, FileName)

		fc, exists, err := readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			cfgPath = ""
		}
		return merge(absPath, dir, cwdAbs, cores, cli, fc, cfgPath)
	}

	cfgPath := filepath.Join(cwdAbs, FileName)
	fc, exists, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !exists {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
	}
	if strings.TrimSpace(fc.Path) == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingPath, Path: cfgPath}
	}
	return merge(absCleanFrom(cwdAbs, fc.Path), cwdAbs, cwdAbs, cores, cli, fc, cfgPath)
}

// merge 合并 CLI 与配置文件。文件内的相对路径以 base（配置所在目录）为基准；CLI 的相对路径以 cwd 为基准。
func merge(absPath, base, cwd string, cores int, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	invalid := func(format string, args ...any) error {
		return &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf(format, args...)}
	}

	autoWorkers, autoTimeout := AutoTune(cores)

	root := absPath
	if fi, err := os.Stat(absPath); err == nil && !fi.IsDir() {
		root = filepath.Dir(absPath)
	}

	out := filepath.Join(root, "out")
	switch {
	case strings.TrimSpace(cli.Out) != "":
		out = absCleanFrom(cwd, cli.Out)
	case strings.TrimSpace(fc.Out) != "":
		out = absCleanFrom(base, fc.Out)
	}

	format := pick(cli.Format, fc.Format, DefaultFormat)
	format = strings.ToLower(format)
	if format != "wav" && format != "mp3" {
		return EffectiveConfig{}, invalid("format 只能是 wav 或 mp3，实际是 %q", format)
	}

	bitrate := fc.Bitrate
	if bitrate == 0 {
		bitrate = DefaultBitrate
	}
	if bitrate < 32 || bitrate > 320 {
		return EffectiveConfig{}, invalid("bitrate 必须在 [32, 320] 之间，实际是 %d", bitrate)
	}

	workers := pickInt(cli.Workers, fc.Workers, autoWorkers)
	if workers < 1 {
		workers = 1
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}

	timeout := pickInt(cli.Timeout, fc.Timeout, autoTimeout)
	if timeout < 1 {
		return EffectiveConfig{}, invalid("timeout 必须为正数，实际是 %d", timeout)
	}

	fallback := fc.FallbackSeconds
	if fallback == 0 {
		fallback = timeout
	}
	if fallback < 1 {
		return EffectiveConfig{}, invalid("fallback_seconds 必须为正数，实际是 %d", fallback)
	}

	policy, err := loop.ParsePolicy(pick(cli.Loop, fc.Loop, ""))
	if err != nil {
		return EffectiveConfig{}, invalid("%v", err)
	}

	songlengths := make([]string, 0, len(fc.Songlengths))
	for _, p := range fc.Songlengths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		songlengths = append(songlengths, absCleanFrom(base, p))
	}
	if len(songlengths) == 0 {
		if p := discoverSonglengths(root); p != "" {
			songlengths = append(songlengths, p)
		}
	}

	lengthsCache := filepath.Join(out, ".sidconv", "lengths.txt")
	switch v := strings.TrimSpace(fc.LengthsCache); v {
	case "":
	case "-":
		lengthsCache = ""
	default:
		lengthsCache = absCleanFrom(base, v)
	}

	return EffectiveConfig{
		Path:            absPath,
		Out:             out,
		Format:          format,
		Bitrate:         bitrate,
		Workers:         workers,
		Timeout:         timeout,
		Songlengths:     songlengths,
		LengthsCache:    lengthsCache,
		FallbackSeconds: fallback,
		Loop:            policy,
		TrimSilence:     fc.TrimSilence,
		ExcludeDirs:     append([]string(nil), fc.ExcludeDirs...),
		RenderCmd:       strings.TrimSpace(fc.RenderCmd),
		EncodeCmd:       strings.TrimSpace(fc.EncodeCmd),
		PublishURL:      strings.TrimSpace(fc.PublishURL),
		MetricsAddr:     strings.TrimSpace(fc.MetricsAddr),
		LogFormat:       pick(cli.LogFormat, fc.Log.Format, "text"),
		LogLevel:        pick(cli.LogLevel, fc.Log.Level, "info"),
		ConfigFile:      cfgPath,
	}, nil
}

// AutoTune 按 CPU 核数给出默认 worker 数与默认时长（秒）。
func AutoTune(cores int) (workers, timeout int) {
	if cores < 1 {
		cores = 1
	}
	switch {
	case cores <= 4:
		return cores, 60
	case cores <= 8:
		return cores, 90
	case cores <= 16:
		return 16, 120
	default:
		return 24, 180
	}
}

// discoverSonglengths 在曲库的 DOCUMENTS 目录下寻找曲长库（优先 .zst）。
func discoverSonglengths(root string) string {
	for _, name := range []string{"Songlengths.md5.zst", "Songlengths.md5"} {
		p := filepath.Join(root, "DOCUMENTS", name)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return ""
}

func pick(cli, file, def string) string {
	if v := strings.TrimSpace(cli); v != "" {
		return v
	}
	if v := strings.TrimSpace(file); v != "" {
		return v
	}
	return def
}

func pickInt(cli, file, def int) int {
	if cli != 0 {
		return cli
	}
	if file != 0 {
		return file
	}
	return def
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 YAML 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
