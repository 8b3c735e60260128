package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/John-Robertt/sidconv/internal/app/convert"
	"github.com/John-Robertt/sidconv/internal/audio"
	"github.com/John-Robertt/sidconv/internal/audio/extproc"
	"github.com/John-Robertt/sidconv/internal/config"
	"github.com/John-Robertt/sidconv/internal/domain"
	"github.com/John-Robertt/sidconv/internal/infra/cache"
	"github.com/John-Robertt/sidconv/internal/infra/fsx"
	"github.com/John-Robertt/sidconv/internal/infra/logging"
	"github.com/John-Robertt/sidconv/internal/infra/metrics"
	"github.com/John-Robertt/sidconv/internal/infra/publish"
	"github.com/John-Robertt/sidconv/internal/loop"
	"github.com/John-Robertt/sidconv/internal/scan"
	"github.com/John-Robertt/sidconv/internal/sidfile"
	"github.com/John-Robertt/sidconv/internal/songlength"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	var code int
	switch args[0] {
	case "convert":
		code = convertCmd(args[1:])
	case "hash":
		code = hashCmd(os.Stdout, args[1:])
	case "length":
		code = lengthCmd(os.Stdout, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		code = 2
	}
	if code != 0 {
		os.Exit(code)
	}
}

func convertCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printConvertUsage()
			return 0
		}
	}

	cli, err := parseConvertArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printConvertUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	eff, err := config.LoadEffective(cwd, runtime.NumCPU(), cli)
	if err != nil {
		path := cli.Path
		if path == "" {
			path = cwd
		}
		emitReport(failedReport(path, cli.Out, config.Code(err), err.Error()))
		return 1
	}

	log := logging.Setup(logging.Config{Format: eff.LogFormat, Level: eff.LogLevel})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New("")
	if eff.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, eff.MetricsAddr); err != nil {
				log.Warn("metrics 服务退出", "addr", eff.MetricsAddr, "err", err)
			}
		}()
	}

	db := songlength.New(logging.Component(log, "songlength"))
	if len(eff.Songlengths) > 0 {
		if st, err := db.Load(eff.Songlengths[0], eff.Songlengths[1:]...); err != nil {
			log.Warn("曲长库不可用，将使用测量缓存/默认时长", "err", err)
		} else {
			log.Info("曲长库已载入", "entries", st.Entries, "indexed", st.Indexed, "files", st.Files)
		}
	}
	lengths := cache.OpenLengths(eff.LengthsCache, eff.FallbackSeconds, logging.Component(log, "lengths_cache"))

	renderers, err := extproc.NewRendererFactory(strings.Fields(eff.RenderCmd))
	if err != nil {
		emitReport(failedReport(eff.Path, eff.Out, domain.ErrCodeConfigInvalid, fmt.Sprintf("render_cmd 无效：%v", err)))
		return 1
	}
	var encoders audio.EncoderFactory
	if eff.Format == "mp3" {
		encoders, err = extproc.NewEncoderFactory(strings.Fields(eff.EncodeCmd))
		if err != nil {
			emitReport(failedReport(eff.Path, eff.Out, domain.ErrCodeConfigInvalid, fmt.Sprintf("encode_cmd 无效：%v", err)))
			return 1
		}
	}
	format, err := audio.ParseFormat(eff.Format, eff.Bitrate, encoders)
	if err != nil {
		emitReport(failedReport(eff.Path, eff.Out, domain.ErrCodeConfigInvalid, err.Error()))
		return 1
	}

	files, err := scan.ScanSources(eff.Path, eff.Out, eff.ExcludeDirs)
	if err != nil {
		emitReport(failedReport(eff.Path, eff.Out, domain.ErrCodeIOFailed, fmt.Sprintf("扫描失败：%v", err)))
		return 1
	}

	progressW, interactive := pickProgressWriter()
	var ui *progressUI
	observers := []convert.Observer{m}
	if interactive {
		ui = newProgressUI(progressW)
		ui.printConfig(eff, len(files))
		observers = append(observers, ui)
	}

	audit := loop.DefaultAuditConfig()
	audit.TrimTail = eff.TrimSilence

	opts := convert.BatchOptions{
		Options: convert.Options{
			Workers:        eff.Workers,
			DefaultTimeout: eff.Timeout,
			Format:         format,
			Renderers:      renderers,
			Lengths:        db,
			Fallback:       lengths,
			Loop:           func() loop.Detector { return loop.New(eff.Loop, loop.DefaultConfig()) },
			Audit:          audit,
			Observer:       convert.MultiObserver(observers...),
			Logger:         logging.Component(log, "convert"),
		},
		Root:   eff.Path,
		Reload: db,
	}
	if !interactive {
		opts.Progress = func(done, total int) {
			log.Info("进度", "done", done, "total", total)
		}
	}

	rep, err := convert.Batch(ctx, scan.Paths(files), eff.Out, opts)
	if ui != nil {
		ui.finish()
	}
	if err != nil {
		msg := err.Error()
		if fsx.IsPathTypeConflict(err) {
			msg = fmt.Sprintf("输出目录 %s 已被同名文件占用：%v", eff.Out, err)
		}
		emitReport(failedReport(eff.Path, eff.Out, domain.ErrCodeIOFailed, msg))
		return 1
	}
	if n := lengths.WriteFailures(); n > 0 {
		m.CacheFailures.Add(float64(n))
	}

	if eff.PublishURL != "" && len(rep.Outputs) > 0 && !rep.Cancelled {
		publishOutputs(ctx, log, m, eff, rep.Outputs)
	}

	if err := writeReportFile(eff.Out, rep); err != nil {
		fmt.Fprintf(os.Stderr, "写入 report.json 失败：%v\n", err)
		emitReport(rep)
		return 1
	}

	emitReport(rep)
	if interactive {
		emitLocations(progressW, eff)
	}
	switch {
	case rep.Cancelled:
		return 130
	case rep.Summary.Failed > 0:
		return 1
	default:
		return 0
	}
}

func publishOutputs(ctx context.Context, log *slog.Logger, m *metrics.Metrics, eff config.EffectiveConfig, outputs []string) {
	plog := logging.Component(log, "publish")
	pub, err := publish.Open(ctx, eff.PublishURL, "", plog)
	if err != nil {
		plog.Error("无法打开发布目标", "url", eff.PublishURL, "err", err)
		return
	}
	defer pub.Close()

	pub.OnUpload = func(_ string, err error) {
		if err != nil {
			m.Published.WithLabelValues("failed").Inc()
			return
		}
		m.Published.WithLabelValues("ok").Inc()
	}
	res, err := pub.Publish(ctx, eff.Out, outputs)
	if err != nil {
		plog.Warn("发布中断", "err", err)
	}
	plog.Info("发布完成", "uploaded", res.Uploaded, "skipped", res.Skipped, "failed", len(res.Failed))
}

func parseConvertArgs(args []string) (config.CLIArgs, error) {
	var cli config.CLIArgs

	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") {
			if cli.Path != "" {
				return config.CLIArgs{}, fmt.Errorf("重复的 path：%q 与 %q", cli.Path, a)
			}
			cli.Path = a
			continue
		}

		name, val, hasVal := strings.Cut(a, "=")
		switch name {
		case "--out", "--format", "--workers", "--timeout", "--loop", "--config", "--log-level", "--log-format":
		default:
			return config.CLIArgs{}, fmt.Errorf("未知参数 %q", a)
		}
		if !hasVal {
			if i+1 >= len(args) {
				return config.CLIArgs{}, fmt.Errorf("%s 需要一个值", name)
			}
			i++
			val = args[i]
		}
		if strings.TrimSpace(val) == "" {
			return config.CLIArgs{}, fmt.Errorf("%s 不能为空", name)
		}

		switch name {
		case "--out":
			cli.Out = val
		case "--format":
			cli.Format = val
		case "--loop":
			cli.Loop = val
		case "--config":
			cli.Config = val
		case "--log-level":
			cli.LogLevel = val
		case "--log-format":
			cli.LogFormat = val
		case "--workers", "--timeout":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return config.CLIArgs{}, fmt.Errorf("%s 必须是正整数，实际是 %q", name, val)
			}
			if name == "--workers" {
				cli.Workers = n
			} else {
				cli.Timeout = n
			}
		}
	}
	return cli, nil
}

// hashCmd 打印文件的内容哈希与头部信息（用于核对曲长库条目）。
func hashCmd(w io.Writer, args []string) int {
	if len(args) != 1 || isHelp(args[0]) {
		fmt.Fprintln(os.Stderr, "用法：sidconv hash <file.sid>")
		return 2
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取失败：%v\n", err)
		return 1
	}
	sum, err := sidfile.ContentHash(b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s：%v\n", args[0], err)
		return 1
	}
	h, err := sidfile.ParseHeader(b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s：%v\n", args[0], err)
		return 1
	}
	fmt.Fprintf(w, "hash: %s\n", sum)
	fmt.Fprintf(w, "format: %s v%d\n", h.Magic, h.Version)
	fmt.Fprintf(w, "songs: %d (start %d)\n", h.Songs, h.StartSong)
	fmt.Fprintf(w, "timing: %s\n", h.Timing)
	fmt.Fprintf(w, "name: %s\n", h.Name)
	fmt.Fprintf(w, "author: %s\n", h.Author)
	fmt.Fprintf(w, "released: %s\n", h.Released)
	return 0
}

// lengthCmd 按“曲长库 -> 测量缓存（只读）-> 默认”的顺序打印某首子曲目的时长。
func lengthCmd(w io.Writer, args []string) int {
	var (
		dbs       []string
		cachePath string
		pos       []string
	)
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case isHelp(a):
			fmt.Fprintln(os.Stderr, "用法：sidconv length <file.sid> [subtune] [--db FILE]... [--cache FILE]")
			return 0
		case a == "--db" || a == "--cache":
			if i+1 >= len(args) {
				fmt.Fprintf(os.Stderr, "%s 需要一个值\n", a)
				return 2
			}
			i++
			if a == "--db" {
				dbs = append(dbs, args[i])
			} else {
				cachePath = args[i]
			}
		case strings.HasPrefix(a, "--db="):
			dbs = append(dbs, strings.TrimPrefix(a, "--db="))
		case strings.HasPrefix(a, "--cache="):
			cachePath = strings.TrimPrefix(a, "--cache=")
		case strings.HasPrefix(a, "-"):
			fmt.Fprintf(os.Stderr, "未知参数 %q\n", a)
			return 2
		default:
			pos = append(pos, a)
		}
	}
	if len(pos) == 0 || len(pos) > 2 {
		fmt.Fprintln(os.Stderr, "用法：sidconv length <file.sid> [subtune] [--db FILE]... [--cache FILE]")
		return 2
	}
	file := pos[0]
	sub := 0
	if len(pos) == 2 {
		n, err := strconv.Atoi(pos[1])
		if err != nil || n < 1 {
			fmt.Fprintf(os.Stderr, "subtune 必须是正整数，实际是 %q\n", pos[1])
			return 2
		}
		sub = n
	}

	log := logging.Discard()
	db := songlength.New(log)
	if len(dbs) > 0 {
		if _, err := db.Load(dbs[0], dbs[1:]...); err != nil {
			fmt.Fprintf(os.Stderr, "曲长库不可用：%v\n", err)
		}
	}

	songs := 1
	if h, err := sidfile.ReadHeader(file); err == nil {
		songs = h.Songs
	}
	subs := []int{sub}
	if sub == 0 {
		subs = subs[:0]
		for i := 1; i <= songs; i++ {
			subs = append(subs, i)
		}
	}

	var fallback *cache.Lengths
	if cachePath != "" {
		fallback = cache.OpenLengths(cachePath, 0, log)
	}
	for _, s := range subs {
		fmt.Fprintln(w, formatLength(file, s, db, fallback))
	}
	return 0
}

func formatLength(file string, sub int, db *songlength.DB, fallback *cache.Lengths) string {
	if n := db.Length(file, sub); n > 0 {
		return fmt.Sprintf("%d %s source=songlengths", sub, formatSeconds(n))
	}
	if fallback != nil {
		if n, ok := fallback.Lookup(file, sub); ok {
			return fmt.Sprintf("%d %s source=cache", sub, formatSeconds(n))
		}
	}
	return fmt.Sprintf("%d %s source=default", sub, formatSeconds(cache.DefaultSeconds))
}

func formatSeconds(n int) string {
	return fmt.Sprintf("%d:%02d", n/60, n%60)
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  sidconv convert [path] [--out DIR] [--format wav|mp3] [--workers N] [--timeout SEC] [--loop tolerant|hashchain|off]
  sidconv hash <file.sid>
  sidconv length <file.sid> [subtune] [--db FILE]... [--cache FILE]

命令：
  convert  批量把 PSID/RSID 转换为 WAV/MP3
  hash     打印曲长库使用的内容哈希与文件头
  length   查询子曲目时长

使用 "sidconv convert --help" 查看详细说明。
`)
}

func printConvertUsage() {
	fmt.Fprint(os.Stdout, `用法：
  sidconv convert [path] [参数]

参数：
  --out DIR         输出目录（默认 <path>/out）
  --format F        wav|mp3（默认 wav）
  --workers N       并发 worker 数（默认按 CPU 核数自动调优）
  --timeout SEC     曲长未知时的默认时长（默认按 CPU 核数自动调优）
  --loop P          循环检测策略：tolerant|hashchain|off（默认 tolerant）
  --config FILE     显式指定配置文件（默认 <path>/sidconv.yaml）
  --log-level L     debug|info|warn|error
  --log-format F    text|json
  -h, --help        显示帮助
`)
}

func emitReport(rep domain.BatchReport) {
	summary := fmt.Sprintf("完成：converted=%d skipped=%d failed=%d not_run=%d",
		rep.Summary.Converted, rep.Summary.Skipped, rep.Summary.Failed, rep.Summary.NotRun,
	)
	if isTTY(os.Stdout) {
		fmt.Fprintln(os.Stdout, summary)
		for _, it := range rep.Items {
			if it.Status != domain.StatusFailed {
				continue
			}
			key := it.Output
			if key == "" {
				key = it.Source
			}
			if key == "" {
				key = "<unknown>"
			}
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", key, it.ErrorCode, it.ErrorMsg)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 BatchReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rep)
	fmt.Fprintln(os.Stderr, summary)
}

// failedReport 为批次开始前的致命错误合成一份只含一条失败条目的报告。
func failedReport(path, out, code, msg string) domain.BatchReport {
	now := time.Now().UTC()
	rep := domain.BatchReport{
		Path:       path,
		OutDir:     out,
		StartedAt:  now,
		FinishedAt: now,
		Items: []domain.TaskResult{{
			Status:    domain.StatusFailed,
			ErrorCode: code,
			ErrorMsg:  msg,
			LoopAt:    -1,
		}},
	}
	rep.Finalize()
	return rep
}

func reportDir(out string) string {
	return filepath.Join(out, ".sidconv")
}

func writeReportFile(out string, rep domain.BatchReport) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomic(reportDir(out), "report.json", b)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "report: %s\n", filepath.Join(reportDir(eff.Out), "report.json"))
	fmt.Fprintf(w, "out: %s\n", eff.Out)
}
