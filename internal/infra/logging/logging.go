// Package logging 基于 log/slog 构造结构化日志。
//
// 约束：日志只写 stderr（或调用方给定的 writer）；stdout 保留给 report JSON。
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config 是日志配置。
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"
}

// Setup 按配置构造 logger 并设为全局默认，写入 stderr。
func Setup(cfg Config) *slog.Logger {
	return SetupTo(os.Stderr, cfg)
}

// SetupTo 与 Setup 相同，但写入 w。
func SetupTo(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}

	l := slog.New(h)
	slog.SetDefault(l)
	return l
}

// ParseLevel 把字符串转换为 slog.Level；未知值按 info 处理。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard 返回丢弃一切输出的 logger（测试与静默模式使用）。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component 返回带组件名的 logger。
func Component(base *slog.Logger, name string) *slog.Logger {
	return orDefault(base).With("component", name)
}

// BatchLogger 返回带批次 ID 的 logger。
func BatchLogger(base *slog.Logger, batchID string) *slog.Logger {
	return orDefault(base).With("batch_id", batchID)
}

// WorkerLogger 返回带 worker 编号的 logger。
func WorkerLogger(base *slog.Logger, workerID int) *slog.Logger {
	return orDefault(base).With("worker_id", workerID)
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
