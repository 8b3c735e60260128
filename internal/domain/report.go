package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusConverted = "converted"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
	StatusNotRun    = "not_run"
)

const (
	ErrCodeInvalidFormat     = "invalid_format"
	ErrCodeLoadFailed        = "load_failed"
	ErrCodeRenderFailed      = "render_failed"
	ErrCodeEncodeFailed      = "encode_failed"
	ErrCodeOutputMissing     = "output_missing"
	ErrCodeOutputTooSmall    = "output_too_small"
	ErrCodeOutputCorrupt     = "output_corrupt"
	ErrCodeSilent            = "silent"
	ErrCodeIOFailed          = "io_failed"
	ErrCodeOutputExists      = "output_exists"
	ErrCodeNameCollision     = "name_collision"
	ErrCodeCancelled         = "cancelled"
	ErrCodeConfigNotFound    = "config_not_found"
	ErrCodeConfigInvalid     = "config_invalid"
	ErrCodeConfigMissingPath = "config_missing_path"
)

// TaskResult 是单个子曲目的处理结果。
type TaskResult struct {
	Source  string `json:"source"`
	Output  string `json:"output"`
	Subtune int    `json:"subtune"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	Attempts int `json:"attempts"`
	// Seconds 是计划渲染时长；LoopAt 是检测到的循环起点（秒，-1 表示未检测到）。
	Seconds    int     `json:"seconds"`
	LoopAt     float64 `json:"loop_at"`
	DurationMs int64   `json:"duration_ms"`
}

// BatchReport 是对外稳定输出（report.json / stdout JSON）的结构。
type BatchReport struct {
	BatchID string `json:"batch_id"`
	Path    string `json:"path"`
	OutDir  string `json:"out_dir"`
	Format  string `json:"format"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Cancelled  bool      `json:"cancelled"`

	Summary ReportSummary `json:"summary"`
	Outputs []string      `json:"outputs"`
	Items   []TaskResult  `json:"items"`
}

type ReportSummary struct {
	Total     int `json:"total"`
	Converted int `json:"converted"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	NotRun    int `json:"not_run"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) items 稳定排序：按 output 字典序；output=="" 的条目排在最后
// 3) summary 与 outputs 由 items 计算得出
func (r *BatchReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	if r.Items == nil {
		r.Items = []TaskResult{}
	}
	sort.SliceStable(r.Items, func(i, j int) bool {
		a := r.Items[i].Output
		b := r.Items[j].Output
		if a == "" || b == "" {
			return a != "" && b == ""
		}
		return a < b
	})

	var s ReportSummary
	outputs := make([]string, 0, len(r.Items))
	for _, it := range r.Items {
		s.Total++
		switch it.Status {
		case StatusConverted:
			s.Converted++
			outputs = append(outputs, it.Output)
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		case StatusNotRun:
			s.NotRun++
		}
	}
	r.Summary = s
	r.Outputs = outputs
}

// MarshalJSON 仅用于集中约束输出的稳定性（避免未来不小心引入非确定字段）。
func (r BatchReport) MarshalJSON() ([]byte, error) {
	type Alias BatchReport
	return json.Marshal(Alias(r))
}
