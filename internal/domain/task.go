package domain

// Task 是一个待转换的子曲目。
//
// 约束：
// - 规划后不可变；只被一个 worker 消费一次
// - Subtune 从 1 开始；Songs 是该源文件的子曲目总数（头部无效时为 1）
// - Seconds=0 表示执行时再解析时长（曲长库 -> 测量缓存 -> 默认）
type Task struct {
	Source  string
	Output  string
	Subtune int
	Songs   int
	Seconds int
}

// Plan 是规划阶段的产物。
type Plan struct {
	OutDir string
	Tasks  []Task

	// Skipped 是因输出已存在或同名冲突而跳过的条目（按规划顺序）。
	Skipped []TaskResult
}
