package convert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/John-Robertt/sidconv/internal/app/planner"
	"github.com/John-Robertt/sidconv/internal/domain"
	"github.com/John-Robertt/sidconv/internal/infra/fsx"
	"github.com/John-Robertt/sidconv/internal/infra/logging"
)

// Reloader 是可按 mtime 热重载的数据源（曲长库）。
type Reloader interface {
	ReloadIfStale() (bool, error)
}

// BatchOptions 在 Options 之外补充批次级信息。
type BatchOptions struct {
	Options

	// Root 仅用于报告（源目录）。
	Root string
	// Reload 非 nil 时，派发任务前检查一次曲长库是否需要重载。
	Reload Reloader
}

// Batch 是批量转换的入口：创建输出目录 -> 规划 -> 执行 -> 生成报告。
//
// 约束：
// - 只有“输出目录无法创建/读取”会返回错误，且发生在任何任务开始之前
// - 其余失败一律降级为条目级结果
// - 报告的 Outputs 是全部成功输出的路径
func Batch(ctx context.Context, sources []string, outDir string, opts BatchOptions) (domain.BatchReport, error) {
	started := time.Now().UTC()
	o := opts.Options.normalized()

	batchID := uuid.NewString()
	log := logging.BatchLogger(o.Logger, batchID)
	o.Logger = log

	if err := fsx.EnsureDir(outDir); err != nil {
		return domain.BatchReport{}, fmt.Errorf("创建输出目录失败：%w", err)
	}

	if opts.Reload != nil {
		if reloaded, err := opts.Reload.ReloadIfStale(); err != nil {
			log.Warn("曲长库重载失败，沿用旧数据", "err", err)
		} else if reloaded {
			log.Info("曲长库已重载")
		}
	}

	st, err := planner.ReadOutState(outDir)
	if err != nil {
		return domain.BatchReport{}, fmt.Errorf("读取输出目录失败：%w", err)
	}
	plan := planner.Plan(sources, st, o.Format.Ext(), log)
	o.Observer.OnPlanned(plan)
	log.Info("规划完成",
		"sources", len(sources),
		"tasks", len(plan.Tasks),
		"skipped", len(plan.Skipped),
		"workers", o.Workers,
		"format", o.Format.Name(),
	)

	res := Run(ctx, plan.Tasks, o)

	rep := domain.BatchReport{
		BatchID:   batchID,
		Path:      opts.Root,
		OutDir:    outDir,
		Format:    o.Format.Name(),
		StartedAt: started,
		Cancelled: res.Cancelled,
		Items:     make([]domain.TaskResult, 0, len(plan.Skipped)+len(res.Results)),
	}
	rep.Items = append(rep.Items, plan.Skipped...)
	rep.Items = append(rep.Items, res.Results...)
	rep.FinishedAt = time.Now().UTC()
	rep.Finalize()

	log.Info("批次结束",
		"converted", rep.Summary.Converted,
		"failed", rep.Summary.Failed,
		"skipped", rep.Summary.Skipped,
		"not_run", rep.Summary.NotRun,
		"cancelled", rep.Cancelled,
	)
	return rep, nil
}
