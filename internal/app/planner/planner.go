package planner

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/sidconv/internal/domain"
	"github.com/John-Robertt/sidconv/internal/sidfile"
)

// ReadOutState 读取输出目录的现状（只做 ReadDir，不读文件内容）。
// 若 outDir 不存在，返回空状态且不报错。以 "." 开头的名字（临时文件、报告目录）不计入。
func ReadOutState(outDir string) (domain.OutState, error) {
	st := domain.OutState{
		OutDir:        outDir,
		ExistingNames: map[string]struct{}{},
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return domain.OutState{}, err
	}

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || e.IsDir() {
			continue
		}
		st.ExistingNames[e.Name()] = struct{}{}
	}
	return st, nil
}

// OutputName 生成输出文件名：单曲为 "<stem>.<ext>"，多曲为 "<stem>_<NN>.<ext>"（NN 从 01 开始）。
func OutputName(stem, ext string, subtune, songs int) string {
	if songs <= 1 {
		return stem + "." + ext
	}
	return fmt.Sprintf("%s_%02d.%s", stem, subtune, ext)
}

// Stem 返回去掉扩展名的文件名。
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Plan 基于源文件列表与输出目录现状生成确定性的任务列表（不做任何写入）。
//
// 约束：
// - 顺序 = 源文件顺序 × 子曲目升序
// - 头部不可读/无效的源文件按 1 个子曲目规划，由 worker 判定为 invalid_format
// - 输出已存在 -> 跳过（output_exists）
// - 本次运行内另一源文件已占用同名输出 -> 跳过（name_collision）并记录日志
func Plan(sources []string, st domain.OutState, ext string, log *slog.Logger) domain.Plan {
	if log == nil {
		log = slog.Default()
	}
	p := domain.Plan{OutDir: st.OutDir}
	claimed := make(map[string]string, len(sources))

	for _, src := range sources {
		songs := 1
		h, err := sidfile.ReadHeader(src)
		if err != nil {
			log.Debug("头部无效，按单曲规划", "source", src, "err", err)
		} else {
			songs = h.Songs
		}

		stem := Stem(src)
		for sub := 1; sub <= songs; sub++ {
			name := OutputName(stem, ext, sub, songs)
			out := filepath.Join(st.OutDir, name)

			if st.Has(name) {
				p.Skipped = append(p.Skipped, domain.TaskResult{
					Source:    src,
					Output:    out,
					Subtune:   sub,
					Status:    domain.StatusSkipped,
					ErrorCode: domain.ErrCodeOutputExists,
					LoopAt:    -1,
				})
				continue
			}
			if owner, ok := claimed[name]; ok {
				log.Warn("输出文件名冲突，跳过", "source", src, "subtune", sub, "output", name, "owner", owner)
				p.Skipped = append(p.Skipped, domain.TaskResult{
					Source:    src,
					Output:    out,
					Subtune:   sub,
					Status:    domain.StatusSkipped,
					ErrorCode: domain.ErrCodeNameCollision,
					ErrorMsg:  fmt.Sprintf("输出名已被 %s 占用", owner),
					LoopAt:    -1,
				})
				continue
			}
			claimed[name] = src

			p.Tasks = append(p.Tasks, domain.Task{
				Source:  src,
				Output:  out,
				Subtune: sub,
				Songs:   songs,
			})
		}
	}
	return p
}
