package scan

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/sidconv/internal/domain"
)

// ScanSources 扫描 root 下的 .sid 文件，并应用目录排除规则。
//
// 规则（硬约束）：
// - 永久排除：outDir（若位于 root 之下）与任何以 "." 开头的目录
// - excludeDirs：均视为相对 root 的路径（若是绝对路径，则按绝对路径处理）
// - root 本身是文件时，只返回它（不检查扩展名）
//
// 注意：扫描阶段只做 stat（DirEntry.Info），不读文件内容。
func ScanSources(root, outDir string, excludeDirs []string) ([]domain.SourceFile, error) {
	root, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		name := filepath.Base(root)
		return []domain.SourceFile{{
			AbsPath: root,
			RelPath: name,
			Base:    strings.TrimSuffix(name, filepath.Ext(name)),
			Size:    fi.Size(),
			ModUnix: fi.ModTime().Unix(),
		}}, nil
	}

	excluded := buildExcluded(root, outDir, excludeDirs)

	files := make([]domain.SourceFile, 0, 1024)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if path != root && d.IsDir() && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if isExcluded(path, excluded) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		if !strings.EqualFold(filepath.Ext(name), ".sid") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		files = append(files, domain.SourceFile{
			AbsPath: path,
			RelPath: rel,
			Base:    strings.TrimSuffix(name, filepath.Ext(name)),
			Size:    info.Size(),
			ModUnix: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 强制稳定输出，避免不同平台/文件系统行为差异带来的不确定性。
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// Paths 提取绝对路径列表（保持顺序）。
func Paths(files []domain.SourceFile) []string {
	out := make([]string, len(files))
	for i := range files {
		out[i] = files[i].AbsPath
	}
	return out
}

func buildExcluded(root, outDir string, excludeDirs []string) []string {
	excluded := make([]string, 0, 1+len(excludeDirs))
	if strings.TrimSpace(outDir) != "" {
		if abs, err := filepath.Abs(outDir); err == nil && isUnder(abs, root) && abs != root {
			excluded = append(excluded, abs)
		}
	}

	for _, x := range excludeDirs {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		if filepath.IsAbs(x) {
			excluded = append(excluded, filepath.Clean(x))
			continue
		}
		excluded = append(excluded, filepath.Clean(filepath.Join(root, x)))
	}

	sort.Strings(excluded)
	return excluded
}

func isExcluded(path string, excluded []string) bool {
	path = filepath.Clean(path)
	for _, base := range excluded {
		if isUnder(path, base) {
			return true
		}
	}
	return false
}

func isUnder(path, base string) bool {
	if path == base {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(path, base+sep)
}
