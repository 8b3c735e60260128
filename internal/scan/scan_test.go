package scan

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScanSources_ExcludesOutDirAndHidden(t *testing.T) {
	root := t.TempDir()

	touch(t, filepath.Join(root, "out", "Tune.sid"))
	touch(t, filepath.Join(root, ".trash", "Old.sid"))
	touch(t, filepath.Join(root, "MUSICIANS", "H", "Hubbard_Rob", "Commando.sid"))
	touch(t, filepath.Join(root, "GAMES", "Loud.SID"))
	touch(t, filepath.Join(root, "DOCUMENTS", "readme.txt"))

	got, err := ScanSources(root, filepath.Join(root, "out"), nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(got) != 2 {
		t.Fatalf("期望 2 个文件，实际 %d：%+v", len(got), got)
	}
	if got[0].RelPath != filepath.Join("GAMES", "Loud.SID") || got[0].Base != "Loud" {
		t.Fatalf("排序或字段不正确：%+v", got[0])
	}
	if got[1].Base != "Commando" || !filepath.IsAbs(got[1].AbsPath) {
		t.Fatalf("字段不正确：%+v", got[1])
	}
}

func TestScanSources_ExcludeDirs(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "keep", "a.sid"))
	touch(t, filepath.Join(root, "skip", "b.sid"))
	abs := filepath.Join(root, "abs")
	touch(t, filepath.Join(abs, "c.sid"))

	got, err := ScanSources(root, "", []string{"skip", abs, "  "})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(got) != 1 || got[0].Base != "a" {
		t.Fatalf("排除规则不正确：%+v", got)
	}
}

func TestScanSources_SingleFileRoot(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "One.dat")
	touch(t, p)

	got, err := ScanSources(p, "", nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(got) != 1 || got[0].AbsPath != p || Paths(got)[0] != p {
		t.Fatalf("单文件输入应原样返回：%+v", got)
	}
}

func TestScanSources_MissingRoot(t *testing.T) {
	if _, err := ScanSources(filepath.Join(t.TempDir(), "nope"), "", nil); err == nil {
		t.Fatalf("期望错误")
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
}
