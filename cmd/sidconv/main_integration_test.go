package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/John-Robertt/sidconv/internal/domain"
)

func TestCLI_NoTTY_ConfigErrorIsReportJSON(t *testing.T) {
	// 锁定对外契约：stdout 非 TTY 时只能输出一个 BatchReport JSON，配置错误也不例外。
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("找不到 go 命令")
	}
	root := t.TempDir()
	writeSID(t, filepath.Join(root, "tune.sid"), 1, []byte("x"))

	repoRoot := filepath.Clean(filepath.Join("..", ".."))
	cmd := exec.Command("go", "run", "./cmd/sidconv", "convert", root, "--format", "flac")
	cmd.Dir = repoRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		t.Fatalf("期望退出码 1，实际是 %v\nstderr=%s", err, stderr.String())
	}

	var rep domain.BatchReport
	if err := json.Unmarshal(stdout.Bytes(), &rep); err != nil {
		t.Fatalf("stdout 不是合法的 BatchReport JSON：%v\nstdout=%q", err, stdout.String())
	}
	if rep.Summary.Failed != 1 || rep.Items[0].ErrorCode != domain.ErrCodeConfigInvalid {
		t.Fatalf("report 不符合预期：%+v", rep)
	}
	if !strings.Contains(stderr.String(), "完成：converted=0 skipped=0 failed=1 not_run=0") {
		t.Fatalf("stderr 缺少完成摘要：%q", stderr.String())
	}
}
