package fsx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// 通过可替换的函数指针，让测试能稳定模拟 EXDEV 等错误。
var renameFunc = os.Rename

// PathTypeConflictError 表示目标路径类型冲突（例如期望目录但实际是文件）。
type PathTypeConflictError struct {
	Path string
	Want string
	Got  string
}

func (e *PathTypeConflictError) Error() string {
	return fmt.Sprintf("目标路径类型冲突：%q（期望 %s，实际 %s）", e.Path, e.Want, e.Got)
}

func IsPathTypeConflict(err error) bool {
	var e *PathTypeConflictError
	return errors.As(err, &e)
}

// CrossDeviceError 表示跨盘（EXDEV）导致的 rename 失败。
// 临时文件总是建在目标目录内，出现 EXDEV 说明目录被挂载点替换，直接失败。
type CrossDeviceError struct {
	Src string
	Dst string
	Err error
}

func (e *CrossDeviceError) Error() string {
	return fmt.Sprintf("跨盘重命名失败（EXDEV）：%q -> %q：%v", e.Src, e.Dst, e.Err)
}

func (e *CrossDeviceError) Unwrap() error { return e.Err }

// IsCrossDevice 判断 err 是否为跨盘（EXDEV）错误。
func IsCrossDevice(err error) bool {
	var e *CrossDeviceError
	return errors.As(err, &e)
}

// Rename 封装 os.Rename，并把 EXDEV 显式标记为 CrossDeviceError。
func Rename(src, dst string) error {
	if err := renameFunc(src, dst); err != nil {
		if isEXDEV(err) {
			return &CrossDeviceError{Src: src, Dst: dst, Err: err}
		}
		return err
	}
	return nil
}

// EnsureDir 确保 dir 存在且是目录；已存在的同名文件返回 PathTypeConflictError。
func EnsureDir(dir string) error {
	fi, err := os.Stat(dir)
	if err == nil {
		if fi.IsDir() {
			return nil
		}
		return &PathTypeConflictError{Path: dir, Want: "dir", Got: "file"}
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// TempFor 在 dst 同目录创建临时文件（前缀带 '.'，扫描输出目录时可识别并忽略）。
// 调用方写完后用 Commit 落到 dst，或用 Discard 丢弃。
func TempFor(dst string) (*os.File, error) {
	dir, name := filepath.Split(dst)
	if dir == "" {
		dir = "."
	}
	return os.CreateTemp(dir, "."+name+".tmp-*")
}

// Commit 关闭并 fsync 临时文件，然后原子替换到 dst。
// 任一步失败都会删除临时文件；rename 成功后不再删除任何东西。
func Commit(tmp *os.File, dst string) error {
	tmpName := tmp.Name()
	if err := tmp.Sync(); err != nil {
		Discard(tmp)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	_ = syncDirBestEffort(filepath.Dir(dst))
	return nil
}

// Discard 关闭并删除临时文件（best-effort）。
func Discard(tmp *os.File) {
	if tmp == nil {
		return
	}
	_ = tmp.Close()
	_ = os.Remove(tmp.Name())
}

// RemoveIfExists 删除 path；不存在不算错误。
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// AppendLine 以 O_APPEND 追加一段完整数据（通常是一行），必要时创建父目录。
// 调用方负责串行化；单次 Write 保证同一进程内行不交错。
func AppendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if err := writeAll(f, line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteFileAtomic 在 dir 下原子写入 name（临时文件 + rename），目标已存在则覆盖。
// 用于 report 等内部状态文件。
func WriteFileAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	dst := filepath.Join(dir, name)
	tmp, err := TempFor(dst)
	if err != nil {
		return err
	}

	if err := writeAll(tmp, data); err != nil {
		Discard(tmp)
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		Discard(tmp)
		return err
	}
	return Commit(tmp, dst)
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func syncDirBestEffort(dir string) error {
	// Windows 上目录 Sync 的语义与支持情况不稳定，这里直接跳过。
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
