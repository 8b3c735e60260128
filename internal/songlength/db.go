// Package songlength 实现内容寻址的曲长数据库（HVSC Songlengths.md5 格式）。
package songlength

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/John-Robertt/sidconv/internal/sidfile"
)

// ErrUnavailable 表示主数据库缺失或无法解析。
// 上层只记录日志：此时 Length 一律返回 0，由调用方回退到测量缓存/默认时长。
var ErrUnavailable = errors.New("songlength: 数据库不可用")

// 通过可替换的函数指针，让测试能观察/模拟内容哈希计算。
var hashFileFunc = sidfile.HashFile

// Stats 描述当前载入的数据。
type Stats struct {
	Entries int
	Indexed int
	Skipped int
	Files   []string
}

// DB 是显式构造、显式重载的曲长数据库实例。
//
// 约束：
// - Length 可被所有 worker 并发调用（读锁）
// - Load/ReloadIfStale 先在锁外解析出完整的新表，成功后一次性替换；失败保留旧数据
// - 不做任何后台轮询：是否重载由调用方在合适的时机决定
type DB struct {
	log *slog.Logger

	mu        sync.RWMutex
	durations map[string][]int
	pathIndex map[string]string
	sources   []source
	stats     Stats
}

type source struct {
	path    string
	modTime time.Time
	missing bool
}

// New 创建一个空数据库；log 为 nil 时使用 slog.Default()。
func New(log *slog.Logger) *DB {
	if log == nil {
		log = slog.Default()
	}
	return &DB{
		log:       log,
		durations: map[string][]int{},
		pathIndex: map[string]string{},
	}
}

// Load 依次读取主数据库与自定义数据库（格式相同，后者覆盖前者）。
//
// - main 缺失/损坏：返回包装了 ErrUnavailable 的错误，内存中的旧数据保持不变
// - custom 缺失：跳过并记录；损坏：与 main 同样处理
// - 以 .zst 结尾的文件按 zstd 透明解压
func (d *DB) Load(main string, custom ...string) (Stats, error) {
	paths := append([]string{main}, custom...)
	dur, idx, srcs, st, err := loadAll(paths)
	if err != nil {
		d.log.Warn("曲长数据库加载失败，沿用已有数据", "path", main, "err", err)
		d.mu.Lock()
		if len(d.sources) == 0 {
			// 从未加载成功：记下尝试过的路径，文件出现或变化后 ReloadIfStale 会重试。
			d.sources = pending(paths)
		}
		d.mu.Unlock()
		return d.Stats(), err
	}

	d.mu.Lock()
	d.durations = dur
	d.pathIndex = idx
	d.sources = srcs
	d.stats = st
	d.mu.Unlock()

	d.log.Info("曲长数据库已加载", "entries", st.Entries, "indexed", st.Indexed, "skipped", st.Skipped, "files", len(st.Files))
	return st, nil
}

// ReloadIfStale 检查已载入文件的 mtime，任一变化（或出现/消失）则整体重载。
// 返回值表示是否完成了重载；重载失败时保留旧数据并返回错误（调用方只需记录）。
func (d *DB) ReloadIfStale() (bool, error) {
	d.mu.RLock()
	srcs := append([]source(nil), d.sources...)
	d.mu.RUnlock()

	if len(srcs) == 0 || !stale(srcs) {
		return false, nil
	}

	paths := make([]string, 0, len(srcs))
	for _, s := range srcs {
		paths = append(paths, s.path)
	}
	d.log.Info("曲长数据库文件已变化，重新加载", "path", paths[0])
	if _, err := d.Load(paths[0], paths[1:]...); err != nil {
		return false, err
	}
	return true, nil
}

// Length 返回 file 第 subtune 首（1 起）的时长（秒）；未知返回 0。
//
// 查找顺序：规范化路径 -> pathIndex；未命中再计算内容哈希 -> durations。
func (d *DB) Length(file string, subtune int) int {
	e, ok := d.Lookup(file)
	if !ok {
		return 0
	}
	return e.Length(subtune)
}

// Lookup 返回 file 对应的完整记录。
func (d *DB) Lookup(file string) (Entry, bool) {
	key := NormalizePath(file)

	d.mu.RLock()
	empty := len(d.durations) == 0
	if h, ok := d.pathIndex[key]; ok {
		if times, ok := d.durations[h]; ok {
			d.mu.RUnlock()
			return Entry{Hash: h, Lengths: times}, true
		}
	}
	d.mu.RUnlock()

	if empty {
		return Entry{}, false
	}

	h, err := hashFileFunc(file)
	if err != nil {
		d.log.Debug("计算内容哈希失败", "file", file, "err", err)
		return Entry{}, false
	}
	return d.LookupHash(h)
}

// LookupHash 直接按内容哈希查找。
func (d *DB) LookupHash(hash string) (Entry, bool) {
	hash = strings.ToLower(strings.TrimSpace(hash))

	d.mu.RLock()
	defer d.mu.RUnlock()
	times, ok := d.durations[hash]
	if !ok {
		return Entry{}, false
	}
	return Entry{Hash: hash, Lengths: times}, true
}

// Stats 返回当前载入数据的统计（副本）。
func (d *DB) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := d.stats
	st.Files = append([]string(nil), d.stats.Files...)
	return st
}

// Entry 是一条曲长记录；Lengths 按子曲目 1 起索引。
type Entry struct {
	Hash    string
	Lengths []int
}

// Length 返回第 subtune 首的时长；越界返回 0。
func (e Entry) Length(subtune int) int {
	if subtune < 1 || subtune > len(e.Lengths) {
		return 0
	}
	return e.Lengths[subtune-1]
}

// NormalizePath 把本地路径转换为数据库注释行中的形式。
//
// - 含 "/C64Music/"：取其后部分并保留前导 "/"（/DEMOS/0-9/10_Orbyte.sid）
// - 否则：退化为 "/" + 文件名
func NormalizePath(file string) string {
	p := filepath.ToSlash(file)
	const root = "/C64Music"
	if i := strings.Index(p, root+"/"); i >= 0 {
		return p[i+len(root):]
	}
	if strings.HasPrefix(p, "C64Music/") {
		return p[len(root)-1:]
	}
	return "/" + path.Base(p)
}

func loadAll(paths []string) (map[string][]int, map[string]string, []source, Stats, error) {
	dur := map[string][]int{}
	idx := map[string]string{}
	srcs := make([]source, 0, len(paths))
	var st Stats

	for i, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fi, err := os.Stat(p)
		if err != nil {
			if i > 0 && os.IsNotExist(err) {
				srcs = append(srcs, source{path: p, missing: true})
				continue
			}
			return nil, nil, nil, Stats{}, fmt.Errorf("%w：%v", ErrUnavailable, err)
		}

		ps, err := loadFile(p, dur, idx)
		if err != nil {
			return nil, nil, nil, Stats{}, fmt.Errorf("%w：%s：%v", ErrUnavailable, p, err)
		}
		st.Indexed += ps.Indexed
		st.Skipped += ps.Skipped
		st.Files = append(st.Files, p)
		srcs = append(srcs, source{path: p, modTime: fi.ModTime()})
	}
	if len(st.Files) == 0 {
		return nil, nil, nil, Stats{}, fmt.Errorf("%w：未指定数据库文件", ErrUnavailable)
	}
	st.Entries = len(dur)
	return dur, idx, srcs, st, nil
}

func loadFile(p string, dur map[string][]int, idx map[string]string) (parseStats, error) {
	f, err := os.Open(p)
	if err != nil {
		return parseStats{}, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(p), ".zst") {
		dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return parseStats{}, fmt.Errorf("创建 zstd 解码器失败：%w", err)
		}
		defer dec.Close()
		r = dec
	}
	return parse(r, dur, idx)
}

// pending 记录加载失败时各路径的现状：不存在的标记为 missing，存在的记下 mtime。
func pending(paths []string) []source {
	srcs := make([]source, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if fi, err := os.Stat(p); err == nil {
			srcs = append(srcs, source{path: p, modTime: fi.ModTime()})
		} else {
			srcs = append(srcs, source{path: p, missing: true})
		}
	}
	return srcs
}

func stale(srcs []source) bool {
	for _, s := range srcs {
		fi, err := os.Stat(s.path)
		switch {
		case err != nil:
			if !s.missing {
				return true
			}
		case s.missing:
			return true
		case !fi.ModTime().Equal(s.modTime):
			return true
		}
	}
	return false
}
