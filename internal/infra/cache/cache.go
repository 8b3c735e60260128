package cache

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/John-Robertt/sidconv/internal/infra/fsx"
)

// DefaultSeconds 是测量缓存未命中时的兜底时长。
const DefaultSeconds = 180

// ErrWriteFailure 表示追加缓存行失败（只记录，不影响本次返回值）。
var ErrWriteFailure = errors.New("cache: 写入测量缓存失败")

// 通过可替换的函数指针，让测试能模拟磁盘写入失败。
var appendLineFunc = fsx.AppendLine

// Lengths 是“测量/兜底时长”缓存：文件格式为每行 "path:subtune=seconds"。
//
// 约束：
// - 进程内只加载一次（惰性，首次 Resolve 时）
// - 只追加、不覆盖、不压缩；同一 key 在本进程内以首次值为准
// - 所有写入都经由同一个 *Lengths 串行化（互斥锁），保证每行完整
// - Path 为空：纯内存模式，不落盘
type Lengths struct {
	Path    string
	Default int

	log *slog.Logger

	once    sync.Once
	mu      sync.Mutex
	entries map[string]int

	writeFailures atomic.Int64
}

// OpenLengths 创建缓存句柄（不立即读盘）。def<=0 时使用 DefaultSeconds。
func OpenLengths(path string, def int, log *slog.Logger) *Lengths {
	if def <= 0 {
		def = DefaultSeconds
	}
	if log == nil {
		log = slog.Default()
	}
	return &Lengths{
		Path:    strings.TrimSpace(path),
		Default: def,
		log:     log,
	}
}

// Key 返回缓存 key："<path>:<subtune>"。
func Key(file string, subtune int) string {
	return file + ":" + strconv.Itoa(subtune)
}

// Lookup 只查不写。
func (c *Lengths) Lookup(file string, subtune int) (int, bool) {
	c.once.Do(c.load)

	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[Key(file, subtune)]
	return v, ok
}

// Resolve 命中返回缓存值；未命中返回 Default，并把它记入内存与文件。
// 写文件失败只记录日志与计数，返回值不受影响。
func (c *Lengths) Resolve(file string, subtune int) int {
	c.once.Do(c.load)

	key := Key(file, subtune)

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.entries[key]; ok {
		return v
	}
	v := c.Default
	c.entries[key] = v

	if c.Path == "" {
		return v
	}
	line := fmt.Sprintf("%s=%d\n", key, v)
	if err := appendLineFunc(c.Path, []byte(line)); err != nil {
		c.writeFailures.Add(1)
		c.log.Warn("写入测量缓存失败，本次仍使用默认时长", "path", c.Path, "key", key, "err", fmt.Errorf("%w：%v", ErrWriteFailure, err))
	}
	return v
}

// Len 返回当前内存中的条目数。
func (c *Lengths) Len() int {
	c.once.Do(c.load)

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// WriteFailures 返回追加失败的累计次数。
func (c *Lengths) WriteFailures() int64 {
	return c.writeFailures.Load()
}

func (c *Lengths) load() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = map[string]int{}
	if c.Path == "" {
		return
	}

	f, err := os.Open(c.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("读取测量缓存失败，按空缓存处理", "path", c.Path, "err", err)
		}
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	bad := 0
	for sc.Scan() {
		key, v, ok := parseLine(sc.Text())
		if !ok {
			bad++
			continue
		}
		// 首次出现为准：与“不覆盖”语义一致。
		if _, exists := c.entries[key]; !exists {
			c.entries[key] = v
		}
	}
	if err := sc.Err(); err != nil {
		c.log.Warn("读取测量缓存中断", "path", c.Path, "err", err)
	}
	c.log.Debug("测量缓存已加载", "path", c.Path, "entries", len(c.entries), "skipped", bad)
}

// parseLine 在最后一个 '=' 处切分（路径本身可能含 '='）。
func parseLine(line string) (string, int, bool) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" {
		return "", 0, false
	}
	eq := strings.LastIndexByte(line, '=')
	if eq <= 0 {
		return "", 0, false
	}
	key := line[:eq]
	colon := strings.LastIndexByte(key, ':')
	if colon <= 0 || colon == len(key)-1 {
		return "", 0, false
	}
	if _, err := strconv.Atoi(key[colon+1:]); err != nil {
		return "", 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(line[eq+1:]))
	if err != nil || v < 0 {
		return "", 0, false
	}
	return key, v, true
}
