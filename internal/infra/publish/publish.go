// Package publish 把批次的成功输出上传到对象存储（gocloud blob：file://、s3://、gs://）。
package publish

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency 是同时上传的文件数。
const DefaultConcurrency = 4

// Failure 是单个文件的上传失败。
type Failure struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// Result 是一次发布的汇总。
type Result struct {
	Uploaded int       `json:"uploaded"`
	Skipped  int       `json:"skipped"`
	Failed   []Failure `json:"failed"`
}

// Publisher 持有一个打开的 bucket。
//
// 约束：
// - key = 输出文件相对 outDir 的路径（斜杠分隔），前面拼上 Prefix
// - 远端已存在且大小相同 -> 跳过（与本地“已存在即跳过”的语义一致）
// - 单个文件失败不影响其他文件；只有 ctx 取消会提前结束
type Publisher struct {
	URL         string
	Prefix      string
	Concurrency int

	// OnUpload 在每个文件处理完后调用（err=nil 表示成功或跳过）；可为 nil。
	OnUpload func(key string, err error)

	bucket *blob.Bucket
	log    *slog.Logger
}

// Open 按 URL 打开 bucket。URL 的 path 部分（对 s3/gs）不会被当作前缀；需要前缀时用 prefix。
func Open(ctx context.Context, url, prefix string, log *slog.Logger) (*Publisher, error) {
	if log == nil {
		log = slog.Default()
	}
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("打开 bucket %s 失败：%w", url, err)
	}
	return &Publisher{
		URL:         url,
		Prefix:      strings.Trim(prefix, "/"),
		Concurrency: DefaultConcurrency,
		bucket:      b,
		log:         log,
	}, nil
}

// Close 释放 bucket。
func (p *Publisher) Close() error {
	return p.bucket.Close()
}

// Key 返回 outDir 下某个输出文件对应的对象 key。
func (p *Publisher) Key(outDir, file string) (string, error) {
	rel, err := filepath.Rel(outDir, file)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q 不在输出目录 %q 之下", file, outDir)
	}
	key := filepath.ToSlash(rel)
	if p.Prefix != "" {
		key = path.Join(p.Prefix, key)
	}
	return key, nil
}

// Publish 并发上传 outputs。
func (p *Publisher) Publish(ctx context.Context, outDir string, outputs []string) (Result, error) {
	limit := p.Concurrency
	if limit < 1 {
		limit = DefaultConcurrency
	}

	var (
		mu  sync.Mutex
		res = Result{Failed: []Failure{}}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, file := range outputs {
		if gctx.Err() != nil {
			break
		}
		file := file
		g.Go(func() error {
			key, err := p.Key(outDir, file)
			var skipped bool
			if err == nil {
				skipped, err = p.uploadOne(gctx, key, file)
			}
			if p.OnUpload != nil {
				p.OnUpload(key, err)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				p.log.Warn("上传失败", "file", file, "key", key, "err", err)
				res.Failed = append(res.Failed, Failure{Path: file, Err: err.Error()})
			case skipped:
				res.Skipped++
			default:
				res.Uploaded++
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (p *Publisher) uploadOne(ctx context.Context, key, file string) (bool, error) {
	f, err := os.Open(file)
	if err != nil {
		return false, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return false, err
	}

	if attrs, err := p.bucket.Attributes(ctx, key); err == nil && attrs.Size == fi.Size() {
		return true, nil
	}

	w, err := p.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType(file)})
	if err != nil {
		return false, fmt.Errorf("创建 writer %s 失败：%w", key, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return false, fmt.Errorf("写入 %s 失败：%w", key, err)
	}
	if err := w.Close(); err != nil {
		return false, fmt.Errorf("关闭 writer %s 失败：%w", key, err)
	}
	return false, nil
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
