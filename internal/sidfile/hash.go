package sidfile

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
)

// ContentHash 返回曲库使用的内容哈希：对 [HeaderSize, EOF) 做 MD5，输出 32 位小写十六进制。
// 头部本身不参与哈希，因此只改了标题/作者的文件仍能命中同一条记录。
func ContentHash(b []byte) (string, error) {
	if len(b) < HeaderSize {
		return "", fmt.Errorf("%w：文件只有 %d 字节", ErrInvalidFormat, len(b))
	}
	magic := string(b[:4])
	if magic != "PSID" && magic != "RSID" {
		return "", ErrInvalidFormat
	}
	sum := md5.Sum(b[HeaderSize:])
	return hex.EncodeToString(sum[:]), nil
}

// HashFile 读取整个文件并计算 ContentHash。
func HashFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return ContentHash(b)
}
