package songlength

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// parseStats 统计一次解析的结果（用于日志与测试）。
type parseStats struct {
	Entries int
	Indexed int
	Skipped int
}

// parse 逐行解析曲长数据库，并把结果写入 durations / pathIndex。
//
// 行格式：
// - "; /DEMOS/0-9/10_Orbyte.sid"：设置 pending path，只作用于紧随其后的数据行
// - "<md5>=<time> <time> ..."：数据行；time 为 SS / M:SS / MM:SS，可带 .mmm 与 (attr)
// - 空行、"[Database]" 等段落头、无法识别的行：跳过
//
// 同一个 hash 再次出现时后者覆盖前者（自定义库依赖这一点覆盖主库）。
func parse(r io.Reader, durations map[string][]int, pathIndex map[string]string) (parseStats, error) {
	var st parseStats

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	pending := ""
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if line == "" {
			continue
		}

		switch line[0] {
		case ';':
			if i := strings.IndexByte(line, '/'); i >= 0 {
				pending = strings.TrimRight(line[i:], " \t")
			}
			continue
		case '[':
			continue
		}

		eq := strings.LastIndexByte(line, '=')
		if eq < 0 {
			continue
		}

		// 数据行总会消费 pending path，避免坏行之后的路径被错配到下一条记录。
		path := pending
		pending = ""

		hash := strings.ToLower(strings.TrimSpace(line[:eq]))
		if !isHexHash(hash) {
			st.Skipped++
			continue
		}

		fields := strings.Fields(line[eq+1:])
		if len(fields) == 0 {
			st.Skipped++
			continue
		}
		times := make([]int, 0, len(fields))
		ok := true
		for _, f := range fields {
			sec, err := ParseTime(f)
			if err != nil {
				ok = false
				break
			}
			times = append(times, sec)
		}
		if !ok {
			st.Skipped++
			continue
		}

		if _, exists := durations[hash]; !exists {
			st.Entries++
		}
		durations[hash] = times
		if path != "" {
			pathIndex[path] = hash
			st.Indexed++
		}
	}
	if err := sc.Err(); err != nil {
		return st, err
	}
	return st, nil
}

// ParseTime 把 "SS" / "M:SS" / "MM:SS"（可带 ".mmm" 与 "(attr)" 后缀）解析为整秒。
// 小数部分直接截断。
func ParseTime(s string) (int, error) {
	raw := s
	if i := strings.IndexByte(s, '('); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return 0, fmt.Errorf("无效时长：%q", raw)
	}

	min, sec := "", s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		min, sec = s[:i], s[i+1:]
	}

	secs, err := atoiNonNeg(sec)
	if err != nil {
		return 0, fmt.Errorf("无效时长：%q", raw)
	}
	if min == "" {
		if strings.IndexByte(s, ':') >= 0 {
			return 0, fmt.Errorf("无效时长：%q", raw)
		}
		return secs, nil
	}
	mins, err := atoiNonNeg(min)
	if err != nil {
		return 0, fmt.Errorf("无效时长：%q", raw)
	}
	return mins*60 + secs, nil
}

func atoiNonNeg(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("空数字")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("非数字：%q", s)
		}
	}
	return strconv.Atoi(s)
}

func isHexHash(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
