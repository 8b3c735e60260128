package songlength

import (
	"strings"
	"testing"
)

func TestParseTime(t *testing.T) {
	ok := map[string]int{
		"17":        17,
		"1:17":      77,
		"12:05":     725,
		"0:05.500":  5,
		"3:00(G)":   180,
		"2:10.1(M)": 130,
	}
	for in, want := range ok {
		got, err := ParseTime(in)
		if err != nil {
			t.Fatalf("ParseTime(%q) 不期望错误：%v", in, err)
		}
		if got != want {
			t.Fatalf("ParseTime(%q)=%d，期望 %d", in, got, want)
		}
	}

	for _, in := range []string{"", "a:10", "1:", ":5", "-3", "1:x0"} {
		if _, err := ParseTime(in); err == nil {
			t.Fatalf("ParseTime(%q) 期望错误", in)
		}
	}
}

func TestParse_PendingPathOnlyBindsNextDataLine(t *testing.T) {
	input := strings.Join([]string{
		"; /A/one.sid   ",
		"11111111111111111111111111111111=0:10",
		"22222222222222222222222222222222=0:20",
		"; comment without a path",
		"; /B/two.sid",
		"notahash=0:30",
		"33333333333333333333333333333333=0:40",
		"",
	}, "\n")

	dur := map[string][]int{}
	idx := map[string]string{}
	st, err := parse(strings.NewReader(input), dur, idx)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	if idx["/A/one.sid"] != "11111111111111111111111111111111" {
		t.Fatalf("路径应绑定到紧随其后的数据行：%v", idx)
	}
	if _, ok := idx["/B/two.sid"]; ok {
		t.Fatalf("坏数据行应消费 pending path：%v", idx)
	}
	if len(idx) != 1 {
		t.Fatalf("期望只有 1 条路径索引，实际 %v", idx)
	}
	if len(dur) != 3 || st.Skipped != 1 {
		t.Fatalf("统计不符合预期：dur=%d stats=%+v", len(dur), st)
	}
}

func TestParse_BadTimeSkipsLine(t *testing.T) {
	dur := map[string][]int{}
	idx := map[string]string{}
	st, err := parse(strings.NewReader("44444444444444444444444444444444=1:00 bogus\r\n"), dur, idx)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(dur) != 0 || st.Skipped != 1 {
		t.Fatalf("坏时长应整行跳过：dur=%v stats=%+v", dur, st)
	}
}
