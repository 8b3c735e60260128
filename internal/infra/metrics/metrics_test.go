package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/John-Robertt/sidconv/internal/domain"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("读取响应失败：%v", err)
	}
	return string(b)
}

func mustContain(t *testing.T, body string, lines ...string) {
	t.Helper()
	for _, l := range lines {
		if !strings.Contains(body, l) {
			t.Fatalf("/metrics 缺少 %q：\n%s", l, body)
		}
	}
}

func TestMetrics_TaskLifecycle(t *testing.T) {
	m := New("")
	task := domain.Task{Source: "/in/a.sid", Output: "/out/a.wav", Subtune: 1, Songs: 1}

	m.OnTaskStart(0, task)
	m.OnAttemptFailed(0, task, 1, domain.ErrCodeRenderFailed)
	m.OnTaskDone(0, domain.TaskResult{Status: domain.StatusConverted, Seconds: 120, LoopAt: 31.5, DurationMs: 900})

	mustContain(t, scrape(t, m),
		"sidconv_tasks_in_flight 0",
		`sidconv_attempts_failed_total{error_code="render_failed"} 1`,
		`sidconv_tasks_total{error_code="",status="converted"} 1`,
		"sidconv_loops_detected_total 1",
		"sidconv_planned_render_seconds_count 1",
	)
}

func TestMetrics_NoLoopNotCounted(t *testing.T) {
	m := New("")
	m.OnTaskStart(1, domain.Task{})
	m.OnTaskDone(1, domain.TaskResult{Status: domain.StatusFailed, ErrorCode: domain.ErrCodeSilent, LoopAt: -1})

	mustContain(t, scrape(t, m),
		"sidconv_loops_detected_total 0",
		`sidconv_tasks_total{error_code="silent",status="failed"} 1`,
	)
}

func TestMetrics_OnPlannedCountsSkipped(t *testing.T) {
	m := New("t")
	m.OnPlanned(domain.Plan{Skipped: []domain.TaskResult{
		{Status: domain.StatusSkipped, ErrorCode: domain.ErrCodeOutputExists},
		{Status: domain.StatusSkipped, ErrorCode: domain.ErrCodeOutputExists},
		{Status: domain.StatusSkipped, ErrorCode: domain.ErrCodeNameCollision},
	}})
	mustContain(t, scrape(t, m),
		`t_tasks_total{error_code="output_exists",status="skipped"} 2`,
		`t_tasks_total{error_code="name_collision",status="skipped"} 1`,
	)
}
