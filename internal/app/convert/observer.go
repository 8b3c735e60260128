package convert

import "github.com/John-Robertt/sidconv/internal/domain"

// Observer 用于把“规划/任务/尝试”事件从调度流程中解耦出来。
//
// 约束：
// - convert 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）
// - 实现必须并发安全：OnTaskStart/OnAttemptFailed/OnTaskDone 来自多个 worker goroutine
type Observer interface {
	// OnPlanned 在规划完成、派发任务之前调用一次。
	OnPlanned(p domain.Plan)
	OnTaskStart(worker int, t domain.Task)
	// OnAttemptFailed 在每次失败的尝试后调用（包括最终失败的那一次）。
	OnAttemptFailed(worker int, t domain.Task, attempt int, code string)
	OnTaskDone(worker int, res domain.TaskResult)
}

// MultiObserver 把事件依次转发给多个 Observer（忽略 nil）。
func MultiObserver(obs ...Observer) Observer {
	out := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

type multiObserver []Observer

func (m multiObserver) OnPlanned(p domain.Plan) {
	for _, o := range m {
		o.OnPlanned(p)
	}
}

func (m multiObserver) OnTaskStart(worker int, t domain.Task) {
	for _, o := range m {
		o.OnTaskStart(worker, t)
	}
}

func (m multiObserver) OnAttemptFailed(worker int, t domain.Task, attempt int, code string) {
	for _, o := range m {
		o.OnAttemptFailed(worker, t, attempt, code)
	}
}

func (m multiObserver) OnTaskDone(worker int, res domain.TaskResult) {
	for _, o := range m {
		o.OnTaskDone(worker, res)
	}
}
