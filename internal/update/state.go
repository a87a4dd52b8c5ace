package update

import "fmt"

// State 枚举一个 worker 版本的生命周期阶段。
type State string

const (
	// StateNone 表示该版本尚未进入生命周期。
	StateNone State = "none"
	// StateInstalling 表示正在预缓存新版本资源，旧版本继续服务。
	StateInstalling State = "installing"
	// StateWaiting 表示安装完成，等待激活信号。
	StateWaiting State = "waiting"
	// StateActivating 表示版本切换正在进行。
	StateActivating State = "activating"
	// StateActivated 表示该版本正在拦截全部新请求。
	StateActivated State = "activated"
	// StateRedundant 表示被新版本替换，分区已（或即将）被淘汰。
	StateRedundant State = "redundant"
	// StateFailed 是安装失败的终态；损坏的新版本绝不能替换工作中的旧版本。
	StateFailed State = "failed"
)

// transitions 是受保护的迁移表，表外的迁移一律拒绝。
var transitions = map[State][]State{
	StateNone:       {StateInstalling},
	StateInstalling: {StateWaiting, StateFailed},
	StateWaiting:    {StateActivating},
	StateActivating: {StateActivated},
	StateActivated:  {StateRedundant},
}

// Lifecycle 跟踪单个版本的状态，迁移必须按表进行。
// 调用方负责串行化访问（编排器持锁驱动迁移）。
type Lifecycle struct {
	current State
}

// NewLifecycle 从 StateNone 起步。
func NewLifecycle() *Lifecycle {
	return &Lifecycle{current: StateNone}
}

// Current 返回当前状态。
func (l *Lifecycle) Current() State {
	return l.current
}

// Transition 执行一次受保护迁移，非法迁移返回错误且状态不变。
func (l *Lifecycle) Transition(to State) error {
	for _, allowed := range transitions[l.current] {
		if allowed == to {
			l.current = to
			return nil
		}
	}
	return fmt.Errorf("invalid lifecycle transition %s -> %s", l.current, to)
}
