package update

import "testing"

func TestLifecycleHappyPath(t *testing.T) {
	lifecycle := NewLifecycle()
	if lifecycle.Current() != StateNone {
		t.Fatalf("初始状态错误: %s", lifecycle.Current())
	}
	for _, state := range []State{StateInstalling, StateWaiting, StateActivating, StateActivated, StateRedundant} {
		if err := lifecycle.Transition(state); err != nil {
			t.Fatalf("迁移到 %s 失败: %v", state, err)
		}
		if lifecycle.Current() != state {
			t.Fatalf("迁移后状态错误: %s", lifecycle.Current())
		}
	}
}

func TestLifecycleInstallFailure(t *testing.T) {
	lifecycle := NewLifecycle()
	if err := lifecycle.Transition(StateInstalling); err != nil {
		t.Fatalf("迁移到 installing 失败: %v", err)
	}
	if err := lifecycle.Transition(StateFailed); err != nil {
		t.Fatalf("迁移到 failed 失败: %v", err)
	}
	// failed 是终态
	if err := lifecycle.Transition(StateWaiting); err == nil {
		t.Fatal("failed 之后不应允许任何迁移")
	}
}

func TestLifecycleRejectsIllegalTransitions(t *testing.T) {
	cases := []struct {
		from State
		to   State
	}{
		{StateNone, StateWaiting},
		{StateNone, StateActivated},
		{StateInstalling, StateActivated},
		{StateWaiting, StateInstalling},
		{StateWaiting, StateFailed},
		{StateActivated, StateActivating},
		{StateRedundant, StateInstalling},
	}
	for _, tc := range cases {
		lifecycle := &Lifecycle{current: tc.from}
		if err := lifecycle.Transition(tc.to); err == nil {
			t.Fatalf("%s -> %s 应被拒绝", tc.from, tc.to)
		}
		if lifecycle.Current() != tc.from {
			t.Fatalf("非法迁移不应改变状态: %s", lifecycle.Current())
		}
	}
}
