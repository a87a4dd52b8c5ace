package update

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/cache"
	"github.com/offgate/offgate/internal/logging"
	"github.com/offgate/offgate/internal/notify"
	"github.com/offgate/offgate/internal/quota"
)

// ErrNothingWaiting 表示当前没有等待激活的版本。
var ErrNothingWaiting = errors.New("no version waiting for activation")

// FixedSource 直接返回配置中的清单，用于禁用远端轮询的部署。
type FixedSource struct {
	Manifest Manifest
}

func (s FixedSource) FetchManifest(ctx context.Context) (Manifest, error) {
	return s.Manifest, nil
}

// pendingVersion 是已安装完毕、等待激活的候选版本。
type pendingVersion struct {
	version   string
	manifest  Manifest
	lifecycle *Lifecycle
}

// Orchestrator 驱动 install/waiting/activate 状态机。同一时刻至多一个
// 版本处于 Activated；新版本在旧版本继续服务期间走完 Installing，
// 激活是一次原子的注册表版本切换。
type Orchestrator struct {
	registry  *cache.Registry
	precacher *cache.Precacher
	source    Source
	quota     *quota.Monitor
	hub       *notify.Hub
	logger    *logrus.Logger

	// pinnedVersion 非空时覆盖清单推导的版本号。
	pinnedVersion string

	// checking 去重并发触发：轮询与导航同时到达时只执行一次检查。
	checking atomic.Bool

	mu        sync.Mutex
	active    string
	waiting   *pendingVersion
	lastState State
	lastError error
}

// Options 汇总构造编排器所需的协作方。
type Options struct {
	Registry      *cache.Registry
	Precacher     *cache.Precacher
	Source        Source
	Quota         *quota.Monitor
	Hub           *notify.Hub
	Logger        *logrus.Logger
	PinnedVersion string
}

// NewOrchestrator 构造更新编排器。
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil || opts.Precacher == nil || opts.Source == nil {
		return nil, errors.New("registry, precacher and manifest source required")
	}
	if opts.Hub == nil {
		return nil, errors.New("notification hub required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Orchestrator{
		registry:      opts.Registry,
		precacher:     opts.Precacher,
		source:        opts.Source,
		quota:         opts.Quota,
		hub:           opts.Hub,
		logger:        opts.Logger,
		pinnedVersion: opts.PinnedVersion,
		lastState:     StateNone,
	}, nil
}

// Status 是诊断接口使用的快照。
type Status struct {
	ActiveVersion  string `json:"active_version"`
	WaitingVersion string `json:"waiting_version,omitempty"`
	State          State  `json:"state"`
	LastError      string `json:"last_error,omitempty"`
}

// Status 返回当前编排状态快照。
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := Status{
		ActiveVersion: o.active,
		State:         o.lastState,
	}
	if o.waiting != nil {
		status.WaitingVersion = o.waiting.version
	}
	if o.lastError != nil {
		status.LastError = o.lastError.Error()
	}
	return status
}

// Check 拉取清单并在发现新版本时走 Installing 路径。轮询与导航都触发
// 这里；并发触发被去重为一次检查。返回值仅用于测试与日志。
func (o *Orchestrator) Check(ctx context.Context) error {
	if !o.checking.CompareAndSwap(false, true) {
		return nil
	}
	defer o.checking.Store(false)

	manifest, err := o.source.FetchManifest(ctx)
	if err != nil {
		o.logger.WithError(err).WithField("action", "update_check").Warn("manifest_fetch_failed")
		return err
	}

	version := o.pinnedVersion
	if version == "" {
		version = manifest.Version()
	}

	o.mu.Lock()
	if version == o.active || (o.waiting != nil && version == o.waiting.version) {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	return o.install(ctx, version, manifest)
}

// install 执行一次安装：建分区、采样配额、预缓存清单。任何预缓存失败
// 都进入 Failed 终态，已激活版本不受影响继续服务。
func (o *Orchestrator) install(ctx context.Context, version string, manifest Manifest) error {
	lifecycle := NewLifecycle()
	if err := lifecycle.Transition(StateInstalling); err != nil {
		return err
	}
	o.setState(StateInstalling, nil)
	o.logger.WithFields(logging.LifecycleFields("install", version)).Info("install_started")

	for _, class := range cache.Classes() {
		if _, err := o.registry.EnsurePartition(ctx, class, version); err != nil {
			_ = lifecycle.Transition(StateFailed)
			o.setState(StateFailed, err)
			o.logger.WithError(err).WithFields(logging.LifecycleFields("install", version)).Error("partition_create_failed")
			return err
		}
	}

	if o.quota != nil {
		o.quota.CheckAtInstall()
	}

	if err := o.precacher.Install(ctx, version, manifest.Items); err != nil {
		_ = lifecycle.Transition(StateFailed)
		o.setState(StateFailed, err)
		o.logger.WithError(err).WithFields(logging.LifecycleFields("install", version)).Error("install_failed")
		return err
	}

	if err := lifecycle.Transition(StateWaiting); err != nil {
		return err
	}

	o.mu.Lock()
	o.waiting = &pendingVersion{version: version, manifest: manifest, lifecycle: lifecycle}
	hasActive := o.active != ""
	o.lastState = StateWaiting
	o.lastError = nil
	o.mu.Unlock()

	o.logger.WithFields(logging.LifecycleFields("install", version)).Info("install_complete")

	if !hasActive {
		// 首个版本无人可等，直接接管
		return o.Activate(ctx)
	}

	o.hub.Publish(notify.Event{
		Type:    notify.EventNewVersionWaiting,
		Payload: map[string]interface{}{"version": version},
	})
	return nil
}

// Activate 响应 skip-waiting 信号：原子切换注册表活跃版本，然后做一次
// 尽力而为的旧分区淘汰。淘汰失败只记日志，绝不阻塞激活。
func (o *Orchestrator) Activate(ctx context.Context) error {
	o.mu.Lock()
	candidate := o.waiting
	if candidate == nil {
		o.mu.Unlock()
		return ErrNothingWaiting
	}
	o.waiting = nil
	previous := o.active
	o.mu.Unlock()

	if err := candidate.lifecycle.Transition(StateActivating); err != nil {
		return err
	}
	o.setState(StateActivating, nil)

	o.registry.Activate(candidate.version)

	if err := candidate.lifecycle.Transition(StateActivated); err != nil {
		return err
	}

	o.mu.Lock()
	o.active = candidate.version
	o.lastState = StateActivated
	o.lastError = nil
	o.mu.Unlock()

	fields := logging.LifecycleFields("activate", candidate.version)
	if previous != "" {
		fields["previous"] = previous
	}
	o.logger.WithFields(fields).Info("version_activated")

	// 激活后恰好运行一次淘汰，旧版本分区自此成为垃圾
	o.registry.EvictNotIn(ctx, map[string]struct{}{candidate.version: {}})
	return nil
}

func (o *Orchestrator) setState(state State, err error) {
	o.mu.Lock()
	o.lastState = state
	o.lastError = err
	o.mu.Unlock()
}
