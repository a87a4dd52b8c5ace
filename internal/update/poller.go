package update

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Poller 以固定间隔触发更新检查，并接受导航请求的即时触发。
// 两类触发汇入同一条检查路径，由编排器内部去重。
type Poller struct {
	orchestrator *Orchestrator
	interval     time.Duration
	logger       *logrus.Logger
	kick         chan struct{}
}

// NewPoller 构造轮询器，interval 必须为正。
func NewPoller(orchestrator *Orchestrator, interval time.Duration, logger *logrus.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Poller{
		orchestrator: orchestrator,
		interval:     interval,
		logger:       logger,
		kick:         make(chan struct{}, 1),
	}
}

// Kick 由导航请求调用，非阻塞；已有待处理触发时直接合并。
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run 阻塞运行轮询循环，ctx 取消时返回。启动时立即执行一次检查。
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.check(ctx)
		case <-p.kick:
			p.check(ctx)
		}
	}
}

func (p *Poller) check(ctx context.Context) {
	if err := p.orchestrator.Check(ctx); err != nil && p.logger != nil {
		p.logger.WithError(err).WithField("action", "update_check").Debug("check_failed")
	}
}
