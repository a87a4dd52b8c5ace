package replay

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/metrics"
	"github.com/offgate/offgate/internal/notify"
)

// Sender 把一条写请求重放到上游。收到任意 HTTP 响应即视为送达；
// 只有传输层失败（连接拒绝、超时）才算重放失败。
type Sender interface {
	Send(ctx context.Context, m Mutation) error
}

// Drainer 串行消费队列：重放严格按入队顺序进行，一条失败立即停止本轮
// drain（后来的写请求绝不越过仍在失败的先行者），并按指数退避安排重试。
type Drainer struct {
	queue       *Queue
	sender      Sender
	hub         *notify.Hub
	logger      *logrus.Logger
	maxAttempts int

	mu      sync.Mutex // 同一时刻只允许一轮 drain
	backoff *backoff.ExponentialBackOff

	timerMu sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewDrainer 构造重放驱动。退避间隔按 initial 翻倍增长并封顶于 max。
func NewDrainer(queue *Queue, sender Sender, hub *notify.Hub, logger *logrus.Logger, maxAttempts int, initial, max time.Duration) *Drainer {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxInterval = max
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.1
	policy.MaxElapsedTime = 0 // 重试不设总时长上限，靠 maxAttempts 兜底
	policy.Reset()

	return &Drainer{
		queue:       queue,
		sender:      sender,
		hub:         hub,
		logger:      logger,
		maxAttempts: maxAttempts,
		backoff:     policy,
	}
}

// NotifyOnline 由网关在观察到离线→在线跳变时调用，异步触发一轮 drain。
func (d *Drainer) NotifyOnline() {
	go d.DrainAndReplay(context.Background())
}

// Stop 取消已安排的退避重试。
func (d *Drainer) Stop() {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// DrainAndReplay 执行一轮严格有序的重放。返回本轮成功重放的条数。
func (d *Drainer) DrainAndReplay(ctx context.Context) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	replayed := 0
	for {
		pending, err := d.queue.Pending(ctx)
		if err != nil {
			d.logger.WithError(err).WithField("action", "replay").Error("queue_list_failed")
			return replayed
		}
		if len(pending) == 0 {
			d.backoff.Reset()
			d.updateDepth(ctx)
			if replayed > 0 {
				d.logger.WithFields(logrus.Fields{
					"action":   "replay",
					"replayed": replayed,
				}).Info("drain_complete")
			}
			return replayed
		}

		head := pending[0]
		if err := d.sender.Send(ctx, head); err != nil {
			d.handleFailure(ctx, head, err)
			d.updateDepth(ctx)
			return replayed
		}

		if err := d.queue.MarkReplayed(ctx, head.ID); err != nil {
			// 发送成功但确认失败：下轮会重复重放，这正是 at-least-once 的代价
			d.logger.WithError(err).WithFields(logrus.Fields{
				"action":      "replay",
				"mutation_id": head.ID,
			}).Error("ack_failed")
			return replayed
		}
		metrics.ReplayTotal.WithLabelValues("replayed").Inc()
		replayed++
	}
}

// handleFailure 处理队首重放失败：未达上限则停轮退避，达到上限则搁置
// 并继续不阻塞后续条目（下一轮 drain 从新队首开始）。
func (d *Drainer) handleFailure(ctx context.Context, head Mutation, sendErr error) {
	attempts, err := d.queue.RecordFailure(ctx, head.ID)
	if err != nil {
		d.logger.WithError(err).WithField("action", "replay").Error("attempt_record_failed")
		d.scheduleRetry()
		return
	}

	if attempts >= d.maxAttempts {
		if err := d.queue.MarkDead(ctx, head.ID); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"action":      "replay",
				"mutation_id": head.ID,
			}).Error("dead_letter_failed")
			d.scheduleRetry()
			return
		}
		metrics.ReplayTotal.WithLabelValues("dead_letter").Inc()
		d.hub.Publish(notify.Event{
			Type: notify.EventMutationDeadLetter,
			Payload: map[string]interface{}{
				"id":       head.ID,
				"method":   head.Method,
				"url":      head.URL,
				"attempts": attempts,
			},
		})
		d.logger.WithFields(logrus.Fields{
			"action":      "replay",
			"mutation_id": head.ID,
			"attempts":    attempts,
		}).Warn("mutation_dead_lettered")
		// 队首已出队，立即安排下一轮处理后续条目
		d.scheduleRetryAfter(0)
		return
	}

	metrics.ReplayTotal.WithLabelValues("failed").Inc()
	d.logger.WithError(sendErr).WithFields(logrus.Fields{
		"action":      "replay",
		"mutation_id": head.ID,
		"attempts":    attempts,
	}).Warn("replay_failed")
	d.scheduleRetry()
}

func (d *Drainer) scheduleRetry() {
	d.scheduleRetryAfter(d.backoff.NextBackOff())
}

func (d *Drainer) scheduleRetryAfter(delay time.Duration) {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, func() {
		d.DrainAndReplay(context.Background())
	})
}

func (d *Drainer) updateDepth(ctx context.Context) {
	if depth, err := d.queue.Depth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
}
