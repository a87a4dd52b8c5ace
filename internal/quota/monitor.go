package quota

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/metrics"
	"github.com/offgate/offgate/internal/notify"
)

// Level 是一次采样的严重级别。
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Sample 是一次存储用量采样，随安装事件重新计算，不持久化。
type Sample struct {
	UsedBytes  uint64    `json:"used_bytes"`
	QuotaBytes uint64    `json:"quota_bytes"`
	Ratio      float64   `json:"ratio"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sampler 抽象宿主的存储统计能力；该能力可能不可用。
type Sampler interface {
	Sample(path string) (Sample, error)
}

// DiskSampler 基于本地文件系统统计实现 Sampler。
type DiskSampler struct{}

func (DiskSampler) Sample(path string) (Sample, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return Sample{}, err
	}
	sample := Sample{
		UsedBytes:  usage.Used,
		QuotaBytes: usage.Total,
		Timestamp:  time.Now().UTC(),
	}
	if usage.Total > 0 {
		sample.Ratio = float64(usage.Used) / float64(usage.Total)
	}
	return sample, nil
}

// Monitor 在安装事件上采样存储用量并发出阈值事件。纯观测角色：
// 永远不触发淘汰，淘汰只属于版本切换时的缓存注册表。
type Monitor struct {
	path          string
	warnRatio     float64
	criticalRatio float64
	sampler       Sampler
	hub           *notify.Hub
	logger        *logrus.Logger

	mu   sync.Mutex
	last *Sample
}

// NewMonitor 构造配额监视器。sampler 为空时使用本地磁盘采样。
func NewMonitor(path string, warnRatio, criticalRatio float64, sampler Sampler, hub *notify.Hub, logger *logrus.Logger) *Monitor {
	if sampler == nil {
		sampler = DiskSampler{}
	}
	return &Monitor{
		path:          path,
		warnRatio:     warnRatio,
		criticalRatio: criticalRatio,
		sampler:       sampler,
		hub:           hub,
		logger:        logger,
	}
}

// CheckAtInstall 在安装流程中执行一次采样。采样能力不可用时按软失败
// 处理：记一条日志，安装继续，不发事件。每次成功采样恰好发出一个事件。
func (m *Monitor) CheckAtInstall() {
	sample, err := m.sampler.Sample(m.path)
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"action": "quota_sample",
			"path":   m.path,
		}).Warn("quota_unavailable")
		return
	}
	m.mu.Lock()
	m.last = &sample
	m.mu.Unlock()
	metrics.QuotaRatio.Set(sample.Ratio)

	level := m.classify(sample.Ratio)
	m.hub.Publish(notify.Event{
		Type: notify.EventQuota,
		Payload: map[string]interface{}{
			"level":       string(level),
			"ratio":       sample.Ratio,
			"used_bytes":  sample.UsedBytes,
			"quota_bytes": sample.QuotaBytes,
		},
	})

	entry := m.logger.WithFields(logrus.Fields{
		"action": "quota_sample",
		"level":  string(level),
		"ratio":  sample.Ratio,
	})
	switch level {
	case LevelCritical:
		entry.Error("quota_critical")
	case LevelWarning:
		entry.Warn("quota_warning")
	default:
		entry.Info("quota_ok")
	}
}

// Last 返回最近一次成功采样的结果，供诊断接口展示。采样在安装协程里
// 写入，诊断请求在处理协程里读取，需加锁。
func (m *Monitor) Last() *Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) classify(ratio float64) Level {
	switch {
	case ratio >= m.criticalRatio:
		return LevelCritical
	case ratio >= m.warnRatio:
		return LevelWarning
	default:
		return LevelInfo
	}
}
