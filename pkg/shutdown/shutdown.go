package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/stellarbot/gostellar/pkg/logger"
)

// Handler 单个关闭阶段的处理函数，应在 ctx 到期前返回
type Handler func(ctx context.Context)

type phase struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器
// 阶段按注册顺序依次执行：先停止产生新工作的组件，最后断开网络连接
type Manager struct {
	mu     sync.Mutex
	phases []phase
	once   sync.Once
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册一个命名关闭阶段
func (m *Manager) OnShutdown(name string, fn Handler) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases = append(m.phases, phase{name: name, fn: fn})
}

// Shutdown 按注册顺序执行所有关闭阶段（阻塞调用，只生效一次）
// ctx 应带超时；某个阶段卡住时跳过它继续后面的阶段，而不是整体挂起
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() {
		m.mu.Lock()
		phases := m.phases
		m.mu.Unlock()

		if len(phases) == 0 {
			return
		}
		logger.Infof("开始优雅关闭，共 %d 个阶段", len(phases))

		for _, p := range phases {
			if ctx.Err() != nil {
				logger.Warnf("关闭超时，跳过剩余阶段（从 %s 起）", p.name)
				return
			}
			start := time.Now()
			done := make(chan struct{})
			go func(fn Handler) {
				defer close(done)
				fn(ctx)
			}(p.fn)

			select {
			case <-done:
				logger.Infof("阶段 %s 完成，耗时 %v", p.name, time.Since(start).Round(time.Millisecond))
			case <-ctx.Done():
				logger.Warnf("阶段 %s 未在超时前完成", p.name)
			}
		}
	})
}
