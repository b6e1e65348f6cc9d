package security

import (
	"sync"
	"time"
)

// defaultReplayWindow 重放保护滑动窗口
const defaultReplayWindow = 300 * time.Second

// ReplayGuard 记录最近提交过的交易哈希，窗口内重复提交被拒绝。
// 过期哈希在每次检查时惰性清理。全局锁足够：临界区短且竞争低。
type ReplayGuard struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

// NewReplayGuard 创建重放保护。window <= 0 时使用默认 300 秒。
func NewReplayGuard(window time.Duration) *ReplayGuard {
	if window <= 0 {
		window = defaultReplayWindow
	}
	return &ReplayGuard{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Check 检查并记录哈希。返回 false 表示窗口内已见过（重放）。
func (g *ReplayGuard) Check(hash string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-g.window)
	for h, at := range g.seen {
		if at.Before(cutoff) {
			delete(g.seen, h)
		}
	}

	if _, dup := g.seen[hash]; dup {
		return false
	}
	g.seen[hash] = now
	return true
}

// Size 当前记录的哈希数量（含未清理的过期项）
func (g *ReplayGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
