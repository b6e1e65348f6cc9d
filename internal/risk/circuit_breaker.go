package risk

import (
	"fmt"
	"sync/atomic"
)

// ErrTradingHalted 表示断路器已打开，禁止继续下单。
var ErrTradingHalted = fmt.Errorf("risk: trading halted by circuit breaker")

// CircuitBreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveErrors 连续提交失败上限，达到后熔断。
	MaxConsecutiveErrors int64
}

// CircuitBreaker 下单热路径使用原子变量，无锁。
// 连续提交失败达到阈值后打开，需人工 Resume 或进程重启恢复。
type CircuitBreaker struct {
	halted            atomic.Bool
	consecutiveErrors atomic.Int64

	maxConsecutiveErrors atomic.Int64
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveErrors.Store(cfg.MaxConsecutiveErrors)
}

// Allow 下单前检查；熔断中返回 ErrTradingHalted。
func (cb *CircuitBreaker) Allow() error {
	if cb == nil {
		return nil
	}
	if cb.halted.Load() {
		return ErrTradingHalted
	}
	return nil
}

// RecordError 记录一次提交失败；连续失败达到阈值时熔断。
func (cb *CircuitBreaker) RecordError() {
	if cb == nil {
		return
	}
	n := cb.consecutiveErrors.Add(1)
	limit := cb.maxConsecutiveErrors.Load()
	if limit > 0 && n >= limit {
		cb.halted.Store(true)
	}
}

// RecordSuccess 提交成功，连续失败计数归零。
func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Store(0)
}

// Halt 手动熔断（如人工介入或检测到严重异常）。
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.halted.Store(true)
}

// Resume 解除熔断并清零计数。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Store(0)
	cb.halted.Store(false)
}

// Halted 当前是否处于熔断状态。
func (cb *CircuitBreaker) Halted() bool {
	if cb == nil {
		return false
	}
	return cb.halted.Load()
}
