package chain

import (
	"sync"
	"time"
)

// SequenceManager 按账户独占分配交易序列号。
//
// 每个账户一把锁（惰性创建），不同账户互不竞争；临界区只做内存
// 记账，没有 I/O，不存在死锁/超时问题。
type SequenceManager struct {
	mu       sync.Mutex
	accounts map[string]*accountSequences
}

// accountSequences 单个账户的序列号账本
type accountSequences struct {
	mu        sync.Mutex
	lastKnown int64               // 最近已知的网络序列号（或已发放的最大值）
	pending   map[int64]time.Time // 在途序列号 → 分配时间
}

// NewSequenceManager 创建序列号管理器
func NewSequenceManager() *SequenceManager {
	return &SequenceManager{
		accounts: make(map[string]*accountSequences),
	}
}

// forAccount 返回账户条目（首次访问时创建）
func (m *SequenceManager) forAccount(address string) *accountSequences {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[address]
	if !ok {
		acct = &accountSequences{pending: make(map[int64]time.Time)}
		m.accounts[address] = acct
	}
	return acct
}

// NextSequence 分配下一个可用序列号。
// 从 lastKnown+1 起，跳过仍在途的序列号：上一笔交易可能还挂在
// lastKnown+1 上未确认，新请求必须拿到不同的槽位。
func (m *SequenceManager) NextSequence(address string) int64 {
	acct := m.forAccount(address)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	candidate := acct.lastKnown + 1
	for {
		if _, inFlight := acct.pending[candidate]; !inFlight {
			break
		}
		candidate++
	}
	acct.pending[candidate] = time.Now()
	return candidate
}

// ReleaseSequence 释放序列号（交易确认、失败或放弃时调用）。
// lastKnown 取 max：释放的可能是已发放的最高值，后续分配要继续向前，
// 即使更早的缺口仍在途。
func (m *SequenceManager) ReleaseSequence(address string, seq int64) {
	acct := m.forAccount(address)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	delete(acct.pending, seq)
	if seq > acct.lastKnown {
		acct.lastKnown = seq
	}
}

// SyncSequence 用网络权威值覆盖 lastKnown。
// 每次加载账户时调用；tx_bad_seq 之后必须调用，否则会重复错配。
func (m *SequenceManager) SyncSequence(address string, networkSeq int64) {
	acct := m.forAccount(address)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.lastKnown = networkSeq
}

// PendingCount 返回账户当前在途序列号数量
func (m *SequenceManager) PendingCount(address string) int {
	acct := m.forAccount(address)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return len(acct.pending)
}

// SweepStale 释放在途超过 maxAge 的序列号（兜底回收，防泄漏），
// 返回回收数量。正常路径应由调用方显式释放。
func (m *SequenceManager) SweepStale(maxAge time.Duration) int {
	m.mu.Lock()
	accounts := make([]*accountSequences, 0, len(m.accounts))
	for _, acct := range m.accounts {
		accounts = append(accounts, acct)
	}
	m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	swept := 0
	for _, acct := range accounts {
		acct.mu.Lock()
		for seq, allocatedAt := range acct.pending {
			if allocatedAt.Before(cutoff) {
				delete(acct.pending, seq)
				if seq > acct.lastKnown {
					acct.lastKnown = seq
				}
				swept++
			}
		}
		acct.mu.Unlock()
	}
	return swept
}
