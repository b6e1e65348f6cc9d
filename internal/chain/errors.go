package chain

import "fmt"

// ErrNotConnected 表示尚未调用 Connect 或已断开连接。
var ErrNotConnected = fmt.Errorf("chain: not connected")

// ErrBadSequence 表示网络返回 tx_bad_seq。序列号已从网络重新同步，
// 调用方应使用新序列号重建交易后重试；本层不会自动重提，避免重复意图。
var ErrBadSequence = fmt.Errorf("chain: transaction sequence mismatch (tx_bad_seq)")
