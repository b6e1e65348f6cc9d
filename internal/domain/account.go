package domain

import (
	"github.com/shopspring/decimal"
)

// Trustline 账户对非原生资产的信任线
type Trustline struct {
	Code    string
	Issuer  string
	Balance decimal.Decimal
	Limit   decimal.Decimal
}

// Account 从网络加载的账户快照。
// 不变式：原生余额必须始终高于最低储备，违反的提交在本地即被拒绝。
type Account struct {
	Address       string
	Sequence      int64           // 当前序列号（网络权威值）
	NativeBalance decimal.Decimal // XLM 余额
	Trustlines    []Trustline     // 非原生资产信任线
	OffersAndData int             // offer 与 data entry 占用的子条目数
	ExtraSigners  int             // 主密钥之外的签名人数
}

// HasTrustline 检查是否存在指定资产的信任线
func (a *Account) HasTrustline(code, issuer string) bool {
	for _, t := range a.Trustlines {
		if t.Code == code && t.Issuer == issuer {
			return true
		}
	}
	return false
}

// Balance 返回资产余额。原生资产返回 NativeBalance；
// 无信任线的资产返回 (0, false)。
func (a *Account) Balance(asset Asset) (decimal.Decimal, bool) {
	if asset.IsNative() {
		return a.NativeBalance, true
	}
	for _, t := range a.Trustlines {
		if t.Code == asset.Code && t.Issuer == asset.Issuer {
			return t.Balance, true
		}
	}
	return decimal.Zero, false
}

// EntryCount 账本条目计数：账户本身 + 原生余额记 2，
// 加上信任线、offer/data 子条目和额外签名人。
func (a *Account) EntryCount() int {
	return 2 + len(a.Trustlines) + a.OffersAndData + a.ExtraSigners
}
