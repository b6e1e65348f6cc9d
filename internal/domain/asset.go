package domain

import (
	"fmt"

	"github.com/stellar/go/txnbuild"
)

// NativeCode 原生资产符号
const NativeCode = "XLM"

// Asset 资产标识。Issuer 为空表示原生资产（XLM）。
type Asset struct {
	Code   string
	Issuer string
}

// NativeAsset 返回原生资产
func NativeAsset() Asset {
	return Asset{Code: NativeCode}
}

// IsNative 是否为原生资产
func (a Asset) IsNative() bool {
	return a.Issuer == ""
}

// String 格式：原生资产 "XLM"，其他 "CODE:ISSUER"
func (a Asset) String() string {
	if a.IsNative() {
		return NativeCode
	}
	return fmt.Sprintf("%s:%s", a.Code, a.Issuer)
}

// ToChainAsset 转换为 txnbuild 资产类型
func (a Asset) ToChainAsset() txnbuild.Asset {
	if a.IsNative() {
		return txnbuild.NativeAsset{}
	}
	return txnbuild.CreditAsset{Code: a.Code, Issuer: a.Issuer}
}

// TradingPair 交易对（"BASE-QUOTE"）
type TradingPair struct {
	Symbol string // 原始符号，例如 "XLM-USDC"
	Base   Asset
	Quote  Asset
}

// SellingBuying 返回 manage-offer 的 selling/buying 资产。
// 买入 base：卖出 quote、买入 base；卖出 base 反之。
func (p TradingPair) SellingBuying(side Side) (selling, buying Asset) {
	if side == SideBuy {
		return p.Quote, p.Base
	}
	return p.Base, p.Quote
}
