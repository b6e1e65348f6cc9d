package chain

import (
	"github.com/shopspring/decimal"

	"github.com/stellarbot/gostellar/internal/domain"
)

// 储备参数（XLM）。协议层可调整，这里作为默认值。
var (
	defaultBaseAccountReserve  = decimal.NewFromInt(1)            // 账户基础储备 1.0
	defaultBaseReservePerEntry = decimal.RequireFromString("0.5") // 每个账本条目 0.5
)

// OperationKind 待提交操作的类别，用于预估储备影响。
type OperationKind int

const (
	OpPayment      OperationKind = iota // 不新建账本条目
	OpNewTrustline                      // 新建信任线
	OpNewOffer                          // 新建 offer
	OpNewDataEntry                      // 新建 data entry
	OpOther                             // 其他不占条目的操作
)

// createsEntry 该操作是否会新建账本条目
func (k OperationKind) createsEntry() bool {
	switch k {
	case OpNewTrustline, OpNewOffer, OpNewDataEntry:
		return true
	}
	return false
}

// ReserveCalculator 计算账户最低储备要求。纯计算，无失败路径。
type ReserveCalculator struct {
	baseAccountReserve  decimal.Decimal
	baseReservePerEntry decimal.Decimal
}

// NewReserveCalculator 使用自定义储备参数
func NewReserveCalculator(baseAccountReserve, baseReservePerEntry decimal.Decimal) *ReserveCalculator {
	return &ReserveCalculator{
		baseAccountReserve:  baseAccountReserve,
		baseReservePerEntry: baseReservePerEntry,
	}
}

// DefaultReserveCalculator 使用协议默认参数（1.0 + 0.5/条目）
func DefaultReserveCalculator() *ReserveCalculator {
	return NewReserveCalculator(defaultBaseAccountReserve, defaultBaseReservePerEntry)
}

// CalculateMinimumBalance 最低余额 = 基础储备 + 每条目储备 × 条目数
func (r *ReserveCalculator) CalculateMinimumBalance(acct *domain.Account) decimal.Decimal {
	entries := decimal.NewFromInt(int64(acct.EntryCount()))
	return r.baseAccountReserve.Add(r.baseReservePerEntry.Mul(entries))
}

// ValidateSufficientBalance 检查扣除最低储备后余额是否足以覆盖 cost
func (r *ReserveCalculator) ValidateSufficientBalance(acct *domain.Account, cost decimal.Decimal) bool {
	available := acct.NativeBalance.Sub(r.CalculateMinimumBalance(acct))
	return available.GreaterThanOrEqual(cost)
}

// AvailableBalance 可用余额 = 原生余额 - 最低储备（可能为负）
func (r *ReserveCalculator) AvailableBalance(acct *domain.Account) decimal.Decimal {
	return acct.NativeBalance.Sub(r.CalculateMinimumBalance(acct))
}

// CalculateReserveImpact 预估一批操作新增的储备占用：
// 每个会新建账本条目的操作计 0.5（按配置），用于提交前检查操作本身
// 是否会把账户压到储备线以下。
func (r *ReserveCalculator) CalculateReserveImpact(pending []OperationKind) decimal.Decimal {
	impact := decimal.Zero
	for _, op := range pending {
		if op.createsEntry() {
			impact = impact.Add(r.baseReservePerEntry)
		}
	}
	return impact
}
