package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/xdr"
)

// ErrFinalStatus 表示试图修改已处于最终状态的订单。
var ErrFinalStatus = fmt.Errorf("order already in final status")

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType 订单类型。链上 DEX 只支持限价单（manage offer）。
type OrderType string

const (
	OrderTypeLimit OrderType = "limit"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"          // 本地已构建，尚未提交
	OrderStatusOpen            OrderStatus = "open"             // 已提交并确认挂单
	OrderStatusPartiallyFilled OrderStatus = "partially_filled" // 部分成交
	OrderStatusFilled          OrderStatus = "filled"           // 已成交
	OrderStatusCancelled       OrderStatus = "cancelled"        // 已取消
	OrderStatusFailed          OrderStatus = "failed"           // 提交失败
)

// Order 在途订单领域模型。
//
// 状态机：
//
//	PENDING → OPEN → {PARTIALLY_FILLED → FILLED | FILLED | CANCELLED}
//	PENDING → FAILED
//
// 最终状态（FILLED/CANCELLED/FAILED）不可再变更。
type Order struct {
	OrderID       string          // 本地订单 ID（16 hex，连接器实例内唯一）
	Pair          TradingPair     // 交易对
	Side          Side            // 订单方向
	OrderType     OrderType       // 订单类型
	Amount        decimal.Decimal // 请求数量（base 资产）
	SellingAmount decimal.Decimal // manage-offer 卖出数量（买单为 quote，卖单为 base）
	Price         xdr.Price       // 请求价格（链上有理数表示，quote/base）
	PriceDecimal  decimal.Decimal // 请求价格（十进制，仅用于展示/核对）
	OfferID       int64           // 链上 offer ID（提交后回填；0 表示提交即全部成交）
	TxHash        string          // 提交交易哈希
	CancelTxHash  string          // 取消交易哈希（取消后回填）
	FilledAmount  decimal.Decimal // 已成交数量（轮询回填）
	CreatedAt     time.Time       // 创建时间
	FilledAt      *time.Time      // 成交时间（可选）
	CancelledAt   *time.Time      // 取消时间（可选）
	Status        OrderStatus     // 当前状态
}

// validTransitions 状态机允许的迁移表
var validTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:         {OrderStatusOpen, OrderStatusFailed},
	OrderStatusOpen:            {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled},
	OrderStatusPartiallyFilled: {OrderStatusFilled, OrderStatusCancelled},
}

// Clone 返回订单的独立副本。
// 状态机的写入发生在管理器锁内，对外暴露的读取都应拿副本
func (o *Order) Clone() *Order {
	c := *o
	if o.FilledAt != nil {
		t := *o.FilledAt
		c.FilledAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}

// CanTransition 检查迁移是否合法
func (o *Order) CanTransition(to OrderStatus) bool {
	for _, s := range validTransitions[o.Status] {
		if s == to {
			return true
		}
	}
	return false
}

func (o *Order) transition(to OrderStatus) error {
	if o.IsFinal() {
		return fmt.Errorf("%w: %s -> %s", ErrFinalStatus, o.Status, to)
	}
	if !o.CanTransition(to) {
		return fmt.Errorf("invalid order transition: %s -> %s", o.Status, to)
	}
	o.Status = to
	return nil
}

// MarkOpen 提交确认后进入 OPEN
func (o *Order) MarkOpen() error {
	return o.transition(OrderStatusOpen)
}

// MarkPartiallyFilled 记录部分成交
func (o *Order) MarkPartiallyFilled(filled decimal.Decimal) error {
	if o.Status == OrderStatusPartiallyFilled {
		// 同状态内更新成交量
		o.FilledAmount = filled
		return nil
	}
	if err := o.transition(OrderStatusPartiallyFilled); err != nil {
		return err
	}
	o.FilledAmount = filled
	return nil
}

// MarkFilled 全部成交
func (o *Order) MarkFilled() error {
	if err := o.transition(OrderStatusFilled); err != nil {
		return err
	}
	now := time.Now()
	o.FilledAt = &now
	o.FilledAmount = o.Amount
	return nil
}

// MarkCancelled 取消成功，记录取消交易哈希
func (o *Order) MarkCancelled(txHash string) error {
	if err := o.transition(OrderStatusCancelled); err != nil {
		return err
	}
	now := time.Now()
	o.CancelledAt = &now
	o.CancelTxHash = txHash
	return nil
}

// MarkFailed 提交失败
func (o *Order) MarkFailed() error {
	return o.transition(OrderStatusFailed)
}

// IsFinal 检查订单是否为最终状态（filled/cancelled/failed）
// 最终状态不应该被中间状态覆盖
func (o *Order) IsFinal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled || o.Status == OrderStatusFailed
}

// IsOpen 检查订单是否在链上挂单中
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled
}
