package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/stellarbot/gostellar/internal/assets"
	"github.com/stellarbot/gostellar/internal/chain"
	"github.com/stellarbot/gostellar/internal/domain"
	"github.com/stellarbot/gostellar/internal/ports"
	"github.com/stellarbot/gostellar/internal/risk"
	"github.com/stellarbot/gostellar/internal/security"
	"github.com/stellarbot/gostellar/pkg/keystore"
	"github.com/stellarbot/gostellar/pkg/rational"
)

// minTradeAmount 最小可表示单位（1 stroop = 1e-7）
var minTradeAmount = decimal.New(1, -7)

// txTimeoutSeconds 交易时间界
const txTimeoutSeconds = 300

var (
	// ErrOrderNotFound 未知订单 ID
	ErrOrderNotFound = fmt.Errorf("execution: order not found")
	// ErrSecurityRejected 安全校验未通过
	ErrSecurityRejected = fmt.Errorf("execution: transaction rejected by security validation")
)

// CreateOrderRequest 下单请求
type CreateOrderRequest struct {
	Pair      string           // "BASE-QUOTE"，例如 "XLM-USDC"
	Side      domain.Side      // buy / sell
	OrderType domain.OrderType // 仅支持 limit
	Amount    decimal.Decimal  // base 资产数量
	Price     decimal.Decimal  // quote/base
}

// OrderHandler 订单状态变化回调
type OrderHandler func(order *domain.Order)

// OrderManager 订单生命周期管理：创建、取消、跟踪。
//
// 所有输入校验在任何网络调用之前完成，非法输入不会产生部分链上
// 副作用；提交路径上任何失败都会释放已占用的序列号。
type OrderManager struct {
	chain     *chain.Client
	signer    keystore.Signer
	assets    *assets.Directory
	converter *rational.Converter
	validator *security.Validator
	breaker   *risk.CircuitBreaker
	journal   ports.OrderJournal // 可选

	// instanceNonce 实例标识，保证订单 ID 在实例内唯一
	instanceNonce string

	mu       sync.RWMutex
	orders   map[string]*domain.Order
	handlers []OrderHandler

	log *logrus.Entry
}

// Options OrderManager 可选依赖
type Options struct {
	Journal ports.OrderJournal
	Breaker *risk.CircuitBreaker
}

// NewOrderManager 创建订单管理器
func NewOrderManager(chainClient *chain.Client, signer keystore.Signer, directory *assets.Directory,
	converter *rational.Converter, validator *security.Validator, opts Options) *OrderManager {
	return &OrderManager{
		chain:         chainClient,
		signer:        signer,
		assets:        directory,
		converter:     converter,
		validator:     validator,
		breaker:       opts.Breaker,
		journal:       opts.Journal,
		instanceNonce: uuid.NewString(),
		orders:        make(map[string]*domain.Order),
		log:           logrus.WithField("component", "orders"),
	}
}

// Address 返回下单钱包地址
func (m *OrderManager) Address() string {
	return m.signer.Address()
}

// OnOrderUpdate 注册订单状态变化回调
func (m *OrderManager) OnOrderUpdate(h OrderHandler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// CreateOrder 创建限价单，返回本地订单 ID。
// 校验或提交途中任何失败都不会留下 InFlightOrder 记录，错误原样上抛。
func (m *OrderManager) CreateOrder(ctx context.Context, req CreateOrderRequest) (string, error) {
	if err := m.breaker.Allow(); err != nil {
		return "", err
	}
	pair, err := m.validateRequest(req)
	if err != nil {
		return "", err
	}

	address := m.signer.Address()
	acct, err := m.chain.LoadAccount(ctx, address)
	if err != nil {
		return "", err
	}
	// 非原生资产必须已有信任线
	for _, a := range []domain.Asset{pair.Base, pair.Quote} {
		if !a.IsNative() && !acct.HasTrustline(a.Code, a.Issuer) {
			return "", fmt.Errorf("execution: no trustline for %s", a)
		}
	}

	ratPrice, err := m.converter.ToRational(req.Price)
	if err != nil {
		return "", err
	}

	baseFee, err := m.chain.BaseFee(ctx)
	if err != nil {
		return "", err
	}

	seq := m.chain.NextSequence(address)
	submitted := false
	defer func() {
		// 提交路径本身会释放序列号；这里兜底未到提交就失败的情况
		if !submitted {
			m.chain.ReleaseSequence(address, seq)
		}
	}()

	op, sellingAmount := offerOp(pair, req.Side, req.Amount, req.Price, ratPrice, 0)
	tx, err := m.buildTransaction(address, seq, baseFee, op)
	if err != nil {
		return "", err
	}
	signedTx, err := m.signer.Sign(tx)
	if err != nil {
		return "", fmt.Errorf("execution: sign transaction: %w", err)
	}

	verdict := m.validator.Validate(ctx, signedTx, acct)
	if !verdict.Secure {
		names := make([]string, 0, len(verdict.Checks))
		for _, c := range verdict.FailedChecks() {
			names = append(names, fmt.Sprintf("%s(%s)", c.Name, c.Risk))
		}
		return "", fmt.Errorf("%w: %s (risk %.2f)", ErrSecurityRejected, strings.Join(names, ", "), verdict.RiskScore)
	}

	submitted = true
	res, err := m.chain.SubmitTransaction(ctx, signedTx)
	if err != nil {
		m.breaker.RecordError()
		return "", err
	}
	m.breaker.RecordSuccess()

	order := &domain.Order{
		OrderID:       m.generateOrderID(address),
		Pair:          pair,
		Side:          req.Side,
		OrderType:     domain.OrderTypeLimit,
		Amount:        req.Amount,
		SellingAmount: sellingAmount,
		Price:         ratPrice,
		PriceDecimal:  req.Price,
		TxHash:        res.Hash,
		CreatedAt:     time.Now(),
		Status:        domain.OrderStatusPending,
	}
	if offerID, derr := decodeOfferID(res.ResultXDR); derr != nil {
		m.log.Warnf("decode offer id from result xdr: %v", derr)
	} else {
		order.OfferID = offerID
	}
	if err := order.MarkOpen(); err != nil {
		// 不可能发生：pending → open 总是合法
		return "", err
	}

	m.mu.Lock()
	m.orders[order.OrderID] = order
	snapshot := order.Clone()
	m.mu.Unlock()

	m.journalOrder(ctx, snapshot)
	m.log.WithFields(logrus.Fields{
		"order_id": order.OrderID,
		"pair":     pair.Symbol,
		"side":     req.Side,
		"offer_id": order.OfferID,
		"tx":       res.Hash,
	}).Info("order placed")
	return order.OrderID, nil
}

// validateRequest 本地输入校验，网络调用之前执行
func (m *OrderManager) validateRequest(req CreateOrderRequest) (domain.TradingPair, error) {
	if req.OrderType != "" && req.OrderType != domain.OrderTypeLimit {
		return domain.TradingPair{}, fmt.Errorf("execution: unsupported order type %q, venue only supports limit", req.OrderType)
	}
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return domain.TradingPair{}, fmt.Errorf("execution: invalid side %q", req.Side)
	}
	if req.Amount.LessThan(minTradeAmount) {
		return domain.TradingPair{}, fmt.Errorf("execution: amount %s below minimum unit %s", req.Amount, minTradeAmount)
	}
	if req.Price.Sign() <= 0 {
		return domain.TradingPair{}, fmt.Errorf("execution: price must be positive, got %s", req.Price)
	}
	pair, err := m.assets.ResolvePair(req.Pair)
	if err != nil {
		return domain.TradingPair{}, err
	}
	if pair.Base == pair.Quote {
		return domain.TradingPair{}, fmt.Errorf("execution: base and quote assets must differ in %q", req.Pair)
	}
	return pair, nil
}

// offerOp 构造 manage-sell-offer 操作。
// 买入 base：卖出 quote，数量 = amount × price，价格取倒数；
// 卖出 base：直接卖出 base，数量与价格原样。
func offerOp(pair domain.TradingPair, side domain.Side, amount, price decimal.Decimal,
	ratPrice xdr.Price, offerID int64) (*txnbuild.ManageSellOffer, decimal.Decimal) {
	selling, buying := pair.SellingBuying(side)
	sellingAmount := amount
	opPrice := ratPrice
	if side == domain.SideBuy {
		sellingAmount = amount.Mul(price)
		opPrice = xdr.Price{N: ratPrice.D, D: ratPrice.N}
	}
	return &txnbuild.ManageSellOffer{
		Selling: selling.ToChainAsset(),
		Buying:  buying.ToChainAsset(),
		Amount:  sellingAmount.StringFixed(7),
		Price:   opPrice,
		OfferID: offerID,
	}, sellingAmount
}

// buildTransaction 用已分配的序列号构建交易
func (m *OrderManager) buildTransaction(address string, seq, baseFee int64, op txnbuild.Operation) (*txnbuild.Transaction, error) {
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: address, Sequence: seq},
		IncrementSequenceNum: false,
		Operations:           []txnbuild.Operation{op},
		BaseFee:              baseFee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(txTimeoutSeconds),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("execution: build transaction: %w", err)
	}
	return tx, nil
}

// CancelOrder 取消订单：对同一 offer id 提交数量为 0 的 manage-offer
// （网络的取消约定）。失败返回 false 且不改变订单状态，可稍后重试；
// 已处于最终状态的订单不会被改动。
func (m *OrderManager) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	m.mu.RLock()
	order, ok := m.orders[orderID]
	var view *domain.Order
	if ok {
		view = order.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if view.IsFinal() {
		m.log.Warnf("cancel rejected: order %s already %s", orderID, view.Status)
		return false, nil
	}
	if view.OfferID == 0 {
		// 提交即全部成交，链上没有可取消的 offer，等轮询确认成交
		m.log.Warnf("cancel rejected: order %s fully matched at submission", orderID)
		return false, nil
	}

	address := m.signer.Address()
	acct, err := m.chain.LoadAccount(ctx, address)
	if err != nil {
		m.log.Errorf("cancel %s: load account: %v", orderID, err)
		return false, nil
	}

	seq := m.chain.NextSequence(address)
	submitted := false
	defer func() {
		if !submitted {
			m.chain.ReleaseSequence(address, seq)
		}
	}()

	baseFee, err := m.chain.BaseFee(ctx)
	if err != nil {
		m.log.Errorf("cancel %s: base fee: %v", orderID, err)
		return false, nil
	}
	op, _ := offerOp(view.Pair, view.Side, decimal.Zero, view.PriceDecimal, view.Price, view.OfferID)
	tx, err := m.buildTransaction(address, seq, baseFee, op)
	if err != nil {
		m.log.Errorf("cancel %s: %v", orderID, err)
		return false, nil
	}
	signedTx, err := m.signer.Sign(tx)
	if err != nil {
		m.log.Errorf("cancel %s: sign: %v", orderID, err)
		return false, nil
	}
	verdict := m.validator.Validate(ctx, signedTx, acct)
	if !verdict.Secure {
		m.log.Errorf("cancel %s: security validation failed (risk %.2f)", orderID, verdict.RiskScore)
		return false, nil
	}

	submitted = true
	res, err := m.chain.SubmitTransaction(ctx, signedTx)
	if err != nil {
		m.log.Errorf("cancel %s: submit: %v", orderID, err)
		return false, nil
	}

	m.mu.Lock()
	err = order.MarkCancelled(res.Hash)
	snapshot := order.Clone()
	m.mu.Unlock()
	if err != nil {
		// 竞态：轮询已把订单推进到最终状态
		m.log.Warnf("cancel %s: %v", orderID, err)
		return false, nil
	}
	m.journalStatus(ctx, snapshot)
	m.notify(snapshot)
	m.log.WithFields(logrus.Fields{"order_id": orderID, "tx": res.Hash}).Info("order cancelled")
	return true, nil
}

// Order 按 ID 查询订单。返回副本，轮询回写不会改动它
func (m *OrderManager) Order(orderID string) (*domain.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// ActiveOrders 返回所有非最终状态订单的副本
func (m *OrderManager) ActiveOrders() []*domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		if !o.IsFinal() {
			out = append(out, o.Clone())
		}
	}
	return out
}

// ReapCompleted 移除并返回已到达最终状态的订单。
// 订单只有在进入最终状态并被上报后才会离开在途集合。
func (m *OrderManager) ReapCompleted() []*domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var done []*domain.Order
	for id, o := range m.orders {
		if o.IsFinal() {
			done = append(done, o)
			delete(m.orders, id)
		}
	}
	return done
}

// ApplyOfferState 轮询结果回写：
// 链上已无该 offer → 全部成交；剩余数量减少 → 部分成交。
// 只在状态真正变化时推进状态机并通知回调。
func (m *OrderManager) ApplyOfferState(ctx context.Context, orderID string, remaining decimal.Decimal, found bool) {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok || order.IsFinal() {
		m.mu.Unlock()
		return
	}

	var changed bool
	var err error
	switch {
	case !found:
		err = order.MarkFilled()
		changed = err == nil
	case remaining.LessThan(order.SellingAmount):
		filled := m.filledBase(order, remaining)
		changed = order.Status != domain.OrderStatusPartiallyFilled || !order.FilledAmount.Equal(filled)
		err = order.MarkPartiallyFilled(filled)
	}
	snapshot := order.Clone()
	m.mu.Unlock()

	if err != nil {
		m.log.Warnf("apply offer state for %s: %v", orderID, err)
		return
	}
	if changed {
		m.journalStatus(ctx, snapshot)
		m.notify(snapshot)
		m.log.WithFields(logrus.Fields{"order_id": orderID, "status": snapshot.Status}).Info("order status advanced")
	}
}

// filledBase 把剩余卖出数量换算为已成交的 base 数量
func (m *OrderManager) filledBase(order *domain.Order, remaining decimal.Decimal) decimal.Decimal {
	if order.SellingAmount.Sign() <= 0 {
		return decimal.Zero
	}
	soldFraction := order.SellingAmount.Sub(remaining).Div(order.SellingAmount)
	return order.Amount.Mul(soldFraction)
}

// generateOrderID 本地订单 ID：sha256(地址 + 时间戳 + 实例标识) 截断 16 hex
func (m *OrderManager) generateOrderID(address string) string {
	h := sha256.Sum256([]byte(address + strconv.FormatInt(time.Now().UnixNano(), 10) + m.instanceNonce))
	return hex.EncodeToString(h[:])[:16]
}

// decodeOfferID 从交易结果 XDR 解出新建 offer 的 ID。
// offer 为空表示提交即全部成交（没有挂单留在链上）。
func decodeOfferID(resultXDR string) (int64, error) {
	if resultXDR == "" {
		return 0, nil
	}
	var result xdr.TransactionResult
	if err := xdr.SafeUnmarshalBase64(resultXDR, &result); err != nil {
		return 0, err
	}
	opResults, ok := result.OperationResults()
	if !ok || len(opResults) == 0 {
		return 0, nil
	}
	tr, ok := opResults[0].GetTr()
	if !ok {
		return 0, nil
	}
	offerResult, ok := tr.GetManageSellOfferResult()
	if !ok {
		return 0, nil
	}
	success, ok := offerResult.GetSuccess()
	if !ok {
		return 0, nil
	}
	if success.Offer.Offer == nil {
		return 0, nil
	}
	return int64(success.Offer.Offer.OfferId), nil
}

func (m *OrderManager) notify(order *domain.Order) {
	m.mu.RLock()
	handlers := make([]OrderHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()
	for _, h := range handlers {
		h(order)
	}
}

func (m *OrderManager) journalOrder(ctx context.Context, order *domain.Order) {
	if m.journal == nil {
		return
	}
	if err := m.journal.RecordOrder(ctx, order); err != nil {
		m.log.Warnf("journal order %s: %v", order.OrderID, err)
	}
}

func (m *OrderManager) journalStatus(ctx context.Context, order *domain.Order) {
	if m.journal == nil {
		return
	}
	txHash := order.TxHash
	if order.Status == domain.OrderStatusCancelled {
		txHash = order.CancelTxHash
	}
	if err := m.journal.RecordStatus(ctx, order.OrderID, order.Status, txHash); err != nil {
		m.log.Warnf("journal status %s: %v", order.OrderID, err)
	}
}
