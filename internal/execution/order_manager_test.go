package execution

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/base"
	"github.com/stellar/go/support/render/problem"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/stellarbot/gostellar/internal/assets"
	"github.com/stellarbot/gostellar/internal/chain"
	"github.com/stellarbot/gostellar/internal/domain"
	"github.com/stellarbot/gostellar/internal/risk"
	"github.com/stellarbot/gostellar/internal/security"
	"github.com/stellarbot/gostellar/pkg/keystore"
	"github.com/stellarbot/gostellar/pkg/rational"
)

const usdcIssuer = "GDX2FAITRP7A2ZMCQG4RDZBOFX7S2CNZ2Y4C44JFODN3IO3ZNDY5IU7M"

// stubHorizon 可编程的 Horizon 后端
type stubHorizon struct {
	account    hProtocol.Account
	submitResp hProtocol.Transaction
	submitErr  error

	// advanceOnSubmit 模拟账本应用交易后账户序列号前移
	advanceOnSubmit bool

	submitted []*txnbuild.Transaction
}

func (s *stubHorizon) Root() (hProtocol.Root, error) {
	return hProtocol.Root{NetworkPassphrase: network.TestNetworkPassphrase}, nil
}

func (s *stubHorizon) AccountDetail(horizonclient.AccountRequest) (hProtocol.Account, error) {
	return s.account, nil
}

func (s *stubHorizon) SubmitTransaction(tx *txnbuild.Transaction) (hProtocol.Transaction, error) {
	s.submitted = append(s.submitted, tx)
	if s.submitErr != nil {
		return hProtocol.Transaction{}, s.submitErr
	}
	if s.advanceOnSubmit {
		s.account.Sequence = tx.SourceAccount().Sequence
	}
	return s.submitResp, nil
}

func (s *stubHorizon) FeeStats() (hProtocol.FeeStats, error) {
	return hProtocol.FeeStats{LastLedgerBaseFee: 100}, nil
}

func (s *stubHorizon) OfferDetails(string) (hProtocol.Offer, error) {
	return hProtocol.Offer{}, &horizonclient.Error{Problem: problem.P{
		Type:   "https://stellar.org/horizon-errors/not_found",
		Status: 404,
	}}
}

// lastOffer 最近一次提交的 manage-sell-offer 操作
func (s *stubHorizon) lastOffer(t *testing.T) *txnbuild.ManageSellOffer {
	t.Helper()
	if len(s.submitted) == 0 {
		t.Fatal("nothing submitted")
	}
	tx := s.submitted[len(s.submitted)-1]
	op, ok := tx.Operations()[0].(*txnbuild.ManageSellOffer)
	if !ok {
		t.Fatalf("submitted operation is %T, want ManageSellOffer", tx.Operations()[0])
	}
	return op
}

// successResultXDR 构造一笔创建了指定 offer 的成功交易结果
func successResultXDR(t *testing.T, seller string, offerID int64) string {
	t.Helper()
	native := xdr.Asset{Type: xdr.AssetTypeAssetTypeNative}
	opResult := xdr.OperationResult{
		Code: xdr.OperationResultCodeOpInner,
		Tr: &xdr.OperationResultTr{
			Type: xdr.OperationTypeManageSellOffer,
			ManageSellOfferResult: &xdr.ManageSellOfferResult{
				Code: xdr.ManageSellOfferResultCodeManageSellOfferSuccess,
				Success: &xdr.ManageOfferSuccessResult{
					Offer: xdr.ManageOfferSuccessResultOffer{
						Effect: xdr.ManageOfferEffectManageOfferCreated,
						Offer: &xdr.OfferEntry{
							SellerId: xdr.MustAddress(seller),
							OfferId:  xdr.Int64(offerID),
							Selling:  native,
							Buying:   native,
							Amount:   1,
							Price:    xdr.Price{N: 1, D: 1},
						},
					},
				},
			},
		},
	}
	result := xdr.TransactionResult{
		FeeCharged: 100,
		Result: xdr.TransactionResultResult{
			Code:    xdr.TransactionResultCodeTxSuccess,
			Results: &[]xdr.OperationResult{opResult},
		},
	}
	encoded, err := xdr.MarshalBase64(result)
	if err != nil {
		t.Fatalf("marshal result xdr: %v", err)
	}
	return encoded
}

type managerFixture struct {
	kp      *keypair.Full
	stub    *stubHorizon
	chain   *chain.Client
	manager *OrderManager
	breaker *risk.CircuitBreaker
}

// newManagerFixture 账户：序列号 100，余额 1000 XLM，USDC 信任线。
// 提交默认成功并创建 offer 42。
func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	kp, err := keypair.Random()
	if err != nil {
		t.Fatal(err)
	}

	stub := &stubHorizon{
		account: hProtocol.Account{
			AccountID:     kp.Address(),
			Sequence:      100,
			SubentryCount: 1,
			Balances: []hProtocol.Balance{
				{Balance: "1000.0000000", Asset: base.Asset{Type: "native"}},
				{Balance: "500.0000000", Limit: "10000", Asset: base.Asset{Type: "credit_alphanum4", Code: "USDC", Issuer: usdcIssuer}},
			},
			Signers: []hProtocol.Signer{{Key: kp.Address(), Weight: 1}},
		},
	}
	stub.submitResp = hProtocol.Transaction{
		Hash:       "txhash1",
		Ledger:     5000,
		Successful: true,
		ResultXdr:  successResultXDR(t, kp.Address(), 42),
	}

	chainClient := chain.NewWithBackend(stub, nil, network.TestNetworkPassphrase, 1000)
	if err := chainClient.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	signer, err := keystore.NewMemorySigner(kp.Seed(), network.TestNetworkPassphrase)
	if err != nil {
		t.Fatal(err)
	}
	directory := assets.NewDirectory(map[string]assets.Entry{
		"USDC": {Code: "USDC", Issuer: usdcIssuer},
		"EURC": {Code: "EURC", Issuer: usdcIssuer},
	})
	validator := security.NewValidator(network.TestNetworkPassphrase, chainClient, chainClient.Reserves(), time.Minute)
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{MaxConsecutiveErrors: 2})

	manager := NewOrderManager(chainClient, signer, directory, rational.NewConverter(0), validator,
		Options{Breaker: breaker})
	return &managerFixture{kp: kp, stub: stub, chain: chainClient, manager: manager, breaker: breaker}
}

func (f *managerFixture) createOrder(t *testing.T, side domain.Side, amount, price string) string {
	t.Helper()
	id, err := f.manager.CreateOrder(context.Background(), CreateOrderRequest{
		Pair:   "XLM-USDC",
		Side:   side,
		Amount: decimal.RequireFromString(amount),
		Price:  decimal.RequireFromString(price),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return id
}

func TestOrderManager_CreateSellOrder(t *testing.T) {
	f := newManagerFixture(t)
	id := f.createOrder(t, domain.SideSell, "10", "0.5")

	if len(id) != 16 {
		t.Fatalf("order id %q, want 16 hex chars", id)
	}
	order, ok := f.manager.Order(id)
	if !ok {
		t.Fatal("order not tracked")
	}
	if order.Status != domain.OrderStatusOpen {
		t.Fatalf("status got=%s want=open", order.Status)
	}
	if order.OfferID != 42 || order.TxHash != "txhash1" {
		t.Fatalf("chain metadata wrong: offer=%d tx=%s", order.OfferID, order.TxHash)
	}
	if !order.SellingAmount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("selling amount got=%s want=10", order.SellingAmount)
	}

	// 卖单直接卖出 base，价格原样
	op := f.stub.lastOffer(t)
	if op.Amount != "10.0000000" {
		t.Fatalf("op amount got=%q", op.Amount)
	}
	if op.Price.N != 1 || op.Price.D != 2 {
		t.Fatalf("op price got=%d/%d want=1/2", op.Price.N, op.Price.D)
	}
	if !op.Selling.IsNative() {
		t.Fatal("sell order must sell the base asset")
	}
	if op.OfferID != 0 {
		t.Fatalf("new offer must carry id 0, got %d", op.OfferID)
	}

	// 提交路径已释放序列号
	if got := f.chain.Sequences().PendingCount(f.kp.Address()); got != 0 {
		t.Fatalf("sequence leaked: pending=%d", got)
	}
}

func TestOrderManager_CreateBuyOrderInvertsOffer(t *testing.T) {
	f := newManagerFixture(t)
	id := f.createOrder(t, domain.SideBuy, "10", "0.5")

	order, _ := f.manager.Order(id)
	// 买 10 XLM @ 0.5 USDC：卖出 5 USDC，价格取倒数
	if !order.SellingAmount.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("selling amount got=%s want=5", order.SellingAmount)
	}
	op := f.stub.lastOffer(t)
	if op.Amount != "5.0000000" {
		t.Fatalf("op amount got=%q", op.Amount)
	}
	if op.Price.N != 2 || op.Price.D != 1 {
		t.Fatalf("op price got=%d/%d want=2/1", op.Price.N, op.Price.D)
	}
	if op.Selling.IsNative() {
		t.Fatal("buy order must sell the quote asset")
	}
}

func TestOrderManager_RejectsInvalidRequests(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateOrderRequest
	}{
		{"market order", CreateOrderRequest{Pair: "XLM-USDC", Side: domain.SideBuy, OrderType: "market",
			Amount: decimal.NewFromInt(1), Price: decimal.RequireFromString("0.5")}},
		{"bad side", CreateOrderRequest{Pair: "XLM-USDC", Side: "hold",
			Amount: decimal.NewFromInt(1), Price: decimal.RequireFromString("0.5")}},
		{"amount below one stroop", CreateOrderRequest{Pair: "XLM-USDC", Side: domain.SideBuy,
			Amount: decimal.RequireFromString("0.00000001"), Price: decimal.RequireFromString("0.5")}},
		{"zero price", CreateOrderRequest{Pair: "XLM-USDC", Side: domain.SideBuy,
			Amount: decimal.NewFromInt(1), Price: decimal.Zero}},
		{"unknown pair", CreateOrderRequest{Pair: "XLM-DOGE", Side: domain.SideBuy,
			Amount: decimal.NewFromInt(1), Price: decimal.RequireFromString("0.5")}},
		{"same base and quote", CreateOrderRequest{Pair: "XLM-XLM", Side: domain.SideBuy,
			Amount: decimal.NewFromInt(1), Price: decimal.RequireFromString("0.5")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.manager.CreateOrder(ctx, tc.req); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	// 非法输入不触发任何网络提交，也不占用序列号
	if len(f.stub.submitted) != 0 {
		t.Fatalf("invalid requests reached the network: %d submissions", len(f.stub.submitted))
	}
	if got := f.chain.Sequences().PendingCount(f.kp.Address()); got != 0 {
		t.Fatalf("sequence leaked: pending=%d", got)
	}
}

func TestOrderManager_RejectsMissingTrustline(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.CreateOrder(context.Background(), CreateOrderRequest{
		Pair:   "EURC-USDC",
		Side:   domain.SideSell,
		Amount: decimal.NewFromInt(1),
		Price:  decimal.RequireFromString("1.1"),
	})
	if err == nil {
		t.Fatal("expected missing trustline error")
	}
	if len(f.stub.submitted) != 0 {
		t.Fatal("order without trustline reached the network")
	}
}

func TestOrderManager_SubmitFailureOpensBreaker(t *testing.T) {
	f := newManagerFixture(t)
	f.stub.submitErr = errors.New("horizon 504")
	ctx := context.Background()
	req := CreateOrderRequest{Pair: "XLM-USDC", Side: domain.SideSell,
		Amount: decimal.NewFromInt(1), Price: decimal.RequireFromString("0.5")}

	for i := 0; i < 2; i++ {
		// 推进网络序列号，避免重试交易与上一笔完全相同
		f.stub.account.Sequence = int64(100 + i)
		if _, err := f.manager.CreateOrder(ctx, req); err == nil {
			t.Fatal("expected submit error")
		}
		if got := f.chain.Sequences().PendingCount(f.kp.Address()); got != 0 {
			t.Fatalf("attempt %d leaked sequence: pending=%d", i, got)
		}
	}

	// 连续两次失败达到阈值，熔断器打开
	_, err := f.manager.CreateOrder(ctx, req)
	if !errors.Is(err, risk.ErrTradingHalted) {
		t.Fatalf("got %v, want ErrTradingHalted", err)
	}

	f.breaker.Resume()
	f.stub.submitErr = nil
	f.stub.account.Sequence = 102
	if _, err := f.manager.CreateOrder(ctx, req); err != nil {
		t.Fatalf("create after resume: %v", err)
	}
}

func TestOrderManager_SecurityRejectionBlocksSubmit(t *testing.T) {
	f := newManagerFixture(t)
	// 余额 11：储备线 2.5，可用 8.5，不够卖 10 XLM
	f.stub.account.Balances[0].Balance = "11.0000000"

	_, err := f.manager.CreateOrder(context.Background(), CreateOrderRequest{
		Pair:   "XLM-USDC",
		Side:   domain.SideSell,
		Amount: decimal.NewFromInt(10),
		Price:  decimal.RequireFromString("0.5"),
	})
	if !errors.Is(err, ErrSecurityRejected) {
		t.Fatalf("got %v, want ErrSecurityRejected", err)
	}
	if len(f.stub.submitted) != 0 {
		t.Fatal("rejected transaction reached the network")
	}
	if got := f.chain.Sequences().PendingCount(f.kp.Address()); got != 0 {
		t.Fatalf("sequence leaked: pending=%d", got)
	}
}

func TestOrderManager_CancelOrder(t *testing.T) {
	f := newManagerFixture(t)
	id := f.createOrder(t, domain.SideSell, "10", "0.5")

	var notified []*domain.Order
	f.manager.OnOrderUpdate(func(o *domain.Order) { notified = append(notified, o) })

	// 网络序列号前进，取消交易拿到新序列号
	f.stub.account.Sequence = 101
	f.stub.submitResp = hProtocol.Transaction{Hash: "cancelhash", Ledger: 5001, Successful: true}

	cancelled, err := f.manager.CancelOrder(context.Background(), id)
	if err != nil || !cancelled {
		t.Fatalf("cancel got=(%v,%v) want=(true,nil)", cancelled, err)
	}

	op := f.stub.lastOffer(t)
	if op.OfferID != 42 {
		t.Fatalf("cancel must target offer 42, got %d", op.OfferID)
	}
	if op.Amount != "0.0000000" {
		t.Fatalf("cancel amount got=%q want=0", op.Amount)
	}

	order, _ := f.manager.Order(id)
	if order.Status != domain.OrderStatusCancelled || order.CancelTxHash != "cancelhash" {
		t.Fatalf("order after cancel: status=%s hash=%s", order.Status, order.CancelTxHash)
	}
	if len(notified) != 1 || notified[0].OrderID != id {
		t.Fatalf("handler notifications: %d", len(notified))
	}

	// 终态订单再次取消：拒绝但不报错，状态不变
	cancelled, err = f.manager.CancelOrder(context.Background(), id)
	if err != nil || cancelled {
		t.Fatalf("second cancel got=(%v,%v) want=(false,nil)", cancelled, err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("terminal status mutated: %s", order.Status)
	}
}

func TestOrderManager_CancelUnknownOrder(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.CancelOrder(context.Background(), "ffffffffffffffff")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("got %v, want ErrOrderNotFound", err)
	}
}

func TestOrderManager_CancelFailureLeavesOrderUntouched(t *testing.T) {
	f := newManagerFixture(t)
	id := f.createOrder(t, domain.SideSell, "10", "0.5")

	f.stub.account.Sequence = 101
	f.stub.submitErr = errors.New("horizon 504")

	cancelled, err := f.manager.CancelOrder(context.Background(), id)
	if err != nil || cancelled {
		t.Fatalf("failed cancel got=(%v,%v) want=(false,nil)", cancelled, err)
	}
	order, _ := f.manager.Order(id)
	if order.Status != domain.OrderStatusOpen {
		t.Fatalf("order status mutated by failed cancel: %s", order.Status)
	}
	if got := f.chain.Sequences().PendingCount(f.kp.Address()); got != 0 {
		t.Fatalf("sequence leaked: pending=%d", got)
	}

	// 故障恢复后重试成功（网络序列号已前进，重试交易与上一笔不同）
	f.stub.submitErr = nil
	f.stub.account.Sequence = 102
	f.stub.submitResp = hProtocol.Transaction{Hash: "cancelhash", Ledger: 5002, Successful: true}
	cancelled, err = f.manager.CancelOrder(context.Background(), id)
	if err != nil || !cancelled {
		t.Fatalf("retry cancel got=(%v,%v) want=(true,nil)", cancelled, err)
	}
}

func TestOrderManager_ApplyOfferStateLifecycle(t *testing.T) {
	f := newManagerFixture(t)
	id := f.createOrder(t, domain.SideSell, "10", "0.5")
	ctx := context.Background()

	// 剩余 4/10：已成交 6
	f.manager.ApplyOfferState(ctx, id, decimal.NewFromInt(4), true)
	order, _ := f.manager.Order(id)
	if order.Status != domain.OrderStatusPartiallyFilled {
		t.Fatalf("status got=%s want=partially_filled", order.Status)
	}
	if !order.FilledAmount.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("filled got=%s want=6", order.FilledAmount)
	}

	// 剩余不变：无状态变化
	f.manager.ApplyOfferState(ctx, id, decimal.NewFromInt(4), true)
	order, _ = f.manager.Order(id)
	if order.Status != domain.OrderStatusPartiallyFilled {
		t.Fatalf("status got=%s want=partially_filled", order.Status)
	}

	// 链上已无该 offer：全部成交
	f.manager.ApplyOfferState(ctx, id, decimal.Zero, false)
	order, _ = f.manager.Order(id)
	if order.Status != domain.OrderStatusFilled {
		t.Fatalf("status got=%s want=filled", order.Status)
	}
	if !order.FilledAmount.Equal(order.Amount) {
		t.Fatalf("filled got=%s want=%s", order.FilledAmount, order.Amount)
	}

	if active := f.manager.ActiveOrders(); len(active) != 0 {
		t.Fatalf("filled order still active: %d", len(active))
	}
	done := f.manager.ReapCompleted()
	if len(done) != 1 || done[0].OrderID != id {
		t.Fatalf("reap got %d orders", len(done))
	}
	if _, ok := f.manager.Order(id); ok {
		t.Fatal("reaped order still tracked")
	}
}

func TestOrderManager_BuyOrderFillConvertsToBase(t *testing.T) {
	f := newManagerFixture(t)
	id := f.createOrder(t, domain.SideBuy, "10", "0.5")
	ctx := context.Background()

	// 卖出侧剩余 2.5/5 USDC：base 成交 5 XLM
	f.manager.ApplyOfferState(ctx, id, decimal.RequireFromString("2.5"), true)
	order, _ := f.manager.Order(id)
	if !order.FilledAmount.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("filled base got=%s want=5", order.FilledAmount)
	}
}

func TestOrderManager_TwoOrdersSameWalletDistinctSequences(t *testing.T) {
	f := newManagerFixture(t)
	f.stub.advanceOnSubmit = true

	f.createOrder(t, domain.SideSell, "10", "0.5")
	f.createOrder(t, domain.SideSell, "20", "0.6")

	if len(f.stub.submitted) != 2 {
		t.Fatalf("submitted %d transactions, want 2", len(f.stub.submitted))
	}
	first := f.stub.submitted[0].SourceAccount().Sequence
	second := f.stub.submitted[1].SourceAccount().Sequence
	if first != 101 || second != 102 {
		t.Fatalf("sequences got=(%d,%d) want=(101,102)", first, second)
	}
}

func TestOrderManager_ReadSurfacesReturnCopies(t *testing.T) {
	f := newManagerFixture(t)
	id := f.createOrder(t, domain.SideSell, "10", "0.5")

	order, ok := f.manager.Order(id)
	if !ok {
		t.Fatal("order not tracked")
	}
	order.Status = domain.OrderStatusFailed
	order.FilledAmount = decimal.NewFromInt(99)

	again, _ := f.manager.Order(id)
	if again.Status != domain.OrderStatusOpen {
		t.Fatalf("mutating a returned order leaked into the registry: status=%s", again.Status)
	}
	if !again.FilledAmount.IsZero() {
		t.Fatalf("filled amount leaked: %s", again.FilledAmount)
	}

	active := f.manager.ActiveOrders()
	if len(active) != 1 {
		t.Fatalf("active orders got=%d want=1", len(active))
	}
	active[0].Status = domain.OrderStatusCancelled
	if again, _ = f.manager.Order(id); again.Status != domain.OrderStatusOpen {
		t.Fatalf("mutating the active list leaked into the registry: status=%s", again.Status)
	}
}

func TestOrderManager_ConcurrentReadsDuringPollWrites(t *testing.T) {
	f := newManagerFixture(t)
	id := f.createOrder(t, domain.SideSell, "10", "0.5")
	ctx := context.Background()

	var handled int32
	f.manager.OnOrderUpdate(func(o *domain.Order) {
		// 回调里拿到的是快照，读取字段不与轮询写入竞争
		_ = o.Status
		_ = o.FilledAmount.String()
		atomic.AddInt32(&handled, 1)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if o, ok := f.manager.Order(id); ok {
				_ = o.Status
				_ = o.FilledAmount.String()
			}
			for _, o := range f.manager.ActiveOrders() {
				_ = o.Status
			}
		}
	}()

	for i := 1; i <= 200; i++ {
		remaining := decimal.NewFromInt(10).Sub(decimal.NewFromInt(int64(i)).Div(decimal.NewFromInt(100)))
		f.manager.ApplyOfferState(ctx, id, remaining, true)
	}
	<-done

	if atomic.LoadInt32(&handled) == 0 {
		t.Fatal("no order updates delivered")
	}
}
