package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// defaultPollInterval 默认轮询间隔
const defaultPollInterval = 5 * time.Second

// OfferStateReader 查询链上 offer 剩余数量的能力
type OfferStateReader interface {
	OfferState(ctx context.Context, seller string, offerID int64) (remaining decimal.Decimal, found bool, err error)
}

// Tracker 按固定间隔轮询在途订单的链上状态。
//
// 这是被动的尽力而为对账：漏掉的轮询或瞬时错误只记日志，下个周期
// 重试，绝不影响订单本身——订单状态只由这里检测到的明确变化或
// 提交路径的直接反馈推进。
type Tracker struct {
	chain    OfferStateReader
	manager  *OrderManager
	interval time.Duration

	cancel context.CancelFunc
	doneC  chan struct{}
	log    *logrus.Entry
}

// NewTracker 创建状态跟踪器。interval <= 0 时使用默认 5 秒。
func NewTracker(chain OfferStateReader, manager *OrderManager, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Tracker{
		chain:    chain,
		manager:  manager,
		interval: interval,
		log:      logrus.WithField("component", "tracker"),
	}
}

// Start 启动轮询循环（重复调用为空操作）
func (t *Tracker) Start(ctx context.Context) {
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.doneC = make(chan struct{})

	go func() {
		defer close(t.doneC)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.poll(ctx)
			}
		}
	}()
	t.log.Infof("order status tracker started, interval=%s", t.interval)
}

// Stop 停止轮询并等待循环退出
func (t *Tracker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.doneC
	t.cancel = nil
	t.log.Info("order status tracker stopped")
}

// poll 逐单查询链上 offer 状态并回写
func (t *Tracker) poll(ctx context.Context) {
	seller := t.manager.Address()
	for _, order := range t.manager.ActiveOrders() {
		if !order.IsOpen() {
			continue
		}
		if order.OfferID == 0 {
			// 提交即全部成交，链上从未出现过挂单
			t.manager.ApplyOfferState(ctx, order.OrderID, decimal.Zero, false)
			continue
		}
		remaining, found, err := t.chain.OfferState(ctx, seller, order.OfferID)
		if err != nil {
			// 瞬时错误不升级，下个周期重试
			t.log.Warnf("poll order %s (offer %d): %v", order.OrderID, order.OfferID, err)
			continue
		}
		t.manager.ApplyOfferState(ctx, order.OrderID, remaining, found)
	}
}
