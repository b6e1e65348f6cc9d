package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stellarbot/gostellar/internal/domain"
)

// stubOfferReader 固定的 offer 状态应答
type stubOfferReader struct {
	mu        sync.Mutex
	remaining decimal.Decimal
	found     bool
	err       error
}

func (s *stubOfferReader) set(remaining decimal.Decimal, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining, s.found, s.err = remaining, found, err
}

func (s *stubOfferReader) OfferState(context.Context, string, int64) (decimal.Decimal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining, s.found, s.err
}

func waitForStatus(t *testing.T, m *OrderManager, id string, want domain.OrderStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o, ok := m.Order(id); ok && o.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	o, _ := m.Order(id)
	t.Fatalf("order %s never reached %s, stuck at %s", id, want, o.Status)
}

func TestTracker_AdvancesOrderThroughFill(t *testing.T) {
	f := newManagerFixture(t)
	id := f.createOrder(t, domain.SideSell, "10", "0.5")

	reader := &stubOfferReader{}
	reader.set(decimal.NewFromInt(4), true, nil)

	tracker := NewTracker(reader, f.manager, 10*time.Millisecond)
	tracker.Start(context.Background())
	defer tracker.Stop()

	waitForStatus(t, f.manager, id, domain.OrderStatusPartiallyFilled)

	reader.set(decimal.Zero, false, nil)
	waitForStatus(t, f.manager, id, domain.OrderStatusFilled)
}

func TestTracker_TransientErrorsAreRetried(t *testing.T) {
	f := newManagerFixture(t)
	id := f.createOrder(t, domain.SideSell, "10", "0.5")

	reader := &stubOfferReader{}
	reader.set(decimal.Zero, false, errors.New("horizon 429"))

	tracker := NewTracker(reader, f.manager, 10*time.Millisecond)
	tracker.Start(context.Background())
	defer tracker.Stop()

	// 出错期间订单保持原状
	time.Sleep(50 * time.Millisecond)
	if o, _ := f.manager.Order(id); o.Status != domain.OrderStatusOpen {
		t.Fatalf("error polls mutated order: %s", o.Status)
	}

	// 故障消失后下个周期推进
	reader.set(decimal.Zero, false, nil)
	waitForStatus(t, f.manager, id, domain.OrderStatusFilled)
}

func TestTracker_ZeroOfferIDTreatedAsFilled(t *testing.T) {
	f := newManagerFixture(t)
	// 提交即全部成交：结果里没有新建的 offer
	f.stub.submitResp.ResultXdr = ""
	id := f.createOrder(t, domain.SideSell, "10", "0.5")

	if o, _ := f.manager.Order(id); o.OfferID != 0 {
		t.Fatalf("offer id got=%d want=0", o.OfferID)
	}

	tracker := NewTracker(&stubOfferReader{}, f.manager, 10*time.Millisecond)
	tracker.Start(context.Background())
	defer tracker.Stop()

	waitForStatus(t, f.manager, id, domain.OrderStatusFilled)
}

func TestTracker_StopIsIdempotent(t *testing.T) {
	f := newManagerFixture(t)
	tracker := NewTracker(&stubOfferReader{}, f.manager, 10*time.Millisecond)

	tracker.Stop() // 未启动时停止是空操作
	tracker.Start(context.Background())
	tracker.Start(context.Background()) // 重复启动是空操作
	tracker.Stop()
	tracker.Stop()
}
