package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/txnbuild"

	"github.com/stellarbot/gostellar/internal/domain"
	"github.com/stellarbot/gostellar/internal/ports"
	"github.com/stellarbot/gostellar/pkg/cache"
	"github.com/stellarbot/gostellar/pkg/ratelimit"
)

const (
	feeCacheKey    = "base_fee"
	feeCacheTTL    = 60 * time.Second
	defaultBaseFee = 100 // stroops，FeeStats 不可用时的兜底值
	txBadSeqCode   = "tx_bad_seq"
)

// Config 链客户端配置
type Config struct {
	HorizonURL        string
	SorobanRPCURL     string // 可选，为空则不启用 Soroban 面
	NetworkPassphrase string
	SubmitsPerSecond  int // 提交速率限制（<=0 表示 5/s）
}

// Client 封装网络连接生命周期、账户加载、交易提交与费用计算。
// 序列号与储备状态由实例持有，不使用全局注册表，multiple 网络
// 上下文（mainnet/testnet）可以并存。
type Client struct {
	horizon    ports.HorizonBackend
	soroban    *SorobanClient
	sequences  *SequenceManager
	reserves   *ReserveCalculator
	passphrase string

	feeCache *cache.InMemoryCache[string, int64]
	limiter  *ratelimit.TokenBucket

	connected atomic.Bool
	log       *logrus.Entry
}

// New 根据配置创建客户端（连接真实 Horizon）
func New(cfg Config) *Client {
	backend := &horizonclient.Client{
		HorizonURL: cfg.HorizonURL,
		HTTP:       http.DefaultClient,
	}
	var soroban *SorobanClient
	if cfg.SorobanRPCURL != "" {
		soroban = NewSorobanClient(cfg.SorobanRPCURL)
	}
	return NewWithBackend(backend, soroban, cfg.NetworkPassphrase, cfg.SubmitsPerSecond)
}

// NewWithBackend 注入后端（测试用 stub 走这里）
func NewWithBackend(backend ports.HorizonBackend, soroban *SorobanClient, passphrase string, submitsPerSecond int) *Client {
	if submitsPerSecond <= 0 {
		submitsPerSecond = 5
	}
	return &Client{
		horizon:    backend,
		soroban:    soroban,
		sequences:  NewSequenceManager(),
		reserves:   DefaultReserveCalculator(),
		passphrase: passphrase,
		feeCache:   cache.NewInMemoryCache[string, int64](feeCacheTTL),
		limiter:    ratelimit.NewTokenBucket(submitsPerSecond, submitsPerSecond, time.Second),
		log:        logrus.WithField("component", "chain"),
	}
}

// NetworkPassphrase 返回配置的网络口令
func (c *Client) NetworkPassphrase() string {
	return c.passphrase
}

// Sequences 返回序列号管理器
func (c *Client) Sequences() *SequenceManager {
	return c.sequences
}

// Reserves 返回储备计算器
func (c *Client) Reserves() *ReserveCalculator {
	return c.reserves
}

// Soroban 返回 Soroban 客户端（未配置时为 nil）
func (c *Client) Soroban() *SorobanClient {
	return c.soroban
}

// Connect 建立连接：做一次轻量读取确认可达，校验网络口令。幂等。
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	root, err := c.horizon.Root()
	if err != nil {
		return fmt.Errorf("chain: horizon unreachable: %w", err)
	}
	if root.NetworkPassphrase != c.passphrase {
		return fmt.Errorf("chain: network passphrase mismatch: horizon=%q configured=%q",
			root.NetworkPassphrase, c.passphrase)
	}
	if c.soroban != nil {
		health, err := c.soroban.GetHealth(ctx)
		if err != nil {
			return fmt.Errorf("chain: soroban rpc unreachable: %w", err)
		}
		c.log.Debugf("soroban health: %s latest_ledger=%d", health.Status, health.LatestLedger)
	}
	c.connected.Store(true)
	c.log.Infof("connected, horizon core protocol=%d", root.CoreSupportedProtocolVersion)
	return nil
}

// Disconnect 断开连接。幂等。
func (c *Client) Disconnect() {
	c.connected.Store(false)
}

// Connected 当前连接状态
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// LoadAccount 加载账户并用网络序列号同步序列管理器。
// 为某地址构建新交易前必须先调用一次。
func (c *Client) LoadAccount(ctx context.Context, address string) (*domain.Account, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	_ = ctx
	record, err := c.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		return nil, fmt.Errorf("chain: load account %s: %w", address, err)
	}
	acct, err := mapAccount(record)
	if err != nil {
		return nil, fmt.Errorf("chain: account %s: %w", address, err)
	}
	c.sequences.SyncSequence(address, acct.Sequence)
	return acct, nil
}

// mapAccount 把 Horizon 账户记录映射为领域快照
func mapAccount(record hProtocol.Account) (*domain.Account, error) {
	acct := &domain.Account{
		Address:  record.AccountID,
		Sequence: record.Sequence,
	}
	for _, b := range record.Balances {
		if b.Asset.Type == "native" {
			native, err := decimal.NewFromString(b.Balance)
			if err != nil {
				return nil, fmt.Errorf("parse native balance %q: %w", b.Balance, err)
			}
			acct.NativeBalance = native
			continue
		}
		bal, err := decimal.NewFromString(b.Balance)
		if err != nil {
			return nil, fmt.Errorf("parse %s balance %q: %w", b.Asset.Code, b.Balance, err)
		}
		limit := decimal.Zero
		if b.Limit != "" {
			if limit, err = decimal.NewFromString(b.Limit); err != nil {
				return nil, fmt.Errorf("parse %s limit %q: %w", b.Asset.Code, b.Limit, err)
			}
		}
		acct.Trustlines = append(acct.Trustlines, domain.Trustline{
			Code:    b.Asset.Code,
			Issuer:  b.Asset.Issuer,
			Balance: bal,
			Limit:   limit,
		})
	}
	if extra := len(record.Signers) - 1; extra > 0 {
		acct.ExtraSigners = extra
	}
	// subentry_count = 信任线 + offer + data + 额外签名人
	if offersAndData := int(record.SubentryCount) - len(acct.Trustlines) - acct.ExtraSigners; offersAndData > 0 {
		acct.OffersAndData = offersAndData
	}
	return acct, nil
}

// NextSequence 为地址分配下一个序列号
func (c *Client) NextSequence(address string) int64 {
	return c.sequences.NextSequence(address)
}

// ReleaseSequence 释放序列号
func (c *Client) ReleaseSequence(address string, seq int64) {
	c.sequences.ReleaseSequence(address, seq)
}

// BaseFee 返回网络基础费用（stroops），缓存 60 秒。
func (c *Client) BaseFee(ctx context.Context) (int64, error) {
	if fee, ok := c.feeCache.Get(feeCacheKey); ok {
		return fee, nil
	}
	_ = ctx
	stats, err := c.horizon.FeeStats()
	if err != nil {
		c.log.Warnf("fee stats unavailable, using default %d: %v", defaultBaseFee, err)
		return defaultBaseFee, nil
	}
	fee := stats.LastLedgerBaseFee
	if fee <= 0 {
		fee = defaultBaseFee
	}
	c.feeCache.Set(feeCacheKey, fee, feeCacheTTL)
	return fee, nil
}

// CalculateFee 费用 = 基础费用 × 操作数
func (c *Client) CalculateFee(ctx context.Context, operationCount int) (int64, error) {
	if operationCount <= 0 {
		return 0, fmt.Errorf("chain: operation count must be positive, got %d", operationCount)
	}
	base, err := c.BaseFee(ctx)
	if err != nil {
		return 0, err
	}
	return base * int64(operationCount), nil
}

// SubmitResult 成功提交的结果
type SubmitResult struct {
	Hash      string
	Ledger    int32
	ResultXDR string
}

// SubmitTransaction 提交交易。
//
// 无论成败都会释放交易占用的序列号（防泄漏）；遇到 tx_bad_seq 时
// 额外从网络重新同步序列号，并返回 ErrBadSequence 让调用方用新序
// 列号重建交易。其他错误原样向上传播。
func (c *Client) SubmitTransaction(ctx context.Context, tx *txnbuild.Transaction) (*SubmitResult, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	src := tx.SourceAccount()

	if err := c.limiter.Wait(ctx); err != nil {
		c.sequences.ReleaseSequence(src.AccountID, src.Sequence)
		return nil, err
	}

	resp, err := c.horizon.SubmitTransaction(tx)
	// 先释放占位再做任何同步：ReleaseSequence 只会向上取 max，
	// 若放在 resyncSequence 之后会覆盖刚取回的权威序列号
	c.sequences.ReleaseSequence(src.AccountID, src.Sequence)
	if err != nil {
		if isBadSequence(err) {
			c.resyncSequence(src.AccountID)
			return nil, fmt.Errorf("%w: %v", ErrBadSequence, err)
		}
		return nil, err
	}
	return &SubmitResult{Hash: resp.Hash, Ledger: resp.Ledger, ResultXDR: resp.ResultXdr}, nil
}

// resyncSequence 从网络取回权威序列号覆盖本地值
func (c *Client) resyncSequence(address string) {
	record, err := c.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		c.log.Errorf("resync sequence for %s failed: %v", address, err)
		return
	}
	c.sequences.SyncSequence(address, record.Sequence)
	c.log.Infof("sequence resynced for %s: %d", address, record.Sequence)
}

// isBadSequence 判断提交错误是否为序列号错配
func isBadSequence(err error) bool {
	hErr := asHorizonError(err)
	if hErr == nil {
		return false
	}
	codes, cErr := hErr.ResultCodes()
	if cErr != nil {
		return false
	}
	return codes.TransactionCode == txBadSeqCode
}

func asHorizonError(err error) *horizonclient.Error {
	var pErr *horizonclient.Error
	if errors.As(err, &pErr) {
		return pErr
	}
	var vErr horizonclient.Error
	if errors.As(err, &vErr) {
		return &vErr
	}
	return nil
}

// OfferState 查询账户某个 offer 的剩余数量。
// found=false 表示链上已无该 offer（已全部成交或已取消）。
func (c *Client) OfferState(ctx context.Context, seller string, offerID int64) (remaining decimal.Decimal, found bool, err error) {
	if !c.connected.Load() {
		return decimal.Zero, false, ErrNotConnected
	}
	_ = ctx
	// 按 ID 直查而不是翻账户的 offer 列表：挂单多于一页时列表查询
	// 会把还在账本上的 offer 误判为已成交
	offer, err := c.horizon.OfferDetails(strconv.FormatInt(offerID, 10))
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("chain: offer %d: %w", offerID, err)
	}
	if offer.Seller != seller {
		return decimal.Zero, false, nil
	}
	amt, perr := decimal.NewFromString(offer.Amount)
	if perr != nil {
		return decimal.Zero, false, fmt.Errorf("chain: parse offer amount %q: %w", offer.Amount, perr)
	}
	return amt, true, nil
}
