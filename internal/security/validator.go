package security

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stellar/go/txnbuild"

	"github.com/stellarbot/gostellar/internal/chain"
	"github.com/stellarbot/gostellar/internal/domain"
)

// RiskLevel 检查项的风险等级
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// weight 风险权重：LOW=1, MEDIUM=3, HIGH=7, CRITICAL=10
func (r RiskLevel) weight() int {
	switch r {
	case RiskMedium:
		return 3
	case RiskHigh:
		return 7
	case RiskCritical:
		return 10
	}
	return 1
}

// maxCheckWeight 单项检查的最大权重（CRITICAL）
const maxCheckWeight = 10

// 检查项名称
const (
	CheckReplayProtection   = "replay_protection"
	CheckSequenceValidation = "sequence_validation"
	CheckFeeValidation      = "fee_validation"
	CheckSignaturePresence  = "signature_presence"
	CheckBalanceSufficiency = "balance_sufficiency"
)

// CheckResult 单项检查结果
type CheckResult struct {
	Name   string
	Passed bool
	Risk   RiskLevel // 失败时的风险等级；通过时为 LOW
	Detail string
}

// Result 校验结果。以结构化形式返回而不是错误：调用方即使不打算
// 提交也可能需要查看各项风险信息。Secure 为是否允许提交的权威判定。
type Result struct {
	Checks    []CheckResult
	Secure    bool
	RiskScore float64 // 失败项权重和 / (10 × 检查项数)，仅供参考
}

// FailedChecks 返回未通过的检查项
func (r Result) FailedChecks() []CheckResult {
	var failed []CheckResult
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// FeeSource 提供当前网络基础费用（stroops）
type FeeSource interface {
	BaseFee(ctx context.Context) (int64, error)
}

// 费用校验界限
var (
	feeUpperMultiple = int64(10) // actual > 10× expected：疑似操纵/胖手指
	feeLowerHalf     = int64(2)  // actual < expected/2：欠费，网络大概率拒绝
)

// stroopsPerXLM 1 XLM = 10,000,000 stroops
var stroopsPerXLM = decimal.NewFromInt(10_000_000)

// Validator 提交前校验管线：重放、序列号、费用、签名、余额，
// 五项独立检查，全部通过才允许提交。
type Validator struct {
	passphrase string
	fees       FeeSource
	reserves   *chain.ReserveCalculator
	replay     *ReplayGuard
	log        *logrus.Entry
}

// NewValidator 创建校验器。replayWindow <= 0 时使用默认 300 秒。
func NewValidator(networkPassphrase string, fees FeeSource, reserves *chain.ReserveCalculator, replayWindow time.Duration) *Validator {
	return &Validator{
		passphrase: networkPassphrase,
		fees:       fees,
		reserves:   reserves,
		replay:     NewReplayGuard(replayWindow),
		log:        logrus.WithField("component", "security"),
	}
}

// Validate 对已构建（并签名）的交易执行全部检查。
// 除重放检查有记录副作用外，其余检查对相同输入是确定性的。
func (v *Validator) Validate(ctx context.Context, tx *txnbuild.Transaction, acct *domain.Account) Result {
	checks := []CheckResult{
		v.checkReplay(tx),
		v.checkSequence(tx, acct),
		v.checkFee(ctx, tx),
		v.checkSignatures(tx),
		v.checkBalance(ctx, tx, acct),
	}

	secure := true
	failedWeight := 0
	for _, c := range checks {
		if !c.Passed {
			secure = false
			failedWeight += c.Risk.weight()
			v.log.Warnf("security check failed: %s (%s) %s", c.Name, c.Risk, c.Detail)
		}
	}
	return Result{
		Checks:    checks,
		Secure:    secure,
		RiskScore: float64(failedWeight) / float64(maxCheckWeight*len(checks)),
	}
}

func (v *Validator) checkReplay(tx *txnbuild.Transaction) CheckResult {
	hash, err := tx.HashHex(v.passphrase)
	if err != nil {
		return CheckResult{Name: CheckReplayProtection, Risk: RiskHigh,
			Detail: fmt.Sprintf("hash transaction: %v", err)}
	}
	if !v.replay.Check(hash) {
		return CheckResult{Name: CheckReplayProtection, Risk: RiskHigh,
			Detail: fmt.Sprintf("hash %s already submitted within window", hash)}
	}
	return CheckResult{Name: CheckReplayProtection, Passed: true, Risk: RiskLow}
}

func (v *Validator) checkSequence(tx *txnbuild.Transaction, acct *domain.Account) CheckResult {
	src := tx.SourceAccount()
	if src.Sequence != acct.Sequence+1 {
		return CheckResult{Name: CheckSequenceValidation, Risk: RiskHigh,
			Detail: fmt.Sprintf("tx sequence %d, account expects %d", src.Sequence, acct.Sequence+1)}
	}
	return CheckResult{Name: CheckSequenceValidation, Passed: true, Risk: RiskLow}
}

func (v *Validator) checkFee(ctx context.Context, tx *txnbuild.Transaction) CheckResult {
	base, err := v.fees.BaseFee(ctx)
	if err != nil {
		return CheckResult{Name: CheckFeeValidation, Risk: RiskMedium,
			Detail: fmt.Sprintf("base fee unavailable: %v", err)}
	}
	expected := base * int64(len(tx.Operations()))
	actual := tx.MaxFee()
	if actual > feeUpperMultiple*expected {
		return CheckResult{Name: CheckFeeValidation, Risk: RiskHigh,
			Detail: fmt.Sprintf("fee %d stroops exceeds %d× expected %d", actual, feeUpperMultiple, expected)}
	}
	if actual*feeLowerHalf < expected {
		// 欠费迟早被网络拒绝，这里提前拦下省一次往返
		return CheckResult{Name: CheckFeeValidation, Risk: RiskMedium,
			Detail: fmt.Sprintf("fee %d stroops below half of expected %d", actual, expected)}
	}
	return CheckResult{Name: CheckFeeValidation, Passed: true, Risk: RiskLow}
}

func (v *Validator) checkSignatures(tx *txnbuild.Transaction) CheckResult {
	// 完整的多签门限校验需要账户签名人权重配置，交给网络执行；
	// 这里只拦截完全未签名的交易。
	if len(tx.Signatures()) == 0 {
		return CheckResult{Name: CheckSignaturePresence, Risk: RiskCritical,
			Detail: "transaction carries no signatures"}
	}
	return CheckResult{Name: CheckSignaturePresence, Passed: true, Risk: RiskLow}
}

func (v *Validator) checkBalance(ctx context.Context, tx *txnbuild.Transaction, acct *domain.Account) CheckResult {
	_ = ctx
	cost := decimal.NewFromInt(tx.MaxFee()).Div(stroopsPerXLM)
	for _, op := range tx.Operations() {
		cost = cost.Add(nativeAmount(op))
	}
	available := v.reserves.AvailableBalance(acct)
	if available.LessThan(cost) {
		return CheckResult{Name: CheckBalanceSufficiency, Risk: RiskHigh,
			Detail: fmt.Sprintf("available %s XLM below transaction cost %s", available, cost)}
	}
	return CheckResult{Name: CheckBalanceSufficiency, Passed: true, Risk: RiskLow}
}

// nativeAmount 操作消耗的原生资产数量（非原生资产不占 XLM 余额）
func nativeAmount(op txnbuild.Operation) decimal.Decimal {
	parse := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	switch o := op.(type) {
	case *txnbuild.Payment:
		if o.Asset != nil && o.Asset.IsNative() {
			return parse(o.Amount)
		}
	case *txnbuild.CreateAccount:
		return parse(o.Amount)
	case *txnbuild.ManageSellOffer:
		if o.Selling != nil && o.Selling.IsNative() {
			return parse(o.Amount)
		}
	}
	return decimal.Zero
}
