package assets

import (
	"fmt"
	"strings"
	"time"

	"github.com/stellarbot/gostellar/internal/domain"
	"github.com/stellarbot/gostellar/pkg/cache"
)

// ErrUnknownAsset 目录中不存在该资产符号
var ErrUnknownAsset = fmt.Errorf("assets: unknown asset")

// pairCacheTTL 交易对解析缓存
const pairCacheTTL = 10 * time.Minute

// Entry 目录条目：符号对应的链上资产
type Entry struct {
	Code   string `yaml:"code"`
	Issuer string `yaml:"issuer"`
}

// Directory 资产目录：把交易对符号（"BASE-QUOTE"）解析为链上资产。
// "XLM" 固定映射为原生资产，其余符号查配置表。
type Directory struct {
	entries map[string]domain.Asset
	pairs   *cache.InMemoryCache[string, domain.TradingPair]
}

// NewDirectory 从配置条目构建目录（符号统一大写）
func NewDirectory(entries map[string]Entry) *Directory {
	d := &Directory{
		entries: make(map[string]domain.Asset, len(entries)),
		pairs:   cache.NewInMemoryCache[string, domain.TradingPair](pairCacheTTL),
	}
	for symbol, e := range entries {
		d.entries[strings.ToUpper(symbol)] = domain.Asset{Code: e.Code, Issuer: e.Issuer}
	}
	return d
}

// Resolve 解析单个资产符号
func (d *Directory) Resolve(symbol string) (domain.Asset, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == domain.NativeCode {
		return domain.NativeAsset(), nil
	}
	asset, ok := d.entries[symbol]
	if !ok {
		return domain.Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return asset, nil
}

// ResolvePair 解析 "BASE-QUOTE" 交易对符号
func (d *Directory) ResolvePair(symbol string) (domain.TradingPair, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if pair, ok := d.pairs.Get(key); ok {
		return pair, nil
	}

	parts := strings.Split(key, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return domain.TradingPair{}, fmt.Errorf("assets: malformed trading pair %q, want BASE-QUOTE", symbol)
	}
	base, err := d.Resolve(parts[0])
	if err != nil {
		return domain.TradingPair{}, err
	}
	quote, err := d.Resolve(parts[1])
	if err != nil {
		return domain.TradingPair{}, err
	}
	pair := domain.TradingPair{Symbol: key, Base: base, Quote: quote}
	d.pairs.Set(key, pair, pairCacheTTL)
	return pair, nil
}
