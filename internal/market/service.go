package market

import (
	"context"
	"errors"
	"time"

	talib "github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"quorum-trader/internal/ensemble"
)

const atrPeriod = 14

// candleSource 抽象K线来源，便于测试。
type candleSource interface {
	FetchCandles(ctx context.Context, timeframe string, limit int64) ([]Candle, error)
}

// Service 为行情协作方：向决策引擎提供当前价格与波动率估计。
type Service struct {
	source candleSource
	limit  int64
	logger *zap.Logger
}

// NewService 创建行情服务。
func NewService(source candleSource, candleLimit int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := int64(candleLimit)
	if limit < atrPeriod+1 {
		limit = atrPeriod + 1
	}
	return &Service{
		source: source,
		limit:  limit,
		logger: logger,
	}
}

// Context 拉取最新K线并计算决策引擎所需的行情上下文。
func (s *Service) Context(ctx context.Context) (ensemble.MarketContext, error) {
	candles, err := s.source.FetchCandles(ctx, "5m", s.limit)
	if err != nil {
		return ensemble.MarketContext{}, err
	}

	return ContextFromCandles(candles)
}

// ContextFromCandles 由K线序列推导价格与 ATR 波动率。
func ContextFromCandles(candles []Candle) (ensemble.MarketContext, error) {
	if len(candles) < atrPeriod+1 {
		return ensemble.MarketContext{}, errors.New("market: K线数量不足，无法计算ATR")
	}

	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}

	atr := talib.Atr(highs, lows, closes, atrPeriod)

	price := closes[len(closes)-1]
	atrAbs := atr[len(atr)-1]

	if price <= 0 || atrAbs <= 0 {
		return ensemble.MarketContext{}, errors.New("market: 无效的价格或ATR")
	}

	return ensemble.MarketContext{
		Price:       price,
		ATR:         atrAbs,
		ATRRelative: atrAbs / price,
	}, nil
}

// Age 报告最新K线距 now 的时间差，供调用方判断数据新鲜度。
func Age(candles []Candle, now time.Time) time.Duration {
	if len(candles) == 0 {
		return 0
	}
	return now.Sub(candles[len(candles)-1].Timestamp)
}
