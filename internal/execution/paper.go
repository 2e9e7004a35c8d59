package execution

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"quorum-trader/internal/ensemble"
	"quorum-trader/internal/risk"
)

// PaperTrader 在内存中模拟单仓位成交，不触碰真实交易所。
type PaperTrader struct {
	logger *zap.Logger

	mu       sync.Mutex
	position *risk.Position
}

var _ Trader = (*PaperTrader)(nil)

// NewPaperTrader 构造模拟执行器。
func NewPaperTrader(logger *zap.Logger) *PaperTrader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperTrader{logger: logger}
}

// Open 按市价成交，系统同一时刻只允许持有一个仓位。
func (t *PaperTrader) Open(plan Plan) (risk.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.position != nil {
		return risk.Position{}, fmt.Errorf("execution: 已有持仓 %s，拒绝重复开仓", t.position.Symbol)
	}
	if !plan.Validation.Approved {
		return risk.Position{}, fmt.Errorf("execution: 计划未通过风控验证")
	}
	if plan.MarketPrice <= 0 {
		return risk.Position{}, fmt.Errorf("execution: 非法市价 %f", plan.MarketPrice)
	}

	if plan.Validation.PositionSize <= 0 {
		return risk.Position{}, fmt.Errorf("execution: 非法仓位名义价值 %f", plan.Validation.PositionSize)
	}

	models := make([]string, 0, len(plan.Decision.ContributingVotes))
	scores := make([]float64, 0, len(plan.Decision.ContributingVotes))
	for _, vote := range plan.Decision.ContributingVotes {
		models = append(models, vote.ModelID)
		scores = append(scores, vote.RawScore)
	}

	// 风控只给名义价值，数量按成交价现算。
	pos := risk.Position{
		Symbol:      plan.Symbol,
		Action:      plan.Decision.Action,
		EntryPrice:  plan.MarketPrice,
		NotionalUSD: plan.Validation.PositionSize,
		Quantity:    plan.Validation.PositionSize / plan.MarketPrice,
		StopLoss:    plan.Decision.SuggestedStop,
		TakeProfit:  plan.Decision.SuggestedTake,
		Models:      models,
		RawScores:   scores,
		OpenedAt:    plan.GeneratedAt,
	}
	t.position = &pos

	t.logger.Info("模拟开仓",
		zap.String("symbol", pos.Symbol),
		zap.String("action", string(pos.Action)),
		zap.Float64("entry_price", pos.EntryPrice),
		zap.Float64("notional_usd", pos.NotionalUSD),
		zap.Float64("stop_loss", pos.StopLoss),
		zap.Float64("take_profit", pos.TakeProfit),
	)

	return pos, nil
}

// MarkToMarket 检查止损止盈触发，触发时以触发价结算。
func (t *PaperTrader) MarkToMarket(price float64, now time.Time) (*risk.Settlement, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.position == nil {
		return nil, nil
	}
	if price <= 0 {
		return nil, fmt.Errorf("execution: 非法市价 %f", price)
	}

	pos := t.position
	switch pos.Action {
	case ensemble.ActionBuy:
		if price <= pos.StopLoss {
			return t.settleLocked(pos.StopLoss, now), nil
		}
		if price >= pos.TakeProfit {
			return t.settleLocked(pos.TakeProfit, now), nil
		}
	case ensemble.ActionSell:
		if price >= pos.StopLoss {
			return t.settleLocked(pos.StopLoss, now), nil
		}
		if price <= pos.TakeProfit {
			return t.settleLocked(pos.TakeProfit, now), nil
		}
	}

	return nil, nil
}

// Close 以给定价格强制平仓。
func (t *PaperTrader) Close(price float64, now time.Time) (*risk.Settlement, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.position == nil {
		return nil, fmt.Errorf("execution: 无持仓可平")
	}
	if price <= 0 {
		return nil, fmt.Errorf("execution: 非法市价 %f", price)
	}

	return t.settleLocked(price, now), nil
}

// Position 返回当前持仓副本，空仓时为 nil。
func (t *PaperTrader) Position() *risk.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.position == nil {
		return nil
	}
	copy := *t.position
	return &copy
}

// UnrealizedPnL 按给定价格估算浮动盈亏。
func (t *PaperTrader) UnrealizedPnL(price float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.position == nil || price <= 0 {
		return 0
	}
	return pnlAt(t.position, price)
}

func (t *PaperTrader) settleLocked(exitPrice float64, now time.Time) *risk.Settlement {
	pos := t.position
	pnl := pnlAt(pos, exitPrice)

	var pnlPercent float64
	if pos.NotionalUSD > 0 {
		pnlPercent = pnl / pos.NotionalUSD
	}

	settlement := &risk.Settlement{
		Symbol:     pos.Symbol,
		PnL:        pnl,
		PnLPercent: pnlPercent,
		Won:        pnl > 0,
		ExitPrice:  exitPrice,
		ClosedAt:   now,
	}
	t.position = nil

	t.logger.Info("模拟平仓",
		zap.String("symbol", settlement.Symbol),
		zap.Float64("exit_price", settlement.ExitPrice),
		zap.Float64("pnl", settlement.PnL),
		zap.Bool("won", settlement.Won),
	)

	return settlement
}

func pnlAt(pos *risk.Position, price float64) float64 {
	switch pos.Action {
	case ensemble.ActionBuy:
		return pos.Quantity * (price - pos.EntryPrice)
	case ensemble.ActionSell:
		return pos.Quantity * (pos.EntryPrice - price)
	default:
		return 0
	}
}
