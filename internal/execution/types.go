package execution

import (
	"time"

	"quorum-trader/internal/ensemble"
	"quorum-trader/internal/risk"
)

// Plan 描述一次已通过风控验证的开仓目标。
type Plan struct {
	Symbol      string
	Decision    ensemble.Decision
	Validation  risk.ValidationResult
	MarketPrice float64
	GeneratedAt time.Time
}

// Trader 抽象执行器接口，方便切换真实或模拟下单。
type Trader interface {
	// Open 按计划在当前市价成交，返回建立的仓位。
	Open(plan Plan) (risk.Position, error)
	// MarkToMarket 用最新价格检查止损止盈，触发时平仓并返回结算结果。
	MarkToMarket(price float64, now time.Time) (*risk.Settlement, error)
	// Close 以给定价格强制平仓（超时持仓等场景）。
	Close(price float64, now time.Time) (*risk.Settlement, error)
	// Position 返回当前持仓，空仓时为 nil。
	Position() *risk.Position
	// UnrealizedPnL 返回按给定价格估算的浮动盈亏。
	UnrealizedPnL(price float64) float64
}
