package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"quorum-trader/internal/config"
	"quorum-trader/internal/ensemble"
	"quorum-trader/internal/store"
)

// Manager 为资金保全层：计算仓位、顺序执行验证流水线、维护熔断与紧急停机。
// AccountState 由其独占持有，结算回调与验证调用串行化。
type Manager struct {
	cfg     config.RiskConfig
	method  SizingMethod
	tracker *DailyTracker
	logger  *zap.Logger

	mu            sync.Mutex
	breaker       *CircuitBreaker
	stats         *Stats
	account       AccountState
	lastTradeAt   time.Time
	initialEquity float64
	shutdownAt    time.Time
}

// NewManager 创建风险管理器。
func NewManager(cfg config.RiskConfig, st *store.Store, logger *zap.Logger) (*Manager, error) {
	if st == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	method, err := ParseSizingMethod(cfg.Sizing.Method)
	if err != nil {
		return nil, err
	}

	tracker, err := NewDailyTracker(st.DB(), cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:     cfg,
		method:  method,
		tracker: tracker,
		logger:  logger,
		breaker: NewCircuitBreaker(cfg.Breaker),
		stats:   &Stats{},
	}, nil
}

// UpdateEquity 同步账户资金，首次调用确立紧急停机的基准净值。
func (m *Manager) UpdateEquity(balance, equity, unrealizedPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.account.Balance = balance
	m.account.Equity = equity
	m.account.DailyUnrealizedPnL = unrealizedPnL

	if m.initialEquity == 0 && equity > 0 {
		m.initialEquity = equity
		m.logger.Info("基准净值已确立", zap.Float64("initial_equity", equity))
	}

	m.stats.ObserveEquity(equity)
	m.checkEmergencyShutdownLocked(time.Now().UTC())
}

// Validate 对一条融合决策执行验证流水线，永远返回结构化结果。
// 返回 error 仅表示存储故障；一切被拒都体现在 RejectionReason 中。
func (m *Manager) Validate(ctx context.Context, decision ensemble.Decision, now time.Time) (ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	daily, err := m.tracker.Update(ctx, now, m.account.Equity)
	if err != nil {
		return ValidationResult{}, err
	}
	m.account.DailyRealizedPnL = daily.RealizedPnL
	m.account.ConsecutiveLosses = m.breaker.ConsecutiveLosses()
	m.account.CircuitBreaker = m.breaker.Snapshot(now)

	size := computeSize(m.cfg.Sizing, m.method, m.account.Balance, m.stats.Trailing(), m.currentExposureUSD())

	result := ValidationResult{
		PositionSize: size.NotionalUSD,
		MethodUsed:   size.Method,
	}

	if reason := m.runPipeline(decision, size, daily, now); reason != "" {
		result.RejectionReason = reason
		m.logger.Info("风控拒绝交易",
			zap.String("reason", reason),
			zap.String("action", string(decision.Action)),
			zap.Float64("confidence", decision.Confidence),
		)
		return result, nil
	}

	result.Approved = true
	return result, nil
}

// runPipeline 顺序执行全部检查，返回第一个失败的原因码，全部通过返回空串。
func (m *Manager) runPipeline(decision ensemble.Decision, size sizeResult, daily DailyStatus, now time.Time) string {
	if decision.Rejected {
		return ReasonDecisionRejected
	}
	if decision.Confidence < m.cfg.ConfidenceThreshold {
		return ReasonLowConfidence
	}
	if decision.ExpectedValue <= 0 {
		return ReasonNonPositiveEV
	}
	if m.account.Equity > 0 {
		newExposure := (m.currentExposureUSD() + size.NotionalUSD) / m.account.Equity
		if newExposure > m.cfg.MaxExposureFraction {
			return ReasonMaxExposure
		}
	}
	if daily.TradeCount >= m.cfg.MaxDailyTrades {
		return ReasonDailyTradeLimit
	}
	if !m.lastTradeAt.IsZero() && now.Sub(m.lastTradeAt) < m.cfg.MinTradeInterval {
		return ReasonTradeInterval
	}
	if size.NotionalUSD <= 0 {
		return ReasonInsufficientBalance
	}
	if m.breaker.State(now) != BreakerNormal {
		return ReasonCircuitBreaker
	}
	if daily.Halted {
		return ReasonDailyLossLimit
	}
	if m.account.EmergencyShutdown {
		return ReasonEmergencyShutdown
	}
	return ""
}

// RecordOpen 在执行协作方成交后登记新仓位。
func (m *Manager) RecordOpen(ctx context.Context, pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	posCopy := pos
	m.account.OpenPosition = &posCopy
	m.lastTradeAt = pos.OpenedAt

	if err := m.tracker.IncrementTradeCount(ctx, pos.OpenedAt, m.account.Equity); err != nil {
		return err
	}

	m.logger.Info("仓位已登记",
		zap.String("symbol", pos.Symbol),
		zap.String("action", string(pos.Action)),
		zap.Float64("notional_usd", pos.NotionalUSD),
		zap.Float64("entry", pos.EntryPrice),
	)
	return nil
}

// SettleTrade 处理平仓回报：更新统计、连败熔断、日度盈亏与紧急停机。
// 变更只对下一个决策周期可见。
func (m *Manager) SettleTrade(ctx context.Context, settlement Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := settlement.ClosedAt.UTC()

	m.account.OpenPosition = nil
	m.account.DailyRealizedPnL += settlement.PnL
	m.account.Balance += settlement.PnL
	m.account.Equity += settlement.PnL

	m.stats.RecordTrade(settlement.PnLPercent, settlement.Won)
	m.stats.ObserveEquity(m.account.Equity)

	if settlement.Won {
		m.breaker.RecordWin(now)
		m.logger.Info("盈利交易结算",
			zap.Float64("pnl", settlement.PnL),
			zap.Float64("pnl_percent", settlement.PnLPercent*100),
		)
	} else {
		tripped := m.breaker.RecordLoss(now)
		m.logger.Warn("亏损交易结算",
			zap.Float64("pnl", settlement.PnL),
			zap.Float64("pnl_percent", settlement.PnLPercent*100),
			zap.Int("consecutive_losses", m.breaker.ConsecutiveLosses()),
		)
		if tripped {
			snap := m.breaker.Snapshot(now)
			m.logger.Error("熔断器触发，暂停开仓",
				zap.Int("consecutive_losses", snap.ConsecutiveLosses),
				zap.Duration("cooldown", snap.CooldownDuration),
				zap.Time("cooldown_until", snap.CooldownUntil),
			)
			_ = m.tracker.LogEvent(ctx, "circuit_breaker",
				fmt.Sprintf("连续亏损 %d 笔，冷却至 %s", snap.ConsecutiveLosses, snap.CooldownUntil.Format(time.RFC3339)),
				"", "")
		}
	}

	m.account.ConsecutiveLosses = m.breaker.ConsecutiveLosses()
	m.account.CircuitBreaker = m.breaker.Snapshot(now)

	if err := m.tracker.AddRealized(ctx, now, settlement.PnL, m.account.Equity); err != nil {
		return err
	}

	m.checkEmergencyShutdownLocked(now)
	return nil
}

// checkEmergencyShutdownLocked 在灾难性回撤达到阈值时锁定紧急停机。
// 粘性：一旦置位，无论后续盈亏如何都保持，直到外部显式复位。
func (m *Manager) checkEmergencyShutdownLocked(now time.Time) {
	if m.account.EmergencyShutdown || m.initialEquity <= 0 {
		return
	}

	drawdown := (m.initialEquity - m.account.Equity) / m.initialEquity
	if drawdown >= m.cfg.EmergencyShutdownLoss {
		m.account.EmergencyShutdown = true
		m.shutdownAt = now
		m.logger.Error("紧急停机触发",
			zap.Float64("drawdown", drawdown*100),
			zap.Float64("threshold", m.cfg.EmergencyShutdownLoss*100),
		)
		_ = m.tracker.LogEvent(context.Background(), "emergency_shutdown",
			fmt.Sprintf("回撤 %.2f%% 达到紧急停机阈值 %.2f%%", drawdown*100, m.cfg.EmergencyShutdownLoss*100),
			"", "")
	}
}

// ResetEmergencyShutdown 为显式的外部复位动作，程序内部永不自动调用。
func (m *Manager) ResetEmergencyShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.account.EmergencyShutdown {
		return
	}
	m.account.EmergencyShutdown = false
	m.initialEquity = m.account.Equity
	m.logger.Warn("紧急停机已由外部复位", zap.Float64("new_baseline", m.initialEquity))
}

// FlagExpired 报告当前仓位是否超过最大持有时长，需由执行协作方强制平仓。
func (m *Manager) FlagExpired(now time.Time) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := m.account.OpenPosition
	if pos == nil {
		return Position{}, false
	}
	if now.Sub(pos.OpenedAt) <= m.cfg.MaxHoldDuration {
		return Position{}, false
	}
	return *pos, true
}

// AccountSnapshot 返回账户状态的不可变副本，供一个决策周期使用。
func (m *Manager) AccountSnapshot(now time.Time) AccountState {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.account
	snapshot.CircuitBreaker = m.breaker.Snapshot(now)
	snapshot.ConsecutiveLosses = m.breaker.ConsecutiveLosses()
	if m.account.OpenPosition != nil {
		posCopy := *m.account.OpenPosition
		snapshot.OpenPosition = &posCopy
	}
	return snapshot
}

// Statistics 返回流式统计的当前值。
func (m *Manager) Statistics() (winRate, avgWin, avgLoss, sharpe, maxDrawdown float64, samples int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.WinRate(), m.stats.AvgWin(), m.stats.AvgLoss(), m.stats.Sharpe(), m.stats.MaxDrawdown(), m.stats.SampleCount()
}

func (m *Manager) currentExposureUSD() float64 {
	if m.account.OpenPosition == nil {
		return 0
	}
	return m.account.OpenPosition.NotionalUSD
}
