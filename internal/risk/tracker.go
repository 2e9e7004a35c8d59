package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quorum-trader/internal/config"
)

// DailyTracker 维护按交易日分桶的风控状态，跨进程重启仍然生效。
type DailyTracker struct {
	db     *sql.DB
	cfg    config.RiskConfig
	logger *zap.Logger
}

// NewDailyTracker 创建日度监控器并初始化表结构。
func NewDailyTracker(db *sql.DB, cfg config.RiskConfig, logger *zap.Logger) (*DailyTracker, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := &DailyTracker{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}

	if err := tracker.initSchema(); err != nil {
		return nil, err
	}

	return tracker, nil
}

func (t *DailyTracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_daily_metrics (
			trading_date TEXT PRIMARY KEY,
			start_equity REAL NOT NULL,
			current_equity REAL NOT NULL,
			realized_pnl REAL NOT NULL DEFAULT 0,
			trade_count INTEGER NOT NULL DEFAULT 0,
			halted INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			trading_date TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_date ON risk_activity_log(trading_date);`,
	}

	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// Update 根据当前净值更新当日状态并返回最新状态。
// 日内已实现亏损达到比例或绝对额上限（含边界）即置 halted，当日不再开新仓。
func (t *DailyTracker) Update(ctx context.Context, ts time.Time, equity float64) (DailyStatus, error) {
	var result DailyStatus

	tradingDate := tradingDay(ts, t.cfg.DailyResetHour)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		startEquity float64
		realizedPnl float64
		tradeCount  int
		haltedInt   int
	)

	row := tx.QueryRowContext(ctx,
		`SELECT start_equity, realized_pnl, trade_count, halted FROM risk_daily_metrics WHERE trading_date = ?`,
		tradingDate,
	)
	switch scanErr := row.Scan(&startEquity, &realizedPnl, &tradeCount, &haltedInt); {
	case scanErr == nil:
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE risk_daily_metrics SET current_equity = ?, updated_at = ? WHERE trading_date = ?`,
			equity, now, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("risk: 更新日度净值失败: %w", execErr)
			return result, err
		}
	case errors.Is(scanErr, sql.ErrNoRows):
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO risk_daily_metrics (trading_date, start_equity, current_equity, realized_pnl, trade_count, halted, updated_at)
			 VALUES (?, ?, ?, 0, 0, 0, ?)`,
			tradingDate, equity, equity, now,
		); execErr != nil {
			err = fmt.Errorf("risk: 初始化日度净值失败: %w", execErr)
			return result, err
		}

		result = DailyStatus{
			TradingDate:   tradingDate,
			StartEquity:   equity,
			CurrentEquity: equity,
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return result, fmt.Errorf("risk: 提交事务失败: %w", commitErr)
		}

		return result, nil
	default:
		err = fmt.Errorf("risk: 查询日度净值失败: %w", scanErr)
		return result, err
	}

	lossPercent := 0.0
	if startEquity > 0 && realizedPnl < 0 {
		lossPercent = -realizedPnl / startEquity
	}
	halted := haltedInt == 1

	breached := (startEquity > 0 && lossPercent >= t.cfg.MaxDailyLossPercent) ||
		-realizedPnl >= t.cfg.MaxDailyLossUSD

	if !halted && realizedPnl < 0 && breached {
		halted = true
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE risk_daily_metrics SET halted = 1, updated_at = ? WHERE trading_date = ?`,
			now, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("risk: 更新日停交易状态失败: %w", execErr)
			return result, err
		}

		msg := fmt.Sprintf("当日已实现亏损 %.2f%%（%.2f USD）达到上限，停止开仓", lossPercent*100, -realizedPnl)
		if logErr := t.logEventTx(ctx, tx, tradingDate, "daily_halt", msg, ""); logErr != nil {
			err = logErr
			return result, err
		}

		t.logger.Warn("触发日度亏损限制",
			zap.String("trading_date", tradingDate),
			zap.Float64("loss_percent", lossPercent),
			zap.Float64("realized_pnl", realizedPnl),
		)
	}

	result = DailyStatus{
		TradingDate:   tradingDate,
		StartEquity:   startEquity,
		CurrentEquity: equity,
		RealizedPnL:   realizedPnl,
		TradeCount:    tradeCount,
		LossPercent:   lossPercent,
		Halted:        halted,
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return result, fmt.Errorf("risk: 提交事务失败: %w", commitErr)
	}

	return result, nil
}

// AddRealized 累加当日已实现盈亏。结算可能先于当日首次验证到达（换日后
// 持仓平仓），此时日度行尚不存在，必须插入而非静默更新零行。
func (t *DailyTracker) AddRealized(ctx context.Context, ts time.Time, pnl, equity float64) error {
	tradingDate := tradingDay(ts, t.cfg.DailyResetHour)
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO risk_daily_metrics (trading_date, start_equity, current_equity, realized_pnl, trade_count, halted, updated_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?)
		 ON CONFLICT(trading_date) DO UPDATE SET
			realized_pnl = realized_pnl + excluded.realized_pnl,
			current_equity = excluded.current_equity,
			updated_at = excluded.updated_at`,
		tradingDate, equity-pnl, equity, pnl, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("risk: 更新日度已实现盈亏失败: %w", err)
	}
	return nil
}

// IncrementTradeCount 递增当日开仓次数，日度行不存在时一并建立。
func (t *DailyTracker) IncrementTradeCount(ctx context.Context, ts time.Time, equity float64) error {
	tradingDate := tradingDay(ts, t.cfg.DailyResetHour)
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO risk_daily_metrics (trading_date, start_equity, current_equity, realized_pnl, trade_count, halted, updated_at)
		 VALUES (?, ?, ?, 0, 1, 0, ?)
		 ON CONFLICT(trading_date) DO UPDATE SET
			trade_count = trade_count + 1,
			updated_at = excluded.updated_at`,
		tradingDate, equity, equity, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("risk: 更新日度交易次数失败: %w", err)
	}
	return nil
}

// LogEvent 记录风控事件。
func (t *DailyTracker) LogEvent(ctx context.Context, eventType, message, details, tradingDate string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}
	if tradingDate == "" {
		tradingDate = tradingDay(time.Now().UTC(), t.cfg.DailyResetHour)
	}

	_, err := t.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), eventType, message, details, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}

	return nil
}

func (t *DailyTracker) logEventTx(ctx context.Context, tx *sql.Tx, tradingDate, eventType, message, details string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), eventType, message, details, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 记录风险事件失败: %w", err)
	}
	return nil
}

// tradingDay 按交易所时区的重置小时把时间戳归入交易日。
func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	utc := ts.UTC()
	shifted := utc.Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}
