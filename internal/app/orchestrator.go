package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quorum-trader/internal/calibration"
	"quorum-trader/internal/config"
	"quorum-trader/internal/ensemble"
	"quorum-trader/internal/execution"
	"quorum-trader/internal/inference"
	"quorum-trader/internal/market"
	"quorum-trader/internal/meta"
	"quorum-trader/internal/monitor"
	"quorum-trader/internal/perf"
	"quorum-trader/internal/risk"
	"quorum-trader/internal/store"
)

// orchestrator 串联一个决策周期的全部协作方：
// 行情 → 绩效快照 → 并发推理 → 融合决策 → 风控验证 → 执行 → 审计。
type orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	gatherer   *inference.Gatherer
	perf       *perf.Store
	calibrator *calibration.Holder
	engine     *ensemble.Engine
	riskMgr    *risk.Manager
	market     *market.Service
	trader     execution.Trader
	monitor    *monitor.Service

	// 模拟账户的已实现资金，结算后滚动更新。
	balance float64

	// 校准样本：每笔结算贡献一个 (融合得分, 输赢) 点。
	samples      []calibration.Point
	settledSince int
	openFused    float64
}

func newOrchestrator(cfg *config.Config, logger *zap.Logger, st *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	gatherer := inference.NewGatherer(cfg.Models, cfg.App.Symbol, logger)

	perfStore, err := perf.NewStore(st, cfg.Risk.PerformanceWindow, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化绩效存储失败: %w", err)
	}
	for name, weight := range gatherer.BaseWeights() {
		perfStore.EnsureModel(name, weight)
	}

	calibrator := calibration.NewHolder()

	var metaScorer ensemble.MetaScorer
	if cfg.Meta.Enabled {
		scorer, err := meta.NewScorer(cfg.Meta, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化二级融合模型失败: %w", err)
		}
		metaScorer = scorer
	}

	engine := ensemble.NewEngine(cfg.Ensemble, calibrator, metaScorer, cfg.Meta.BlendWeight, logger)

	riskMgr, err := risk.NewManager(cfg.Risk, st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化风险管理失败: %w", err)
	}

	client, err := market.NewClient(cfg.Market, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化行情客户端失败: %w", err)
	}
	marketSvc := market.NewService(client, cfg.Market.CandleLimit, logger)

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	return &orchestrator{
		cfg:        cfg,
		logger:     logger,
		gatherer:   gatherer,
		perf:       perfStore,
		calibrator: calibrator,
		engine:     engine,
		riskMgr:    riskMgr,
		market:     marketSvc,
		trader:     execution.NewPaperTrader(logger),
		monitor:    monitorSvc,
		balance:    cfg.App.InitialBalanceUSD,
	}, nil
}

// Tick 执行一个完整决策周期。
func (o *orchestrator) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	marketCtx, err := o.market.Context(ctx)
	if err != nil {
		o.monitor.RecordError(ctx, "拉取行情失败", err, map[string]interface{}{"symbol": o.cfg.App.Symbol})
		return err
	}

	if err := o.settleOpenPosition(ctx, marketCtx.Price, now); err != nil {
		return err
	}

	unrealized := o.trader.UnrealizedPnL(marketCtx.Price)
	o.riskMgr.UpdateEquity(o.balance, o.balance+unrealized, unrealized)

	snapshot := o.perf.Snapshot()
	predictions := o.gatherer.Gather(ctx)

	decision := o.engine.Decide(ctx, predictions, snapshot, marketCtx, now)
	o.monitor.RecordDecision(ctx, decision, marketCtx, o.gatherer.Health())

	if decision.Action == ensemble.ActionHold {
		return nil
	}
	if o.trader.Position() != nil {
		o.logger.Debug("已有持仓，跳过新开仓决策")
		return nil
	}

	result, err := o.riskMgr.Validate(ctx, decision, now)
	if err != nil {
		o.monitor.RecordError(ctx, "风控验证失败", err, nil)
		return err
	}
	o.monitor.RecordValidation(ctx, decision, result, o.riskMgr.AccountSnapshot(now))

	if !result.Approved {
		o.logger.Info("风控拒绝开仓",
			zap.String("reason", result.RejectionReason),
			zap.String("action", string(decision.Action)),
		)
		return nil
	}

	plan := execution.Plan{
		Symbol:      o.cfg.App.Symbol,
		Decision:    decision,
		Validation:  result,
		MarketPrice: marketCtx.Price,
		GeneratedAt: now,
	}

	pos, err := o.trader.Open(plan)
	if err != nil {
		o.monitor.RecordError(ctx, "开仓失败", err, nil)
		return err
	}

	if err := o.riskMgr.RecordOpen(ctx, pos); err != nil {
		o.monitor.RecordError(ctx, "登记持仓失败", err, nil)
		return err
	}

	o.openFused = decision.FusedScore
	o.monitor.RecordExecution(ctx, pos)

	return nil
}

// settleOpenPosition 对持仓做逐周期盯市：止损止盈触发或持仓超时则平仓结算。
func (o *orchestrator) settleOpenPosition(ctx context.Context, price float64, now time.Time) error {
	pos := o.trader.Position()
	if pos == nil {
		return nil
	}

	settlement, err := o.trader.MarkToMarket(price, now)
	if err != nil {
		o.monitor.RecordError(ctx, "盯市失败", err, nil)
		return err
	}

	if settlement == nil {
		if expired, ok := o.riskMgr.FlagExpired(now); ok {
			o.logger.Info("持仓超时，强制平仓",
				zap.String("symbol", expired.Symbol),
				zap.Time("opened_at", expired.OpenedAt),
			)
			settlement, err = o.trader.Close(price, now)
			if err != nil {
				o.monitor.RecordError(ctx, "强制平仓失败", err, nil)
				return err
			}
		}
	}

	if settlement == nil {
		return nil
	}

	return o.handleSettlement(ctx, pos, *settlement)
}

// handleSettlement 将结算结果回灌到绩效档案、风控与校准器。
func (o *orchestrator) handleSettlement(ctx context.Context, pos *risk.Position, settlement risk.Settlement) error {
	o.balance += settlement.PnL

	for i, modelID := range pos.Models {
		rawScore := 0.0
		if i < len(pos.RawScores) {
			rawScore = pos.RawScores[i]
		}
		if err := o.perf.RecordOutcome(ctx, modelID, rawScore, settlement.Won, settlement.PnLPercent, settlement.ClosedAt); err != nil {
			o.logger.Warn("更新模型绩效失败", zap.String("model", modelID), zap.Error(err))
		}
	}

	if err := o.riskMgr.SettleTrade(ctx, settlement); err != nil {
		o.monitor.RecordError(ctx, "风控结算失败", err, nil)
		return err
	}

	o.monitor.RecordSettlement(ctx, settlement)
	o.refitCalibration(settlement)
	o.sendRetrainFeedback(ctx, pos, settlement)

	return nil
}

// refitCalibration 累积校准样本并按节奏重拟合等渗曲线。
func (o *orchestrator) refitCalibration(settlement risk.Settlement) {
	outcome := 0.0
	if settlement.Won {
		outcome = 1.0
	}
	o.samples = append(o.samples, calibration.Point{Score: o.openFused, Outcome: outcome})

	if max := o.cfg.Calibration.MaxSamples; max > 0 && len(o.samples) > max {
		o.samples = o.samples[len(o.samples)-max:]
	}

	o.settledSince++
	if len(o.samples) < o.cfg.Calibration.MinSamples || o.settledSince < o.cfg.Calibration.RefitEvery {
		return
	}

	curve, err := calibration.Fit(o.samples)
	if err != nil {
		o.logger.Warn("校准曲线拟合失败", zap.Error(err))
		return
	}

	o.calibrator.Swap(curve)
	o.settledSince = 0
	o.logger.Info("校准曲线已更新",
		zap.Int("samples", len(o.samples)),
		zap.Int("blocks", curve.Size()),
	)
}

// sendRetrainFeedback 将结算样本推送回各模型服务，失败只告警不中断。
func (o *orchestrator) sendRetrainFeedback(ctx context.Context, pos *risk.Position, settlement risk.Settlement) {
	if !o.cfg.Models.RetrainEnabled {
		return
	}

	feedback := make([]inference.RetrainFeedback, 0, len(pos.Models))
	for i, modelID := range pos.Models {
		rawScore := 0.0
		if i < len(pos.RawScores) {
			rawScore = pos.RawScores[i]
		}
		feedback = append(feedback, inference.RetrainFeedback{
			Symbol:     pos.Symbol,
			ModelID:    modelID,
			RawScore:   rawScore,
			Won:        settlement.Won,
			PnLPercent: settlement.PnLPercent,
			ClosedAt:   settlement.ClosedAt,
		})
	}

	o.gatherer.SendRetrainFeedback(ctx, feedback)
}
