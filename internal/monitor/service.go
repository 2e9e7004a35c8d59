package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quorum-trader/internal/ensemble"
	"quorum-trader/internal/inference"
	"quorum-trader/internal/risk"
	"quorum-trader/internal/store"
)

// Service 负责持久化监控事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordDecision 记录融合决策，被拒绝的决策同样落库以便复盘。
func (s *Service) RecordDecision(ctx context.Context, decision ensemble.Decision, market ensemble.MarketContext, models []inference.EndpointHealth) {
	if err := s.Record(ctx, Event{
		Type:      EventDecision,
		Timestamp: time.Now().UTC(),
		Payload:   DecisionPayload{Decision: decision, Market: market, Models: models},
	}); err != nil {
		s.logger.Warn("记录决策事件失败", zap.Error(err))
	}
}

// RecordValidation 记录风控验证结果。
func (s *Service) RecordValidation(ctx context.Context, decision ensemble.Decision, result risk.ValidationResult, account risk.AccountState) {
	if err := s.Record(ctx, Event{
		Type:      EventValidation,
		Timestamp: time.Now().UTC(),
		Payload:   ValidationPayload{Decision: decision, Result: result, Account: account},
	}); err != nil {
		s.logger.Warn("记录风控事件失败", zap.Error(err))
	}
}

// RecordExecution 记录开仓执行。
func (s *Service) RecordExecution(ctx context.Context, position risk.Position) {
	if err := s.Record(ctx, Event{
		Type:      EventExecution,
		Timestamp: time.Now().UTC(),
		Payload:   ExecutionPayload{Position: position},
	}); err != nil {
		s.logger.Warn("记录执行事件失败", zap.Error(err))
	}
}

// RecordSettlement 记录平仓结算。
func (s *Service) RecordSettlement(ctx context.Context, settlement risk.Settlement) {
	if err := s.Record(ctx, Event{
		Type:      EventSettlement,
		Timestamp: time.Now().UTC(),
		Payload:   SettlementPayload{Settlement: settlement},
	}); err != nil {
		s.logger.Warn("记录结算事件失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Error:   err.Error(),
		Context: ctxMap,
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, payload, created_at FROM monitor_events WHERE event_type = ? ORDER BY id DESC LIMIT ?`,
		string(eventType), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if err := rows.Scan(&typ, &payload, &created); err != nil {
			return nil, fmt.Errorf("monitor: 扫描事件失败: %w", err)
		}

		ts, err := time.Parse(time.RFC3339, created)
		if err != nil {
			return nil, fmt.Errorf("monitor: 解析事件时间失败: %w", err)
		}

		var raw json.RawMessage = json.RawMessage(payload)
		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   raw,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 遍历事件失败: %w", err)
	}

	return events, nil
}
