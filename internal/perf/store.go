package perf

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"quorum-trader/internal/store"
)

// modelState 持有档案与流式统计量，单写多读。
type modelState struct {
	record Record

	winCount      int
	lossCount     int
	winReturnSum  float64
	lossReturnSum float64
	returnSum     float64
	returnSqSum   float64

	residuals []float64 // 滚动残差窗口
}

// Store 维护各模型的衰减绩效与校准所需的历史样本。
// 结算回调是唯一写入路径；决策周期开始时取快照，周期内不再读到新状态。
type Store struct {
	db     *sql.DB
	window int
	logger *zap.Logger

	mu     sync.RWMutex
	models map[string]*modelState
}

// NewStore 创建绩效存储并加载历史档案。
func NewStore(st *store.Store, window int, logger *zap.Logger) (*Store, error) {
	if st == nil {
		return nil, errors.New("perf: store 不能为空")
	}
	if window <= 0 {
		window = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		db:     st.DB(),
		window: window,
		logger: logger,
		models: make(map[string]*modelState),
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}
	if err := s.loadRecords(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS perf_model_records (
	model_id TEXT PRIMARY KEY,
	base_weight REAL NOT NULL,
	win_count INTEGER NOT NULL,
	loss_count INTEGER NOT NULL,
	win_return_sum REAL NOT NULL,
	loss_return_sum REAL NOT NULL,
	return_sum REAL NOT NULL,
	return_sq_sum REAL NOT NULL,
	residuals TEXT NOT NULL,
	last_update TEXT NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("perf: 初始化表结构失败: %w", err)
	}
	return nil
}

func (s *Store) loadRecords() error {
	rows, err := s.db.Query(`SELECT model_id, base_weight, win_count, loss_count,
		win_return_sum, loss_return_sum, return_sum, return_sq_sum, residuals, last_update
		FROM perf_model_records`)
	if err != nil {
		return fmt.Errorf("perf: 加载绩效档案失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st            modelState
			residualsJSON string
			lastUpdate    string
		)
		if err := rows.Scan(&st.record.ModelID, &st.record.BaseWeight,
			&st.winCount, &st.lossCount, &st.winReturnSum, &st.lossReturnSum,
			&st.returnSum, &st.returnSqSum, &residualsJSON, &lastUpdate); err != nil {
			return fmt.Errorf("perf: 读取绩效档案失败: %w", err)
		}
		if err := json.Unmarshal([]byte(residualsJSON), &st.residuals); err != nil {
			s.logger.Warn("残差窗口解析失败，重置为空",
				zap.String("model", st.record.ModelID), zap.Error(err))
			st.residuals = nil
		}
		if ts, err := time.Parse(time.RFC3339, lastUpdate); err == nil {
			st.record.LastUpdate = ts
		}
		st.refreshRecord()
		s.models[st.record.ModelID] = &st
	}

	return rows.Err()
}

// EnsureModel 注册模型及其基础权重，已存在时仅同步基础权重。
func (s *Store) EnsureModel(modelID string, baseWeight float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.models[modelID]; ok {
		st.record.BaseWeight = baseWeight
		st.refreshRecord()
		return
	}

	s.models[modelID] = &modelState{
		record: Record{
			ModelID:    modelID,
			BaseWeight: baseWeight,
		},
	}
}

// Snapshot 返回全部档案的不可变副本，供一个决策周期使用。
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(Snapshot, len(s.models))
	for id, st := range s.models {
		snapshot[id] = st.record
	}
	return snapshot
}

// RecordOutcome 在归属于该模型的交易平仓后更新其档案，单次更新 O(1)。
func (s *Store) RecordOutcome(ctx context.Context, modelID string, rawScore float64, won bool, pnlPercent float64, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.models[modelID]
	if !ok {
		st = &modelState{record: Record{ModelID: modelID, BaseWeight: 1.0}}
		s.models[modelID] = st
	}

	if won {
		st.winCount++
		st.winReturnSum += pnlPercent
	} else {
		st.lossCount++
		st.lossReturnSum += math.Abs(pnlPercent)
	}
	st.returnSum += pnlPercent
	st.returnSqSum += pnlPercent * pnlPercent

	outcome := -1.0
	if won {
		outcome = 1.0
	}
	st.residuals = append(st.residuals, rawScore-outcome)
	if len(st.residuals) > s.window {
		st.residuals = st.residuals[len(st.residuals)-s.window:]
	}

	st.record.LastUpdate = closedAt.UTC()
	st.refreshRecord()

	return s.persist(ctx, st)
}

func (s *Store) persist(ctx context.Context, st *modelState) error {
	residualsJSON, err := json.Marshal(st.residuals)
	if err != nil {
		return fmt.Errorf("perf: 序列化残差窗口失败: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO perf_model_records
	(model_id, base_weight, win_count, loss_count, win_return_sum, loss_return_sum,
	 return_sum, return_sq_sum, residuals, last_update)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(model_id) DO UPDATE SET
	base_weight = excluded.base_weight,
	win_count = excluded.win_count,
	loss_count = excluded.loss_count,
	win_return_sum = excluded.win_return_sum,
	loss_return_sum = excluded.loss_return_sum,
	return_sum = excluded.return_sum,
	return_sq_sum = excluded.return_sq_sum,
	residuals = excluded.residuals,
	last_update = excluded.last_update`,
		st.record.ModelID, st.record.BaseWeight, st.winCount, st.lossCount,
		st.winReturnSum, st.lossReturnSum, st.returnSum, st.returnSqSum,
		string(residualsJSON), st.record.LastUpdate.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("perf: 持久化绩效档案失败: %w", err)
	}
	return nil
}

// refreshRecord 由流式统计量推导出档案字段。
func (st *modelState) refreshRecord() {
	total := st.winCount + st.lossCount
	st.record.SampleCount = total

	if total == 0 {
		st.record.WinRate = 0
		st.record.AvgWinReturn = 0
		st.record.AvgLossReturn = 0
		st.record.Sharpe = 0
		st.record.Variance = 0
		st.record.HasVariance = false
		return
	}

	st.record.WinRate = float64(st.winCount) / float64(total)

	if st.winCount > 0 {
		st.record.AvgWinReturn = st.winReturnSum / float64(st.winCount)
	} else {
		st.record.AvgWinReturn = 0
	}
	if st.lossCount > 0 {
		st.record.AvgLossReturn = st.lossReturnSum / float64(st.lossCount)
	} else {
		st.record.AvgLossReturn = 0
	}

	mean := st.returnSum / float64(total)
	variance := st.returnSqSum/float64(total) - mean*mean
	if variance > 0 && total > 1 {
		st.record.Sharpe = mean / math.Sqrt(variance)
	} else {
		st.record.Sharpe = 0
	}

	st.record.Variance, st.record.HasVariance = residualVariance(st.residuals)
}

func residualVariance(residuals []float64) (float64, bool) {
	if len(residuals) < 2 {
		return 0, false
	}

	var sum float64
	for _, r := range residuals {
		sum += r
	}
	mean := sum / float64(len(residuals))

	var sq float64
	for _, r := range residuals {
		d := r - mean
		sq += d * d
	}
	variance := sq / float64(len(residuals))
	if variance <= 0 {
		// 全部残差相同，给一个极小方差避免无穷权重
		variance = 1e-4
	}
	return variance, true
}
