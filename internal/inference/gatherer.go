package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quorum-trader/internal/config"
)

// predictRequest 为模型服务 /predict 的请求体。
type predictRequest struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
}

// predictResponse 为模型服务 /predict 的响应体。
type predictResponse struct {
	RawScore   float64 `json:"raw_score"`
	Confidence float64 `json:"confidence"`
}

type endpointState struct {
	cfg          config.ModelEndpoint
	client       *resty.Client
	successCount int64
	failureCount int64
	avgLatency   time.Duration
	lastSuccess  time.Time
}

// Gatherer 并发向全部模型服务拉取本周期预测。
// 单个模型超时或返回非法数据只会使其缺席本周期，永远不会中断周期本身。
type Gatherer struct {
	cfg    config.ModelsConfig
	symbol string
	logger *zap.Logger

	mu        sync.Mutex
	endpoints []*endpointState
}

// NewGatherer 创建预测收集器。
func NewGatherer(cfg config.ModelsConfig, symbol string, logger *zap.Logger) *Gatherer {
	if logger == nil {
		logger = zap.NewNop()
	}

	endpoints := make([]*endpointState, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if !ep.Enabled {
			continue
		}
		client := resty.New().
			SetBaseURL(ep.URL).
			SetTimeout(cfg.RequestTimeout).
			SetHeader("Content-Type", "application/json")
		endpoints = append(endpoints, &endpointState{cfg: ep, client: client})
	}

	return &Gatherer{
		cfg:       cfg,
		symbol:    symbol,
		logger:    logger,
		endpoints: endpoints,
	}
}

// BaseWeights 返回各模型的配置基础权重。
func (g *Gatherer) BaseWeights() map[string]float64 {
	weights := make(map[string]float64, len(g.endpoints))
	for _, ep := range g.endpoints {
		weights[ep.cfg.Name] = ep.cfg.BaseWeight
	}
	return weights
}

// Gather 并发请求全部模型服务，返回通过校验的预测集合。
// 不返回错误：没有任何模型响应也是合法结果，由决策引擎按法定数处理。
func (g *Gatherer) Gather(ctx context.Context) []Prediction {
	results := make([]Prediction, len(g.endpoints))
	ok := make([]bool, len(g.endpoints))

	group, groupCtx := errgroup.WithContext(ctx)

	for i, ep := range g.endpoints {
		group.Go(func() error {
			pred, err := g.query(groupCtx, ep)
			if err != nil {
				g.logger.Warn("模型预测请求失败",
					zap.String("model", ep.cfg.Name),
					zap.Error(err),
				)
				return nil
			}
			if err := pred.Validate(); err != nil {
				g.recordFailure(ep)
				g.logger.Warn("丢弃非法预测", zap.Error(err))
				return nil
			}
			results[i] = pred
			ok[i] = true
			return nil
		})
	}

	_ = group.Wait()

	predictions := make([]Prediction, 0, len(g.endpoints))
	for i := range results {
		if ok[i] {
			predictions = append(predictions, results[i])
		}
	}

	return predictions
}

func (g *Gatherer) query(ctx context.Context, ep *endpointState) (Prediction, error) {
	start := time.Now()

	var body predictResponse
	resp, err := ep.client.R().
		SetContext(ctx).
		SetBody(predictRequest{Symbol: g.symbol, Timestamp: start.UTC()}).
		SetResult(&body).
		Post("/predict")
	if err != nil {
		g.recordFailure(ep)
		return Prediction{}, fmt.Errorf("inference: 请求 %s 失败: %w", ep.cfg.Name, err)
	}
	if resp.IsError() {
		g.recordFailure(ep)
		return Prediction{}, fmt.Errorf("inference: %s 返回状态码 %d", ep.cfg.Name, resp.StatusCode())
	}

	latency := time.Since(start)
	g.recordSuccess(ep, latency)

	return Prediction{
		ModelID:    ep.cfg.Name,
		RawScore:   body.RawScore,
		Confidence: body.Confidence,
		Latency:    latency,
		Timestamp:  start.UTC(),
	}, nil
}

func (g *Gatherer) recordSuccess(ep *endpointState, latency time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ep.successCount++
	ep.lastSuccess = time.Now().UTC()
	if ep.avgLatency == 0 {
		ep.avgLatency = latency
	} else {
		// EWMA，新样本占两成
		ep.avgLatency = time.Duration(0.8*float64(ep.avgLatency) + 0.2*float64(latency))
	}
}

func (g *Gatherer) recordFailure(ep *endpointState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ep.failureCount++
}

// Health 返回各模型服务的运行状况快照。
func (g *Gatherer) Health() []EndpointHealth {
	g.mu.Lock()
	defer g.mu.Unlock()

	health := make([]EndpointHealth, 0, len(g.endpoints))
	for _, ep := range g.endpoints {
		health = append(health, EndpointHealth{
			Name:         ep.cfg.Name,
			SuccessCount: ep.successCount,
			FailureCount: ep.failureCount,
			AvgLatency:   ep.avgLatency,
			LastSuccess:  ep.lastSuccess,
		})
	}
	return health
}

// SendRetrainFeedback 将结算结果推送给全部模型服务，失败只记日志。
func (g *Gatherer) SendRetrainFeedback(ctx context.Context, feedback []RetrainFeedback) {
	if !g.cfg.RetrainEnabled || len(feedback) == 0 {
		return
	}

	if g.cfg.RetrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.RetrainTimeout)
		defer cancel()
	}

	group, groupCtx := errgroup.WithContext(ctx)

	for _, ep := range g.endpoints {
		group.Go(func() error {
			resp, err := ep.client.R().
				SetContext(groupCtx).
				SetBody(map[string]interface{}{"feedback": feedback}).
				Post("/retrain")
			if err != nil {
				g.logger.Warn("推送再训练样本失败",
					zap.String("model", ep.cfg.Name),
					zap.Error(err),
				)
				return nil
			}
			if resp.IsError() {
				g.logger.Warn("再训练接口返回错误状态",
					zap.String("model", ep.cfg.Name),
					zap.Int("status", resp.StatusCode()),
				)
			}
			return nil
		})
	}

	_ = group.Wait()
}
