package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"quorum-trader/internal/config"
	"quorum-trader/internal/ensemble"
)

// Scorer 为基于大模型的二级融合实现。
// 它只承担 ensemble.MetaScorer 契约：输入融合特征，输出 [0,1] 方向性信心。
type Scorer struct {
	cfg    config.MetaConfig
	logger *zap.Logger
	sdk    *openai.Client
}

var _ ensemble.MetaScorer = (*Scorer)(nil)

// NewScorer 使用给定配置创建二级融合评分器。
func NewScorer(cfg config.MetaConfig, logger *zap.Logger) (*Scorer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("meta api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Scorer{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(clientConfig),
	}, nil
}

// Score 请求二级模型给出最终方向性信心。
func (s *Scorer) Score(ctx context.Context, input ensemble.MetaInput) (float64, error) {
	if s.cfg.Model == "" {
		return 0, errors.New("meta model 不能为空")
	}

	prompt, err := buildPrompt(input)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	response, err := s.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		return 0, fmt.Errorf("调用二级融合模型失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return 0, errors.New("二级融合模型返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return 0, errors.New("二级融合模型返回内容为空")
	}

	score, err := parseScore(rawContent)
	if err != nil {
		s.logger.Warn("解析二级融合输出失败",
			zap.Error(err),
			zap.String("raw_content", rawContent),
		)
		return 0, err
	}

	return score, nil
}

type scorePayload struct {
	Score float64 `json:"score"`
}

func parseScore(content string) (float64, error) {
	jsonPayload, err := extractJSON(content)
	if err != nil {
		return 0, err
	}

	var payload scorePayload
	if err := json.Unmarshal(jsonPayload, &payload); err != nil {
		return 0, fmt.Errorf("解析评分JSON失败: %w", err)
	}

	if math.IsNaN(payload.Score) || payload.Score < 0 || payload.Score > 1 {
		return 0, fmt.Errorf("score 必须位于[0,1]，当前为 %f", payload.Score)
	}

	return payload.Score, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}

func buildPrompt(input ensemble.MetaInput) (string, error) {
	features, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("序列化融合特征失败: %w", err)
	}

	var b strings.Builder
	b.WriteString("You are the secondary fusion stage of a trading ensemble.\n")
	b.WriteString("Given the fused features below, output the final directional confidence.\n")
	b.WriteString("A score above 0.5 favors an upward move, below 0.5 favors a downward move.\n\n")
	b.WriteString("Features:\n")
	b.Write(features)
	b.WriteString("\n\nRespond with JSON only: {\"score\": <float between 0 and 1>}")

	return b.String(), nil
}
