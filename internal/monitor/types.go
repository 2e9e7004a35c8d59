package monitor

import (
	"time"

	"quorum-trader/internal/ensemble"
	"quorum-trader/internal/inference"
	"quorum-trader/internal/risk"
)

// EventType 表示审计事件类型。
type EventType string

const (
	EventDecision   EventType = "ensemble_decision"
	EventValidation EventType = "risk_validation"
	EventExecution  EventType = "execution"
	EventSettlement EventType = "settlement"
	EventError      EventType = "error"
)

// Event 封装通用审计事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// DecisionPayload 记录完整融合决策，含被拒票与原因。
type DecisionPayload struct {
	Decision ensemble.Decision          `json:"decision"`
	Market   ensemble.MarketContext     `json:"market"`
	Models   []inference.EndpointHealth `json:"models,omitempty"`
}

// ValidationPayload 记录风控验证结果。
type ValidationPayload struct {
	Decision ensemble.Decision     `json:"decision"`
	Result   risk.ValidationResult `json:"result"`
	Account  risk.AccountState     `json:"account"`
}

// ExecutionPayload 记录开仓执行。
type ExecutionPayload struct {
	Position risk.Position `json:"position"`
}

// SettlementPayload 记录平仓结算。
type SettlementPayload struct {
	Settlement risk.Settlement `json:"settlement"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
