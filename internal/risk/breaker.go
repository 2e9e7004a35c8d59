package risk

import (
	"time"

	"quorum-trader/internal/config"
)

// BreakerState 为熔断器状态。
type BreakerState string

const (
	BreakerNormal   BreakerState = "NORMAL"
	BreakerTripped  BreakerState = "TRIPPED"
	BreakerCooldown BreakerState = "COOLDOWN"
)

// BreakerSnapshot 为熔断器的只读视图。
type BreakerSnapshot struct {
	State             BreakerState  `json:"state"`
	ConsecutiveLosses int           `json:"consecutive_losses"`
	TripCountInWindow int           `json:"trip_count_in_window"`
	CooldownUntil     time.Time     `json:"cooldown_until"`
	CooldownDuration  time.Duration `json:"cooldown_duration"`
}

// CircuitBreaker 为连败熔断状态机：NORMAL → TRIPPED → COOLDOWN → NORMAL。
// 滚动窗口内重复触发时冷却时长按倍数增长，有上限；窗口静默后倍增计数归零。
// 非并发安全，由 Manager 串行调用。
type CircuitBreaker struct {
	cfg config.BreakerConfig

	state             BreakerState
	consecutiveLosses int
	tripCount         int
	lastTrip          time.Time
	cooldownUntil     time.Time
	cooldownDuration  time.Duration
}

// NewCircuitBreaker 创建处于 NORMAL 状态的熔断器。
func NewCircuitBreaker(cfg config.BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:   cfg,
		state: BreakerNormal,
	}
}

// State 返回当前状态，冷却到期时自动回到 NORMAL。
func (b *CircuitBreaker) State(now time.Time) BreakerState {
	b.advance(now)
	return b.state
}

// RecordLoss 记录一笔亏损交易，达到连败阈值时触发熔断，返回是否本次触发。
func (b *CircuitBreaker) RecordLoss(now time.Time) bool {
	b.advance(now)

	b.consecutiveLosses++
	if b.state != BreakerNormal || b.consecutiveLosses < b.cfg.ConsecutiveLosses {
		return false
	}

	b.trip(now)
	return true
}

// RecordWin 记录一笔盈利交易，NORMAL 状态下连败计数清零。
func (b *CircuitBreaker) RecordWin(now time.Time) {
	b.advance(now)

	if b.state == BreakerNormal {
		b.consecutiveLosses = 0
	}
}

// ConsecutiveLosses 返回当前连败次数。
func (b *CircuitBreaker) ConsecutiveLosses() int {
	return b.consecutiveLosses
}

// Snapshot 返回只读视图。
func (b *CircuitBreaker) Snapshot(now time.Time) BreakerSnapshot {
	b.advance(now)
	return BreakerSnapshot{
		State:             b.state,
		ConsecutiveLosses: b.consecutiveLosses,
		TripCountInWindow: b.tripCount,
		CooldownUntil:     b.cooldownUntil,
		CooldownDuration:  b.cooldownDuration,
	}
}

// trip 执行 NORMAL→TRIPPED→COOLDOWN，冷却时长随窗口内触发次数翻倍。
func (b *CircuitBreaker) trip(now time.Time) {
	if !b.lastTrip.IsZero() && now.Sub(b.lastTrip) > b.cfg.TripWindow {
		b.tripCount = 0
	}
	b.tripCount++
	b.lastTrip = now

	duration := b.cfg.CooldownBase
	for i := 1; i < b.tripCount; i++ {
		duration *= 2
		if duration >= b.cfg.CooldownMax {
			duration = b.cfg.CooldownMax
			break
		}
	}

	b.state = BreakerTripped
	b.cooldownDuration = duration
	b.cooldownUntil = now.Add(duration)

	// TRIPPED 只是瞬态，立即进入冷却
	b.state = BreakerCooldown
}

// advance 推进定时转换：冷却到期回到 NORMAL 并清零连败；
// 窗口静默足够久后倍增计数归零。
func (b *CircuitBreaker) advance(now time.Time) {
	if b.state == BreakerCooldown && !now.Before(b.cooldownUntil) {
		b.state = BreakerNormal
		b.consecutiveLosses = 0
	}
	if b.tripCount > 0 && !b.lastTrip.IsZero() && now.Sub(b.lastTrip) > b.cfg.TripWindow {
		b.tripCount = 0
	}
}
