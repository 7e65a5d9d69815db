package service

import (
	"context"
	"math"
	"time"

	"github.com/spec-kit/consultation-sync/internal/repository"
)

// WaitEstimate is a queue wait in minutes: a single value, or a range when
// the agent's history is faster than the floor.
type WaitEstimate struct {
	AgentKey       string  `json:"agent_key"`
	QueueDepth     int     `json:"queue_depth"`
	AverageMinutes float64 `json:"average_minutes"`
	Minutes        int     `json:"minutes,omitempty"`
	MinMinutes     int     `json:"min_minutes,omitempty"`
	MaxMinutes     int     `json:"max_minutes,omitempty"`
	IsRange        bool    `json:"is_range"`
}

// Estimate computes the wait for queue depth n given an average close time and the floor.
func Estimate(n int, average, floor float64) WaitEstimate {
	if n < 0 {
		n = 0
	}
	est := WaitEstimate{QueueDepth: n, AverageMinutes: average}
	if average < floor {
		est.IsRange = true
		est.MinMinutes = int(math.Round(float64(n) * average))
		est.MaxMinutes = int(math.Round(float64(n) * floor))
		return est
	}
	est.Minutes = int(math.Round(float64(n) * average))
	return est
}

// EstimatorConfig tunes the estimator.
type EstimatorConfig struct {
	Window         time.Duration
	FloorMinutes   float64
	DefaultMinutes float64
}

// QueueEstimator derives queue depths and wait estimates from consultation history.
type QueueEstimator struct {
	consultations repository.ConsultationRepository
	cfg           EstimatorConfig
	now           func() time.Time
}

// NewQueueEstimator creates the estimator.
func NewQueueEstimator(consultations repository.ConsultationRepository, cfg EstimatorConfig, now func() time.Time) *QueueEstimator {
	if cfg.Window <= 0 {
		cfg.Window = 30 * 24 * time.Hour
	}
	if cfg.FloorMinutes <= 0 {
		cfg.FloorMinutes = 15
	}
	if cfg.DefaultMinutes <= 0 {
		cfg.DefaultMinutes = 15
	}
	if now == nil {
		now = time.Now
	}
	return &QueueEstimator{consultations: consultations, cfg: cfg, now: now}
}

// AverageCloseMinutes returns the agent's trailing average, or the default without history.
func (e *QueueEstimator) AverageCloseMinutes(ctx context.Context, agentKey string) (float64, error) {
	avg, samples, err := e.consultations.AverageCloseMinutes(ctx, agentKey, e.now().Add(-e.cfg.Window))
	if err != nil {
		return 0, err
	}
	if samples == 0 || avg <= 0 {
		return e.cfg.DefaultMinutes, nil
	}
	return avg, nil
}

// QueueDepth counts the agent's open and pending, non-denied consultations.
func (e *QueueEstimator) QueueDepth(ctx context.Context, agentKey string) (int, error) {
	depths, err := e.consultations.QueueDepths(ctx, []string{agentKey})
	if err != nil {
		return 0, err
	}
	return depths[agentKey], nil
}

// EstimateWait estimates the wait behind queueDepth consultations of agentKey.
func (e *QueueEstimator) EstimateWait(ctx context.Context, agentKey string, queueDepth int) (WaitEstimate, error) {
	avg, err := e.AverageCloseMinutes(ctx, agentKey)
	if err != nil {
		return WaitEstimate{}, err
	}
	est := Estimate(queueDepth, avg, e.cfg.FloorMinutes)
	est.AgentKey = agentKey
	return est, nil
}
