package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

func defaultRules() []*models.AlertRule {
	return []*models.AlertRule{
		{
			ID:              "default-error-rate",
			Name:            "High error rate",
			Metric:          "error_rate",
			Operator:        models.OpGreaterThan,
			Threshold:       0.1,
			Duration:        60 * time.Second,
			Aggregation:     models.AggAvg,
			Severity:        models.SeverityWarning,
			CooldownMinutes: 5,
			Enabled:         true,
		},
		{
			ID:              "default-response-time",
			Name:            "Slow responses",
			Metric:          "response_time",
			Operator:        models.OpGreaterThan,
			Threshold:       1000,
			Duration:        120 * time.Second,
			Aggregation:     models.AggAvg,
			Severity:        models.SeverityWarning,
			CooldownMinutes: 5,
			Enabled:         true,
		},
		{
			ID:              "default-uptime",
			Name:            "Low uptime",
			Metric:          "uptime",
			Operator:        models.OpLessThan,
			Threshold:       95,
			Duration:        300 * time.Second,
			Aggregation:     models.AggAvg,
			Severity:        models.SeverityCritical,
			CooldownMinutes: 10,
			Enabled:         true,
		},
		{
			ID:              "default-connection-count",
			Name:            "Connection saturation",
			Metric:          "active_connections",
			Operator:        models.OpGreaterThan,
			Threshold:       100,
			Duration:        60 * time.Second,
			Aggregation:     models.AggMax,
			Severity:        models.SeverityWarning,
			CooldownMinutes: 5,
			Enabled:         true,
		},
	}
}

// CreateAlertRule installs or replaces a rule.
func (s *Service) CreateAlertRule(rule *models.AlertRule) error {
	if rule.ID == "" {
		rule.ID = newID()
	}
	if rule.Metric == "" {
		return &models.ConfigError{Field: "metric", Reason: "alert rule metric is required"}
	}
	if rule.Duration <= 0 {
		return &models.ConfigError{Field: "duration", Reason: "alert rule duration must be positive"}
	}

	s.mu.Lock()
	s.rules[rule.ID] = rule
	s.mu.Unlock()

	s.logger.Info("alert rule installed",
		zap.String("rule_id", rule.ID),
		zap.String("metric", rule.Metric))
	return nil
}

// DeleteAlertRule removes a rule; existing alerts are untouched.
func (s *Service) DeleteAlertRule(ruleID string) {
	s.mu.Lock()
	delete(s.rules, ruleID)
	s.mu.Unlock()
}

// Rules returns the installed alert rules.
func (s *Service) Rules() []*models.AlertRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AlertRule, 0, len(s.rules))
	for _, rule := range s.rules {
		cp := *rule
		out = append(out, &cp)
	}
	return out
}

// GetActiveAlerts returns unresolved alerts.
func (s *Service) GetActiveAlerts() []*models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Alert, 0)
	for _, alert := range s.alerts {
		if !alert.Resolved {
			cp := *alert
			out = append(out, &cp)
		}
	}
	return out
}

// AlertHistory returns every retained alert, newest first.
func (s *Service) AlertHistory() []*models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Alert, len(s.alerts))
	for i, alert := range s.alerts {
		cp := *alert
		out[len(s.alerts)-1-i] = &cp
	}
	return out
}

// ResolveAlert marks an alert resolved; the only mutation an alert allows.
func (s *Service) ResolveAlert(alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, alert := range s.alerts {
		if alert.ID == alertID {
			if alert.Resolved {
				return nil
			}
			now := s.now()
			alert.Resolved = true
			alert.ResolvedAt = &now
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", alertID)
}

// evaluateRules checks every enabled rule against the server's metrics
// window and raises alerts outside cooldown.
func (s *Service) evaluateRules(ctx context.Context, serverID string) {
	now := s.now()

	s.mu.Lock()
	ring, ok := s.raw[serverID]
	if !ok {
		s.mu.Unlock()
		return
	}

	type firing struct {
		rule  *models.AlertRule
		value float64
	}
	var fired []firing

	for _, rule := range s.rules {
		if !rule.Enabled {
			continue
		}
		window := ring.since(now.Add(-rule.Duration))
		if len(window) == 0 {
			continue
		}
		value := aggregate(window, rule.Metric, rule.Aggregation)
		if !compare(value, rule.Operator, rule.Threshold) {
			continue
		}

		cooldownKey := rule.ID + "|" + serverID
		if until, cooling := s.cooldowns[cooldownKey]; cooling && now.Before(until) {
			continue
		}
		s.cooldowns[cooldownKey] = now.Add(time.Duration(rule.CooldownMinutes) * time.Minute)
		fired = append(fired, firing{rule: rule, value: value})
	}

	var toNotify []*models.Alert
	for _, f := range fired {
		alert := &models.Alert{
			ID:          newID(),
			RuleID:      f.rule.ID,
			ServerID:    serverID,
			Severity:    f.rule.Severity,
			Title:       f.rule.Name,
			Description: fmt.Sprintf("%s %s %.2f (observed %.2f over %s)", f.rule.Metric, f.rule.Operator, f.rule.Threshold, f.value, f.rule.Duration),
			Value:       f.value,
			Threshold:   f.rule.Threshold,
			CreatedAt:   now,
		}
		s.alerts = append(s.alerts, alert)

		if alert.Severity.Rank() >= models.AlertSeverity(s.cfg.NotifyMinSeverity).Rank() {
			cp := *alert
			toNotify = append(toNotify, &cp)
		}

		s.logger.Warn("alert triggered",
			zap.String("alert_id", alert.ID),
			zap.String("rule_id", f.rule.ID),
			zap.String("server_id", serverID),
			zap.Float64("value", f.value))
	}
	s.mu.Unlock()

	for _, alert := range toNotify {
		if err := s.notifier.Notify(ctx, alert); err != nil {
			s.logger.Warn("alert notification failed",
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}
}

// metricValue extracts the named metric from one sample. Response time is
// reported in milliseconds, uptime as a percentage.
func metricValue(m models.ServerMetrics, metric string) float64 {
	switch metric {
	case "error_rate":
		return m.ErrorRate
	case "response_time":
		return m.ResponseTime.Seconds() * 1000
	case "throughput":
		return m.Throughput
	case "success_rate":
		return m.SuccessRate
	case "uptime":
		return m.SuccessRate * 100
	case "active_connections":
		return float64(m.ActiveConnections)
	case "queue_depth":
		return float64(m.QueueDepth)
	default:
		return 0
	}
}

func aggregate(window []models.ServerMetrics, metric string, fn models.AggregationFunc) float64 {
	if fn == models.AggCount {
		return float64(len(window))
	}

	values := make([]float64, len(window))
	for i, m := range window {
		values[i] = metricValue(m, metric)
	}

	switch fn {
	case models.AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case models.AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case models.AggSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	default: // avg
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
}

func compare(value float64, op models.CompareOp, threshold float64) bool {
	switch op {
	case models.OpGreaterThan:
		return value > threshold
	case models.OpLessThan:
		return value < threshold
	case models.OpGreaterEq:
		return value >= threshold
	case models.OpLessEq:
		return value <= threshold
	case models.OpEqual:
		return value == threshold
	default:
		return false
	}
}
