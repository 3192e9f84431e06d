package evaluator

import (
	"fmt"

	"prickless/internal/models"
)

// Policy 严重级别硬阈值（可配置）
type Policy struct {
	CriticalLow  float64 // 低于该值为 critical
	CriticalHigh float64 // 高于该值为 critical
}

// DefaultPolicy 默认硬阈值
var DefaultPolicy = Policy{CriticalLow: 50, CriticalHigh: 250}

// Decision 判定结果
type Decision struct {
	AlertType models.AlertType
	Severity  models.Severity
	Message   string
}

// Decide 阈值判定，依次检查低、高；未越界返回 nil
// 严格比较：等于阈值不告警
func Decide(estimate float64, th *models.UserThresholds, p Policy) *Decision {
	switch {
	case estimate < th.ThresholdLow:
		severity := models.SeverityWarning
		if estimate < p.CriticalLow {
			severity = models.SeverityCritical
		}
		return &Decision{
			AlertType: models.AlertLowGlucose,
			Severity:  severity,
			Message:   fmt.Sprintf("Low glucose: %s mg/dL (threshold %s)", formatMgdl(estimate), formatMgdl(th.ThresholdLow)),
		}
	case estimate > th.ThresholdHigh:
		severity := models.SeverityWarning
		if estimate > p.CriticalHigh {
			severity = models.SeverityCritical
		}
		return &Decision{
			AlertType: models.AlertHighGlucose,
			Severity:  severity,
			Message:   fmt.Sprintf("High glucose: %s mg/dL (threshold %s)", formatMgdl(estimate), formatMgdl(th.ThresholdHigh)),
		}
	default:
		return nil
	}
}

func formatMgdl(v float64) string {
	return fmt.Sprintf("%.0f", v)
}
