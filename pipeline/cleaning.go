package pipeline

import (
	"fmt"
	"sync"
	"time"

	"croprec/ml"
)

// ValidationRule 样本校验规则
type ValidationRule interface {
	Check(ml.Sample) error
	Name() string
}

// QualityIssue 质量问题. Line is the 1-based CSV line, counting the header.
type QualityIssue struct {
	Rule    string `json:"rule"`
	Line    int    `json:"line"`
	Label   string `json:"label"`
	Message string `json:"message"`
}

func (q *QualityIssue) Error() string {
	return fmt.Sprintf("line %d (%s): %s: %s", q.Line, q.Label, q.Rule, q.Message)
}

// SampleValidator 训练样本校验器
type SampleValidator struct {
	rules []ValidationRule

	stats     ValidationStats
	statsLock sync.RWMutex
}

// ValidationStats 校验统计
type ValidationStats struct {
	TotalChecked int64            `json:"total_checked"`
	Passed       int64            `json:"passed"`
	Rejected     int64            `json:"rejected"`
	Issues       map[string]int64 `json:"issues"`
	LastRun      time.Time        `json:"last_run"`
}

// NewSampleValidator 创建带默认规则的校验器
func NewSampleValidator() *SampleValidator {
	v := &SampleValidator{
		stats: ValidationStats{Issues: make(map[string]int64)},
	}

	v.AddRule(FiniteValueRule{})
	v.AddRule(NonNegativeRule{Features: []string{
		ml.FeatureNitrogen, ml.FeaturePhosphorus, ml.FeaturePotassium, ml.FeatureRainfall,
	}})
	v.AddRule(RangeRule{Feature: ml.FeatureHumidity, Min: 0, Max: 100})
	v.AddRule(RangeRule{Feature: ml.FeaturePH, Min: 0, Max: 14})
	v.AddRule(LabelRule{})

	return v
}

// AddRule 添加校验规则
func (v *SampleValidator) AddRule(rule ValidationRule) {
	v.rules = append(v.rules, rule)
}

// Rules returns the rule names in evaluation order.
func (v *SampleValidator) Rules() []string {
	names := make([]string, len(v.rules))
	for i, rule := range v.rules {
		names[i] = rule.Name()
	}
	return names
}

// Validate checks every row and returns every violation found. Rows are
// reported by CSV line so the dataset can be fixed by hand.
func (v *SampleValidator) Validate(dataset *ml.Dataset) []QualityIssue {
	var issues []QualityIssue

	v.statsLock.Lock()
	defer v.statsLock.Unlock()

	for i := 0; i < dataset.Len(); i++ {
		sample := dataset.Sample(i)
		v.stats.TotalChecked++

		rejected := false
		for _, rule := range v.rules {
			if err := rule.Check(sample); err != nil {
				issues = append(issues, QualityIssue{
					Rule:    rule.Name(),
					Line:    i + 2,
					Label:   sample.Label,
					Message: err.Error(),
				})
				v.stats.Issues[rule.Name()]++
				rejected = true
			}
		}
		if rejected {
			v.stats.Rejected++
		} else {
			v.stats.Passed++
		}
	}

	v.stats.LastRun = time.Now()
	return issues
}

// GetStats 获取统计信息
func (v *SampleValidator) GetStats() ValidationStats {
	v.statsLock.RLock()
	defer v.statsLock.RUnlock()

	stats := v.stats
	stats.Issues = make(map[string]int64, len(v.stats.Issues))
	for k, n := range v.stats.Issues {
		stats.Issues[k] = n
	}
	return stats
}

// ============ 校验规则实现 ============

// FiniteValueRule rejects NaN and infinite features.
type FiniteValueRule struct{}

func (FiniteValueRule) Name() string {
	return "finite_value"
}

func (FiniteValueRule) Check(s ml.Sample) error {
	names := ml.FeatureNames()
	for i, value := range ml.FeatureVector(s) {
		if !ml.IsFinite(value) {
			return fmt.Errorf("%s is %v", names[i], value)
		}
	}
	return nil
}

// NonNegativeRule 非负校验
type NonNegativeRule struct {
	Features []string
}

func (r NonNegativeRule) Name() string {
	return "non_negative"
}

func (r NonNegativeRule) Check(s ml.Sample) error {
	vector := ml.FeatureVector(s)
	for _, name := range r.Features {
		idx := ml.FeatureIndex(name)
		if idx < 0 {
			return fmt.Errorf("unknown feature %q", name)
		}
		if vector[idx] < 0 {
			return fmt.Errorf("%s %.2f is negative", name, vector[idx])
		}
	}
	return nil
}

// RangeRule 取值范围校验, bounds inclusive.
type RangeRule struct {
	Feature  string
	Min, Max float64
}

func (r RangeRule) Name() string {
	return r.Feature + "_range"
}

func (r RangeRule) Check(s ml.Sample) error {
	idx := ml.FeatureIndex(r.Feature)
	if idx < 0 {
		return fmt.Errorf("unknown feature %q", r.Feature)
	}
	value := ml.FeatureVector(s)[idx]
	if value < r.Min || value > r.Max {
		return fmt.Errorf("%s %.2f out of range [%.2f, %.2f]", r.Feature, value, r.Min, r.Max)
	}
	return nil
}

// LabelRule 标签校验
type LabelRule struct{}

func (LabelRule) Name() string {
	return "label"
}

func (LabelRule) Check(s ml.Sample) error {
	if s.Label == "" {
		return fmt.Errorf("empty label")
	}
	return nil
}
