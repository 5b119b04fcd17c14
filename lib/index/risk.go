// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"maps"
	"math"
	"slices"
	"sort"
	"time"
)

// RiskLevel grades a portfolio assessment.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// TokenRiskMetrics are derived from one token's price history.
type TokenRiskMetrics struct {
	// Volatility is the sample standard deviation of period returns.
	Volatility float64
	// Drawdown is the largest peak-to-trough fall, as a fraction of
	// the peak.
	Drawdown float64
	// Correlations maps every other token with a history to the
	// Pearson correlation of the two price series.
	Correlations map[string]float64
	LastUpdated  time.Time
}

// PortfolioRiskMetrics aggregate TokenRiskMetrics over the current
// weights.
type PortfolioRiskMetrics struct {
	// TotalVolatility is the weight-weighted sum of token volatility.
	TotalVolatility float64
	// DiversificationScore is 1 minus the average pairwise absolute
	// correlation.
	DiversificationScore float64
	// ConcentrationRisk is the Herfindahl index of the weights.
	ConcentrationRisk float64
	// MarketRisk is TotalVolatility times the average pairwise
	// absolute correlation.
	MarketRisk     float64
	HighRiskTokens []string
	Level          RiskLevel
	AssessedAt     time.Time
}

// Returns converts prices to period returns. Periods starting at a
// non-positive price are skipped.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 {
			continue
		}
		returns = append(returns, prices[i]/prices[i-1]-1)
	}
	return returns
}

// StdDev is the sample standard deviation, or 0 for fewer than two
// values.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	sum := 0.0
	for _, v := range values {
		sum += (v - mean) * (v - mean)
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// MaxDrawdown is the largest fall from a running peak, as a fraction
// of that peak.
func MaxDrawdown(prices []float64) float64 {
	peak, worst := 0.0, 0.0
	for _, price := range prices {
		if price > peak {
			peak = price
			continue
		}
		if peak > 0 {
			worst = max(worst, (peak-price)/peak)
		}
	}
	return worst
}

// Correlation is the Pearson correlation of the overlapping suffix of
// a and b: the longer series loses its oldest points. It is 0 when
// fewer than two points overlap or either series is constant.
func Correlation(a, b []float64) float64 {
	n := min(len(a), len(b))
	if n < 2 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]

	meanA, meanB := 0.0, 0.0
	for i := range n {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var covariance, varianceA, varianceB float64
	for i := range n {
		da, db := a[i]-meanA, b[i]-meanB
		covariance += da * db
		varianceA += da * da
		varianceB += db * db
	}
	if varianceA == 0 || varianceB == 0 {
		return 0
	}
	r := covariance / math.Sqrt(varianceA*varianceB)
	return max(-1, min(1, r))
}

// Herfindahl is the sum of squared weights.
func Herfindahl(weights map[string]float64) float64 {
	sum := 0.0
	for _, w := range weights {
		sum += w * w
	}
	return sum
}

// Normalize scales non-negative weights to sum to 1. Negative and NaN
// entries count as zero. If nothing is left, every symbol gets an
// equal share. The result is nil only for an empty input.
func Normalize(weights map[string]float64) map[string]float64 {
	if len(weights) == 0 {
		return nil
	}
	total := 0.0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	result := make(map[string]float64, len(weights))
	for symbol, w := range weights {
		switch {
		case total == 0 || math.IsInf(total, 0):
			result[symbol] = 1 / float64(len(weights))
		case w > 0:
			result[symbol] = w / total
		default:
			result[symbol] = 0
		}
	}
	return result
}

// RiskMitigationWeights halves the weight of every flagged token and
// hands the freed weight to the others in proportion to their current
// weight. The result is renormalized twice so accumulated rounding
// cannot leave the sum away from 1.
func RiskMitigationWeights(weights map[string]float64, flagged []string) map[string]float64 {
	if len(weights) == 0 {
		return nil
	}
	result := maps.Clone(weights)
	freed, others := 0.0, 0.0
	for symbol, w := range weights {
		if slices.Contains(flagged, symbol) {
			result[symbol] = w / 2
			freed += w / 2
		} else if w > 0 {
			others += w
		}
	}
	if others > 0 {
		for symbol, w := range weights {
			if !slices.Contains(flagged, symbol) && w > 0 {
				result[symbol] = w + freed*w/others
			}
		}
	}
	return Normalize(Normalize(result))
}

// ImpliedWeights is each token's share of staticWeight × price. It is
// nil unless every token with a static weight has a positive price.
func ImpliedWeights(static, prices map[string]float64) map[string]float64 {
	if len(static) == 0 {
		return nil
	}
	total := 0.0
	for symbol, w := range static {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			return nil
		}
		total += w * price
	}
	if total <= 0 {
		return nil
	}
	implied := make(map[string]float64, len(static))
	for symbol, w := range static {
		implied[symbol] = w * prices[symbol] / total
	}
	return implied
}

// MaxDeviation returns the largest absolute difference between implied
// and target weight, and the token it occurs on. A token missing from
// target counts as target 0.
func MaxDeviation(implied, target map[string]float64) (float64, string) {
	worst, worstSymbol := 0.0, ""
	for _, symbol := range sortedKeys(implied) {
		deviation := math.Abs(implied[symbol] - target[symbol])
		if deviation > worst {
			worst, worstSymbol = deviation, symbol
		}
	}
	return worst, worstSymbol
}

// AssessmentRules are the thresholds for grading a portfolio.
type AssessmentRules struct {
	// RiskThreshold is the volatility above which a token is flagged
	// and the portfolio is at least medium risk. The portfolio is high
	// risk above 1.5 times this.
	RiskThreshold float64
	// MaxDrawdown flags a token whose drawdown exceeds it.
	MaxDrawdown float64
}

// AssessPortfolio grades weights against per-token metrics. It returns
// false when fewer than two tokens are weighted or fewer than two have
// metrics, and then says nothing about the portfolio.
//
// The level is high when total volatility exceeds 1.5 × RiskThreshold,
// concentration exceeds 0.5, or more than 30% of the tokens (or more
// than two) are flagged. It is medium when volatility exceeds
// RiskThreshold, concentration exceeds 0.35, or any token is flagged.
func AssessPortfolio(weights map[string]float64, metrics map[string]TokenRiskMetrics, rules AssessmentRules, now time.Time) (PortfolioRiskMetrics, bool) {
	if len(weights) < 2 {
		return PortfolioRiskMetrics{}, false
	}
	var measured []string
	for _, symbol := range sortedKeys(weights) {
		if _, ok := metrics[symbol]; ok {
			measured = append(measured, symbol)
		}
	}
	if len(measured) < 2 {
		return PortfolioRiskMetrics{}, false
	}

	result := PortfolioRiskMetrics{AssessedAt: now, ConcentrationRisk: Herfindahl(weights)}
	for _, symbol := range measured {
		m := metrics[symbol]
		result.TotalVolatility += weights[symbol] * m.Volatility
		if m.Volatility > rules.RiskThreshold || (rules.MaxDrawdown > 0 && m.Drawdown > rules.MaxDrawdown) {
			result.HighRiskTokens = append(result.HighRiskTokens, symbol)
		}
	}

	pairs, sum := 0, 0.0
	for i, a := range measured {
		for _, b := range measured[i+1:] {
			sum += math.Abs(metrics[a].Correlations[b])
			pairs++
		}
	}
	averageCorrelation := sum / float64(pairs)
	result.DiversificationScore = 1 - averageCorrelation
	result.MarketRisk = result.TotalVolatility * averageCorrelation

	flagged := len(result.HighRiskTokens)
	switch {
	case result.TotalVolatility > 1.5*rules.RiskThreshold,
		result.ConcentrationRisk > 0.5,
		float64(flagged) > 0.3*float64(len(weights)),
		flagged > 2:
		result.Level = RiskHigh
	case result.TotalVolatility > rules.RiskThreshold,
		result.ConcentrationRisk > 0.35,
		flagged > 0:
		result.Level = RiskMedium
	default:
		result.Level = RiskLow
	}
	return result, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
