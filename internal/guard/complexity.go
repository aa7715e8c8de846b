package guard

import "strings"

// complexityScore is a cheap heuristic over the uppercased SQL text. It
// feeds the error context bundle and the pre-execution log line so an agent
// can correlate failures with query shape.
func complexityScore(sql string) int {
	upper := strings.ToUpper(sql)
	score := 0

	if n := strings.Count(upper, "JOIN"); n > 0 {
		score += n * 2
	}
	if strings.Contains(upper, "WINDOW") || strings.Contains(upper, "OVER(") {
		score += 3
	}
	if strings.Contains(upper, "GROUP BY") {
		score++
	}
	if strings.Contains(upper, "ORDER BY") {
		score++
	}
	if strings.Contains(upper, "UNION") {
		score += 2
	}
	score += strings.Count(upper, "WITH")

	return score
}

// Complexity buckets the score into a coarse label.
func Complexity(sql string) string {
	switch score := complexityScore(sql); {
	case score == 0:
		return "simple"
	case score <= 3:
		return "moderate"
	case score <= 7:
		return "complex"
	default:
		return "very_complex"
	}
}
