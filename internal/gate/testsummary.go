package gate

import (
	"regexp"
	"strconv"
	"strings"
)

// TestSummary counts the outcomes reported by a test runner.
type TestSummary struct {
	Passed  int
	Failed  int
	Skipped int
	Errors  int
}

// OK reports whether the run had passing tests and no failures or errors.
func (s TestSummary) OK() bool {
	return s.Passed > 0 && s.Failed == 0 && s.Errors == 0
}

var (
	// Matches summaries such as "12 passed, 1 failed, 2 skipped, 1 error".
	countRe = regexp.MustCompile(`(\d+) (passed|failed|skipped|errors?)\b`)
	// Matches verbose go test result lines.
	goResultRe = regexp.MustCompile(`(?m)^\s*--- (PASS|FAIL|SKIP):`)
)

// ParseTestSummary extracts outcome counts from test runner output. It
// understands pytest-style summary lines and verbose go test output. ok is
// false when the output contained neither.
func ParseTestSummary(output string) (summary TestSummary, ok bool) {
	for _, m := range countRe.FindAllStringSubmatch(output, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ok = true
		switch {
		case m[2] == "passed":
			summary.Passed += n
		case m[2] == "failed":
			summary.Failed += n
		case m[2] == "skipped":
			summary.Skipped += n
		case strings.HasPrefix(m[2], "error"):
			summary.Errors += n
		}
	}
	if ok {
		return summary, true
	}

	for _, m := range goResultRe.FindAllStringSubmatch(output, -1) {
		ok = true
		switch m[1] {
		case "PASS":
			summary.Passed++
		case "FAIL":
			summary.Failed++
		case "SKIP":
			summary.Skipped++
		}
	}
	if strings.Contains(output, "\nFAIL\t") || strings.HasPrefix(output, "FAIL\t") {
		if summary.Failed == 0 {
			summary.Errors++
		}
		ok = true
	}
	return summary, ok
}
