package crostestutils

import (
	"regexp"
	"strconv"
	"strings"
)

// The two regexps below are the only places the harness scrapes external tool
// output. Keep them in sync with the devserver and test-report formats.
var (
	pregeneratedRe = regexp.MustCompile(`^PREGENERATED_UPDATE=([\w/.+-]+)`)
	totalPassRe    = regexp.MustCompile(`^Total PASS: (\d+)/(\d+) \((\d+)%\)`)
)

// ParsePregeneratedUpdate extracts the devserver cache path from the payload
// generator's log output. The generator reports the payload location as
// "PREGENERATED_UPDATE=<dir>/update.gz"; the returned path is rewritten to
// the "update/<dir>" form the devserver serves it under.
func ParsePregeneratedUpdate(output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		match := pregeneratedRe.FindStringSubmatch(strings.TrimSpace(line))
		if match == nil {
			continue
		}
		payloadPath := match[1]
		dir, found := strings.CutSuffix(payloadPath, "/update.gz")
		if !found || dir == "" {
			return "", &PayloadGenerationError{
				Reason: "payload generated but failed to parse cache directory",
			}
		}
		return "update/" + dir, nil
	}
	return "", &PayloadGenerationError{Reason: "no PREGENERATED_UPDATE line in generator output"}
}

// ParsePassPercent extracts the pass percentage from the verification
// runner's textual summary, which must contain exactly one line of the form
// "Total PASS: <passed>/<total> (<percent>%)". A missing line is an
// *UnparsableTestOutput, distinct from a low pass rate.
func ParsePassPercent(output string) (int, error) {
	for _, line := range strings.Split(output, "\n") {
		match := totalPassRe.FindStringSubmatch(strings.TrimSpace(line))
		if match == nil {
			continue
		}
		percent, err := strconv.Atoi(match[3])
		if err != nil {
			return 0, &UnparsableTestOutput{Output: output}
		}
		return percent, nil
	}
	return 0, &UnparsableTestOutput{Output: output}
}
