// Package testutil contains common test utilities.
package testutil

import "strings"

// Dedent removes the common leading whitespace of every non-blank line of
// text, and a leading newline. It lets expected dumps be written as indented
// raw strings.
func Dedent(text string) string {
	text = strings.TrimPrefix(text, "\n")
	lines := strings.Split(text, "\n")
	margin := -1
	for _, line := range lines {
		if strings.TrimLeft(line, " \t") == "" {
			continue
		}
		n := len(line) - len(strings.TrimLeft(line, " \t"))
		if margin < 0 || n < margin {
			margin = n
		}
	}
	for i, line := range lines {
		if len(line) >= margin && margin > 0 {
			lines[i] = line[margin:]
		} else if strings.TrimLeft(line, " \t") == "" {
			lines[i] = ""
		}
	}
	return strings.Join(lines, "\n")
}
