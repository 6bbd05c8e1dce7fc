package langchain

import "strings"

// langchaingo's openai client reports HTTP failures as formatted strings
// rather than typed errors.
func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "too many requests", "overloaded", "503"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
