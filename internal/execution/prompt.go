package execution

import (
	"strings"
	"unicode/utf8"

	"agentorch/internal/completion"
	"agentorch/internal/domain"
)

const noResponse = "No response generated"

func buildRequest(cfg Config, a domain.Agent, t *domain.Task, input domain.Payload) completion.Request {
	var b strings.Builder
	b.WriteString("You are " + a.Name + ", a " + a.Type + ". ")
	if t != nil {
		b.WriteString("Your task is: " + t.Title + ". " + t.Description + ". ")
	}
	b.WriteString("Use your capabilities to accomplish this task effectively.")
	if !input.IsEmpty() {
		b.WriteString("\n\nInput data: " + input.Compact())
	}
	if len(a.Capabilities) > 0 {
		b.WriteString("\n\nYour capabilities include: " + strings.Join(a.Capabilities, ", ") + ".")
	}

	return completion.Request{
		System:      "You are " + a.Name + ", " + a.Type + ". " + a.Description,
		User:        b.String(),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
}

// excerpt returns at most n runes of s.
func excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
