package engine

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/miradorstack/fleet-assistant/internal/models"
)

// Exchange is one answered question kept for follow-up context.
type Exchange struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Plan     string `json:"plan,omitempty"`
}

// History keeps the last few exchanges verbatim and folds older ones into a
// summary capped at a token budget (four characters per token).
type History struct {
	mu            sync.RWMutex
	maxTurns      int
	summaryBudget int
	exchanges     []Exchange
	summary       string
}

// NewHistory creates an empty history.
func NewHistory(maxTurns, summaryTokenBudget int) *History {
	if maxTurns < 1 {
		maxTurns = 1
	}
	if summaryTokenBudget < 0 {
		summaryTokenBudget = 0
	}
	return &History{maxTurns: maxTurns, summaryBudget: summaryTokenBudget}
}

// Record appends an exchange, summarising whatever falls out of the window.
func (h *History) Record(ex Exchange) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.exchanges = append(h.exchanges, ex)
	for len(h.exchanges) > h.maxTurns {
		evicted := h.exchanges[0]
		h.exchanges = h.exchanges[1:]
		if snippet := summarySnippet(evicted); snippet != "" {
			if h.summary != "" {
				h.summary += "\n"
			}
			h.summary += snippet
		}
	}
	h.summary = truncateToBudget(h.summary, h.summaryBudget)
}

// Exchanges returns retained exchanges, oldest first.
func (h *History) Exchanges() []Exchange {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Exchange(nil), h.exchanges...)
}

// Summary returns the condensed text of evicted exchanges.
func (h *History) Summary() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.summary
}

// Messages renders the history as chat messages for a prompt.
func (h *History) Messages() []models.ChatMessage {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.ChatMessage, 0, 1+2*len(h.exchanges))
	if h.summary != "" {
		out = append(out, models.ChatMessage{Role: roleSystem, Content: "Conversation summary of earlier turns:\n" + h.summary})
	}
	for _, ex := range h.exchanges {
		out = append(out,
			models.ChatMessage{Role: roleUser, Content: "Earlier question: " + strings.TrimSpace(ex.Question)},
			models.ChatMessage{Role: roleAssistant, Content: "Earlier answer: " + strings.TrimSpace(ex.Answer)},
		)
	}
	return out
}

func summarySnippet(ex Exchange) string {
	parts := make([]string, 0, 3)
	if q := strings.TrimSpace(ex.Question); q != "" {
		parts = append(parts, "Q: "+q)
	}
	if a := strings.TrimSpace(ex.Answer); a != "" {
		parts = append(parts, "A: "+a)
	}
	if p := strings.TrimSpace(ex.Plan); p != "" {
		parts = append(parts, "Plan: "+p)
	}
	return strings.Join(parts, " - ")
}

func truncateToBudget(text string, tokenBudget int) string {
	if tokenBudget <= 0 || text == "" {
		return ""
	}
	limit := tokenBudget * 4
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	truncated := strings.TrimRight(string([]rune(text)[:limit]), " \t\n")
	if truncated == "" {
		return ""
	}
	return truncated + "\n…"
}
