package engine

import (
	"fmt"
	"strings"

	"github.com/miradorstack/fleet-assistant/internal/budget"
	"github.com/miradorstack/fleet-assistant/internal/hub"
	"github.com/miradorstack/fleet-assistant/internal/models"
	"github.com/miradorstack/fleet-assistant/internal/planner"
)

const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"
)

const answerSystemPrompt = "You are a site reliability assistant for a Portainer-managed Docker fleet. " +
	"Explain what is happening and recommend concrete actions using only the supplied data. " +
	"Do not fabricate data beyond the provided results; when data was omitted or is missing, say so."

func planSystemPrompt(maxEntries int) string {
	return "You are a planning assistant that chooses the smallest set of Portainer table queries another assistant " +
		"needs to answer the operator's question. Return only JSON: an array of request objects shaped like " +
		planner.Schema + ". " +
		fmt.Sprintf("Use table and column names from the catalog only and request at most %d tables. ", maxEntries) +
		"Prefer narrow filters and small limits. Reply with [] when the overview already answers the question."
}

// planMessages builds the planning-stage prompt.
func planMessages(catalog *hub.Catalog, overviewJSON, question string, maxEntries int, history *History) []models.ChatMessage {
	msgs := []models.ChatMessage{{Role: roleSystem, Content: planSystemPrompt(maxEntries)}}
	msgs = append(msgs, history.Messages()...)
	msgs = append(msgs, models.ChatMessage{
		Role: roleUser,
		Content: "Available tables:\n" + catalog.Describe() +
			"\n\nOperational overview (JSON):\n" + overviewJSON +
			"\n\nQuestion: " + strings.TrimSpace(question),
	})
	return msgs
}

// answerPreamble returns the messages sent before the budgeted user body.
func answerPreamble(history *History) []models.ChatMessage {
	msgs := []models.ChatMessage{{Role: roleSystem, Content: answerSystemPrompt}}
	return append(msgs, history.Messages()...)
}

// overviewListCap bounds every list in the overview sent to the model.
const overviewListCap = 10

const sectionOverview = "overview"
const sectionPlan = "plan"

// answerRequired is the never-trimmed part of the answer body.
func answerRequired(question string) []string {
	return []string{"Question: " + strings.TrimSpace(question)}
}

// answerContext is the optional context sent ahead of the result blocks,
// highest priority first.
func answerContext(ov models.Overview, planNote string, reqs []models.QueryRequest) []budget.Section {
	sections := []budget.Section{{
		Name: sectionOverview,
		Renderings: []string{
			"Operational overview (JSON):\n" + ov.Compact(overviewListCap).JSON(),
			"Operational overview: " + ov.Headline(),
		},
	}}

	plan := strings.TrimSpace(planNote)
	if plan == "" && len(reqs) > 0 {
		lines := make([]string, 0, len(reqs))
		for _, r := range reqs {
			lines = append(lines, fmt.Sprintf("%d. %s", r.Index+1, r.Describe()))
		}
		plan = strings.Join(lines, "\n")
	}
	if plan != "" {
		sections = append(sections, budget.Section{
			Name:       sectionPlan,
			Renderings: []string{"Data gathering plan that was executed:\n" + plan},
		})
	}
	return sections
}

func answerHeading(haveResults bool) string {
	if haveResults {
		return "Data returned from your requests (one block per request, highest priority first):"
	}
	return "No table data was requested for this question."
}

func joinedContent(msgs []models.ChatMessage) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

func fallbackAnswer(ov models.Overview, results []models.ExecutedResult) string {
	var b strings.Builder
	b.WriteString("The language model could not be reached, so no analysis is available. ")
	b.WriteString("Snapshot summary: ")
	b.WriteString(ov.Headline())
	for _, r := range results {
		b.WriteString("\n- ")
		b.WriteString(r.Summary)
	}
	return b.String()
}
