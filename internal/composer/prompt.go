package composer

import (
	"strings"

	"github.com/BustosAndrew/calhacks10/internal/conversation"
	"github.com/BustosAndrew/calhacks10/internal/nutrition"
	"github.com/BustosAndrew/calhacks10/internal/profile"
)

// none is rendered for every absent profile field or total.
const none = "None"

// Composer assembles the message list sent to the model: a system turn
// rebuilt from live profile and ledger data, the stored history, and the new
// user message.
type Composer struct{}

func New() *Composer {
	return &Composer{}
}

// Compose returns system + history + user. history is not modified.
func (c *Composer) Compose(p profile.Profile, totals *nutrition.Totals, history []conversation.Turn, userMsg string) []conversation.Turn {
	msgs := make([]conversation.Turn, 0, len(history)+2)
	msgs = append(msgs, conversation.System(c.SystemPrompt(p, totals)))
	msgs = append(msgs, history...)
	msgs = append(msgs, conversation.User(userMsg))
	return msgs
}

// SystemPrompt renders the assistant instructions with the user's health info
// and today's totals. A nil totals renders every total as None.
func (c *Composer) SystemPrompt(p profile.Profile, totals *nutrition.Totals) string {
	var sb strings.Builder
	sb.WriteString("You are a helpful nutrition assistant.\n")
	sb.WriteString("Your job is to review a user's health info and daily macros then update the latter based on what the user tells you, such as when they eat or drink something.\n")
	sb.WriteString("Here's their health info:\n")
	line(&sb, "Allergies", list(p.Allergies))
	line(&sb, "Health Issues (list)", list(p.HealthIssues))
	line(&sb, "Goal Weight", optional(p.Goals.Weight))
	line(&sb, "Goal Calories", optional(p.Goals.Calories))
	line(&sb, "Goal Fat", optional(p.Goals.Fat))
	line(&sb, "Goal Protein", optional(p.Goals.Protein))
	line(&sb, "Goal Sodium", optional(p.Goals.Sodium))
	line(&sb, "Goal Sugar", optional(p.Goals.Sugar))

	sb.WriteString("Here are today's macros (if any):\n")
	var vals []float64
	if totals != nil {
		vals = totals.Values()
	}
	for i, field := range nutrition.Fields {
		v := none
		if vals != nil {
			v = nutrition.FormatAmount(vals[i])
		}
		line(&sb, label(field), v)
	}

	sb.WriteString("Additionally, you must provide advice to the user based on their macros and/or health info when asked.")
	return sb.String()
}

func line(sb *strings.Builder, name, value string) {
	sb.WriteString(name)
	sb.WriteString(": ")
	sb.WriteString(value)
	sb.WriteString("\n")
}

func list(items []string) string {
	if len(items) == 0 {
		return none
	}
	return strings.Join(items, ", ")
}

func optional(v *float64) string {
	if v == nil {
		return none
	}
	return nutrition.FormatAmount(*v)
}

func label(field string) string {
	return strings.ToUpper(field[:1]) + field[1:]
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(msgs []conversation.Turn) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
		if m.ToolCall != nil {
			n += len(m.ToolCall.Name) + len(m.ToolCall.Arguments)
		}
	}
	return (n + 3) / 4
}
