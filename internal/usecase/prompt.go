package usecase

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vetalok777/instaAgent/internal/domain"
)

const noGroundingRule = "If no knowledge base context is included with the user's message and the user " +
	"asks about a concrete fact such as a price or availability, do not guess. " +
	"Say that you need to confirm it with a colleague."

// systemFrame builds the system instruction: tenant persona, then the
// inactivity note when the sender has written before, then the fallback
// rule for turns without grounding.
func systemFrame(persona string, lastUser time.Time, now time.Time, regreetAfter time.Duration) string {
	parts := []string{strings.TrimSpace(persona)}
	if !lastUser.IsZero() {
		if elapsed := now.Sub(lastUser); elapsed >= 0 {
			parts = append(parts, inactivityNote(elapsed, regreetAfter))
		}
	}
	parts = append(parts, noGroundingRule)
	return strings.Join(parts, "\n\n")
}

func inactivityNote(elapsed, regreetAfter time.Duration) string {
	return fmt.Sprintf(
		"The user's last message was %s. If %s or more have passed, greet the user again politely. "+
			"Otherwise continue the conversation without greeting again.",
		InactivityDescriptor(elapsed), formatDuration(regreetAfter),
	)
}

// InactivityDescriptor renders elapsed time as "2 days 3 hours ago",
// rounding down to whole minutes.
func InactivityDescriptor(elapsed time.Duration) string {
	if elapsed < time.Minute {
		return "less than a minute ago"
	}
	return formatDuration(elapsed) + " ago"
}

func formatDuration(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	hours := int(d/time.Hour) % 24
	minutes := int(d/time.Minute) % 60

	var parts []string
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if len(parts) == 0 {
		return "less than a minute"
	}
	return strings.Join(parts, " ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}

// userTurn prefixes the grounding block, when there is one, to the
// current message so the request keeps strict user/assistant alternation.
func userTurn(grounding, prompt string) string {
	if grounding == "" {
		return prompt
	}
	return grounding + "\n\n" + prompt
}

// buildRequest assembles history oldest first followed by the current turn.
func buildRequest(tenant domain.Tenant, model, system string, history []domain.Interaction, current string) domain.CompletionRequest {
	msgs := make([]domain.ChatMessage, 0, len(history)+1)
	for _, h := range history {
		text := strings.TrimSpace(h.Text)
		if text == "" {
			continue
		}
		msgs = append(msgs, domain.ChatMessage{Role: h.Role(), Content: text})
	}
	msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: current})
	if tenant.CompletionModel != "" {
		model = tenant.CompletionModel
	}
	return domain.CompletionRequest{
		Model:           model,
		System:          system,
		Messages:        msgs,
		KnowledgeStores: tenant.KnowledgeStores,
	}
}

func describeObject(obj domain.SharedObject) string {
	availability := "out of stock"
	if obj.InStock {
		availability = "in stock"
	}
	s := fmt.Sprintf("Name: %q, price: %s, %s", obj.Name, strconv.FormatFloat(obj.Price, 'f', 2, 64), availability)
	if d := strings.TrimSpace(obj.Description); d != "" {
		s += fmt.Sprintf(", description: %q", d)
	}
	return s
}

func mergedSharePrompt(obj domain.SharedObject, text string) string {
	return fmt.Sprintf(
		"The user replied to a post about a product. Product: %s. User's message: %q. "+
			"Give a helpful answer that takes both the product and the message into account.",
		describeObject(obj), text,
	)
}

func loneSharePrompt(obj domain.SharedObject) string {
	return fmt.Sprintf(
		"The user just shared a post about a product. Product: %s. "+
			"Greet the user and ask what exactly interests them about this product.",
		describeObject(obj),
	)
}

// shareNote is the text persisted as the user's turn for a lone share.
func shareNote(obj domain.SharedObject) string {
	return fmt.Sprintf("[Shared a post: %s]", obj.Name)
}

func shareQuery(obj domain.SharedObject, text string) string {
	return strings.TrimSpace(strings.Join([]string{obj.Name, obj.Description, text}, " "))
}
