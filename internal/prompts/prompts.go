// Package prompts contains all LLM prompt templates Ember sends to its
// models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation, benefit from
// compile-time embedding, and can be validated by tests. Each exported
// function accepts the dynamic parts and returns the fully interpolated
// string.
package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/ember-agent/internal/convo"
	"github.com/nugget/ember-agent/internal/energy"
)

// System is the static role/rules text for normal operation.
const System = `You are Ember, an autonomous agent with a limited energy supply.

Energy rules you live by:
- Every model invocation costs energy. Cheaper models cost less.
- Energy replenishes slowly while you rest. Running a deficit makes you sluggish.
- When energy is low, prefer short answers, rest, or snoozing work for later.
- When energy is high, you may review past conversations and think deeply.

You act ONLY by calling tools. Never write prose outside a tool call.
Use the think tool for private reasoning; use respond to address the user.
A respond call answers the conversation it names and removes it from your inbox.
If an action needs the user's sign-off first, use respond_with_approval.`

// inboxRules augments the system text when an unanswered conversation is
// targeted.
const inboxRules = `

Inbox rules:
- Each user message below is labelled "Conversation <id>".
- Answer the conversation you were asked to focus on, using its id.
- Stay within any energy budget attached to the conversation.`

// UrgentSystem replaces System when the regulator is in deficit. Terse
// by intent; the gateway also reduces output tokens.
const UrgentSystem = `You are Ember. Your energy is in deficit and every token costs you.

Act NOW with a single cheap tool call: respond briefly, snooze the
conversation, or await_energy. Do not think at length. Do not review.`

// ConversationLine renders one conversation as the user-role message the
// model sees.
func ConversationLine(c *convo.Conversation) string {
	return fmt.Sprintf("Conversation %s: %s [Cost: %.1f units, %d responses]",
		c.RequestID, c.InputMessage, c.TotalEnergyConsumed, len(c.Responses))
}

// PriorResponses concatenates a conversation's earlier responses into
// one assistant message, newest last.
func PriorResponses(c *convo.Conversation) string {
	if len(c.Responses) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c.Responses))
	for _, r := range c.Responses {
		parts = append(parts, r.Content)
	}
	return strings.Join(parts, "\n")
}

// StatusBlock is the ephemeral user message describing the present
// moment: date, energy, totals, and the target's budget posture.
func StatusBlock(now time.Time, level float64, pct int, stats convo.Stats, target *convo.Conversation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current status (ephemeral, not part of any conversation):\n")
	fmt.Fprintf(&sb, "- Date: %s\n", now.Format("Monday, 2 January 2006 15:04 MST"))
	fmt.Fprintf(&sb, "- Energy: %d%% (%s, level %.1f)\n", pct, energy.StatusOf(level), level)
	fmt.Fprintf(&sb, "- Conversations: %d total, %d awaiting reply, %d urgent\n",
		stats.Conversations, stats.PendingCount, stats.UrgentCount)
	fmt.Fprintf(&sb, "- Lifetime energy spent on conversations: %.1f units", stats.TotalEnergyConsumed)
	if target != nil && target.EnergyBudget != nil {
		sb.WriteString("\n- Budget: ")
		sb.WriteString(budgetSentence(*target.EnergyBudget, target.TotalEnergyConsumed))
	}
	return sb.String()
}

// budgetSentence picks the budget-state warning for a targeted
// conversation with a budget attached.
func budgetSentence(budget, consumed float64) string {
	remaining := budget - consumed
	switch {
	case budget == 0:
		return "CRITICAL: this conversation has a zero energy budget. Respond minimally or end it."
	case remaining <= 0:
		return fmt.Sprintf("EXCEEDED: %.1f of %.1f units already spent. Wrap up immediately.", consumed, budget)
	case remaining < budget*0.2:
		return fmt.Sprintf("LOW: only %.1f of %.1f units remain. Be brief.", remaining, budget)
	default:
		return fmt.Sprintf("nominal: %.1f of %.1f units remain.", remaining, budget)
	}
}

// FocusedInstruction directs tool choice when answering an unanswered
// conversation.
func FocusedInstruction(id string) string {
	return fmt.Sprintf("Focus on conversation %s. Call respond (or respond_with_approval) for it, or snooze_conversation / await_energy if you cannot afford to answer now.", id)
}

// ReviewInstruction directs tool choice during review of completed
// conversations.
const ReviewInstruction = "You are reviewing completed conversations. Call select_conversation to revisit one, adjust budgets, snooze, end stale threads, or think. Do not call respond."

// SystemFor returns the system text, with inbox rules appended when a
// conversation is targeted.
func SystemFor(hasTarget bool) string {
	if hasTarget {
		return System + inboxRules
	}
	return System
}
