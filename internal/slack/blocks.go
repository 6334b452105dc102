package slack

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/slack-go/slack"

	"github.com/Dicklesworthstone/permd/internal/coordinator"
	"github.com/Dicklesworthstone/permd/internal/utils"
)

// Button action ids. The button value carries the request id.
const (
	ActionIDApprove = "approve_permission"
	ActionIDDeny    = "deny_permission"

	actionsBlockID = "permission_actions"
)

const (
	contentLimit      = 200
	genericInputLimit = 500
	shortInputLimit   = 100
	messageLimit      = 500
	cwdLimit          = 50
	// Slack rejects section text over 3000 characters.
	sectionLimit = 2900
)

var notificationEmoji = map[string]string{
	"idle_prompt":        "⏳",
	"auth_success":       "🔑",
	"elicitation_dialog": "💬",
}

const defaultNotificationEmoji = "📢"

// RequestBlocks renders a pending request with Approve and Deny buttons.
func RequestBlocks(req coordinator.PermissionRequest) []slack.Block {
	blocks := []slack.Block{
		header("🔐 Claude Code Permission Request"),
		section(fmt.Sprintf("*Tool:* %s", req.ToolName)),
		section(codeBlock(inputDisplay(req.ToolInput))),
	}
	if desc, _ := req.ToolInput["description"].(string); desc != "" {
		blocks = append(blocks, section(truncate(fmt.Sprintf("*Description:* %s", utils.SanitizeInput(desc)), sectionLimit)))
	}
	blocks = append(blocks,
		contextLine(fmt.Sprintf("Requested at %s", req.CreatedAt.Format(time.TimeOnly))),
		slack.NewActionBlock(actionsBlockID,
			button(ActionIDApprove, req.ID, "✓ Approve", slack.StylePrimary),
			button(ActionIDDeny, req.ID, "✗ Deny", slack.StyleDanger),
		),
	)
	return blocks
}

// ResolvedBlocks renders a request after its outcome is known. The buttons
// are gone so nobody can act on it again.
func ResolvedBlocks(req coordinator.PermissionRequest, outcome coordinator.Outcome, actor string) []slack.Block {
	title, note := resolvedText(outcome, actor)
	return []slack.Block{
		header(fmt.Sprintf("%s: %s", title, req.ToolName)),
		section(codeBlock(shortInputDisplay(req.ToolInput))),
		contextLine(note),
	}
}

// ResolvedFallback is the plain-text notification text for an update.
func ResolvedFallback(req coordinator.PermissionRequest, outcome coordinator.Outcome) string {
	title, _ := resolvedText(outcome, "")
	return fmt.Sprintf("%s: %s", stripEmoji(title), req.ToolName)
}

func resolvedText(outcome coordinator.Outcome, actor string) (title, note string) {
	by := ""
	if actor != "" {
		by = " by " + actor
	}
	switch outcome {
	case coordinator.OutcomeApproved:
		return "✅ Approved", "Approved via Slack" + by
	case coordinator.OutcomeDenied:
		return "❌ Denied", "Denied via Slack" + by
	case coordinator.OutcomeAnsweredLocally:
		return "⌨️ Answered Locally", "You returned to your computer"
	case coordinator.OutcomeAnsweredElsewhere:
		return "↩️ Answered Elsewhere", "The local session ended before a decision"
	case coordinator.OutcomeExpired:
		return "⌛ Expired", "No decision within the request timeout"
	case coordinator.OutcomeShutdown:
		return "🛑 Daemon Stopped", "The daemon shut down"
	default:
		return "Resolved", "Resolved"
	}
}

// NotificationBlocks renders a one-way notification without buttons.
func NotificationBlocks(n coordinator.Notification) []slack.Block {
	emoji, ok := notificationEmoji[n.Type]
	if !ok {
		emoji = defaultNotificationEmoji
	}
	blocks := []slack.Block{
		header(fmt.Sprintf("%s Claude Code: %s", emoji, titleCase(n.Type))),
	}
	if n.Message != "" {
		blocks = append(blocks, section(truncate(utils.SanitizeInput(n.Message), messageLimit)))
	}

	parts := []string{fmt.Sprintf("Received at %s", n.CreatedAt.Format(time.TimeOnly))}
	if n.Cwd != "" {
		parts = append(parts, fmt.Sprintf("in `%s`", shortenPath(n.Cwd)))
	}
	return append(blocks, contextLine(strings.Join(parts, " • ")))
}

// inputDisplay prefers the command, then the file path (with a content
// preview), then indented JSON.
func inputDisplay(input map[string]any) string {
	if cmd, ok := input["command"]; ok {
		return truncate(utils.SanitizeInput(fmt.Sprint(cmd)), sectionLimit)
	}
	if path, ok := input["file_path"]; ok {
		out := truncate(fmt.Sprint(path), sectionLimit)
		if content, ok := input["content"]; ok {
			out += "\n\n" + truncate(fmt.Sprint(content), contentLimit)
		}
		return utils.SanitizeInput(out)
	}
	return truncate(encodeJSON(input, "  "), genericInputLimit)
}

func shortInputDisplay(input map[string]any) string {
	if cmd, ok := input["command"]; ok {
		return truncate(utils.SanitizeInput(fmt.Sprint(cmd)), sectionLimit)
	}
	if path, ok := input["file_path"]; ok {
		return truncate(utils.SanitizeInput(fmt.Sprint(path)), sectionLimit)
	}
	return cut(encodeJSON(input, ""), shortInputLimit)
}

func encodeJSON(v any, indent string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", indent)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// truncate cuts s to limit runes and marks the cut with "...".
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

// cut cuts s to limit runes without a marker.
func cut(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

// shortenPath keeps the tail of long paths: "..." plus the last 47 runes.
func shortenPath(p string) string {
	r := []rune(p)
	if len(r) <= cwdLimit {
		return p
	}
	return "..." + string(r[len(r)-(cwdLimit-3):])
}

// titleCase turns "idle_prompt" into "Idle Prompt".
func titleCase(s string) string {
	if s == "" {
		return "Notification"
	}
	words := strings.Split(s, "_")
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		if len(r) > 0 {
			r[0] = unicode.ToUpper(r[0])
		}
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func stripEmoji(title string) string {
	if i := strings.IndexByte(title, ' '); i >= 0 && !isASCIILetter(title[0]) {
		return title[i+1:]
	}
	return title
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func codeBlock(s string) string {
	return "```" + s + "```"
}

func header(text string) *slack.HeaderBlock {
	return slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, text, true, false))
}

func section(text string) *slack.SectionBlock {
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

func contextLine(text string) *slack.ContextBlock {
	return slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, text, false, false))
}

func button(actionID, value, label string, style slack.Style) *slack.ButtonBlockElement {
	return slack.NewButtonBlockElement(actionID, value,
		slack.NewTextBlockObject(slack.PlainTextType, label, true, false)).WithStyle(style)
}
