package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Catppuccin Mocha.
var (
	colorMauve   = lipgloss.Color("#cba6f7")
	colorBlue    = lipgloss.Color("#89b4fa")
	colorGreen   = lipgloss.Color("#a6e3a1")
	colorYellow  = lipgloss.Color("#f9e2af")
	colorRed     = lipgloss.Color("#f38ba8")
	colorPeach   = lipgloss.Color("#fab387")
	colorOverlay = lipgloss.Color("#6c7086")
	colorBase    = lipgloss.Color("#1e1e2e")
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(colorBlue).MarginTop(1)
	commandStyle = lipgloss.NewStyle().Foreground(colorGreen)
	flagStyle    = lipgloss.NewStyle().Foreground(colorYellow)
	denyStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	passStyle    = lipgloss.NewStyle().Foreground(colorPeach)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorOverlay)
)

type helpEntry struct {
	usage string
	desc  string
}

type helpSection struct {
	icon    string
	title   string
	entries []helpEntry
	style   lipgloss.Style
}

var quickReference = []helpSection{
	{icon: "🔷", title: "SETUP (once)", style: commandStyle, entries: []helpEntry{
		{"permd config init", "write a config file with defaults"},
		{"permd config set slack.bot_token xoxb-...", "add Slack credentials (also app_token, channel)"},
		{"permd hook install", "register the hook in ~/.claude/settings.json"},
	}},
	{icon: "🔶", title: "DAEMON", style: commandStyle, entries: []helpEntry{
		{"permd daemon start", "run in the background (logs to the state dir)"},
		{"permd daemon run --debug", "run in the foreground"},
		{"permd daemon status -j", "idle state, pending prompts, Slack connection"},
		{"permd daemon logs -f", "follow the daemon log"},
		{"permd daemon stop", "stop and hand pending prompts back"},
	}},
	{icon: "🔧", title: "HOOK", style: commandStyle, entries: []helpEntry{
		{"permd hook", "run by Claude Code: reads a prompt on stdin"},
		{`permd hook test "make deploy"`, "send a synthetic Bash prompt and print the decision"},
		{"permd hook uninstall", "remove the hook entries"},
	}},
	{icon: "🛠️", title: "CONFIG", style: commandStyle, entries: []helpEntry{
		{"permd config show -o yaml", "effective configuration, tokens masked"},
		{"permd config get daemon.idle_timeout", "read one key"},
		{"permd config path", "config, socket, log and PID file locations"},
	}},
	{icon: "🚩", title: "GLOBAL FLAGS", style: flagStyle, entries: []helpEntry{
		{"-j, --json", "structured output"},
		{"-o, --output <fmt>", "text, json or yaml"},
		{"-c, --config <path>", "config file"},
		{"--socket <path>", "daemon socket"},
		{"--debug", "debug logging"},
	}},
}

// helpTerminal captures what the quick reference may assume about stdout.
type helpTerminal struct {
	width   int
	unicode bool
}

func detectHelpTerminal() helpTerminal {
	return helpTerminal{width: clampWidth(terminalWidth()), unicode: supportsUnicode()}
}

func showQuickReference(w io.Writer) {
	fmt.Fprintln(w, detectHelpTerminal().render())
}

func (t helpTerminal) render() string {
	blocks := []string{t.title()}
	for _, s := range quickReference {
		blocks = append(blocks, t.section(s))
	}
	blocks = append(blocks, t.decisions(), t.footer())

	border := lipgloss.RoundedBorder()
	if !t.unicode {
		border = lipgloss.Border{
			Top: "-", Bottom: "-", Left: "|", Right: "|",
			TopLeft: "+", TopRight: "+", BottomLeft: "+", BottomRight: "+",
		}
	}
	box := lipgloss.NewStyle().
		Border(border).
		BorderForeground(colorBlue).
		Background(colorBase).
		Padding(1, 2).
		Width(t.width)
	return box.Render(lipgloss.JoinVertical(lipgloss.Left, blocks...))
}

func (t helpTerminal) title() string {
	text := "PERMD · remote permission prompts"
	if t.unicode {
		text = gradient(text, colorMauve, colorBlue)
	} else {
		text = "PERMD - remote permission prompts"
	}
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(colorMauve).
		Width(t.width - 4).
		Align(lipgloss.Center).
		Render(text)
}

func (t helpTerminal) heading(icon, title string) string {
	if t.unicode && icon != "" {
		title = icon + " " + title
	}
	return headingStyle.Render(title)
}

func (t helpTerminal) section(s helpSection) string {
	pad := 0
	for _, e := range s.entries {
		pad = max(pad, len(e.usage))
	}
	lines := []string{t.heading(s.icon, s.title)}
	for _, e := range s.entries {
		usage := fmt.Sprintf("  %-*s", pad, e.usage)
		lines = append(lines, s.style.Render(usage)+mutedStyle.Render("  "+e.desc))
	}
	return strings.Join(lines, "\n")
}

func (t helpTerminal) decisions() string {
	allow, deny, pass := "APPROVE (Slack)", "DENY (Slack)", "PASSTHROUGH (local dialog)"
	if t.unicode {
		allow, deny, pass = "✅ "+allow, "❌ "+deny, "⌨️ "+pass
	}
	return t.heading("🎯", "DECISIONS") + "\n" +
		"  " + commandStyle.Render(allow) + "   " + denyStyle.Render(deny) + "   " + passStyle.Render(pass)
}

func (t helpTerminal) footer() string {
	return "\n" + mutedStyle.Render("status: ") + commandStyle.Render("permd daemon status") +
		mutedStyle.Render("   more: ") + commandStyle.Render("permd <command> --help")
}

func clampWidth(w int) int {
	return min(max(w, 72), 100)
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if v, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && v > 0 {
		return v
	}
	return 80
}

func supportsUnicode() bool {
	if strings.Contains(strings.ToLower(os.Getenv("TERM")), "dumb") {
		return false
	}
	for _, env := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		v := strings.ToLower(os.Getenv(env))
		if strings.Contains(v, "utf-8") || strings.Contains(v, "utf8") {
			return true
		}
	}
	return false
}

// gradient renders the first half of text in from and the rest in to.
func gradient(text string, from, to lipgloss.Color) string {
	runes := []rune(text)
	if len(runes) < 2 {
		return lipgloss.NewStyle().Foreground(from).Render(text)
	}
	fromStyle := lipgloss.NewStyle().Foreground(from)
	toStyle := lipgloss.NewStyle().Foreground(to)
	var b strings.Builder
	for i, r := range runes {
		if i < len(runes)/2 {
			b.WriteString(fromStyle.Render(string(r)))
		} else {
			b.WriteString(toStyle.Render(string(r)))
		}
	}
	return b.String()
}
