package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/mmcdole/kinoedge/internal/domain"
	"github.com/mmcdole/kinoedge/internal/progress"
)

// Color palette
var (
	accent   = lipgloss.Color("#E5A00D")
	dimGray  = lipgloss.Color("#6B7280")
	white    = lipgloss.Color("#F9FAFB")
	green    = lipgloss.Color("#10B981")
	red      = lipgloss.Color("#EF4444")
	barEmpty = lipgloss.Color("#374151")
)

var (
	titleStyle   = lipgloss.NewStyle().Foreground(white).Bold(true)
	matchStyle   = lipgloss.NewStyle().Foreground(accent).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(dimGray)
	badgeStyle   = lipgloss.NewStyle().Foreground(dimGray).Width(5)
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	barFull      = lipgloss.NewStyle().Foreground(accent)
	barRest      = lipgloss.NewStyle().Foreground(barEmpty)
)

const barWidth = 20

func init() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// printMatches writes one line per entry: badge, title, episode code, bar, time left
func printMatches(w io.Writer, matches []progress.Match) {
	if len(matches) == 0 {
		fmt.Fprintln(w, dimStyle.Render("Nothing to continue watching."))
		return
	}
	for _, m := range matches {
		fmt.Fprintln(w, formatEntry(m))
	}
}

func formatEntry(m progress.Match) string {
	item := m.Item
	var line strings.Builder

	badge := "MOV"
	if item.ContentType == domain.ContentTypeSeries {
		badge = "SHOW"
	}
	line.WriteString(badgeStyle.Render(badge))

	title := item.Title
	if title == "" {
		title = item.ID
		m.MatchedIndexes = nil
	}
	line.WriteString(highlightMatches(title, m.MatchedIndexes))

	if item.Season > 0 || item.Episode > 0 {
		line.WriteString(" ")
		line.WriteString(dimStyle.Render(fmt.Sprintf("S%02dE%02d", item.Season, item.Episode)))
	}

	line.WriteString("  ")
	line.WriteString(progressBar(item.Percent()))
	line.WriteString(" ")
	line.WriteString(dimStyle.Render(formatRemaining(item.Remaining()) + " left"))
	line.WriteString(" ")
	line.WriteString(dimStyle.Render("[" + item.ID + "]"))
	return line.String()
}

// highlightMatches renders the matched characters in the accent color.
// indexes are byte offsets into strings.ToLower(text), as search reports them.
func highlightMatches(text string, indexes []int) string {
	if len(indexes) == 0 {
		return titleStyle.Render(text)
	}
	matched := matchedOffsets(text, indexes)

	var b strings.Builder
	for i, r := range text {
		if matched[i] {
			b.WriteString(matchStyle.Render(string(r)))
		} else {
			b.WriteString(titleStyle.Render(string(r)))
		}
	}
	return b.String()
}

// matchedOffsets maps offsets in the lowercased text back to rune offsets in
// text. Lowercasing can change a rune's byte length (İ becomes i).
func matchedOffsets(text string, lowered []int) map[int]bool {
	want := make(map[int]bool, len(lowered))
	for _, i := range lowered {
		want[i] = true
	}

	out := make(map[int]bool, len(lowered))
	low := 0
	for i, r := range text {
		n := len(strings.ToLower(string(r)))
		for j := low; j < low+n; j++ {
			if want[j] {
				out[i] = true
				break
			}
		}
		low += n
	}
	return out
}

func progressBar(percent float64) string {
	filled := int(percent / 100 * barWidth)
	if filled > barWidth {
		filled = barWidth
	}
	return barFull.Render(strings.Repeat("━", filled)) + barRest.Render(strings.Repeat("━", barWidth-filled))
}

// formatRemaining renders seconds as 1h05m or 42m
func formatRemaining(seconds float64) string {
	total := int(seconds) / 60
	h, m := total/60, total%60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
