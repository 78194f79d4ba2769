// Package report renders the training statistics of an iteration in the terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/airduel/internal/generics"
	"github.com/janpfeifer/airduel/internal/pool"
	"github.com/janpfeifer/airduel/internal/train"
	"golang.org/x/term"
)

var (
	ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("13")).
			Foreground(lipgloss.Color("0")).
			Padding(0, 1)
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	blockStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("13")).
			Padding(0, 1)
)

// displayWidth of s removes its color/control sequences and returns the length of what is left.
func displayWidth(s string) int {
	return len([]rune(ansiFilter.ReplaceAllString(s, "")))
}

// Render the stats as a block of text.
func Render(stats train.Stats) string {
	var rows [][2]string
	add := func(key, format string, args ...any) {
		rows = append(rows, [2]string{key, fmt.Sprintf(format, args...)})
	}
	add("total_steps", "%d / %d", stats.TotalSteps, stats.NumEnvSteps)
	add("fps", "%.0f", stats.FPS)
	add("average_episode_rewards", "%.4g", stats.AverageEpisodeRewards)
	if stats.HasHeadingTurns {
		add("average_heading_turns", "%.4g", stats.AverageHeadingTurns)
	}
	if stats.HasEval {
		add("eval_average_episode_rewards", "%.4g", stats.EvalReward)
	}
	for key, value := range generics.SortedKeysAndValues(stats.Metrics) {
		add(key, "%.4g", value)
	}
	if len(stats.Opponents) > 0 {
		add("opponents", "%s", strings.Join(generics.SliceMap(stats.Opponents, func(id pool.ID) string { return string(id) }), ", "))
	}

	keyWidth := 0
	for _, row := range rows {
		keyWidth = max(keyWidth, len(row[0]))
	}
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Iteration %d/%d", stats.Iteration, stats.Iterations)))
	for _, row := range rows {
		sb.WriteString("\n")
		sb.WriteString(keyStyle.Render(fmt.Sprintf("%-*s", keyWidth, row[0])))
		sb.WriteString("  ")
		sb.WriteString(row[1])
	}
	return blockStyle.Render(sb.String())
}

// Fprint writes the rendered stats centered in the given width.
func Fprint(w io.Writer, stats train.Stats, width int) {
	block := Render(stats)
	lines := strings.Split(block, "\n")
	blockWidth := 0
	for _, line := range lines {
		blockWidth = max(blockWidth, displayWidth(line))
	}
	indent := max((width-blockWidth)/2, 0)
	for _, line := range lines {
		_, _ = fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", indent), line)
	}
}

// Print the stats centered in the terminal. It can be used as train.Runner.Report.
func Print(stats train.Stats) {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		width = 0
	}
	Fprint(os.Stdout, stats, width)
}
