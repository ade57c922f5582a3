// Package dash is the terminal dashboard over the narrative store.
package dash

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/storylinehq/storyline/internal/narrative"
	"github.com/storylinehq/storyline/internal/store"
)

const (
	refreshInterval = 30 * time.Second
	listLimit       = 100
)

// App is the root Bubble Tea model. It does NOT hold the store directly;
// narratives arrive via messages from the injected loader.
type App struct {
	loadNarratives func() tea.Cmd

	tbl        table.Model
	narratives []*narrative.Narrative
	showDetail bool
	err        error
	width      int
	height     int
	lastLoad   time.Time
}

// NewApp creates the dashboard model with the given loader command.
func NewApp(loadNarratives func() tea.Cmd) App {
	columns := []table.Column{
		{Title: "Narrative", Width: 44},
		{Title: "State", Width: 12},
		{Title: "Articles", Width: 8},
		{Title: "Velocity", Width: 8},
		{Title: "Updated", Width: 10},
	}
	tbl := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("212"))
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("255")).
		Background(lipgloss.Color("62")).
		Bold(true)
	tbl.SetStyles(styles)

	return App{loadNarratives: loadNarratives, tbl: tbl}
}

func (a App) Init() tea.Cmd {
	return tea.Batch(a.loadNarratives(), tick())
}

func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return a, tea.Quit
		case "r":
			return a, a.loadNarratives()
		case "enter":
			a.showDetail = !a.showDetail
			return a, nil
		case "esc":
			a.showDetail = false
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.tbl.SetHeight(msg.Height - 4)
		return a, nil

	case NarrativesLoaded:
		if msg.Err != nil {
			a.err = msg.Err
			return a, nil
		}
		a.err = nil
		a.narratives = msg.Narratives
		a.lastLoad = time.Now()
		a.tbl.SetRows(buildRows(msg.Narratives))
		return a, nil

	case RefreshTick:
		return a, tea.Batch(a.loadNarratives(), tick())
	}

	var cmd tea.Cmd
	a.tbl, cmd = a.tbl.Update(msg)
	return a, cmd
}

func (a App) View() string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render("storyline"))
	b.WriteString("\n")

	if a.err != nil {
		b.WriteString(ErrorStyle.Render("error: " + a.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString(a.tbl.View())
	b.WriteString("\n")

	if a.showDetail {
		if n := a.selected(); n != nil {
			b.WriteString(renderDetail(n))
			b.WriteString("\n")
		}
	}

	b.WriteString(a.statusBar())
	return b.String()
}

func (a App) selected() *narrative.Narrative {
	i := a.tbl.Cursor()
	if i < 0 || i >= len(a.narratives) {
		return nil
	}
	return a.narratives[i]
}

func (a App) statusBar() string {
	keys := []string{
		StatusBarKey.Render("j/k") + StatusBarText.Render(":nav"),
		StatusBarKey.Render("Enter") + StatusBarText.Render(":detail"),
		StatusBarKey.Render("r") + StatusBarText.Render(":refresh"),
		StatusBarKey.Render("q") + StatusBarText.Render(":quit"),
	}
	left := fmt.Sprintf(" %d narratives ", len(a.narratives))
	right := strings.Join(keys, " ")
	pad := a.width - lipgloss.Width(left) - lipgloss.Width(right)
	if pad < 0 {
		pad = 0
	}
	return StatusBar.Width(a.width).Render(left + strings.Repeat(" ", pad) + right)
}

func buildRows(narratives []*narrative.Narrative) []table.Row {
	rows := make([]table.Row, 0, len(narratives))
	for _, n := range narratives {
		rows = append(rows, table.Row{
			truncate(n.Title, 44),
			string(n.LifecycleState),
			fmt.Sprintf("%d", n.ArticleCount),
			fmt.Sprintf("%.1f", n.MentionVelocity),
			formatAge(n.LastUpdated),
		})
	}
	return rows
}

func renderDetail(n *narrative.Narrative) string {
	var b strings.Builder
	line := func(label, value string) {
		b.WriteString(DetailLabel.Render(label))
		b.WriteString(DetailValue.Render(value))
		b.WriteString("\n")
	}
	line("Title", n.Title)
	line("State", StateBadge(n.LifecycleState))
	line("Nucleus", n.Fingerprint.NucleusEntity)
	line("Actors", strings.Join(n.Fingerprint.TopActors, ", "))
	line("Articles", fmt.Sprintf("%d", n.ArticleCount))
	line("Velocity", fmt.Sprintf("%.1f/day", n.MentionVelocity))
	line("First seen", n.FirstSeen.Format("2006-01-02 15:04"))
	line("Updated", n.LastUpdated.Format("2006-01-02 15:04"))
	if n.ReawakeningCount > 0 {
		line("Reawakened", fmt.Sprintf("%d times", n.ReawakeningCount))
	}
	if n.Summary != "" {
		line("Summary", truncate(n.Summary, 100))
	}
	return b.String()
}

func formatAge(t time.Time) string {
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return RefreshTick{At: t}
	})
}

// Run starts the dashboard against the given store and blocks until the
// user quits or the context is cancelled.
func Run(ctx context.Context, s *store.Store) error {
	load := func() tea.Cmd {
		return func() tea.Msg {
			narratives, err := s.ListNarratives(listLimit)
			return NarrativesLoaded{Narratives: narratives, Err: err}
		}
	}
	p := tea.NewProgram(NewApp(load), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
