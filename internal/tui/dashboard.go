package tui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// DefaultRefresh is the polling interval when none is configured.
const DefaultRefresh = 500 * time.Millisecond

// maxDetailFlags bounds the flags listed for the selected workflow.
const maxDetailFlags = 6

// Source is the state the dashboard polls. *state.DB implements it.
type Source interface {
	ListWorkflows(epicID string) ([]models.TestWorkflow, error)
	UnresolvedRedFlags(testID string) ([]models.RedFlag, error)
}

// Options configure a Dashboard.
type Options struct {
	// EpicID restricts the dashboard to one epic. Empty shows all.
	EpicID  string
	Refresh time.Duration
}

// Counts holds the number of workflows in each status.
type Counts struct {
	Active    int
	Completed int
	Failed    int
	Escalated int
}

// snapshotMsg carries one poll of the store.
type snapshotMsg struct {
	workflows []models.TestWorkflow
	flags     map[string][]models.RedFlag
	err       error
	at        time.Time
}

type tickMsg time.Time

// Dashboard is the bubbletea model of the status view.
type Dashboard struct {
	source  Source
	opts    Options
	table   table.Model
	spinner spinner.Model

	workflows []models.TestWorkflow
	flags     map[string][]models.RedFlag
	err       error
	lastPoll  time.Time
	loaded    bool

	width    int
	height   int
	quitting bool
}

// NewDashboard creates a dashboard over source.
func NewDashboard(source Source, opts Options) *Dashboard {
	if opts.Refresh <= 0 {
		opts.Refresh = DefaultRefresh
	}

	t := table.New(
		table.WithColumns(columns(100)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("236")).
		Bold(true)
	t.SetStyles(styles)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = activeStyle

	return &Dashboard{
		source:  source,
		opts:    opts,
		table:   t,
		spinner: s,
		flags:   make(map[string][]models.RedFlag),
	}
}

// columns sizes the workflow table for a terminal width.
func columns(width int) []table.Column {
	fixed := 12 + 10 + 14 + 10 + 7 + 6
	testWidth := width - fixed - 16
	if testWidth < 16 {
		testWidth = 16
	}
	return []table.Column{
		{Title: "Test", Width: testWidth},
		{Title: "Epic", Width: 12},
		{Title: "Type", Width: 10},
		{Title: "Status", Width: 14},
		{Title: "Tier", Width: 10},
		{Title: "Retry", Width: 7},
		{Title: "Flags", Width: 6},
	}
}

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, source Source, opts Options) error {
	p := tea.NewProgram(NewDashboard(source, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Init implements tea.Model.
func (d *Dashboard) Init() tea.Cmd {
	return tea.Batch(d.poll(), d.spinner.Tick)
}

// Update implements tea.Model.
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			d.quitting = true
			return d, tea.Quit
		case "r":
			return d, d.poll()
		}
		var cmd tea.Cmd
		d.table, cmd = d.table.Update(msg)
		return d, cmd

	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		d.table.SetColumns(columns(msg.Width))
		d.table.SetHeight(d.tableHeight())
		return d, nil

	case tickMsg:
		return d, d.poll()

	case snapshotMsg:
		d.apply(msg)
		return d, d.tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		d.spinner, cmd = d.spinner.Update(msg)
		return d, cmd
	}
	return d, nil
}

func (d *Dashboard) poll() tea.Cmd {
	source, epicID := d.source, d.opts.EpicID
	return func() tea.Msg {
		return fetchSnapshot(source, epicID)
	}
}

func (d *Dashboard) tick() tea.Cmd {
	return tea.Tick(d.opts.Refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// fetchSnapshot reads the workflows and the unresolved flags of each.
func fetchSnapshot(source Source, epicID string) snapshotMsg {
	msg := snapshotMsg{flags: make(map[string][]models.RedFlag), at: time.Now()}
	workflows, err := source.ListWorkflows(epicID)
	if err != nil {
		msg.err = fmt.Errorf("list workflows: %w", err)
		return msg
	}
	for _, w := range workflows {
		flags, err := source.UnresolvedRedFlags(w.TestID)
		if err != nil {
			msg.err = fmt.Errorf("flags of %s: %w", w.TestID, err)
			return msg
		}
		msg.flags[w.TestID] = flags
	}
	msg.workflows = workflows
	return msg
}

// apply replaces the displayed data. A failed poll keeps the last good
// snapshot on screen.
func (d *Dashboard) apply(msg snapshotMsg) {
	d.err = msg.err
	if msg.err != nil {
		return
	}
	d.loaded = true
	d.lastPoll = msg.at
	d.workflows = msg.workflows
	d.flags = msg.flags

	sort.SliceStable(d.workflows, func(i, j int) bool {
		return d.workflows[i].UpdatedAt.After(d.workflows[j].UpdatedAt)
	})

	rows := make([]table.Row, 0, len(d.workflows))
	for i := range d.workflows {
		w := &d.workflows[i]
		rows = append(rows, table.Row{
			w.TestID,
			w.EpicID,
			string(w.TestType),
			statusText(w),
			string(w.CurrentTier),
			strconv.Itoa(w.RetryCount),
			strconv.Itoa(len(d.flags[w.TestID])),
		})
	}
	d.table.SetRows(rows)
	if d.table.Cursor() >= len(rows) {
		d.table.SetCursor(max(len(rows)-1, 0))
	}
}

// Counts returns the workflow totals of the last snapshot.
func (d *Dashboard) Counts() Counts {
	var c Counts
	for i := range d.workflows {
		w := &d.workflows[i]
		switch {
		case w.Aborted():
			c.Escalated++
		case w.Status == models.WorkflowCompleted:
			c.Completed++
		case w.Status == models.WorkflowFailed:
			c.Failed++
		default:
			c.Active++
		}
	}
	return c
}

// Selected returns the highlighted workflow, if any.
func (d *Dashboard) Selected() (*models.TestWorkflow, bool) {
	i := d.table.Cursor()
	if i < 0 || i >= len(d.workflows) {
		return nil, false
	}
	return &d.workflows[i], true
}

// tableHeight leaves room for the title, details and footer.
func (d *Dashboard) tableHeight() int {
	h := d.height - maxDetailFlags - 10
	if h < 3 {
		return 3
	}
	return h
}

// View implements tea.Model.
func (d *Dashboard) View() string {
	if d.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(d.header())
	b.WriteString("\n")

	if !d.loaded && d.err == nil {
		b.WriteString(d.spinner.View() + " loading workflows...\n")
		return b.String()
	}
	if len(d.workflows) == 0 {
		b.WriteString(hintStyle.Render("No workflows yet. Start one with `vigil run`."))
		b.WriteString("\n")
	} else {
		b.WriteString(borderStyle.Render(d.table.View()))
		b.WriteString("\n")
		b.WriteString(d.details())
	}
	b.WriteString("\n")
	b.WriteString(d.footer())
	return b.String()
}

func (d *Dashboard) header() string {
	title := titleStyle.Render("vigil")
	scope := "all epics"
	if d.opts.EpicID != "" {
		scope = "epic " + d.opts.EpicID
	}
	sub := subtitleStyle.Render(scope)
	if !d.lastPoll.IsZero() {
		sub += subtitleStyle.Render(" · updated " + d.lastPoll.Format("15:04:05"))
	}
	return title + " " + sub
}

// details describes the selected workflow.
func (d *Dashboard) details() string {
	w, ok := d.Selected()
	if !ok {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  stage %s\n", titleStyle.Render(w.TestID), statusLabel(w), w.CurrentStage)
	if w.EscalationReason != "" {
		b.WriteString(escalatedStyle.Render("  escalation: "+w.EscalationReason) + "\n")
	}

	flags := d.flags[w.TestID]
	if len(flags) == 0 {
		b.WriteString(hintStyle.Render("  no unresolved red flags") + "\n")
		return b.String()
	}
	sorted := append([]models.RedFlag(nil), flags...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.Rank() > sorted[j].Severity.Rank()
	})
	for i, f := range sorted {
		if i == maxDetailFlags {
			b.WriteString(hintStyle.Render(fmt.Sprintf("  … %d more", len(sorted)-maxDetailFlags)) + "\n")
			break
		}
		sev := severityStyle(f.Severity).Render(fmt.Sprintf("%-8s", f.Severity))
		fmt.Fprintf(&b, "  %s %s  %s\n", sev, f.FlagType, f.Description)
	}
	return b.String()
}

func (d *Dashboard) footer() string {
	c := d.Counts()
	left := fmt.Sprintf("● %d  ✓ %d", c.Active, c.Completed)
	if c.Failed > 0 {
		left += failedStyle.Render(fmt.Sprintf("  ✗ %d", c.Failed))
	}
	if c.Escalated > 0 {
		left += escalatedStyle.Render(fmt.Sprintf("  ⚠ %d", c.Escalated))
	}
	if d.err != nil {
		left += failedStyle.Render("  " + d.err.Error())
	}
	sep := separatorStyle.Render(" │ ")
	return left + sep + hintStyle.Render("↑/↓ select │ r refresh │ q quit")
}
