package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"

	"github.com/raphaelgruber/researchcache/internal/service"
)

// warmStepMsg reports one finished topic.
type warmStepMsg struct {
	done    int
	total   int
	outcome service.WarmOutcome
}

// warmDoneMsg carries every outcome once the run is over.
type warmDoneMsg struct {
	outcomes []service.WarmOutcome
}

// progressModel is the bubbletea model for a warm run.
type progressModel struct {
	total    int
	done     int
	last     *service.WarmOutcome
	outcomes []service.WarmOutcome
	failed   int
	started  time.Time
	progress progress.Model
	theme    Theme
	cancel   context.CancelFunc
	finished bool
	quitting bool
}

// newProgressModel creates a new progress model.
func newProgressModel(total int, cancel context.CancelFunc) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		total:    total,
		started:  time.Now(),
		progress: prog,
		theme:    defaultTheme,
		cancel:   cancel,
	}
}

// Init returns the initial command.
func (m progressModel) Init() tea.Cmd {
	return m.progress.Init()
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// Cancel remaining topics; warmDoneMsg follows once in-flight ones return.
			m.quitting = true
			m.cancel()
			return m, nil
		}

	case warmStepMsg:
		m.done = msg.done
		m.total = msg.total
		outcome := msg.outcome
		m.last = &outcome
		if outcome.Err != nil {
			m.failed++
		}
		return m, nil

	case warmDoneMsg:
		m.outcomes = msg.outcomes
		m.finished = true
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	if m.finished {
		return m.finalView()
	}

	var pct float64
	if m.total > 0 {
		pct = float64(m.done) / float64(m.total)
	}

	status := m.theme.statusStyle().Render("[warming]")
	if m.quitting {
		status = m.theme.errorStyle().Render("[stopping]")
	}
	counts := fmt.Sprintf("%d/%d topics", m.done, m.total)

	var last string
	if m.last != nil {
		if m.last.Err != nil {
			last = m.theme.errorStyle().Render("✗ "+m.last.Topic) + "\n"
		} else {
			last = fmt.Sprintf("%s %s (%s)\n", m.theme.completedStyle().Render("✓"), m.last.Topic, m.last.Provenance)
		}
	}

	hint := m.theme.hintStyle().Render("Press Ctrl+C to stop after in-flight topics")
	return fmt.Sprintf("%s %s %s\n%s%s\n", status, m.progress.ViewAs(pct), counts, last, hint)
}

// finalView renders the completion summary.
func (m progressModel) finalView() string {
	var b strings.Builder
	if m.failed > 0 || m.quitting {
		b.WriteString(m.theme.errorStyle().Render(fmt.Sprintf("✗ Warmed %d/%d topics", m.total-countFailed(m.outcomes), m.total)))
	} else {
		b.WriteString(m.theme.completedStyle().Render(fmt.Sprintf("✓ Warmed %d topics", m.total)))
	}
	fmt.Fprintf(&b, " in %s\n\n", time.Since(m.started).Round(time.Millisecond))
	b.WriteString(renderOutcomes(m.outcomes, m.theme))
	return b.String()
}

// runWarmProgress runs the interactive progress UI while work executes.
// work receives a step callback and must return every outcome.
func runWarmProgress(total int, cancel context.CancelFunc, work func(step func(done, total int, o service.WarmOutcome)) []service.WarmOutcome) ([]service.WarmOutcome, error) {
	p := tea.NewProgram(newProgressModel(total, cancel))

	go func() {
		outcomes := work(func(done, total int, o service.WarmOutcome) {
			p.Send(warmStepMsg{done: done, total: total, outcome: o})
		})
		p.Send(warmDoneMsg{outcomes: outcomes})
	}()

	finalModel, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("progress UI error: %w", err)
	}
	m, ok := finalModel.(progressModel)
	if !ok {
		return nil, nil
	}
	return m.outcomes, nil
}
