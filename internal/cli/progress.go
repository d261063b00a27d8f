package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/studiowebux/perfharness/internal/metrics"
	"github.com/studiowebux/perfharness/internal/stresstest"
)

// progressInterval is how often the live view re-reads the registry.
const progressInterval = time.Second

const progressBarWidth = 40

var (
	stopKeys = key.NewBinding(
		key.WithKeys("ctrl+c", "esc", "q"),
		key.WithHelp("esc/q", "stop run"),
	)
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("14")).
			Padding(0, 2)
)

type progressTickMsg time.Time

// runDoneMsg is sent once the runner has returned.
type runDoneMsg struct{}

// progressModel is the live view of a running scenario. It only reads
// counters and gauges so a redraw never sorts trend samples.
type progressModel struct {
	scenario string
	length   time.Duration
	reg      *metrics.Registry
	cancel   context.CancelFunc
	spinner  spinner.Model
	stopping bool
	done     bool
}

func newProgressModel(scenario string, length time.Duration, reg *metrics.Registry, cancel context.CancelFunc) progressModel {
	return progressModel{
		scenario: scenario,
		length:   length,
		reg:      reg,
		cancel:   cancel,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
}

func progressTick() tea.Cmd {
	return tea.Tick(progressInterval, func(t time.Time) tea.Msg {
		return progressTickMsg(t)
	})
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, progressTick())
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, stopKeys) && !m.stopping {
			m.stopping = true
			m.cancel()
		}
		return m, nil
	case progressTickMsg:
		if m.done {
			return m, nil
		}
		return m, progressTick()
	case runDoneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m progressModel) View() string {
	elapsed := m.reg.Elapsed()
	var b strings.Builder

	title := "Running " + m.scenario
	if m.stopping {
		title = "Stopping " + m.scenario
	}
	if m.done {
		title = "Finished " + m.scenario
	}
	fmt.Fprintf(&b, "%s %s\n\n", m.spinner.View(), titleStyle.Render(title))

	fraction := 0.0
	if m.length > 0 {
		fraction = float64(elapsed) / float64(m.length)
	}
	fmt.Fprintf(&b, "%s %3.0f%%\n", progressBar(fraction, progressBarWidth), min(fraction, 1)*100)
	fmt.Fprintf(&b, "Elapsed: %s / %s\n\n", elapsed.Round(time.Second), m.length.Round(time.Second))

	reqs := m.reg.Tally(metrics.HTTPReqs)
	perSecond := 0.0
	if elapsed > 0 {
		perSecond = reqs.Sum / elapsed.Seconds()
	}
	fmt.Fprintf(&b, "%-14s %.0f\n", "VUs:", m.reg.Tally(metrics.VUs).Last)
	fmt.Fprintf(&b, "%-14s %.0f\n", "Iterations:", m.reg.Tally(metrics.Iterations).Sum)
	fmt.Fprintf(&b, "%-14s %.0f (%.1f/s)\n", "Requests:", reqs.Sum, perSecond)
	fmt.Fprintf(&b, "%-14s %s\n", "Failed:", percent(m.reg.Tally(metrics.HTTPReqFailed)))
	fmt.Fprintf(&b, "%-14s %s\n\n", "Checks:", percent(m.reg.Tally(metrics.Checks)))

	switch {
	case m.done:
		b.WriteString(helpStyle.Render("Run complete"))
	case m.stopping:
		b.WriteString(warnStyle.Render("Waiting for in-flight iterations to finish..."))
	default:
		b.WriteString(helpStyle.Render(stopKeys.Help().Key + ": " + stopKeys.Help().Desc))
	}
	return boxStyle.Render(b.String()) + "\n"
}

// progressBar draws fraction (clamped to 0..1) as a width-cell bar.
func progressBar(fraction float64, width int) string {
	filled := int(max(0, min(fraction, 1)) * float64(width))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func percent(t metrics.Tally) string {
	if t.Count == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", t.Sum/float64(t.Count)*100)
}

// runWithProgress runs the scenario behind the live view. Stopping from the
// view cancels the run, which still returns its partial result.
func runWithProgress(ctx context.Context, runner *stresstest.Runner, reg *metrics.Registry, length time.Duration, in io.Reader, out io.Writer) (*stresstest.RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	prog := tea.NewProgram(
		newProgressModel(runner.Scenario().Name, length, reg, cancel),
		tea.WithInput(in),
		tea.WithOutput(out),
	)

	var (
		result *stresstest.RunResult
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = runner.Run(runCtx)
		prog.Send(runDoneMsg{})
	}()

	// A view that fails to start leaves the run going unattended.
	_, viewErr := prog.Run()
	<-done
	if viewErr != nil && runErr == nil {
		fmt.Fprintf(out, "progress view stopped: %v\n", viewErr)
	}
	return result, runErr
}
