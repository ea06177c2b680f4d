package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"meshnerd/cmd/meshnerd/ui"
	"meshnerd/internal/builder"
)

// generateResultMsg carries the pipeline outcome back into the UI loop.
type generateResultMsg struct {
	res *builder.Result
	err error
}

// generateModel is the spinner shown while a generation is in flight.
type generateModel struct {
	spinner   spinner.Model
	styles    ui.Styles
	provider  string
	model     string
	images    int
	cancel    context.CancelFunc
	cancelled bool
	start     tea.Cmd
	res       *builder.Result
	err       error
	done      bool
}

func newGenerateModel(ctx context.Context, cancel context.CancelFunc, b *builder.Builder, req builder.Request) generateModel {
	styles := ui.DefaultStyles()
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	return generateModel{
		spinner:  sp,
		styles:   styles,
		provider: b.Provider(),
		model:    b.Model(),
		images:   len(req.ImagePaths),
		cancel:   cancel,
		start: func() tea.Msg {
			res, err := b.GenerateModel(ctx, req)
			return generateResultMsg{res: res, err: err}
		},
	}
}

func (m generateModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.start)
}

func (m generateModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case generateResultMsg:
		m.res = msg.res
		m.err = msg.err
		m.done = true
		return m, tea.Quit

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			// Cancel the context and wait for the pipeline to unwind.
			m.cancel()
			m.cancelled = true
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m generateModel) View() string {
	if m.done {
		return ""
	}
	line := fmt.Sprintf("%s Analyzing %d drawings with %s/%s...",
		m.spinner.View(), m.images, m.provider, m.model)
	if m.cancelled {
		line += "\n" + m.styles.Muted.Render("  cancelling, waiting for the model call to return")
	}
	return line + "\n"
}

// runGenerateSpinner drives the pipeline under a terminal spinner and
// returns the same result pair the plain path produces.
func runGenerateSpinner(ctx context.Context, cancel context.CancelFunc, b *builder.Builder, req builder.Request) (*builder.Result, error) {
	program := tea.NewProgram(newGenerateModel(ctx, cancel, b, req))
	final, err := program.Run()
	if err != nil {
		return nil, fmt.Errorf("spinner UI failed: %w", err)
	}
	m, ok := final.(generateModel)
	if !ok {
		return nil, fmt.Errorf("unexpected final UI model %T", final)
	}
	return m.res, m.err
}
