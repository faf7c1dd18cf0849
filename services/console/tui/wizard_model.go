// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tui provides the terminal front ends for the console: the
// maintenance wizard screen and the operator value prompt.
//
// # Thread Safety
//
// Models are used from the bubbletea event loop only. Wizard transitions
// run as commands so a slow lab server never freezes the screen.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/AleutianAI/labconsole/services/console/correlate"
	"github.com/AleutianAI/labconsole/services/console/events"
	"github.com/AleutianAI/labconsole/services/console/wizard"
)

// Driver is the wizard the screen drives. *wizard.Wizard satisfies it.
type Driver interface {
	View() wizard.View
	Next(ctx context.Context) (wizard.View, error)
	Back(ctx context.Context) (wizard.View, error)
	Cancel(ctx context.Context) (wizard.View, error)
	Abort(ctx context.Context) (wizard.View, error)
	OpenSubWizard(ctx context.Context) (wizard.View, error)
	Retry(ctx context.Context) (wizard.View, error)
}

// refreshInterval is how often the screen re-reads the wizard without a
// push event, so the still-waiting notice appears on time.
const refreshInterval = time.Second

// =============================================================================
// Messages
// =============================================================================

type refreshMsg time.Time

// updateMsg wakes the screen after a push event.
type updateMsg struct{}

// transitionMsg carries the result of a wizard action.
type transitionMsg struct {
	view wizard.View
	err  error
}

// =============================================================================
// Model
// =============================================================================

// WizardModel is the bubbletea model for one maintenance wizard.
type WizardModel struct {
	ctx     context.Context
	driver  Driver
	view    wizard.View
	spinner spinner.Model
	updates <-chan events.Event

	busy bool
	err  error
	done bool
}

// NewWizardModel creates the screen for driver.
func NewWizardModel(ctx context.Context, driver Driver) WizardModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Subtitle
	return WizardModel{
		ctx:     ctx,
		driver:  driver,
		view:    driver.View(),
		spinner: sp,
	}
}

// WithUpdates makes the screen re-read the wizard whenever an event arrives
// on updates, such as a channel from events.Bus.Listen.
func (m WizardModel) WithUpdates(updates <-chan events.Event) WizardModel {
	m.updates = updates
	return m
}

// Result returns the last rendered wizard view.
func (m WizardModel) Result() wizard.View { return m.view }

// Err returns the last transition error.
func (m WizardModel) Err() error { return m.err }

// Init implements tea.Model.
func (m WizardModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, refresh(), m.waitForUpdate())
}

// waitForUpdate returns nil once updates is closed, which stops the loop.
func (m WizardModel) waitForUpdate() tea.Cmd {
	if m.updates == nil {
		return nil
	}
	updates := m.updates
	return func() tea.Msg {
		if _, ok := <-updates; !ok {
			return nil
		}
		return updateMsg{}
	}
}

func refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

// Update implements tea.Model.
func (m WizardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case transitionMsg:
		m.busy = false
		m.view = msg.view
		m.err = msg.err
		if m.view.Status != wizard.StatusActive {
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case refreshMsg:
		return m.reread(refresh())

	case updateMsg:
		return m.reread(m.waitForUpdate())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m WizardModel) reread(next tea.Cmd) (tea.Model, tea.Cmd) {
	if !m.busy {
		m.view = m.driver.View()
	}
	if m.view.Status != wizard.StatusActive {
		m.done = true
		return m, tea.Quit
	}
	return m, next
}

func (m WizardModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		m.busy = true
		return m, m.run(m.driver.Abort)
	}
	if m.busy {
		return m, nil
	}

	var action func(context.Context) (wizard.View, error)
	switch msg.String() {
	case "enter", "n":
		action = m.driver.Next
	case "backspace", "b":
		action = m.driver.Back
	case "esc", "c":
		action = m.driver.Cancel
	case "a", "q":
		action = m.driver.Abort
	case "d":
		action = m.driver.OpenSubWizard
	case "r":
		action = m.driver.Retry
	default:
		return m, nil
	}
	m.busy = true
	m.err = nil
	return m, m.run(action)
}

func (m WizardModel) run(action func(context.Context) (wizard.View, error)) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		v, err := action(ctx)
		return transitionMsg{view: v, err: err}
	}
}

// View implements tea.Model.
func (m WizardModel) View() string {
	v := m.view
	var b strings.Builder

	title := fmt.Sprintf("%s  %s", strings.ToUpper(string(v.Root)), v.Instrument.String())
	b.WriteString(styles.Title.Render(title))
	b.WriteString("\n")

	if m.done {
		b.WriteString(styles.Subtitle.Render("Wizard " + strings.ToLower(v.Status.String())))
		b.WriteString("\n")
		return b.String()
	}

	if len(v.Stack) > 1 {
		parts := make([]string, len(v.Stack))
		for i, p := range v.Stack {
			parts[i] = string(p)
		}
		b.WriteString(styles.Muted.Render(strings.Join(parts, " › ")))
		b.WriteString("\n")
	}

	body := fmt.Sprintf("Step %d/%d  %s", v.Index+1, v.Count, styles.Current.Render(v.Step.Title))
	if line := m.operationLine(v.Operation); line != "" {
		body += "\n" + line
	}
	b.WriteString(styles.Box.Render(body))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(styles.Error.Render("✗ " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(styles.Muted.Render(m.help()))
	b.WriteString("\n")
	return b.String()
}

func (m WizardModel) operationLine(op *correlate.Operation) string {
	if op == nil {
		return ""
	}
	switch op.State {
	case correlate.StateRequested, correlate.StateAwaitingResult:
		line := m.spinner.View() + " Waiting for the instrument"
		if m.view.StillWaiting {
			line = m.spinner.View() + " " + styles.Warning.Render("Still in progress, this can take a while")
		}
		return line
	case correlate.StateCompleted:
		return styles.Done.Render("✓ Done")
	case correlate.StateFailed:
		msg := "✗ Failed"
		if op.Detail != "" {
			msg += ": " + op.Detail
		} else if op.Err != nil {
			msg += ": " + op.Err.Error()
		}
		return styles.Error.Render(msg)
	case correlate.StateCancelled:
		return styles.Muted.Render("Cancelled")
	}
	return ""
}

func (m WizardModel) help() string {
	keys := []string{"b back", "c cancel", "a abort"}
	if m.view.NextEnabled {
		keys = append([]string{"enter next"}, keys...)
	}
	if m.view.CanOpenSubWizard {
		keys = append(keys, "d "+string(m.view.Step.SubWizard))
	}
	if m.view.CanRetry {
		keys = append(keys, "r retry")
	}
	return strings.Join(keys, " • ")
}

// RunWizard runs the screen until the wizard finishes. updates may be nil.
func RunWizard(ctx context.Context, driver Driver, updates <-chan events.Event, opts ...tea.ProgramOption) (wizard.View, error) {
	model := NewWizardModel(ctx, driver).WithUpdates(updates)
	final, err := tea.NewProgram(model, opts...).Run()
	if err != nil {
		return driver.View(), err
	}
	return final.(WizardModel).Result(), nil
}
