// Package tui is the human side of the approval ceremony: it renders the
// same canonical payload that was hashed into the envelope, collects a
// per-call decision set, and signs it after unlocking the key.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/countersign/internal/gate"
	"github.com/mpataki/countersign/internal/keys"
	"github.com/mpataki/countersign/internal/models"
	"github.com/mpataki/countersign/internal/signing"
)

type view int

const (
	viewDecide view = iota
	viewPassphrase
	viewDone
)

type Review struct {
	env     *models.Envelope
	plan    *models.ExecutionPlan
	manager *keys.Manager

	view        view
	selectedIdx int
	approved    []bool
	passphrase  textinput.Model
	err         error

	// Submission is populated once the decision set is signed.
	Submission *gate.Submission
	// Aborted is set when the reviewer backed out without signing.
	Aborted bool
}

func NewReview(env *models.Envelope, plan *models.ExecutionPlan, manager *keys.Manager) *Review {
	ti := textinput.New()
	ti.Placeholder = "passphrase"
	ti.EchoMode = textinput.EchoPassword
	ti.CharLimit = 256

	approved := make([]bool, len(plan.ToolCalls))
	for i := range approved {
		approved[i] = true
	}

	return &Review{
		env:        env,
		plan:       plan,
		manager:    manager,
		view:       viewDecide,
		approved:   approved,
		passphrase: ti,
	}
}

func (r *Review) Init() tea.Cmd {
	return nil
}

func (r *Review) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return r.handleKey(msg)

	case signedMsg:
		r.err = msg.err
		if msg.err != nil {
			// Stay on the passphrase screen so a typo is retryable.
			r.view = viewPassphrase
			r.passphrase.Focus()
			return r, textinput.Blink
		}
		r.Submission = msg.submission
		r.view = viewDone
		return r, tea.Quit
	}

	return r, nil
}

func (r *Review) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch r.view {
	case viewDecide:
		return r.handleDecideKey(msg)
	case viewPassphrase:
		return r.handlePassphraseKey(msg)
	}
	return r, nil
}

func (r *Review) handleDecideKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		r.Aborted = true
		return r, tea.Quit

	case "up", "k":
		if r.selectedIdx > 0 {
			r.selectedIdx--
		}

	case "down", "j":
		if r.selectedIdx < len(r.plan.ToolCalls)-1 {
			r.selectedIdx++
		}

	case " ", "x":
		r.approved[r.selectedIdx] = !r.approved[r.selectedIdx]

	case "a":
		for i := range r.approved {
			r.approved[i] = true
		}

	case "d":
		for i := range r.approved {
			r.approved[i] = false
		}

	case "enter":
		r.view = viewPassphrase
		r.passphrase.Focus()
		return r, textinput.Blink
	}

	return r, nil
}

func (r *Review) handlePassphraseKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		r.Aborted = true
		return r, tea.Quit

	case "esc":
		r.view = viewDecide
		r.passphrase.Reset()
		return r, nil

	case "enter":
		pass := r.passphrase.Value()
		r.passphrase.Reset()
		return r, r.sign(pass)
	}

	var cmd tea.Cmd
	r.passphrase, cmd = r.passphrase.Update(msg)
	return r, cmd
}

func (r *Review) View() string {
	switch r.view {
	case viewDecide:
		return r.viewDecide()
	case viewPassphrase:
		return r.viewPassphrase()
	case viewDone:
		return r.viewDone()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	approveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	denyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (r *Review) viewDecide() string {
	s := titleStyle.Render("Review plan") + "\n\n"

	s += labelStyle.Render("Envelope:  ") + r.env.EnvelopeID + "\n"
	s += labelStyle.Render("Work item: ") + r.env.WorkItemID + "\n"
	s += labelStyle.Render("Workspace: ") + r.plan.WorkspaceRoot + "\n"
	s += labelStyle.Render("Toolset:   ") + r.plan.ToolsetMode + "\n"
	s += labelStyle.Render("Agent:     ") + r.plan.AgentName + "\n"
	s += labelStyle.Render("Plan hash: ") + dimStyle.Render(r.env.PlanHash) + "\n"
	s += labelStyle.Render("Expires:   ") + r.env.ExpiresAt.Format("2006-01-02 15:04:05 MST") + "\n\n"

	s += "Tool calls\n"
	s += "──────────\n"

	for i, tc := range r.plan.ToolCalls {
		verdict := approveStyle.Render("✓ approve")
		if !r.approved[i] {
			verdict = denyStyle.Render("✗ deny")
		}

		line := fmt.Sprintf("%-11s %s(%s)", verdict, tc.ToolName, formatArgs(tc.Args))
		if i == r.selectedIdx {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		s += line + "\n"
	}

	s += "\n" + helpStyle.Render("[space] toggle  [a] approve all  [d] deny all  [enter] sign  [q] abort")

	return s
}

func (r *Review) viewPassphrase() string {
	s := titleStyle.Render("Sign decisions") + "\n\n"

	approvedCount := 0
	for _, a := range r.approved {
		if a {
			approvedCount++
		}
	}
	s += fmt.Sprintf("%d approved, %d denied\n\n", approvedCount, len(r.approved)-approvedCount)

	s += "Key passphrase:\n"
	s += r.passphrase.View() + "\n"

	if r.err != nil {
		s += "\n" + denyStyle.Render(fmt.Sprintf("Error: %v", r.err)) + "\n"
	}

	s += "\n" + helpStyle.Render("[enter] unlock and sign  [esc] back")

	return s
}

func (r *Review) viewDone() string {
	return approveStyle.Render("Decisions signed.") + "\n"
}

type signedMsg struct {
	submission *gate.Submission
	err        error
}

func (r *Review) sign(passphrase string) tea.Cmd {
	decisions := make([]models.Decision, len(r.plan.ToolCalls))
	for i, tc := range r.plan.ToolCalls {
		decisions[i] = models.Decision{ToolCallID: tc.ToolCallID, Approved: r.approved[i]}
	}

	return func() tea.Msg {
		sess, err := r.manager.Unlock(passphrase)
		if err != nil {
			return signedMsg{err: err}
		}
		defer sess.Close()

		approval, sig, err := signing.Sign(sess, r.env.Nonce, r.env.PlanHash, decisions)
		if err != nil {
			return signedMsg{err: err}
		}

		return signedMsg{submission: &gate.Submission{
			Nonce:     approval.Nonce,
			PlanHash:  approval.PlanHash,
			KeyID:     approval.KeyID,
			Decisions: approval.Decisions,
			Signature: sig,
		}}
	}
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, 0, len(args))
	for k, v := range args {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ", ")
}
