package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cllghn/csg-docs-llm/internal/config"
	"github.com/cllghn/csg-docs-llm/internal/domain"
	"github.com/cllghn/csg-docs-llm/internal/excerpt"
	"github.com/cllghn/csg-docs-llm/internal/retriever"
	"github.com/cllghn/csg-docs-llm/internal/service"
	"github.com/cllghn/csg-docs-llm/internal/session"
)

// Asker is the TUI-facing subset of the RAG service.
type Asker interface {
	Ask(ctx context.Context, sess *session.Session, in service.AskInput, onPartial func(string)) (*service.AskResult, error)
}

type partialMsg string

type doneMsg struct {
	question string
	result   *service.AskResult
	err      error
}

// Model is the Bubble Tea model for the terminal chat.
type Model struct {
	ctx      context.Context
	asker    Asker
	sess     *session.Session
	sets     []config.DocumentSetConfig
	setIdx   int
	title    string
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	events   chan tea.Msg
	busy     bool
	partial  string
	question string
	excerpts excerpt.Set
	status   string
	fatal    error
	ready    bool
}

// New creates a chat model bound to sess. sets feeds the tab selector.
func New(ctx context.Context, asker Asker, sess *session.Session, sets []config.DocumentSetConfig, title string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask me about CSG Justice Center documents..."
	ti.Focus()
	ti.CharLimit = 4000

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	setIdx := 0
	for i, s := range sets {
		if s.Name == sess.DocumentSet() {
			setIdx = i
		}
	}
	return Model{
		ctx:      ctx,
		asker:    asker,
		sess:     sess,
		sets:     sets,
		setIdx:   setIdx,
		title:    title,
		input:    ti,
		viewport: viewport.New(0, 0),
		spinner:  sp,
		status:   "Enter to ask, Tab to switch documents, Ctrl+C to quit.",
	}
}

// Err is the fatal error that ended the program, if any.
func (m Model) Err() error { return m.fatal }

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, ch := chatBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 3 + 1 + qh + 1 // header, disclaimer, set line; status; input box; spacer
		vh := msg.Height - reserved - ch
		m.viewport.Width = max(20, msg.Width-4)
		m.viewport.Height = max(3, vh)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyTab:
			if !m.busy && len(m.sets) > 1 {
				m.setIdx = (m.setIdx + 1) % len(m.sets)
				m.sess.SetDocumentSet(m.sets[m.setIdx].Name)
				m.status = "Documents: " + m.sets[m.setIdx].DisplayName()
			}
			return m, nil
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case tea.KeyEnter:
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.busy {
				return m, nil
			}
			m.input.Reset()
			return m.startAsk(q)
		}

	case partialMsg:
		m.partial = string(msg)
		m.refresh()
		return m, waitForEvent(m.events)

	case doneMsg:
		return m.finishAsk(msg)

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) startAsk(question string) (tea.Model, tea.Cmd) {
	m.busy = true
	m.partial = ""
	m.question = question
	m.excerpts = excerpt.Set{}
	m.status = "Retrieving trusted content and generating response..."
	m.events = make(chan tea.Msg, 16)

	events, asker, sess, ctx := m.events, m.asker, m.sess, m.ctx
	go func() {
		defer close(events)
		res, err := asker.Ask(ctx, sess, service.AskInput{Question: question}, func(partial string) {
			events <- partialMsg(partial)
		})
		events <- doneMsg{question: question, result: res, err: err}
	}()

	m.refresh()
	return m, tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func (m Model) finishAsk(msg doneMsg) (tea.Model, tea.Cmd) {
	m.busy = false
	m.partial = ""
	m.events = nil
	if msg.err != nil {
		var initErr *retriever.InitError
		if errors.As(msg.err, &initErr) || errors.Is(msg.err, session.ErrHalted) {
			m.fatal = msg.err
			return m, tea.Quit
		}
		m.status = "Error: " + msg.err.Error()
		m.refresh()
		return m, nil
	}
	m.excerpts = msg.result.Excerpts
	if msg.result.Failed {
		m.status = "The answer could not be generated. You can ask again."
	} else {
		m.status = fmt.Sprintf("Answered from %d excerpt(s).", len(m.excerpts.Excerpts))
	}
	m.refresh()
	return m, nil
}

func waitForEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return nil
		}
		return msg
	}
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderConversation())
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := titleStyle.Render(m.title)
	warning := warningStyle.Render("⚠ " + service.Disclaimer)
	set := "Documents: (none)"
	if len(m.sets) > 0 {
		set = "Documents: " + m.sets[m.setIdx].DisplayName()
	}
	status := statusStyle.Render(m.status)
	if m.busy {
		status = m.spinner.View() + " " + status
	}
	return header + "\n" + warning + "\n" + dimStyle.Render(set) + "\n" +
		chatBoxStyle.Render(m.viewport.View()) + "\n" +
		queryBoxStyle.Render(m.input.View()) + "\n" + status
}

func (m Model) renderConversation() string {
	turns := m.sess.Snapshot()
	if len(turns) == 0 && !m.busy {
		return dimStyle.Render("No questions yet.")
	}
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(renderTurn(t))
		b.WriteString("\n\n")
	}
	if m.busy {
		b.WriteString(assistantStyle.Render("Assistant") + "\n" + m.partial + "▌\n")
	} else if len(m.excerpts.Excerpts) > 0 {
		b.WriteString(renderExcerpts(m.excerpts, m.question))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderTurn(t domain.Turn) string {
	switch t.Role {
	case domain.RoleUser:
		return userStyle.Render("You") + "\n" + t.Content
	default:
		if strings.HasPrefix(t.Content, service.ErrorTurnPrefix) {
			return assistantStyle.Render("Assistant") + "\n" + errorStyle.Render(t.Content)
		}
		return assistantStyle.Render("Assistant") + "\n" + t.Content
	}
}

func renderExcerpts(set excerpt.Set, question string) string {
	var b strings.Builder
	b.WriteString(dimStyle.Render("Excerpts used"))
	for i, e := range set.Excerpts {
		loc := e.SourceID
		if e.Page != "" {
			loc += " p." + e.Page
		}
		fmt.Fprintf(&b, "\n%d. [%.2f] %s\n   %s", i+1, e.Confidence, loc, highlightBestSentence(e.Text, question))
	}
	return b.String()
}

var (
	titleStyle     = lipgloss.NewStyle().Bold(true)
	warningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	chatBoxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)
