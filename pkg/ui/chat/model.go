package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatbridge/pkg/bridge"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/conversation"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type mode int

const (
	modeInteractive mode = iota
	modeOneShot
)

const mouseWheelLines = 3

const (
	roleUser  = "user"
	roleBot   = "bot"
	roleError = "error"
)

// RuntimeInfo is shown in the header.
type RuntimeInfo struct {
	Provider string
	Model    string
}

type chatMessage struct {
	role       string
	content    string
	buttons    []conversation.Button
	buttonName string
}

// messagePayload mirrors message_received and history entries.
type messagePayload struct {
	Role       string                `json:"role"`
	Message    string                `json:"message"`
	Buttons    []conversation.Button `json:"buttons"`
	ButtonName string                `json:"buttonName"`
}

type eventMsg struct {
	event bridge.Event
}

type actionErrMsg struct {
	err error
}

type bootTickMsg struct{}

type model struct {
	ctx          context.Context
	link         channel.Link
	mode         mode
	oneShotInput string
	oneShotSent  bool

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	messages  []chatMessage
	draft     string
	width     int
	height    int
	isReady   bool
	isLoading bool
	lastErr   string
	booting   bool
	bootStep  int
	connected bool
	followLog bool
	runtime   RuntimeInfo
	agentName string
}

func newModel(ctx context.Context, link channel.Link, runMode mode, prompt string, info RuntimeInfo) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Say something, or pick a reply by number..."
	in.Focus()
	in.CharLimit = 0

	vp := viewport.New(80, 12)

	return &model{
		ctx:          ctx,
		link:         link,
		mode:         runMode,
		oneShotInput: strings.TrimSpace(prompt),
		theme:        defaultTheme(),
		spinner:      spin,
		input:        in,
		viewport:     vp,
		width:        100,
		height:       28,
		booting:      runMode == modeInteractive,
		followLog:    true,
		runtime:      info,
	}
}

func (m *model) Init() tea.Cmd {
	if m.mode == modeOneShot {
		return m.spinner.Tick
	}

	return bootTickCmd()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		if !m.booting {
			return m, nil
		}

		m.bootStep++
		if m.bootStep <= len(bootScriptLines()) || !m.connected {
			return m, bootTickCmd()
		}

		m.booting = false
		return m, textinput.Blink
	case eventMsg:
		return m, m.applyEvent(typed.event)
	case actionErrMsg:
		m.isLoading = false
		m.lastErr = typed.err.Error()
		m.messages = append(m.messages, chatMessage{role: roleError, content: typed.err.Error()})
		m.refreshViewport(false)
		if m.mode == modeOneShot {
			return m, tea.Quit
		}
		return m, nil
	case tea.MouseMsg:
		if m.mode == modeInteractive && !m.booting {
			m.handleViewportMouse(typed)
		}
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.booting || m.mode == modeOneShot {
			return m, nil
		}

		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}

		if typed.String() == "enter" {
			return m, m.submit(m.input.Value())
		}
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	if m.mode == modeInteractive {
		m.input, cmd = m.input.Update(msg)
	}

	return m, cmd
}

// submit turns one line of input into a bridge action. A bare number picks
// the matching quick reply of the latest bot message.
func (m *model) submit(raw string) tea.Cmd {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	if isExitCommand(text) {
		return tea.Quit
	}

	m.input.SetValue("")
	m.lastErr = ""
	m.followLog = true

	var action bridge.ActionMessage
	switch strings.ToLower(text) {
	case "/new":
		m.messages = nil
		m.draft = ""
		m.isLoading = false
		m.agentName = ""
		action = bridge.NewAction(bridge.ActionForceNewConversation, nil)
	case "/history":
		action = bridge.NewAction(bridge.ActionGetConversationHistory, nil)
	default:
		if m.isLoading {
			m.input.SetValue(text)
			return nil
		}
		if button, ok := m.buttonByNumber(text); ok {
			action = bridge.NewAction(bridge.ActionClickButton, bridge.Payload{"buttonId": button.ID})
		} else {
			action = bridge.NewAction(bridge.ActionSendMessage, bridge.Payload{"message": text})
		}
		m.isLoading = true
	}

	m.refreshViewport(true)
	return tea.Batch(m.spinner.Tick, sendActionCmd(m.ctx, m.link, action))
}

func (m *model) applyEvent(event bridge.Event) tea.Cmd {
	var cmd tea.Cmd

	switch event.Type {
	case bridge.EventChatInitialized:
		var data struct {
			ConversationHistory []messagePayload `json:"conversationHistory"`
			ExpectNewMessage    bool             `json:"expectNewMessage"`
		}
		if err := event.Decode(&data); err != nil {
			return nil
		}
		m.messages = chatMessages(data.ConversationHistory)
		m.connected = true
		m.isLoading = data.ExpectNewMessage
		if m.mode == modeOneShot && !m.oneShotSent && m.oneShotInput != "" {
			m.oneShotSent = true
			m.isLoading = true
			cmd = sendActionCmd(m.ctx, m.link, bridge.NewAction(bridge.ActionSendMessage, bridge.Payload{"message": m.oneShotInput}))
		}
	case bridge.EventMessageReceived:
		var payload messagePayload
		if err := event.Decode(&payload); err != nil {
			return nil
		}
		m.messages = append(m.messages, chatMessageFrom(payload))
		if payload.Role == roleUser {
			m.isLoading = true
		} else {
			m.isLoading = false
			m.draft = ""
			if m.mode == modeOneShot && m.oneShotSent {
				cmd = tea.Quit
			}
		}
	case bridge.EventStreamChunk:
		m.draft = event.Payload().String("text")
	case bridge.EventErrorOccurred:
		message := event.Payload().String("error")
		m.messages = append(m.messages, chatMessage{role: roleError, content: message})
		m.lastErr = message
		m.isLoading = false
		m.draft = ""
		if m.mode == modeOneShot && m.oneShotSent {
			cmd = tea.Quit
		}
	case bridge.EventAgentNamed:
		m.agentName = event.Payload().String("name")
	case bridge.EventConversationHistory:
		var data struct {
			ConversationHistory []messagePayload `json:"conversationHistory"`
		}
		if err := event.Decode(&data); err != nil {
			return nil
		}
		m.messages = chatMessages(data.ConversationHistory)
	default:
		return nil
	}

	m.refreshViewport(false)
	return cmd
}

// buttonByNumber resolves "1".."n" against the buttons of the latest bot message.
func (m *model) buttonByNumber(text string) (conversation.Button, bool) {
	index, err := strconv.Atoi(text)
	if err != nil {
		return conversation.Button{}, false
	}

	buttons := m.activeButtons()
	if index < 1 || index > len(buttons) {
		return conversation.Button{}, false
	}

	return buttons[index-1], true
}

func (m *model) activeButtons() []conversation.Button {
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].role == roleBot {
			return m.messages[i].buttons
		}
	}

	return nil
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.mode == modeOneShot {
		return m.oneShotView()
	}
	if m.booting {
		return m.bootView()
	}

	header := m.theme.header.Width(m.width - 2).Render("💬 chatbridge")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"companion:%s · provider:%s · model:%s · turns:%d",
		displayOrNA(m.agentName),
		displayOrNA(m.runtime.Provider),
		displayOrNA(m.runtime.Model),
		conversationTurns(m.messages),
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 Enter send  ·  1-9 pick reply  ·  /new restart  ·  /history  ·  PgUp/PgDn scroll  ·  🛑 Ctrl+C/Esc quit")
	if m.isLoading {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ thinking...", m.spinner.View()))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("🚨 last turn failed - try again")
	}

	parts := []string{header, meta, line, m.theme.viewport.Width(m.width - 2).Render(m.viewport.View()), status}
	parts = append(parts,
		m.theme.inputLabel.Render("🙂 You")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *model) resizeComponents() {
	w := m.width - 6
	if w < 50 {
		w = 50
	}
	h := m.height - 10
	if m.mode == modeOneShot {
		h = m.height - 6
	}
	if h < 8 {
		h = 8
	}

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	var sections []string
	lastBot := -1
	for i, item := range m.messages {
		if item.role == roleBot {
			lastBot = i
		}
	}

	for i, item := range m.messages {
		switch item.role {
		case roleUser:
			body := strings.TrimSpace(item.content)
			if item.buttonName != "" {
				body += "\n" + m.theme.hint.Render("(quick reply)")
			}
			sections = append(sections, m.renderCard(
				m.theme.userTitle.Render("[ 🙂 ]"),
				m.theme.userBox.Width(m.viewport.Width).Render(body),
			))
		case roleError:
			sections = append(sections, m.renderCard(
				m.theme.errorTitle.Render("[ERROR]"),
				m.theme.errorBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		default:
			sections = append(sections, m.renderCard(
				m.theme.assistantTitle.Render("[ "+displayOrDefault(m.agentName, "🤖")+" ]"),
				m.theme.assistantBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
			if i == lastBot && len(item.buttons) > 0 {
				sections = append(sections, m.renderButtons(item.buttons))
			}
		}
	}

	if m.draft != "" {
		sections = append(sections, m.renderCard(
			m.theme.draftTitle.Render("[ ✍️ typing ]"),
			m.theme.draftBox.Width(m.viewport.Width).Render(strings.TrimSpace(m.draft)+" …"),
		))
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if previousOffset > maxOffset {
		previousOffset = maxOffset
	}
	m.viewport.SetYOffset(previousOffset)
}

func (m *model) renderButtons(buttons []conversation.Button) string {
	labels := make([]string, 0, len(buttons))
	for i, button := range buttons {
		labels = append(labels, m.theme.buttonKey.Render(fmt.Sprintf("[%d]", i+1))+" "+button.Label)
	}

	return m.renderCard(
		m.theme.buttonTitle.Render("quick replies"),
		m.theme.buttonBox.Width(m.viewport.Width).Render(strings.Join(labels, "   ")),
	)
}

func (m *model) renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) oneShotView() string {
	contentWidth := max(40, m.width-6)
	parts := []string{m.renderCard(
		m.theme.userTitle.Render("[SENT]"),
		m.theme.userBox.Width(contentWidth).Render(strings.TrimSpace(m.oneShotInput)),
	)}

	if m.lastErr != "" {
		parts = append(parts,
			m.renderCard(
				m.theme.errorTitle.Render("[ERROR]"),
				m.theme.errorBox.Width(contentWidth).Render(strings.TrimSpace(m.lastErr)),
			),
		)
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
	}

	if m.isLoading || !m.oneShotSent {
		if m.draft != "" {
			parts = append(parts, m.theme.draftBox.Width(contentWidth).Render(strings.TrimSpace(m.draft)+" …"))
		}
		parts = append(parts, m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ waiting for the companion...", m.spinner.View())))
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
	}

	answer := ""
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].role == roleBot {
			answer = m.messages[i].content
			break
		}
	}

	parts = append(parts,
		m.renderCard(
			m.theme.assistantTitle.Render("[ANSWER]"),
			m.theme.assistantBox.Width(contentWidth).Render(strings.TrimSpace(answer)),
		),
	)

	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
}

func (m *model) bootView() string {
	header := m.theme.header.Width(m.width - 2).Render("💬 chatbridge")
	meta := m.theme.headerMeta.Render("connecting")
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	script := bootScriptLines()
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for i := 0; i < count; i++ {
		visible = append(visible, m.theme.bootLine.Render(script[i]))
	}
	if m.bootStep > len(script) {
		if m.connected {
			visible = append(visible, m.theme.bootDone.Render("✅ conversation ready"))
		} else {
			visible = append(visible, m.theme.bootLine.Render("… waiting for login"))
		}
	}

	body := m.theme.viewport.Width(m.width - 2).Render(strings.Join(visible, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body)
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(_ time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.SetYOffset(m.viewport.YOffset - mouseWheelLines)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.SetYOffset(m.viewport.YOffset + mouseWheelLines)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func bootScriptLines() []string {
	return []string{
		"[BOOT] opening bridge",
		"[BOOT] logging in",
		"[BOOT] loading conversation history",
	}
}

func sendActionCmd(ctx context.Context, link channel.Link, action bridge.ActionMessage) tea.Cmd {
	return func() tea.Msg {
		if err := link.Receive(ctx, action); err != nil {
			return actionErrMsg{err: err}
		}
		return nil
	}
}

func chatMessages(history []messagePayload) []chatMessage {
	messages := make([]chatMessage, 0, len(history))
	for _, payload := range history {
		messages = append(messages, chatMessageFrom(payload))
	}

	return messages
}

func chatMessageFrom(payload messagePayload) chatMessage {
	return chatMessage{
		role:       payload.Role,
		content:    payload.Message,
		buttons:    payload.Buttons,
		buttonName: payload.ButtonName,
	}
}

func displayOrNA(value string) string {
	return displayOrDefault(value, "n/a")
}

func displayOrDefault(value string, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}

	return trimmed
}

func conversationTurns(messages []chatMessage) int {
	count := 0
	for _, message := range messages {
		if message.role == roleUser {
			count++
		}
	}

	return count
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
