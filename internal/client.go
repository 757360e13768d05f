package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"dropchat/internal/storage"
)

const (
	clientLogLimit   = 200
	noticeLimit      = 5
	typingIdleAfter  = 3 * time.Second
	reconnectBackoff = 2 * time.Second
)

// TUIModel holds the bubbletea state for the chat client: the input, the
// event log, presence and the websocket connection.
type TUIModel struct {
	textInput       textinput.Model
	events          []ChatEvent
	notices         []string
	participants    []string
	typing          map[string]bool
	serverJoinURL   string
	username        string
	websocketConn   *websocket.Conn
	writeMutex      *sync.Mutex
	mode            appMode
	isConnected     bool
	connecting      bool
	joined          bool
	connectionError error
	typingActive    bool
	lastKeystroke   time.Time
}

type (
	connectedMsg     struct{ conn *websocket.Conn }
	frameMsg         Envelope
	connLostMsg      struct {
		conn *websocket.Conn
		err  error
	}
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	typingIdleMsg    struct{}
	noticeMsg        string
	filesMsg         struct {
		files []storage.FileRecord
		err   error
	}
)

type appMode int

const (
	modeNamePrompt appMode = iota
	modeChat
)

// NewTUIModel builds the client model. An empty username starts at the name
// prompt.
func NewTUIModel(serverJoinURL, username string) *TUIModel {
	input := textinput.New()
	input.CharLimit = maxMsgSize / 2
	input.Focus()

	model := &TUIModel{
		textInput:     input,
		events:        make([]ChatEvent, 0, 64),
		typing:        make(map[string]bool),
		serverJoinURL: serverJoinURL,
		username:      strings.TrimSpace(username),
		writeMutex:    &sync.Mutex{},
	}
	if model.username == "" {
		model.username = defaultUsername()
		model.enterNamePrompt()
	} else {
		model.enterChat()
	}
	return model
}

func defaultUsername() string {
	if user := os.Getenv("DROPCHAT_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return ""
}

func (model *TUIModel) enterNamePrompt() {
	model.mode = modeNamePrompt
	model.textInput.SetValue(model.username)
	model.textInput.Placeholder = "Enter display name…"
	model.textInput.Prompt = "name> "
}

func (model *TUIModel) enterChat() {
	model.mode = modeChat
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Type a message, /upload <path>, /files or /quit"
	model.textInput.Prompt = "> "
}

func (model *TUIModel) Init() tea.Cmd {
	if model.mode == modeChat {
		return tea.Batch(textinput.Blink, model.dial())
	}
	return textinput.Blink
}

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC || typedMessage.Type == tea.KeyEsc {
			model.closeConn("client quit")
			return model, tea.Quit
		}
		switch model.mode {
		case modeNamePrompt:
			return model.updateNamePrompt(typedMessage)
		case modeChat:
			return model.updateChat(typedMessage)
		}

	case connectedMsg:
		model.connecting = false
		model.websocketConn = typedMessage.conn
		model.isConnected = true
		model.connectionError = nil
		joinCmd := model.sendCmd(EventJoinChat, JoinChatRequest{Username: model.username})
		return model, tea.Batch(joinCmd, model.readOnceCmd())

	case frameMsg:
		cmd := model.handleFrame(Envelope(typedMessage))
		return model, tea.Batch(cmd, model.readOnceCmd())

	case connLostMsg:
		if typedMessage.conn != model.websocketConn {
			return model, nil
		}
		model.connectionError = typedMessage.err
		model.dropConnection()
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case connectFailedMsg:
		model.connecting = false
		model.connectionError = typedMessage.err
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case reconnectMsg:
		if model.mode == modeChat && !model.isConnected {
			return model, model.dial()
		}
		return model, nil

	case typingIdleMsg:
		if model.typingActive && time.Since(model.lastKeystroke) >= typingIdleAfter {
			model.typingActive = false
			return model, model.sendCmd(EventTyping, TypingRequest{IsTyping: false})
		}
		return model, nil

	case noticeMsg:
		model.addNotice(string(typedMessage))
		return model, nil

	case filesMsg:
		if typedMessage.err != nil {
			model.addNotice(fmt.Sprintf("Listing files failed: %v", typedMessage.err))
			return model, nil
		}
		model.addNotice(describeFiles(typedMessage.files))
		return model, nil
	}

	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(message)
	return model, cmd
}

func (model *TUIModel) updateNamePrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Type != tea.KeyEnter {
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		return model, cmd
	}
	name, err := ValidateName(model.textInput.Value())
	if err != nil {
		model.addNotice(strings.TrimPrefix(err.Error(), ErrValidation.Error()+": "))
		return model, nil
	}
	model.username = name
	model.notices = nil
	model.enterChat()
	if model.isConnected {
		return model, model.sendCmd(EventJoinChat, JoinChatRequest{Username: name})
	}
	return model, model.dial()
}

func (model *TUIModel) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Type == tea.KeyEnter {
		trimmed := strings.TrimSpace(model.textInput.Value())
		if strings.HasPrefix(trimmed, "/") {
			model.textInput.SetValue("")
			return model, model.runCommand(trimmed)
		}
		if trimmed == "" || !model.joined {
			return model, nil
		}
		model.textInput.SetValue("")
		cmds := []tea.Cmd{model.sendCmd(EventSendMessage, SendMessageRequest{Message: trimmed})}
		if model.typingActive {
			model.typingActive = false
			cmds = append(cmds, model.sendCmd(EventTyping, TypingRequest{IsTyping: false}))
		}
		return model, tea.Sequence(cmds...)
	}

	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, tea.Batch(cmd, model.trackTyping())
}

// trackTyping announces typing on the first keystroke of a draft and
// withdraws it when the draft is cleared.
func (model *TUIModel) trackTyping() tea.Cmd {
	if !model.joined {
		return nil
	}
	model.lastKeystroke = time.Now()
	drafting := strings.TrimSpace(model.textInput.Value()) != ""
	switch {
	case drafting && !model.typingActive:
		model.typingActive = true
		return tea.Batch(model.sendCmd(EventTyping, TypingRequest{IsTyping: true}), model.typingIdleCmd())
	case drafting:
		return model.typingIdleCmd()
	case model.typingActive:
		model.typingActive = false
		return model.sendCmd(EventTyping, TypingRequest{IsTyping: false})
	}
	return nil
}

func (model *TUIModel) runCommand(line string) tea.Cmd {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit":
		model.closeConn("client quit")
		return tea.Quit
	case "/upload":
		path := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		if path == "" {
			model.addNotice("Usage: /upload <path>")
			return nil
		}
		return model.uploadCmd(path)
	case "/files":
		return model.listFilesCmd()
	}
	model.addNotice(fmt.Sprintf("Unknown command %s", fields[0]))
	return nil
}

// handleFrame applies one server event to the model.
func (model *TUIModel) handleFrame(frame Envelope) tea.Cmd {
	switch frame.Event {
	case EventJoinedResponse:
		var resp JoinedResponse
		if err := json.Unmarshal(frame.Data, &resp); err != nil {
			return nil
		}
		model.joined = true
		model.username = resp.Username
		model.participants = resp.UsersList
		model.events = append(model.events[:0], resp.Messages...)
	case EventUserJoined:
		var resp UserJoined
		if err := json.Unmarshal(frame.Data, &resp); err != nil {
			return nil
		}
		model.participants = resp.UsersList
		if resp.Message != nil {
			model.appendEvent(*resp.Message)
		}
	case EventNewMessage:
		var event ChatEvent
		if err := json.Unmarshal(frame.Data, &event); err != nil {
			return nil
		}
		delete(model.typing, event.User)
		model.appendEvent(event)
	case EventUserTyping:
		var resp UserTyping
		if err := json.Unmarshal(frame.Data, &resp); err != nil {
			return nil
		}
		if resp.IsTyping {
			model.typing[resp.User] = true
		} else {
			delete(model.typing, resp.User)
		}
	case EventUserLeft:
		var resp UserLeft
		if err := json.Unmarshal(frame.Data, &resp); err != nil {
			return nil
		}
		model.participants = resp.UsersList
		delete(model.typing, resp.User)
		if resp.Message != nil {
			model.appendEvent(*resp.Message)
		}
	case EventError:
		var resp ErrorEvent
		if err := json.Unmarshal(frame.Data, &resp); err != nil {
			return nil
		}
		model.addNotice(resp.Message)
		if !model.joined {
			model.enterNamePrompt()
		}
	}
	return nil
}

func (model *TUIModel) appendEvent(event ChatEvent) {
	model.events = append(model.events, event)
	if len(model.events) > clientLogLimit {
		model.events = model.events[len(model.events)-clientLogLimit:]
	}
}

func (model *TUIModel) addNotice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > noticeLimit {
		model.notices = model.notices[len(model.notices)-noticeLimit:]
	}
}

func (model *TUIModel) typingNames() []string {
	names := make([]string, 0, len(model.typing))
	for name := range model.typing {
		if name != model.username {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (model *TUIModel) dropConnection() {
	if model.websocketConn != nil {
		_ = model.websocketConn.Close()
	}
	model.websocketConn = nil
	model.isConnected = false
	model.joined = false
	model.typingActive = false
	model.typing = make(map[string]bool)
}

func (model *TUIModel) closeConn(reason string) {
	if model.websocketConn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	model.writeMutex.Unlock()
	_ = model.websocketConn.Close()
}

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	return tea.Tick(reconnectBackoff, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func (model *TUIModel) typingIdleCmd() tea.Cmd {
	return tea.Tick(typingIdleAfter, func(time.Time) tea.Msg {
		return typingIdleMsg{}
	})
}

// dial starts a connection attempt unless one is already in flight.
func (model *TUIModel) dial() tea.Cmd {
	if model.connecting {
		return nil
	}
	model.connecting = true
	return model.connectCmd()
}

func (model *TUIModel) connectCmd() tea.Cmd {
	joinURL := model.serverJoinURL
	return func() tea.Msg {
		conn, _, err := websocket.DefaultDialer.Dial(joinURL, http.Header{})
		if err != nil {
			return connectFailedMsg{err: err}
		}
		conn.SetReadLimit(maxMsgSize * 64)
		return connectedMsg{conn: conn}
	}
}

func (model *TUIModel) readOnceCmd() tea.Cmd {
	conn := model.websocketConn
	return func() tea.Msg {
		if conn == nil {
			return connLostMsg{err: errors.New("websocket not connected")}
		}
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return connLostMsg{conn: conn, err: err}
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var frame Envelope
			if err := json.Unmarshal(payload, &frame); err != nil {
				continue
			}
			return frameMsg(frame)
		}
	}
}

func (model *TUIModel) sendCmd(event string, payload interface{}) tea.Cmd {
	conn := model.websocketConn
	mu := model.writeMutex
	return func() tea.Msg {
		if conn == nil {
			return noticeMsg("Not connected")
		}
		encoded, err := encodeEnvelope(event, payload)
		if err != nil {
			return noticeMsg(err.Error())
		}
		mu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, encoded)
		mu.Unlock()
		if err != nil {
			return connLostMsg{conn: conn, err: err}
		}
		return nil
	}
}

func (model *TUIModel) uploadCmd(path string) tea.Cmd {
	joinURL := model.serverJoinURL
	return func() tea.Msg {
		base, err := httpBaseFromJoinURL(joinURL)
		if err != nil {
			return noticeMsg(fmt.Sprintf("Upload failed: %v", err))
		}
		resp, err := apiUploadFile(base, path)
		if err != nil {
			return noticeMsg(fmt.Sprintf("Upload failed: %v", err))
		}
		return noticeMsg(fmt.Sprintf("Uploaded %s (%d bytes): %s%s", resp.Filename, resp.Size, base, resp.DownloadURL))
	}
}

func (model *TUIModel) listFilesCmd() tea.Cmd {
	joinURL := model.serverJoinURL
	return func() tea.Msg {
		base, err := httpBaseFromJoinURL(joinURL)
		if err != nil {
			return filesMsg{err: err}
		}
		files, err := apiListFiles(base)
		return filesMsg{files: files, err: err}
	}
}

func describeFiles(files []storage.FileRecord) string {
	if len(files) == 0 {
		return "You have no uploaded files."
	}
	var sb strings.Builder
	sb.WriteString("Your files:")
	for _, file := range files {
		lock := ""
		if file.Protected {
			lock = " (protected)"
		}
		fmt.Fprintf(&sb, "\n  %s  %s  %d bytes%s", file.ID, file.Name, file.Size, lock)
	}
	return sb.String()
}

// RunClient starts the bubbletea program against the given websocket URL.
func RunClient(serverJoinURL, username string) error {
	program := tea.NewProgram(NewTUIModel(serverJoinURL, username))
	_, err := program.Run()
	return err
}
