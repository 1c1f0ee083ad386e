package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"chatbridge/pkg/bridge"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/conversation"
	"chatbridge/pkg/ui/chat"

	"github.com/spf13/cobra"
)

var (
	promptText string
	plainMode  bool
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the companion in the terminal",
	Long:  "Bootstraps the conversation locally and opens the terminal frontend, or sends one message and prints the reply.",
	Run: func(cmd *cobra.Command, args []string) {
		prompt := resolvePrompt(args)

		cfg, log, err := loadRuntime("cmd.chat")
		if err != nil {
			fmt.Println(err)
			return
		}

		application, err := newApp(cfg, log)
		if err != nil {
			fmt.Printf("failed to initialize conversation: %v\n", err)
			return
		}
		defer application.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			if err := application.orchestrator.Bootstrap(ctx); err != nil && ctx.Err() == nil {
				log.Error("Bootstrap failed", "error", err)
			}
		}()

		info := chat.RuntimeInfo{Provider: cfg.Agents.Defaults.Provider, Model: cfg.Agents.Defaults.Model}
		if cfg.Orchestrator.MockServices {
			info.Provider = "mock"
		}

		switch {
		case plainMode:
			err = runPlain(ctx, application.transport, prompt, os.Stdin, os.Stdout)
		case prompt != "":
			err = chat.RunOneShot(ctx, application.transport, info, prompt)
		default:
			err = chat.RunInteractive(ctx, application.transport, info)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Printf("chat failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&promptText, "message", "m", "", "message to send")
	chatCmd.Flags().BoolVar(&plainMode, "plain", false, "line-based chat without the full-screen UI")
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	value := strings.TrimSpace(strings.Join(args, " "))
	if value == "" {
		return ""
	}

	return value
}

// plainSession is a line-based frontend: one input line, one reply.
type plainSession struct {
	link    channel.Link
	out     io.Writer
	buttons []conversation.Button
}

func runPlain(ctx context.Context, link channel.Link, prompt string, in io.Reader, out io.Writer) error {
	session := &plainSession{link: link, out: out}
	if err := session.waitReady(ctx); err != nil {
		return err
	}

	if prompt != "" {
		return session.exchange(ctx, prompt)
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "🙂 ")
		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if isExitCommand(line) {
			return nil
		}

		if err := session.exchange(ctx, line); err != nil {
			return err
		}
	}
}

func (s *plainSession) waitReady(ctx context.Context) error {
	for {
		event, err := s.next(ctx)
		if err != nil {
			return err
		}
		if event.Type != bridge.EventChatInitialized {
			continue
		}

		var data struct {
			ConversationHistory []plainMessage `json:"conversationHistory"`
		}
		if err := event.Decode(&data); err != nil {
			return err
		}
		for _, msg := range data.ConversationHistory {
			if msg.Role == string(conversation.RoleBot) {
				s.buttons = msg.Buttons
			}
		}
		if len(data.ConversationHistory) > 0 {
			fmt.Fprintf(s.out, "Resuming a conversation with %d messages.\n\n", len(data.ConversationHistory))
		}
		return nil
	}
}

// exchange sends one line and prints events until the turn ends.
func (s *plainSession) exchange(ctx context.Context, line string) error {
	action := bridge.NewAction(bridge.ActionSendMessage, bridge.Payload{"message": line})
	switch {
	case strings.EqualFold(line, "/new"):
		s.buttons = nil
		if err := s.link.Receive(ctx, bridge.NewAction(bridge.ActionForceNewConversation, nil)); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Started a new conversation.")
		return nil
	default:
		if index, err := strconv.Atoi(line); err == nil && index >= 1 && index <= len(s.buttons) {
			action = bridge.NewAction(bridge.ActionClickButton, bridge.Payload{"buttonId": s.buttons[index-1].ID})
		}
	}

	if err := s.link.Receive(ctx, action); err != nil {
		return err
	}

	for {
		event, err := s.next(ctx)
		if err != nil {
			return err
		}

		switch event.Type {
		case bridge.EventMessageReceived:
			var msg plainMessage
			if err := event.Decode(&msg); err != nil {
				return err
			}
			if msg.Role == string(conversation.RoleUser) {
				continue
			}
			s.buttons = msg.Buttons
			printAssistantMessage(s.out, msg.Message, msg.Buttons)
			return nil
		case bridge.EventErrorOccurred:
			fmt.Fprintf(s.out, "error: %s\n\n", event.Payload().String("error"))
			return nil
		case bridge.EventAgentNamed:
			fmt.Fprintf(s.out, "(your companion is now called %s)\n", event.Payload().String("name"))
		}
	}
}

func (s *plainSession) next(ctx context.Context) (bridge.Event, error) {
	for {
		frame, ok := s.link.Next(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return bridge.Event{}, err
			}
			return bridge.Event{}, errors.New("bridge closed")
		}

		event, err := bridge.DecodeEvent(frame)
		if err != nil {
			continue
		}
		return event, nil
	}
}

type plainMessage struct {
	Role    string                `json:"role"`
	Message string                `json:"message"`
	Buttons []conversation.Button `json:"buttons"`
}

func printAssistantMessage(out io.Writer, message string, buttons []conversation.Button) {
	lines := assistantLines(message)
	for _, line := range lines {
		fmt.Fprintf(out, "🤖 %s\n", line)
	}
	for i, button := range buttons {
		fmt.Fprintf(out, "   [%d] %s\n", i+1, button.Label)
	}
	if len(lines) > 0 {
		fmt.Fprintln(out)
	}
}

func assistantLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
