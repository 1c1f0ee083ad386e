package chat

import (
	"context"
	"fmt"

	"chatbridge/pkg/bridge"
	"chatbridge/pkg/channel"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// RunInteractive opens the full-screen chat over link until the user quits.
func RunInteractive(ctx context.Context, link channel.Link, info RuntimeInfo) error {
	m := newModel(ctx, link, modeInteractive, "", info)
	if err := run(ctx, m, tea.WithAltScreen(), tea.WithMouseCellMotion()); err != nil {
		return err
	}

	fmt.Println(renderGoodbyeBanner())
	return nil
}

// RunOneShot sends prompt once the conversation is ready and exits after the reply.
func RunOneShot(ctx context.Context, link channel.Link, info RuntimeInfo, prompt string) error {
	return run(ctx, newModel(ctx, link, modeOneShot, prompt, info))
}

func run(ctx context.Context, m *model, opts ...tea.ProgramOption) error {
	program := tea.NewProgram(m, append(opts, tea.WithContext(ctx))...)

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go pumpEvents(pumpCtx, m.link, program)

	_, err := program.Run()
	return err
}

// pumpEvents forwards bridge frames into the program as eventMsg values.
func pumpEvents(ctx context.Context, link channel.Link, program *tea.Program) {
	for {
		frame, ok := link.Next(ctx)
		if !ok {
			return
		}

		event, err := bridge.DecodeEvent(frame)
		if err != nil {
			continue
		}
		program.Send(eventMsg{event: event})
	}
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("88")).
		Padding(1, 2)

	return style.Render("👋 See you next time")
}
