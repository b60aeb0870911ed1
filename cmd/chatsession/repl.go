package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/chatsession/internal/app"
	"github.com/ent0n29/chatsession/internal/chat"
	"github.com/ent0n29/chatsession/internal/conversation"
	"github.com/ent0n29/chatsession/internal/identity"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Padding(0, 1)

	userLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	assistantLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("135")).
				Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

func newReplCmd(root *rootOptions) *cobra.Command {
	var (
		assistantType string
		userID        string
	)
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Chat with an assistant from the terminal",
		Long: `Start an interactive chat. Ctrl-C cancels the running turn, or exits when
nothing is running.

Commands:
  /login <user>   switch the active identity
  /logout         continue as guest
  /clear          start a new conversation
  /history        print the conversation again
  /rate <id> up|down  rate an assistant reply
  /quit           exit`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			built, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("build: %w", err)
			}
			defer func() {
				if err := built.Cleanup(); err != nil {
					logger.Warn("cleanup failed", zap.Error(err))
				}
			}()

			if assistantType == "" {
				types := built.AssistantTypes()
				if len(types) == 0 {
					return errors.New("no assistants configured")
				}
				assistantType = types[0]
			}
			ctrl, err := built.NewController(assistantType)
			if err != nil {
				return err
			}
			defer ctrl.Close(context.Background())

			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt)
			defer signal.Stop(interrupts)

			r := &repl{
				ctrl:       ctrl,
				in:         cmd.InOrStdin(),
				out:        cmd.OutOrStdout(),
				userID:     userID,
				interrupts: interrupts,
			}
			return r.run(ctx)
		},
	}
	cmd.Flags().StringVar(&assistantType, "assistant", "", "assistant type (default: first configured)")
	cmd.Flags().StringVar(&userID, "user", "", "initial user id (empty for guest)")
	return cmd
}

type repl struct {
	ctrl       *chat.Controller
	in         io.Reader
	out        io.Writer
	userID     string
	interrupts <-chan os.Signal
}

func (r *repl) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	view := r.ctrl.Observe(ctx, r.userID)
	fmt.Fprintln(r.out, headerStyle.Render(fmt.Sprintf("%s assistant · %s", view.AssistantType, view.UserKey)))
	r.printMessages(view.Messages)

	for {
		fmt.Fprint(r.out, userLabelStyle.Render(identity.UserKey(r.userID)+"> "))
		var (
			line string
			ok   bool
		)
		select {
		case <-ctx.Done():
			return nil
		case <-r.interrupts:
			fmt.Fprintln(r.out)
			return nil
		case line, ok = <-lines:
			if !ok {
				fmt.Fprintln(r.out)
				return nil
			}
		}

		cmd := parseCommand(line)
		switch cmd.name {
		case "":
			continue
		case "quit":
			return nil
		case "login":
			if cmd.arg == "" {
				fmt.Fprintln(r.out, errorStyle.Render("usage: /login <user>"))
				continue
			}
			r.switchUser(ctx, cmd.arg)
		case "logout":
			r.switchUser(ctx, "")
		case "clear":
			r.printMessages(r.ctrl.Clear(ctx).Messages)
		case "history":
			r.printMessages(r.ctrl.View().Messages)
		case "rate":
			r.rate(ctx, cmd.arg)
		case "send":
			r.send(ctx, cmd.arg)
		default:
			fmt.Fprintln(r.out, errorStyle.Render("unknown command /"+cmd.name))
		}
	}
}

func (r *repl) switchUser(ctx context.Context, userID string) {
	r.userID = userID
	view := r.ctrl.Observe(ctx, userID)
	fmt.Fprintln(r.out, headerStyle.Render("now chatting as "+view.UserKey))
	r.printMessages(view.Messages)
}

func (r *repl) send(ctx context.Context, text string) {
	type sendDone struct {
		res chat.Result
		err error
	}
	done := make(chan sendDone, 1)
	go func() {
		res, err := r.ctrl.Send(ctx, r.userID, text)
		done <- sendDone{res: res, err: err}
	}()

	started := time.Now()
	lastHint := ""
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case d := <-done:
			switch {
			case errors.Is(d.err, chat.ErrIdentityChanged):
				fmt.Fprintln(r.out, errorStyle.Render(d.err.Error()))
				r.printMessages(r.ctrl.View().Messages)
			case d.err != nil:
				fmt.Fprintln(r.out, errorStyle.Render(d.err.Error()))
			case d.res.Reply != nil:
				fmt.Fprintln(r.out, renderMessage(*d.res.Reply))
			}
			return
		case <-r.interrupts:
			r.ctrl.Cancel()
		case <-ticker.C:
			if hint := chat.LoadingHint(time.Since(started)); hint != lastHint {
				lastHint = hint
				fmt.Fprintln(r.out, noticeStyle.Render(hint))
			}
		}
	}
}

func (r *repl) rate(ctx context.Context, arg string) {
	fields := strings.Fields(arg)
	if len(fields) != 2 || (fields[1] != "up" && fields[1] != "down") {
		fmt.Fprintln(r.out, errorStyle.Render("usage: /rate <message-id> up|down"))
		return
	}
	if err := r.ctrl.Feedback(ctx, fields[0], fields[1] == "up"); err != nil {
		fmt.Fprintln(r.out, errorStyle.Render(err.Error()))
		return
	}
	fmt.Fprintln(r.out, noticeStyle.Render("thanks for the feedback"))
}

func (r *repl) printMessages(msgs []conversation.Message) {
	for _, m := range msgs {
		fmt.Fprintln(r.out, renderMessage(m))
	}
}

type replCommand struct {
	name string
	arg  string
}

// parseCommand maps an input line to a command. Plain text is "send".
func parseCommand(line string) replCommand {
	line = strings.TrimSpace(line)
	if line == "" {
		return replCommand{}
	}
	if !strings.HasPrefix(line, "/") {
		return replCommand{name: "send", arg: line}
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return replCommand{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}
}

func renderMessage(m conversation.Message) string {
	switch {
	case m.Notice:
		return noticeStyle.Render(m.Text)
	case m.Error:
		return errorStyle.Render("! " + m.Text)
	case m.Role == conversation.RoleUser:
		return userLabelStyle.Render("you: ") + m.Text
	}
	out := assistantLabelStyle.Render("assistant: ") + m.Text
	var meta []string
	if m.ResponseTimeSeconds != nil {
		meta = append(meta, fmt.Sprintf("%.1fs", *m.ResponseTimeSeconds))
	}
	if m.TokenUsage != nil {
		meta = append(meta, fmt.Sprintf("%d tokens", *m.TokenUsage))
	}
	if m.ServerMessageID != "" {
		meta = append(meta, "id "+m.ServerMessageID)
	}
	if len(meta) > 0 {
		out += "\n" + metaStyle.Render("  "+strings.Join(meta, " · "))
	}
	return out
}
