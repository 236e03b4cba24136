package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/zulandar/palaver/internal/coordinator"
	"github.com/zulandar/palaver/internal/models"
	"golang.org/x/term"
)

func newSendCmd() *cobra.Command {
	var (
		configPath string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <conversation-id> <message...>",
		Short: "Send a message and print the reply",
		Long:  "Stores a user message in the conversation and waits for the assistant reply to be stored.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := newSession(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			defer s.close()

			reply, err := s.exchange(cmd.Context(), strings.Join(args[1:], " "), replyTimeout(a, timeout))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Content)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Palaver config file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the reply (default: backend timeout plus 5s)")
	return cmd
}

func newChatCmd() *cobra.Command {
	var (
		configPath string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Chat interactively in a conversation",
		Long: `Reads one message per line and prints each reply. Without an ID a new
conversation is started. Type /quit or send EOF to leave.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			convID := uuid.NewString()
			if len(args) == 1 {
				convID = args[0]
			}
			return runChat(cmd.Context(), a, convID, cmd.InOrStdin(), cmd.OutOrStdout(), isTerminal(cmd.InOrStdin()), replyTimeout(a, timeout))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Palaver config file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for each reply (default: backend timeout plus 5s)")
	return cmd
}

func runChat(ctx context.Context, a *app, convID string, in io.Reader, out io.Writer, interactive bool, timeout time.Duration) error {
	s, err := newSession(ctx, a, convID)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Fprintf(out, "Conversation %s\n", convID)
	if interactive {
		for _, t := range s.view.Snapshot().Messages {
			fmt.Fprintf(out, "%s: %s\n", t.Role, t.Content)
		}
	}

	sc := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}
		reply, err := s.exchange(ctx, line, timeout)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", reply.Role, reply.Content)
	}
	if interactive {
		fmt.Fprintln(out)
	}
	return sc.Err()
}

// session is a coordinator view plus a signal for every snapshot change.
type session struct {
	view    *coordinator.View
	changed chan struct{}
}

func newSession(ctx context.Context, a *app, convID string) (*session, error) {
	s := &session{changed: make(chan struct{}, 1)}
	v, err := a.openView(ctx, convID, func(coordinator.Snapshot) {
		select {
		case s.changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	s.view = v
	return s, nil
}

// close stops the view and waits for an outstanding reply to be stored.
func (s *session) close() {
	s.view.Close()
	s.view.Wait()
}

// exchange sends text and waits for the assistant turn that answers it. A
// send refused because an earlier turn is still being answered is retried
// once that reply is in.
func (s *session) exchange(ctx context.Context, text string, timeout time.Duration) (models.Turn, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	wait := func() error {
		select {
		case <-s.changed:
			return nil
		case <-deadline.C:
			return fmt.Errorf("no reply within %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var id uint
	for {
		var err error
		id, err = s.view.SendMessage(ctx, text)
		if err == nil {
			break
		}
		if !errors.Is(err, coordinator.ErrBusy) {
			if errors.Is(err, coordinator.ErrPrecondition) || errors.Is(err, ctx.Err()) {
				return models.Turn{}, err
			}
			return models.Turn{}, fmt.Errorf("%s: %w", coordinator.SaveFailedMessage, err)
		}
		if err := wait(); err != nil {
			return models.Turn{}, err
		}
	}

	for {
		reply, done, err := replyTo(s.view.Snapshot(), id)
		if done {
			return reply, err
		}
		if err := wait(); err != nil {
			return models.Turn{}, err
		}
	}
}

// replyTo reports the outcome of the call made for user turn id. done is
// false until the view has finished that call and, on success, shows the
// stored reply.
func replyTo(snap coordinator.Snapshot, id uint) (reply models.Turn, done bool, err error) {
	if snap.Answered != id {
		return models.Turn{}, false, nil
	}
	if snap.ReplyID == 0 {
		msg := snap.Err
		if msg == "" {
			msg = "no reply stored"
		}
		return models.Turn{}, true, errors.New(msg)
	}
	for _, t := range snap.Messages {
		if t.ID == snap.ReplyID {
			return t, true, nil
		}
	}
	return models.Turn{}, false, nil
}

func replyTimeout(a *app, flag time.Duration) time.Duration {
	if flag > 0 {
		return flag
	}
	return a.cfg.Backend.Timeout + 5*time.Second
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
