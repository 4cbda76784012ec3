package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jimiagent/jimi/pkg/models"
)

var runCmd = &cobra.Command{
	Use:   "run \"<prompt>\"",
	Short: "Execute one prompt to completion and exit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		session, err := newSession(ctx, cfg)
		if err != nil {
			return err
		}
		defer session.Close()

		stdin := bufio.NewReader(os.Stdin)
		stopPump := startEventPump(session, stdin)
		defer stopPump()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)
		go func() {
			if _, ok := <-sigs; ok {
				session.Executor.Cancel()
			}
		}()

		return session.Executor.Execute(ctx, textParts(args[0]))
	},
}

// startEventPump subscribes to the session bus, printing assistant deltas to
// stdout, tool lifecycle to stderr, and answering approval prompts from
// stdin. Returns a stop function that unsubscribes and waits for drain.
func startEventPump(session *Session, stdin *bufio.Reader) func() {
	events, cancel := session.Bus.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for e := range events {
			session.Timeline.Record(e)
			switch e.Type {
			case models.EventContentDelta:
				if e.ContentDelta.Kind == models.ContentKindNormal {
					fmt.Print(e.ContentDelta.Text)
				}
			case models.EventToolCallAnnounce:
				fmt.Fprintf(os.Stderr, "\n[tool] %s %s\n", e.ToolCall.Name, compactArgs(string(e.ToolCall.Arguments)))
			case models.EventToolResult:
				if !e.ToolResult.OK {
					fmt.Fprintf(os.Stderr, "[tool] %s failed: %s\n", e.ToolResult.ToolCallID, e.ToolResult.Message)
				}
			case models.EventApprovalRequest:
				e.Approval.Reply <- promptApproval(stdin, e.Approval.ActionLabel, e.Approval.Description)
			case models.EventCompactionBegin:
				fmt.Fprintln(os.Stderr, "[context] compacting history...")
			case models.EventStepEnd:
				fmt.Println()
			case models.EventDone:
				if e.Done.Reason != "" {
					fmt.Fprintf(os.Stderr, "[done] %s (%s)\n", e.Done.Cause, e.Done.Reason)
				}
			case models.EventSubscriberLagged:
				fmt.Fprintf(os.Stderr, "[warn] %d events dropped for a slow subscriber\n", e.Lagged.Dropped)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// promptApproval asks the user to decide a privileged tool call:
// y = allow once, a = allow for the rest of the session, anything else = deny.
func promptApproval(stdin *bufio.Reader, action, description string) models.ApprovalReply {
	fmt.Fprintf(os.Stderr, "\n[approval] %s\n  %s\n  allow? [y]es / [a]lways this session / [N]o: ", action, description)
	line, err := stdin.ReadString('\n')
	if err != nil {
		return models.ApprovalReplyReject
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return models.ApprovalReplyApprove
	case "a", "always":
		return models.ApprovalReplyApproveSession
	default:
		return models.ApprovalReplyReject
	}
}

// compactArgs flattens a JSON arguments document to a short single line.
func compactArgs(args string) string {
	args = strings.Join(strings.Fields(args), " ")
	if len(args) > 120 {
		args = args[:120] + "..."
	}
	return args
}
