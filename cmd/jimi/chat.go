package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jimiagent/jimi/internal/agent"
	"github.com/jimiagent/jimi/pkg/models"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session",
	Args:  cobra.NoArgs,
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

		return runChat(ctx, session)
	},
}

const chatHelp = `Meta-commands:
  /help     show this help
  /status   session id, token count, event counters
  /tools    list registered tools
  /reset    revert the conversation to its beginning
  /compact  force a compaction pass before the next step
  /init     analyse the workdir and write AGENTS.md
  /quit     exit`

func runChat(ctx context.Context, session *Session) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	stdin := bufio.NewReader(os.Stdin)

	stopPump := startEventPump(session, stdin)
	defer stopPump()

	// Ctrl-C cancels an in-flight run rather than killing the REPL; a second
	// interrupt while idle exits via the closed channel below.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			session.Executor.Cancel()
		}
	}()

	if interactive {
		fmt.Printf("jimi chat — session %s (type /help for commands)\n", shortID(session.ID))
	}

	for {
		if interactive {
			fmt.Print("\n> ")
		}
		line, err := stdin.ReadString('\n')
		if err != nil {
			return nil // EOF ends the session
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := session.handleMetaCommand(ctx, input); quit {
				return nil
			}
			continue
		}

		err = session.Executor.Execute(ctx, textParts(input))
		switch {
		case err == nil:
		case errors.Is(err, agent.ErrCancelled):
			fmt.Fprintln(os.Stderr, "[interrupted]")
		case errors.Is(err, agent.ErrMaxStepsReached):
			fmt.Fprintln(os.Stderr, "[stopped] step limit reached")
		default:
			// Fatal for the run, not for the REPL: meta-commands stay
			// available.
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		}
	}
}

// handleMetaCommand executes one /-prefixed command, returning true on /quit.
func (s *Session) handleMetaCommand(ctx context.Context, input string) bool {
	cmd, _, _ := strings.Cut(input, " ")

	switch cmd {
	case "/help":
		fmt.Println(chatHelp)
	case "/status":
		fmt.Printf("session   %s\n", s.ID)
		fmt.Printf("history   %s\n", s.HistoryPath)
		fmt.Printf("tokens    %d\n", s.Store.TokenCount())
		fmt.Printf("messages  %d\n", len(s.Store.SnapshotHistory()))
		fmt.Printf("steps     %d\n", s.Timeline.Count(models.EventStepBegin))
		fmt.Printf("toolcalls %d\n", s.Timeline.Count(models.EventToolCallAnnounce))
		stats := s.Executor.Stats()
		fmt.Printf("task      %d steps, %d tokens", stats.StepsInTask, stats.TokensInTask)
		if len(stats.ToolsUsed) > 0 {
			fmt.Printf(", tools: %s", strings.Join(stats.ToolsUsed, ", "))
		}
		fmt.Println()
	case "/tools":
		fmt.Print(describeTools(s.Registry))
	case "/reset":
		if err := s.Store.RevertTo(0); err != nil {
			fmt.Fprintf(os.Stderr, "[error] reset: %v\n", err)
		} else {
			fmt.Println("conversation reset")
		}
	case "/compact":
		s.Compactor.ForceNext()
		fmt.Println("compaction scheduled before the next step")
	case "/init":
		if err := s.initWorkdir(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "[error] init: %v\n", err)
		}
	case "/quit", "/exit":
		return true
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s (try /help)\n", cmd)
	}
	return false
}

// initWorkdir analyses the working directory with the LLM and writes an
// AGENTS.md summary. A filesystem watcher runs for the duration of the
// analysis so the user sees anything that changed underneath it.
func (s *Session) initWorkdir(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(s.Workdir); werr == nil {
			go func() {
				for {
					select {
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove) != 0 {
							fmt.Fprintf(os.Stderr, "[init] workdir changed during analysis: %s\n", filepath.Base(ev.Name))
						}
					case _, ok := <-watcher.Errors:
						if !ok {
							return
						}
					}
				}
			}()
		}
	}

	ws, err := agent.LoadWorkspaceContext(s.Workdir)
	if err != nil {
		return err
	}

	prompt := "Analyse this project directory and write a concise AGENTS.md: what the project is, how it is laid out, how to build and test it, and any conventions an agent should follow. Respond with the file content only.\n\nDirectory listing:\n" + ws.WorkDirLS
	msg, _, err := s.Provider.Complete(ctx, "", []*models.Message{
		{Role: models.RoleUser, Content: models.NewTextContent(prompt)},
	}, nil)
	if err != nil {
		return err
	}
	content := strings.TrimSpace(msg.Content.Text())
	if content == "" {
		return errors.New("model returned no content")
	}

	path := filepath.Join(s.Workdir, "AGENTS.md")
	if err := os.WriteFile(path, []byte(content+"\n"), 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes)\n", path, len(content)+1)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
