package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/flowgate/internal/execution"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactively run Python snippets on the sandbox",
	Long: `Start an interactive prompt. Each snippet is sent to the sandbox as
main.py once a blank line is entered.

Examples:
  flowgate repl
  flowgate repl --endpoint http://localhost:8080/execute`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringVar(&endpointFlag, "endpoint", "", "Sandbox endpoint (overrides config)")
	replCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Per-call timeout (overrides config)")
	rootCmd.AddCommand(replCmd)
}

const (
	promptFirst = "\033[36m>>>\033[0m "
	promptCont  = "\033[36m...\033[0m "
)

func runRepl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger(cfg)
	defer logger.Sync()

	endpoint := cfg.Sandbox.Endpoint
	if endpointFlag != "" {
		endpoint = endpointFlag
	}
	if err := execution.ValidateEndpoint(endpoint); err != nil {
		return err
	}
	client := newClient(cfg, logger, nil)

	fmt.Printf("Flowgate - Sandbox REPL\n")
	fmt.Printf("Endpoint: %s\n", endpoint)
	fmt.Printf("Finish a snippet with a blank line. Type /help for commands, /quit to exit\n\n")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          promptFirst,
		HistoryFile:     filepath.Join(os.TempDir(), "flowgate_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C during a call cancels that call, not the REPL.
	var (
		mu        sync.Mutex
		reqCancel context.CancelFunc
	)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			mu.Lock()
			if reqCancel != nil {
				reqCancel()
			}
			mu.Unlock()
		}
	}()

	var (
		buf  []string
		last *execution.Outcome
	)
	for {
		if len(buf) == 0 {
			rl.SetPrompt(promptFirst)
		} else {
			rl.SetPrompt(promptCont)
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && len(buf) > 0 {
				buf = nil
				continue
			}
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		if len(buf) == 0 && strings.HasPrefix(strings.TrimSpace(line), "/") {
			if quit := handleReplCommand(strings.TrimSpace(line), last, &buf); quit {
				return nil
			}
			continue
		}

		if strings.TrimSpace(line) != "" {
			buf = append(buf, line)
			continue
		}
		if len(buf) == 0 {
			continue
		}

		src := strings.Join(buf, "\n") + "\n"
		buf = nil

		ctx, cancel := context.WithCancel(cmd.Context())
		mu.Lock()
		reqCancel = cancel
		mu.Unlock()

		out, err := client.Do(ctx, execution.Request{
			Files:    execution.FileSet{"main.py": src},
			Endpoint: endpoint,
			Timeout:  timeoutFlag,
		})

		mu.Lock()
		reqCancel = nil
		mu.Unlock()
		cancel()

		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			continue
		}
		last = &out
		printOutcome(os.Stdout, out)
		fmt.Println()
	}
}

// handleReplCommand runs a slash command and reports whether to exit.
func handleReplCommand(input string, last *execution.Outcome, buf *[]string) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/reset":
		*buf = nil
		fmt.Println("Snippet cleared.")
	case "/last":
		if last == nil {
			fmt.Println("Nothing run yet.")
			break
		}
		data, _ := json.MarshalIndent(last, "", "  ")
		fmt.Println(string(data))
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help     - Show this help")
		fmt.Println("  /reset    - Discard the current snippet")
		fmt.Println("  /last     - Show the last outcome (JSON)")
		fmt.Println("  /quit     - Exit")
	default:
		fmt.Printf("Unknown command: %s (try /help)\n", input)
	}
	fmt.Println()
	return false
}
