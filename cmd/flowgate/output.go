package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/michaelbrown/flowgate/internal/execution"
)

// sandboxResult is the payload shape of the reference sandbox server.
// Other sandboxes are printed as raw JSON.
type sandboxResult struct {
	Stdout   *string `json:"stdout"`
	Stderr   string  `json:"stderr"`
	ExitCode int     `json:"exit_code"`
	TimedOut bool    `json:"timed_out"`
}

// printOutcome renders an outcome for a terminal.
func printOutcome(w io.Writer, o execution.Outcome) {
	switch o.Kind {
	case execution.KindSuccess:
		var res sandboxResult
		if json.Unmarshal(o.Payload, &res) == nil && res.Stdout != nil {
			fmt.Fprint(w, *res.Stdout)
			if res.Stderr != "" {
				fmt.Fprintf(w, "\033[90m%s\033[0m", res.Stderr)
			}
			if res.TimedOut {
				fmt.Fprintln(w, "\033[33m(timed out)\033[0m")
			} else if res.ExitCode != 0 {
				fmt.Fprintf(w, "\033[33mexit code: %d\033[0m\n", res.ExitCode)
			}
			return
		}
		fmt.Fprintln(w, indentJSON(o.Payload))
	case execution.KindRemoteError:
		fmt.Fprintf(w, "\033[31msandbox returned HTTP %d\033[0m\n", o.StatusCode)
		if len(o.Body) > 0 {
			fmt.Fprintln(w, truncate(indentJSON(o.Body), 2000))
		}
	default:
		fmt.Fprintf(w, "\033[31m%s\033[0m\n", o.String())
	}
}

func indentJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
