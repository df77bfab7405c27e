package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/flowgate/internal/execution"
)

const maxOutput = 4000

func main() {
	client := execution.NewClient(execution.Options{
		Endpoint: os.Getenv("FLOWGATE_SANDBOX_ENDPOINT"),
	})

	s := server.NewMCPServer("flowgate-code-runner", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "code_run",
		Description: "Execute Python code on the remote sandbox and return its output.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source code to execute",
				},
				"filename": map[string]any{
					"type":        "string",
					"description": "File name for the code (optional, default main.py)",
				},
			},
			Required: []string{"code"},
		},
	}, codeRunHandler(client))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	}
}

func codeRunHandler(client *execution.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}

		code, _ := args["code"].(string)
		filename, _ := args["filename"].(string)
		if code == "" {
			return errResult("error: 'code' is required"), nil
		}
		if filename == "" {
			filename = "main.py"
		}

		out, err := client.Execute(ctx, execution.FileSet{filename: code})
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}
		return outcomeResult(out), nil
	}
}

// outcomeResult turns an outcome into tool output, flattening the reference
// sandbox's stdout/stderr payload when present.
func outcomeResult(out execution.Outcome) *mcp.CallToolResult {
	if !out.OK() {
		text := "error: " + out.String()
		if len(out.Body) > 0 {
			text += "\n" + string(out.Body)
		}
		return errResult(clip(text))
	}

	var res struct {
		Stdout   *string `json:"stdout"`
		Stderr   string  `json:"stderr"`
		ExitCode int     `json:"exit_code"`
	}
	if json.Unmarshal(out.Payload, &res) != nil || res.Stdout == nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: clip(string(out.Payload))}},
		}
	}

	var output strings.Builder
	output.WriteString(*res.Stdout)
	if res.Stderr != "" {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n" + res.Stderr)
	}
	if res.ExitCode != 0 {
		output.WriteString(fmt.Sprintf("\nexit code: %d", res.ExitCode))
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: clip(output.String())}},
		IsError: res.ExitCode != 0,
	}
}

func clip(text string) string {
	if len(text) > maxOutput {
		return text[:maxOutput] + "\n... (output truncated)"
	}
	return text
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
