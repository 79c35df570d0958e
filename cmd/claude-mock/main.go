// Package main implements claude-mock, a stand-in for the Claude CLI used
// in development and integration testing. It accepts the same invocation
// flags as the real binary and emits the same single-JSON-object output
// contract on stdout.
//
// The prompt selects the behavior:
//
//	sleep:<duration>  wait before answering (e.g. sleep:2s)
//	fail:<message>    answer with an error field
//	exit:<code>       write a line to stderr and exit non-zero
//	stderr:<text>     write text to stderr, then answer normally
//	banner:<text>     print a non-JSON banner line before the JSON
//	silent            exit 0 with no output at all
//	garbage           print output that is not JSON
//
// Any other prompt is echoed back in an assistant message.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

type agentMessage map[string]any

type agentResult struct {
	SessionID string         `json:"session_id"`
	Messages  []agentMessage `json:"messages"`
	Error     string         `json:"error,omitempty"`
}

func main() {
	resume := pflag.String("resume", "", "session id to continue")
	cwd := pflag.String("cwd", "", "working directory")
	pflag.Bool("dangerously-skip-permissions", false, "skip permission prompts")
	pflag.String("allowedTools", "", "comma-separated tool allowlist")
	pflag.String("disallowedTools", "", "comma-separated tool denylist")
	pflag.String("mcp-config", "", "MCP server configuration")
	pflag.String("append-system-prompt", "", "extra system prompt")
	pflag.String("permission-mode", "", "permission mode")
	pflag.String("model", "", "model override")
	pflag.String("fallback-model", "", "fallback model")
	pflag.StringArray("add-dir", nil, "additional accessible directories")
	pflag.Bool("strict-mcp-config", false, "only use servers from --mcp-config")
	pflag.Parse()

	prompt := strings.Join(pflag.Args(), " ")

	sessionID := *resume
	if sessionID == "" {
		sessionID = "mock-" + uuid.NewString()
	}

	switch {
	case prompt == "silent":
		return

	case prompt == "garbage":
		fmt.Println("this output is not JSON at all")
		return

	case strings.HasPrefix(prompt, "sleep:"):
		d, err := time.ParseDuration(strings.TrimPrefix(prompt, "sleep:"))
		if err != nil {
			d = time.Second
		}
		time.Sleep(d)

	case strings.HasPrefix(prompt, "fail:"):
		respond(agentResult{
			SessionID: sessionID,
			Error:     strings.TrimPrefix(prompt, "fail:"),
		})
		return

	case strings.HasPrefix(prompt, "exit:"):
		code, err := strconv.Atoi(strings.TrimPrefix(prompt, "exit:"))
		if err != nil || code == 0 {
			code = 1
		}
		fmt.Fprintf(os.Stderr, "mock agent exiting with status %d\n", code)
		os.Exit(code)

	case strings.HasPrefix(prompt, "stderr:"):
		fmt.Fprintln(os.Stderr, strings.TrimPrefix(prompt, "stderr:"))

	case strings.HasPrefix(prompt, "banner:"):
		fmt.Println(strings.TrimPrefix(prompt, "banner:"))
	}

	respond(agentResult{
		SessionID: sessionID,
		Messages: []agentMessage{
			{"type": "system", "subtype": "init", "cwd": *cwd, "session_id": sessionID},
			{"type": "assistant", "message": map[string]any{
				"content": []map[string]any{{"type": "text", "text": "echo: " + prompt}},
			}},
			{"type": "result", "subtype": "success", "is_error": false},
		},
	})
}

func respond(res agentResult) {
	out, err := json.Marshal(res)
	if err != nil {
		fmt.Fprintln(os.Stderr, "claude-mock: "+err.Error())
		os.Exit(1)
	}
	fmt.Println(string(out))
}
