package executor

import (
	"strings"

	"github.com/tethr-io/tethr/internal/protocol"
)

// buildArgs assembles the agent command line. The order is fixed:
// continuation, working directory, recognized options, then the prompt as
// the final positional argument. Options the request does not set are
// omitted entirely.
func buildArgs(sessionID, path string, req protocol.ExecuteRequest) []string {
	args := make([]string, 0, 16)
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	args = append(args, "--cwd", path)

	if opts := req.Options; opts != nil {
		if opts.DangerouslySkipPermissions {
			args = append(args, "--dangerously-skip-permissions")
		}
		if len(opts.AllowedTools) > 0 {
			args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
		}
		if len(opts.DisallowedTools) > 0 {
			args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
		}
		if opts.MCPConfig != "" {
			args = append(args, "--mcp-config", opts.MCPConfig)
		}
		if opts.AppendSystemPrompt != "" {
			args = append(args, "--append-system-prompt", opts.AppendSystemPrompt)
		}
		if opts.PermissionMode != "" {
			args = append(args, "--permission-mode", opts.PermissionMode)
		}
		if opts.Model != "" {
			args = append(args, "--model", opts.Model)
		}
		if opts.FallbackModel != "" {
			args = append(args, "--fallback-model", opts.FallbackModel)
		}
		for _, dir := range opts.AddDirs {
			args = append(args, "--add-dir", dir)
		}
		if opts.StrictMCPConfig {
			args = append(args, "--strict-mcp-config")
		}
	}

	return append(args, req.Prompt)
}
