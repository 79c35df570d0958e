package executor

import (
	"bytes"
	"encoding/json"

	"github.com/tethr-io/tethr/internal/protocol"
)

// stderrLimit caps how much captured error-stream text travels in error
// details.
const stderrLimit = 1024

// agentOutput is the single JSON object the agent contract requires on
// stdout. True output nests under messages; error is set when the agent
// itself failed.
type agentOutput struct {
	SessionID string            `json:"session_id"`
	Messages  []json.RawMessage `json:"messages"`
	Error     string            `json:"error"`
}

// parseOutput extracts and decodes the agent's JSON object. Banner lines
// around the object are tolerated; anything less than one parseable object
// is an execution failure carrying a stderr snippet.
func parseOutput(stdout, stderr []byte) (agentOutput, *protocol.Error) {
	var out agentOutput

	raw, ok := extractJSON(stdout)
	if !ok {
		return out, protocol.E(protocol.CodeExecutionFailed, "agent produced no JSON output").
			WithDetail("stderr", stderrSnippet(stderr))
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, protocol.E(protocol.CodeExecutionFailed, "agent output is not valid JSON").
			WithDetail("stderr", stderrSnippet(stderr))
	}
	if out.Error != "" {
		return out, protocol.E(protocol.CodeExecutionFailed, "agent reported an error").
			WithDetail("agent_error", protocol.ScrubPaths(out.Error))
	}
	return out, nil
}

// extractJSON returns the slice from the first '{' through the last '}'.
func extractJSON(out []byte) ([]byte, bool) {
	start := bytes.IndexByte(out, '{')
	end := bytes.LastIndexByte(out, '}')
	if start < 0 || end < start {
		return nil, false
	}
	return out[start : end+1], true
}

// stderrSnippet returns up to the first KiB of stderr, path-scrubbed, for
// embedding in wire-visible error details.
func stderrSnippet(stderr []byte) string {
	s := bytes.TrimSpace(stderr)
	if len(s) > stderrLimit {
		s = s[:stderrLimit]
	}
	return protocol.ScrubPaths(string(s))
}
