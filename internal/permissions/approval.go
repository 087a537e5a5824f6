package permissions

import "strings"

// Permission modes understood by the auto-approval resolver.
const (
	ModeDefault  = "default"
	ModeReadOnly = "read-only"
	ModeSafeYolo = "safe-yolo"
	ModeYolo     = "yolo"
)

// Hints override the built-in auto-approval tables.
type Hints struct {
	// AlwaysToolNames are tool names approved without prompting in default
	// mode.
	AlwaysToolNames []string
	// AlwaysToolIDs are substrings matched against the tool call id.
	AlwaysToolIDs []string
	// WriteToolNames mark tools that mutate state; a match suppresses the
	// read-only auto-approval.
	WriteToolNames []string
}

var builtinReadOnlyTools = []string{
	"Read",
	"Glob",
	"Grep",
	"LS",
	"WebFetch",
	"WebSearch",
	"NotebookRead",
	"TodoRead",
}

var builtinAlwaysTools = []string{
	"TodoWrite",
	"ExitPlanMode",
}

var builtinWriteTools = []string{
	"Write",
	"Edit",
	"MultiEdit",
	"NotebookEdit",
	"Bash",
}

// ResolveAutoApproval decides whether a permission request can be answered
// without prompting the user. It is a pure function of its inputs: the
// returned decision is types.DecisionApproved, types.DecisionApprovedForSession,
// or "" meaning the user must be asked.
func ResolveAutoApproval(mode, toolName, toolCallID string, overrides *Hints) string {
	alwaysNames := builtinAlwaysTools
	var alwaysIDs []string
	writeNames := builtinWriteTools
	if overrides != nil {
		if overrides.AlwaysToolNames != nil {
			alwaysNames = overrides.AlwaysToolNames
		}
		if overrides.AlwaysToolIDs != nil {
			alwaysIDs = overrides.AlwaysToolIDs
		}
		if overrides.WriteToolNames != nil {
			writeNames = overrides.WriteToolNames
		}
	}

	switch mode {
	case ModeYolo:
		return "approved_for_session"
	case ModeSafeYolo:
		return "approved"
	case ModeReadOnly:
		if containsName(writeNames, toolName) {
			return ""
		}
		if containsName(builtinReadOnlyTools, toolName) {
			return "approved"
		}
		return ""
	case ModeDefault, "":
		if containsName(alwaysNames, toolName) {
			return "approved"
		}
		for _, hint := range alwaysIDs {
			if hint != "" && strings.Contains(toolCallID, hint) {
				return "approved"
			}
		}
		return ""
	default:
		return ""
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
