package approval

// Tools whose side effects leave the agent's sandbox. Deletion, code
// execution, outbound communication, money movement, and permission changes
// always require a human decision.
var sensitiveTools = map[string]struct{}{
	"delete_file":        {},
	"execute_code":       {},
	"send_email":         {},
	"send_message":       {},
	"notify_user":        {},
	"transfer_funds":     {},
	"modify_permissions": {},
}

// Classifier decides which tool calls must pass through the approval gate.
// Classification depends only on the tool name, never on arguments, so the
// same call is always classified the same way.
type Classifier struct {
	sensitive map[string]struct{}
}

// NewClassifier builds a classifier from the built-in sensitive set plus any
// extra tool names from configuration.
func NewClassifier(extra []string) *Classifier {
	sensitive := make(map[string]struct{}, len(sensitiveTools)+len(extra))
	for name := range sensitiveTools {
		sensitive[name] = struct{}{}
	}
	for _, name := range extra {
		if name != "" {
			sensitive[name] = struct{}{}
		}
	}
	return &Classifier{sensitive: sensitive}
}

// Sensitive reports whether a tool call must be approved before it runs.
func (c *Classifier) Sensitive(toolName string) bool {
	_, ok := c.sensitive[toolName]
	return ok
}
