package tools

import "github.com/agentdesk/agentd/llm"

func prop(typ, desc string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": desc}
}

// FilesystemSpecs returns specs for the workspace filesystem tools.
func FilesystemSpecs() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name:        "read_file",
			Description: "Read the contents of a file in the agent workspace",
			Schema: llm.ToolSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"path": prop("string", "Path to the file, relative to the workspace root"),
				},
				Required: []string{"path"},
			},
		},
		{
			Name:        "list_dir",
			Description: "List the entries of a directory in the agent workspace",
			Schema: llm.ToolSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"path": prop("string", "Path to the directory, relative to the workspace root. Defaults to the workspace root."),
				},
			},
		},
		{
			Name:        "delete_file",
			Description: "Delete a file in the agent workspace. Requires user approval.",
			Schema: llm.ToolSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"path": prop("string", "Path to the file, relative to the workspace root"),
				},
				Required: []string{"path"},
			},
		},
	}
}

// MemorySpecs returns specs for the long-term memory tools.
func MemorySpecs() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name:        "remember_fact",
			Description: "Store a durable fact about the user or the task for future conversations",
			Schema: llm.ToolSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"key":        prop("string", "Short identifier for the fact, e.g. 'user_timezone'"),
					"content":    prop("string", "The fact to remember, stated in one or two sentences"),
					"importance": prop("number", "Importance from 0.0 to 1.0. Facts default to 0.8."),
				},
				Required: []string{"key", "content"},
			},
		},
		{
			Name:        "search_memory",
			Description: "Search long-term memory for items relevant to a query",
			Schema: llm.ToolSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"query": prop("string", "What to look for"),
					"limit": prop("integer", "Maximum number of results, default 5"),
				},
				Required: []string{"query"},
			},
		},
	}
}

// NotificationSpecs returns specs for the user notification tools.
func NotificationSpecs() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name:        "notify_user",
			Description: "Send a desktop notification to the user. Requires user approval.",
			Schema: llm.ToolSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"title":   prop("string", "Notification title"),
					"message": prop("string", "Notification body text"),
				},
				Required: []string{"title", "message"},
			},
		},
	}
}
