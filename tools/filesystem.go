package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentdesk/agentd/llm"
)

// validateWorkspacePath ensures the given path is within the workspace directory
// and prevents directory traversal attacks
func validateWorkspacePath(workspacePath, targetPath string) (string, error) {
	workspacePath = filepath.Clean(workspacePath)
	absWorkspace, err := filepath.Abs(workspacePath)
	if err != nil {
		return "", fmt.Errorf("invalid workspace path: %w", err)
	}

	// If target is absolute, validate it directly
	if filepath.IsAbs(targetPath) {
		absTarget := filepath.Clean(targetPath)
		if !strings.HasPrefix(absTarget+string(filepath.Separator), absWorkspace+string(filepath.Separator)) {
			return "", fmt.Errorf("path outside workspace: %s", targetPath)
		}
		return absTarget, nil
	}

	joined := filepath.Join(absWorkspace, targetPath)
	absTarget, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	// Ensure the resolved path is still within workspace
	if !strings.HasPrefix(absTarget+string(filepath.Separator), absWorkspace+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s", targetPath)
	}

	return absTarget, nil
}

func specByName(specs []llm.ToolSpec, name string) llm.ToolSpec {
	for _, spec := range specs {
		if spec.Name == name {
			return spec
		}
	}
	return llm.ToolSpec{Name: name}
}

// RegisterFilesystemTools registers the workspace filesystem tools.
func (r *Registry) RegisterFilesystemTools(workspacePath string) {
	r.logger.Info().Str("workspace", workspacePath).Msg("Registering filesystem tools in registry")
	specs := FilesystemSpecs()

	r.Register(specByName(specs, "read_file"), func(ctx context.Context, agentID string, args json.RawMessage) (any, error) {
		var payload struct {
			Path     string `json:"path"`
			MaxBytes int64  `json:"max_bytes"`
		}
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}

		validPath, err := validateWorkspacePath(workspacePath, payload.Path)
		if err != nil {
			return nil, err
		}

		info, err := os.Stat(validPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat file: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("path is a directory, not a file: %s", payload.Path)
		}

		file, err := os.Open(validPath) //#nosec 304 -- validated above
		if err != nil {
			return nil, fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close() //nolint:errcheck // File close error can be ignored

		var content []byte
		if payload.MaxBytes > 0 {
			content = make([]byte, payload.MaxBytes)
			n, err := file.Read(content)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read file: %w", err)
			}
			content = content[:n]
		} else {
			content, err = io.ReadAll(file)
			if err != nil {
				return nil, fmt.Errorf("failed to read file: %w", err)
			}
		}

		return map[string]any{
			"content": string(content),
			"size":    len(content),
			"path":    payload.Path,
		}, nil
	})

	r.Register(specByName(specs, "list_dir"), func(ctx context.Context, agentID string, args json.RawMessage) (any, error) {
		var payload struct {
			Path string `json:"path"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
			}
		}
		if payload.Path == "" {
			payload.Path = "."
		}

		validPath, err := validateWorkspacePath(workspacePath, payload.Path)
		if err != nil {
			return nil, err
		}

		entries, err := os.ReadDir(validPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory: %w", err)
		}

		names := make([]map[string]any, 0, len(entries))
		for _, entry := range entries {
			names = append(names, map[string]any{
				"name":   entry.Name(),
				"is_dir": entry.IsDir(),
			})
		}
		sort.Slice(names, func(i, j int) bool {
			return names[i]["name"].(string) < names[j]["name"].(string)
		})

		return map[string]any{
			"path":    payload.Path,
			"entries": names,
		}, nil
	})

	r.Register(specByName(specs, "delete_file"), func(ctx context.Context, agentID string, args json.RawMessage) (any, error) {
		var payload struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}

		validPath, err := validateWorkspacePath(workspacePath, payload.Path)
		if err != nil {
			return nil, err
		}

		info, err := os.Stat(validPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat file: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("refusing to delete directory: %s", payload.Path)
		}

		if err := os.Remove(validPath); err != nil {
			return nil, fmt.Errorf("failed to delete file: %w", err)
		}

		r.logger.Info().Str("agent_id", agentID).Str("path", payload.Path).Msg("Deleted workspace file")
		return map[string]any{
			"path":    payload.Path,
			"deleted": true,
		}, nil
	})
}
