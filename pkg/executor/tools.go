package executor

import (
	"context"
	"fmt"
	"os"

	"github.com/Nomadcxx/floyd-bridge/pkg/protocol"
)

// echoTool returns its arguments unchanged. Used for connectivity checks
// and as the canonical end-to-end test tool.
type echoTool struct{}

func (t *echoTool) Schema() protocol.ToolDescriptor {
	return protocol.ToolDescriptor{
		Name:        "echo",
		Description: "Echo the given arguments back",
		InputSchema: map[string]any{
			"type":                 "object",
			"additionalProperties": true,
		},
	}
}

func (t *echoTool) Execute(_ context.Context, args map[string]any) (any, error) {
	return map[string]any{"echo": args}, nil
}

// readTool reads a file's contents.
type readTool struct{}

func (t *readTool) Schema() protocol.ToolDescriptor {
	return protocol.ToolDescriptor{
		Name:        "read",
		Description: "Read the contents of a file",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Absolute path to the file to read",
				},
			},
			"required": []string{"file_path"},
		},
	}
}

func (t *readTool) Execute(_ context.Context, args map[string]any) (any, error) {
	path, ok := args["file_path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("file_path argument required (string)")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return map[string]any{"content": string(content)}, nil
}

// lsTool lists a directory.
type lsTool struct{}

func (t *lsTool) Schema() protocol.ToolDescriptor {
	return protocol.ToolDescriptor{
		Name:        "ls",
		Description: "List files in a directory",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory path to list (default: .)",
				},
			},
		},
	}
}

func (t *lsTool) Execute(_ context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return map[string]any{"entries": names}, nil
}
