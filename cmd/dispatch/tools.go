package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/haasonsaas/dispatch/internal/tools"
)

// registerBuiltinTools registers the local tool set the CLI ships with.
func registerBuiltinTools(registry *tools.Registry) error {
	builtins := []tools.Func{
		{
			ToolName:        "bash",
			ToolDescription: "Run a shell command and return its combined output",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string", "minLength": 1}
				},
				"required": ["command"],
				"additionalProperties": false
			}`),
			NonIdempotent: true,
			Fn:            runBash,
		},
		{
			ToolName:        "read_file",
			ToolDescription: "Read a file and return its contents",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "minLength": 1}
				},
				"required": ["path"],
				"additionalProperties": false
			}`),
			Fn: runReadFile,
		},
		{
			ToolName:        "write_file",
			ToolDescription: "Write content to a file, creating it if needed",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"content": {"type": "string"}
				},
				"required": ["path", "content"],
				"additionalProperties": false
			}`),
			NonIdempotent: true,
			Fn:            runWriteFile,
		},
	}

	for _, tool := range builtins {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.ToolName, err)
		}
	}
	return nil
}

func runBash(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", in.Command)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(string(output)), err)
	}
	return string(output), nil
}

func runReadFile(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}

	data, err := os.ReadFile(in.Path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func runWriteFile(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}

	if err := os.WriteFile(in.Path, []byte(in.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
}
