package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFlumeServer(t *testing.T) {
	s := NewFlumeServer(FlumeServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := NewFlumeServer(FlumeServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 4)

	expectedTools := []string{
		"flume.run",
		"flume.status",
		"flume.approve",
		"flume.cancel",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run", "flume.run", "Execute a stored pipeline and wait for it to complete or suspend"},
		{"status", "flume.status", "Get an execution snapshot: status, node log, events and any open suspension"},
		{"approve", "flume.approve", "Resolve a pending human approval on a suspended execution"},
		{"cancel", "flume.cancel", "Cancel a non-terminal execution"},
	}

	s := NewFlumeServer(FlumeServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
