package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/flume/pkg/schema"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func TestValidateAcceptsLinearPipeline(t *testing.T) {
	v := newTestValidator(t)

	result := v.Validate(linearDef())
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidateRejectsMissingName(t *testing.T) {
	v := newTestValidator(t)
	def := linearDef()
	def.Name = ""

	result := v.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidateRejectsEmptyNodes(t *testing.T) {
	v := newTestValidator(t)

	result := v.Validate(&schema.PipelineDefinition{Name: "empty"})
	assert.False(t, result.Valid())
}

func TestValidateRejectsCycle(t *testing.T) {
	v := newTestValidator(t)
	def := &schema.PipelineDefinition{
		Name: "loop",
		Nodes: []schema.Node{
			node("a", schema.NodeAction, `{"action":"noop"}`),
			node("b", schema.NodeAction, `{"action":"noop"}`),
		},
		Edges: []schema.Edge{edge("a", "b"), edge("b", "a")},
	}

	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
}

func TestValidateNodeConfigs(t *testing.T) {
	tests := []struct {
		name    string
		node    schema.Node
		wantErr string
	}{
		{
			name:    "agent requires agent_id",
			node:    node("a", schema.NodeAgent, `{"prompt":"hi"}`),
			wantErr: "requires agent_id",
		},
		{
			name:    "action requires name",
			node:    node("a", schema.NodeAction, `{}`),
			wantErr: "requires an action name",
		},
		{
			name:    "condition requires expression",
			node:    node("a", schema.NodeCondition, `{}`),
			wantErr: "requires an expression",
		},
		{
			name:    "transform rejects unknown engine",
			node:    node("a", schema.NodeTransform, `{"engine":"awk","expression":"."}`),
			wantErr: "unknown engine",
		},
		{
			name:    "delay rejects bad duration",
			node:    node("a", schema.NodeDelay, `{"duration":"soon"}`),
			wantErr: "invalid duration",
		},
		{
			name:    "approval rejects bad ttl",
			node:    node("a", schema.NodeHumanApproval, `{"ttl":"-5m"}`),
			wantErr: "non-positive ttl",
		},
		{
			name:    "webhook-wait rejects unsupported method",
			node:    node("a", schema.NodeWebhookWait, `{"method":"TRACE"}`),
			wantErr: "unsupported method",
		},
		{
			name:    "schedule trigger requires expression",
			node:    node("a", schema.NodeTrigger, `{"kind":"schedule"}`),
			wantErr: "no schedule expression",
		},
		{
			name:    "schedule trigger rejects bad cron",
			node:    node("a", schema.NodeTrigger, `{"kind":"schedule","schedule":"every tuesday"}`),
			wantErr: "invalid schedule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t)
			def := &schema.PipelineDefinition{
				Name:  "cfg",
				Nodes: []schema.Node{tt.node},
			}

			result := v.Validate(def)
			require.False(t, result.Valid())
			assert.Contains(t, result.Errors[0].Message, tt.wantErr)
		})
	}
}

func TestValidateBranchWiring(t *testing.T) {
	t.Run("condition edges need true/false handles", func(t *testing.T) {
		v := newTestValidator(t)
		def := &schema.PipelineDefinition{
			Name: "bad-branch",
			Nodes: []schema.Node{
				node("check", schema.NodeCondition, `{"expression":"true"}`),
				node("next", schema.NodeAction, `{"action":"noop"}`),
			},
			Edges: []schema.Edge{branchEdge("check", "next", "maybe")},
		}

		result := v.Validate(def)
		require.False(t, result.Valid())
		assert.Contains(t, result.Errors[0].Message, `handle "maybe"`)
	})

	t.Run("non-condition nodes cannot fan out", func(t *testing.T) {
		v := newTestValidator(t)
		def := &schema.PipelineDefinition{
			Name: "fanout",
			Nodes: []schema.Node{
				node("start", schema.NodeTrigger, ""),
				node("a", schema.NodeAction, `{"action":"noop"}`),
				node("b", schema.NodeAction, `{"action":"noop"}`),
			},
			Edges: []schema.Edge{edge("start", "a"), edge("start", "b")},
		}

		result := v.Validate(def)
		require.False(t, result.Valid())
		assert.Contains(t, result.Errors[0].Message, "only condition nodes may branch")
	})

	t.Run("triggers cannot have incoming edges", func(t *testing.T) {
		v := newTestValidator(t)
		def := &schema.PipelineDefinition{
			Name: "into-trigger",
			Nodes: []schema.Node{
				node("start", schema.NodeTrigger, ""),
				node("work", schema.NodeAction, `{"action":"noop"}`),
			},
			Edges: []schema.Edge{edge("start", "work"), edge("work", "start")},
		}

		result := v.Validate(def)
		require.False(t, result.Valid())
	})
}

func TestValidateWarnings(t *testing.T) {
	t.Run("no trigger", func(t *testing.T) {
		v := newTestValidator(t)
		def := &schema.PipelineDefinition{
			Name:  "no-trigger",
			Nodes: []schema.Node{node("work", schema.NodeAction, `{"action":"noop"}`)},
		}

		result := v.Validate(def)
		assert.True(t, result.Valid())
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0].Message, "no trigger node")
	})

	t.Run("unreachable node", func(t *testing.T) {
		v := newTestValidator(t)
		def := linearDef()
		def.Nodes = append(def.Nodes, node("island", schema.NodeAction, `{"action":"noop"}`))

		result := v.Validate(def)
		assert.True(t, result.Valid())
		require.NotEmpty(t, result.Warnings)
		assert.Contains(t, result.Warnings[0].Message, "unreachable")
	})

	t.Run("agent without prompt", func(t *testing.T) {
		v := newTestValidator(t)
		def := &schema.PipelineDefinition{
			Name: "silent-agent",
			Nodes: []schema.Node{
				node("start", schema.NodeTrigger, ""),
				node("bot", schema.NodeAgent, `{"agent_id":"triage"}`),
			},
			Edges: []schema.Edge{edge("start", "bot")},
		}

		result := v.Validate(def)
		assert.True(t, result.Valid())
		require.NotEmpty(t, result.Warnings)
		assert.Contains(t, result.Warnings[0].Message, "no prompt")
	})
}

func TestValidateInput(t *testing.T) {
	v := newTestValidator(t)
	def := linearDef()
	def.InputSchema = json.RawMessage(`{
		"type": "object",
		"required": ["ticket_id"],
		"properties": { "ticket_id": { "type": "string" } }
	}`)

	assert.NoError(t, v.ValidateInput(def, map[string]any{"ticket_id": "T-42"}))

	err := v.ValidateInput(def, map[string]any{"other": 1})
	require.Error(t, err)

	var fe *schema.FlumeError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)

	t.Run("no schema accepts anything", func(t *testing.T) {
		bare := linearDef()
		assert.NoError(t, v.ValidateInput(bare, map[string]any{"anything": true}))
	})
}
