package schema

import (
	"encoding/json"
	"fmt"
)

// PipelineDefinition is the JSON-serializable pipeline format.
// Once published a definition is immutable; executions reference it by ID.
type PipelineDefinition struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	Nodes       []Node          `json:"nodes"`
	Edges       []Edge          `json:"edges,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"` // optional JSON Schema for run input
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Node is a single vertex in a pipeline graph.
// Config is type-specific; decode it with DecodeConfig into the matching
// *Config struct for the node's type.
type Node struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Edge is a directed connection between two nodes. SourceHandle carries the
// branch label for condition nodes ("true" / "false").
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
	TargetHandle string `json:"target_handle,omitempty"`
	Label        string `json:"label,omitempty"`
}

// NodeType enumerates the kinds of nodes in a pipeline.
type NodeType string

const (
	NodeTrigger       NodeType = "trigger"
	NodeAgent         NodeType = "agent"
	NodeAction        NodeType = "action"
	NodeCondition     NodeType = "condition"
	NodeTransform     NodeType = "transform"
	NodeDelay         NodeType = "delay"
	NodeHumanApproval NodeType = "human-approval"
	NodeWebhookWait   NodeType = "webhook-wait"
)

// ValidNodeTypes is the set of recognized node types.
var ValidNodeTypes = map[NodeType]bool{
	NodeTrigger:       true,
	NodeAgent:         true,
	NodeAction:        true,
	NodeCondition:     true,
	NodeTransform:     true,
	NodeDelay:         true,
	NodeHumanApproval: true,
	NodeWebhookWait:   true,
}

// IsSuspending reports whether a node type pauses the execution until an
// external signal arrives.
func (t NodeType) IsSuspending() bool {
	return t == NodeHumanApproval || t == NodeWebhookWait
}

// DecodeConfig unmarshals the node's config block into v.
// An empty config decodes into the zero value without error.
func (n *Node) DecodeConfig(v any) error {
	if len(n.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(n.Config, v); err != nil {
		return NewErrorf(ErrCodeValidation, "node %s has invalid %s config: %s", n.ID, n.Type, err.Error()).
			WithNode(n.ID).WithCause(err)
	}
	return nil
}

// DisplayName returns the node's name, falling back to its ID.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// TriggerConfig is the config block for trigger nodes.
type TriggerConfig struct {
	Kind     string `json:"kind,omitempty"` // manual | webhook | schedule (default: manual)
	Schedule string `json:"schedule,omitempty"`
}

// AgentConfig is the config block for agent nodes.
type AgentConfig struct {
	AgentID string `json:"agent_id"`
	Prompt  string `json:"prompt,omitempty"` // template, interpolated at execution time
	Model   string `json:"model,omitempty"`
}

// ActionConfig is the config block for action nodes.
type ActionConfig struct {
	Action string          `json:"action"` // action name (e.g. "http.request", "email.send")
	Params json.RawMessage `json:"params,omitempty"`
	Retry  *RetryPolicy    `json:"retry,omitempty"`
}

// RetryPolicy configures retries at the action level. The engine itself never
// retries nodes; a policy here is honored inside the action handler only.
type RetryPolicy struct {
	Max      int    `json:"max"`
	Backoff  string `json:"backoff,omitempty"` // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
}

// ConditionConfig is the config block for condition nodes.
type ConditionConfig struct {
	Expression string `json:"expression"` // CEL expression producing a boolean
}

// TransformConfig is the config block for transform nodes.
type TransformConfig struct {
	Engine     string `json:"engine,omitempty"` // jq | expr (default: jq)
	Expression string `json:"expression"`
}

// DelayConfig is the config block for delay nodes.
type DelayConfig struct {
	Duration string `json:"duration"` // e.g. "30s", "5m"
}

// ApprovalConfig is the config block for human-approval nodes.
type ApprovalConfig struct {
	Message   string   `json:"message,omitempty"` // template, shown to approvers
	Approvers []string `json:"approvers,omitempty"`
	TTL       string   `json:"ttl,omitempty"` // empty = never expires
}

// WebhookWaitConfig is the config block for webhook-wait nodes.
type WebhookWaitConfig struct {
	Method     string           `json:"method,omitempty"` // default: POST
	AllowedIPs []string         `json:"allowed_ips,omitempty"`
	Secret     string           `json:"secret,omitempty"`
	TTL        string           `json:"ttl,omitempty"`
	Response   *WebhookResponse `json:"response,omitempty"`
}

// WebhookResponse customizes the HTTP response returned to a successful
// webhook caller.
type WebhookResponse struct {
	Status  int               `json:"status,omitempty"` // default: 200
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (d *PipelineDefinition) String() string {
	return fmt.Sprintf("pipeline %q (%d nodes, %d edges)", d.Name, len(d.Nodes), len(d.Edges))
}
