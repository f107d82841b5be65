package graph

import (
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/corvid-labs/flume/pkg/schema"
)

// semanticCheck validates node configs and edge wiring beyond what the JSON
// Schema can express. It returns all issues found rather than stopping at the
// first one.
func semanticCheck(def *schema.PipelineDefinition, g *Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for i := range def.Nodes {
		checkNodeConfig(&def.Nodes[i], result)
	}

	checkEdges(def, g, result)
	checkTriggers(g, result)

	if orphans := g.Unreachable(); len(orphans) > 0 && len(g.Nodes) > 1 {
		for _, id := range orphans {
			result.AddWarning(nodePath(id), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from any trigger", id))
		}
	}

	return result
}

func checkNodeConfig(n *schema.Node, result *schema.ValidationResult) {
	path := nodePath(n.ID)

	switch n.Type {
	case schema.NodeTrigger:
		var cfg schema.TriggerConfig
		if !decodeNodeConfig(n, &cfg, result) {
			return
		}
		switch cfg.Kind {
		case "", "manual", "webhook":
		case "schedule":
			if cfg.Schedule == "" {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("trigger %q has kind schedule but no schedule expression", n.ID))
			} else if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("trigger %q has invalid schedule %q: %s", n.ID, cfg.Schedule, err.Error()))
			}
		default:
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("trigger %q has unknown kind %q", n.ID, cfg.Kind))
		}

	case schema.NodeAgent:
		var cfg schema.AgentConfig
		if !decodeNodeConfig(n, &cfg, result) {
			return
		}
		if cfg.AgentID == "" {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("agent node %q requires agent_id", n.ID))
		}
		if cfg.Prompt == "" {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("agent node %q has no prompt; upstream output is passed through verbatim", n.ID))
		}

	case schema.NodeAction:
		var cfg schema.ActionConfig
		if !decodeNodeConfig(n, &cfg, result) {
			return
		}
		if cfg.Action == "" {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("action node %q requires an action name", n.ID))
		}
		if cfg.Retry != nil {
			if cfg.Retry.Max < 0 {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("action node %q has negative retry max", n.ID))
			}
			for _, d := range []string{cfg.Retry.Delay, cfg.Retry.MaxDelay} {
				if d == "" {
					continue
				}
				if _, err := time.ParseDuration(d); err != nil {
					result.AddError(path, schema.ErrCodeValidation,
						fmt.Sprintf("action node %q has invalid retry delay %q", n.ID, d))
				}
			}
		}

	case schema.NodeCondition:
		var cfg schema.ConditionConfig
		if !decodeNodeConfig(n, &cfg, result) {
			return
		}
		if cfg.Expression == "" {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("condition node %q requires an expression", n.ID))
		}

	case schema.NodeTransform:
		var cfg schema.TransformConfig
		if !decodeNodeConfig(n, &cfg, result) {
			return
		}
		if cfg.Expression == "" {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("transform node %q requires an expression", n.ID))
		}
		switch cfg.Engine {
		case "", "jq", "expr":
		default:
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("transform node %q has unknown engine %q (want jq or expr)", n.ID, cfg.Engine))
		}

	case schema.NodeDelay:
		var cfg schema.DelayConfig
		if !decodeNodeConfig(n, &cfg, result) {
			return
		}
		if cfg.Duration == "" {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("delay node %q requires a duration", n.ID))
		} else if d, err := time.ParseDuration(cfg.Duration); err != nil {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("delay node %q has invalid duration %q: %s", n.ID, cfg.Duration, err.Error()))
		} else if d < 0 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("delay node %q has negative duration %q", n.ID, cfg.Duration))
		}

	case schema.NodeHumanApproval:
		var cfg schema.ApprovalConfig
		if !decodeNodeConfig(n, &cfg, result) {
			return
		}
		checkTTL(n.ID, cfg.TTL, path, result)

	case schema.NodeWebhookWait:
		var cfg schema.WebhookWaitConfig
		if !decodeNodeConfig(n, &cfg, result) {
			return
		}
		if cfg.Method != "" {
			switch cfg.Method {
			case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("webhook-wait node %q has unsupported method %q", n.ID, cfg.Method))
			}
		}
		checkTTL(n.ID, cfg.TTL, path, result)
	}
}

func checkTTL(nodeID, ttl, path string, result *schema.ValidationResult) {
	if ttl == "" {
		return
	}
	if d, err := time.ParseDuration(ttl); err != nil {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("node %q has invalid ttl %q: %s", nodeID, ttl, err.Error()))
	} else if d <= 0 {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("node %q has non-positive ttl %q", nodeID, ttl))
	}
}

// checkEdges verifies branch handles and fan-out constraints. Only condition
// nodes may have two outgoing edges, one per branch handle.
func checkEdges(def *schema.PipelineDefinition, g *Graph, result *schema.ValidationResult) {
	for id, node := range g.Nodes {
		out := g.Out[id]
		path := nodePath(id)

		if node.Type == schema.NodeCondition {
			handles := make(map[string]int, 2)
			for _, edge := range out {
				handles[branchHandle(edge)]++
			}
			for handle, count := range handles {
				if handle != "true" && handle != "false" {
					result.AddError(path, schema.ErrCodeValidation,
						fmt.Sprintf("condition node %q has edge with handle %q (want true or false)", id, handle))
				} else if count > 1 {
					result.AddError(path, schema.ErrCodeValidation,
						fmt.Sprintf("condition node %q has %d edges for the %q branch", id, count, handle))
				}
			}
			continue
		}

		if len(out) > 1 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("node %q has %d outgoing edges; only condition nodes may branch", id, len(out)))
		}
	}

	for _, edge := range def.Edges {
		if target, ok := g.Nodes[edge.Target]; ok && target.Type == schema.NodeTrigger {
			result.AddError(nodePath(edge.Target), schema.ErrCodeValidation,
				fmt.Sprintf("trigger node %q cannot have incoming edges", edge.Target))
		}
	}
}

func checkTriggers(g *Graph, result *schema.ValidationResult) {
	switch len(g.Triggers) {
	case 0:
		result.AddWarning("/nodes", schema.ErrCodeValidation,
			"pipeline has no trigger node; runs must name an explicit start node")
	case 1:
	default:
		result.AddWarning("/nodes", schema.ErrCodeValidation,
			fmt.Sprintf("pipeline has %d trigger nodes; runs without an explicit start node will be rejected", len(g.Triggers)))
	}
}

func decodeNodeConfig(n *schema.Node, v any, result *schema.ValidationResult) bool {
	if err := n.DecodeConfig(v); err != nil {
		result.AddError(nodePath(n.ID), schema.ErrCodeValidation, err.Error())
		return false
	}
	return true
}

func nodePath(id string) string {
	return "/nodes/" + id
}
