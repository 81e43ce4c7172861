package ai

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

const (
	jsonFormatInstruction = "\n\nFormat your response as JSON:\n"
	jsonSystemSuffix      = " Always respond with valid JSON matching the requested format."
)

// SecurityAssessmentSchema is the structured output of a single security assessment.
func SecurityAssessmentSchema() *models.JSONSchema {
	return &models.JSONSchema{
		Name:   "security_assessment",
		Strict: true,
		Schema: map[string]any{
			"type": "object",
			"properties": orderedProps(
				"title", map[string]any{
					"type":        "string",
					"description": "Short, representative title for the analysis (3-8 words)",
				},
				"analysis", map[string]any{
					"type":        "string",
					"description": "Comprehensive analysis covering fundamentals, technical analysis, and market sentiment",
				},
				"recommendation", map[string]any{
					"type":        "string",
					"enum":        []any{"buy", "hold", "sell"},
					"description": "Investment recommendation",
				},
			),
			"required":             []any{"title", "analysis", "recommendation"},
			"additionalProperties": false,
		},
	}
}

// PortfolioAnalysisSchema is the structured output of a whole-portfolio analysis.
func PortfolioAnalysisSchema() *models.JSONSchema {
	action := map[string]any{
		"type": "object",
		"properties": orderedProps(
			"action", map[string]any{
				"type":        "string",
				"enum":        []any{"buy", "sell", "hold", "rebalance"},
				"description": "Recommended action type",
			},
			"symbol", map[string]any{
				"type":        "string",
				"description": "Security symbol (required for buy/sell actions)",
			},
			"amount", map[string]any{
				"type":        "number",
				"description": "Suggested amount or percentage for the action",
			},
			"reasoning", map[string]any{
				"type":        "string",
				"description": "Explanation for this specific action",
			},
			"priority", map[string]any{
				"type":        "string",
				"enum":        []any{"high", "medium", "low"},
				"description": "Priority level for this action",
			},
		),
		"required":             []any{"action", "symbol", "amount", "reasoning", "priority"},
		"additionalProperties": false,
	}

	risk := map[string]any{
		"type": "object",
		"properties": orderedProps(
			"current_risk_level", map[string]any{
				"type":        "string",
				"enum":        []any{"conservative", "moderate", "aggressive"},
				"description": "Current portfolio risk level",
			},
			"alignment_with_target", map[string]any{
				"type":        "string",
				"enum":        []any{"aligned", "too_conservative", "too_aggressive"},
				"description": "How current portfolio aligns with target risk level",
			},
			"recommendations", map[string]any{
				"type":        "string",
				"description": "Risk-specific recommendations",
			},
		),
		"required":             []any{"current_risk_level", "alignment_with_target", "recommendations"},
		"additionalProperties": false,
	}

	return &models.JSONSchema{
		Name:   "portfolio_analysis",
		Strict: true,
		Schema: map[string]any{
			"type": "object",
			"properties": orderedProps(
				"title", map[string]any{
					"type":        "string",
					"description": "Short, descriptive title for the portfolio analysis (3-8 words)",
				},
				"assessment", map[string]any{
					"type":        "string",
					"description": "Comprehensive portfolio analysis including performance, diversification, risk alignment, and strategic observations",
				},
				"rating", map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     10,
					"description": "Overall portfolio rating from 1 (poor) to 10 (excellent)",
				},
				"actions", map[string]any{
					"type":        "array",
					"items":       action,
					"description": "List of recommended portfolio actions",
				},
				"risk_assessment", risk,
			),
			"required":             []any{"title", "assessment", "rating", "actions", "risk_assessment"},
			"additionalProperties": false,
		},
	}
}

// propertyList keeps schema properties in declaration order so the JSON
// example shown to the model reads top to bottom. It marshals as a plain
// object.
type propertyList struct {
	keys  []string
	props map[string]map[string]any
}

func orderedProps(kv ...any) propertyList {
	pl := propertyList{props: map[string]map[string]any{}}
	for i := 0; i+1 < len(kv); i += 2 {
		k := kv[i].(string)
		pl.keys = append(pl.keys, k)
		pl.props[k] = kv[i+1].(map[string]any)
	}
	return pl
}

func (p propertyList) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.props)
}

// ApplyJSONFallback rewrites a request for transports that cannot enforce a
// response schema. The last user message gets a JSON example and the
// system message gets a JSON reminder. Requests without a schema are
// returned unchanged. The input is never modified.
func ApplyJSONFallback(req models.ChatRequest) models.ChatRequest {
	if req.Schema == nil {
		return req
	}

	msgs := make([]models.ChatMessage, len(req.Messages))
	copy(msgs, req.Messages)

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			msgs[i].Content += jsonFormatInstruction + SchemaExample(req.Schema)
			break
		}
	}

	if len(msgs) > 0 && msgs[0].Role == "system" {
		msgs[0].Content += jsonSystemSuffix
	} else {
		msgs = append([]models.ChatMessage{{Role: "system", Content: strings.TrimSpace(jsonSystemSuffix)}}, msgs...)
	}

	out := req
	out.Messages = msgs
	out.Schema = nil
	return out
}

// SchemaExample renders an indented JSON example of the object described by schema.
func SchemaExample(schema *models.JSONSchema) string {
	var b strings.Builder
	writeExample(&b, schema.Schema, "", "")
	return b.String()
}

func writeExample(b *strings.Builder, node map[string]any, key, indent string) {
	switch node["type"] {
	case "object":
		b.WriteString("{\n")
		keys, props := properties(node)
		for i, k := range keys {
			b.WriteString(indent + "  ")
			b.WriteString(quote(k))
			b.WriteString(": ")
			writeExample(b, props[k], k, indent+"  ")
			if i < len(keys)-1 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		b.WriteString(indent + "}")
	case "array":
		b.WriteString("[\n" + indent + "  ")
		if items, ok := node["items"].(map[string]any); ok {
			writeExample(b, items, key, indent+"  ")
		} else {
			b.WriteString(quote("Your " + key + " here..."))
		}
		b.WriteString("\n" + indent + "]")
	case "integer", "number":
		lo, hasMin := node["minimum"]
		hi, hasMax := node["maximum"]
		if hasMin && hasMax {
			b.WriteString(quote(fmt.Sprintf("%v-%v", lo, hi)))
			return
		}
		b.WriteString("0")
	default:
		if enum, ok := node["enum"].([]any); ok && len(enum) > 0 {
			parts := make([]string, len(enum))
			for i, v := range enum {
				parts[i] = fmt.Sprint(v)
			}
			b.WriteString(quote(strings.Join(parts, "|")))
			return
		}
		desc, _ := node["description"].(string)
		if desc == "" {
			desc = key
		}
		b.WriteString(quote("Your " + desc + " here..."))
	}
}

func properties(node map[string]any) ([]string, map[string]map[string]any) {
	switch p := node["properties"].(type) {
	case propertyList:
		return p.keys, p.props
	case map[string]any:
		keys := make([]string, 0, len(p))
		props := make(map[string]map[string]any, len(p))
		for k, v := range p {
			if m, ok := v.(map[string]any); ok {
				keys = append(keys, k)
				props[k] = m
			}
		}
		sort.Strings(keys)
		return keys, props
	}
	return nil, nil
}

func quote(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}
