// Package tools implements C4: the tool registry and the inventory tool set
// exposed to the LLM during the agent loop.
package tools

import (
	"encoding/json"
	"fmt"

	"llmrpg/internal/llm"
)

// Result is the JSON-shaped outcome of one tool invocation. A missing
// required parameter yields a structured error Result, never a panic.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Item    string `json:"item,omitempty"`
	Items   []string `json:"items,omitempty"`
	Count   int    `json:"count,omitempty"`
}

// Handler executes one tool call against args (the raw JSON arguments
// object) and the session's inventory.
type Handler func(args json.RawMessage, inventory *Inventory) Result

// Registry is a name→handler map with JSON-schema-declared parameters.
type Registry struct {
	definitions []llm.ToolDefinition
	handlers    map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds one tool, replacing any prior registration of the same name.
func (r *Registry) Register(def llm.ToolDefinition, handler Handler) {
	for i, existing := range r.definitions {
		if existing.Name == def.Name {
			r.definitions[i] = def
			r.handlers[def.Name] = handler
			return
		}
	}
	r.definitions = append(r.definitions, def)
	r.handlers[def.Name] = handler
}

// Definitions returns the tool schemas to advertise to the LLM this turn.
func (r *Registry) Definitions() []llm.ToolDefinition {
	return append([]llm.ToolDefinition(nil), r.definitions...)
}

// Execute dispatches one tool call by name. An unknown tool name yields a
// structured failure result rather than an error return, matching the
// provider-facing contract that every tool call gets a ToolMessage back.
func (r *Registry) Execute(call llm.ToolCall, inventory *Inventory) Result {
	handler, ok := r.handlers[call.Name]
	if !ok {
		return Result{Success: false, Message: fmt.Sprintf("unknown tool %q", call.Name)}
	}
	args := json.RawMessage(call.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return handler(args, inventory)
}

// NewDefaultRegistry builds the registry exposing add_inventory_item,
// remove_inventory_item, and list_inventory, per spec.md §4.3.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(llm.ToolDefinition{
		Name:        "add_inventory_item",
		Description: "Add an item to the player's inventory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"item": map[string]any{"type": "string", "description": "The item to add"},
			},
			"required": []string{"item"},
		},
	}, handleAddInventoryItem)

	r.Register(llm.ToolDefinition{
		Name:        "remove_inventory_item",
		Description: "Remove an item from the player's inventory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"item": map[string]any{"type": "string", "description": "The item to remove"},
			},
			"required": []string{"item"},
		},
	}, handleRemoveInventoryItem)

	r.Register(llm.ToolDefinition{
		Name:        "list_inventory",
		Description: "List everything currently in the player's inventory.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}, handleListInventory)

	return r
}

type itemArgs struct {
	Item string `json:"item"`
}

func handleAddInventoryItem(args json.RawMessage, inventory *Inventory) Result {
	var parsed itemArgs
	if err := json.Unmarshal(args, &parsed); err != nil || parsed.Item == "" {
		return Result{Success: false, Message: "missing required parameter \"item\""}
	}
	inventory.Add(parsed.Item)
	return Result{
		Success: true,
		Message: fmt.Sprintf("Added %q to inventory.", parsed.Item),
		Item:    parsed.Item,
		Items:   inventory.Items(),
	}
}

func handleRemoveInventoryItem(args json.RawMessage, inventory *Inventory) Result {
	var parsed itemArgs
	if err := json.Unmarshal(args, &parsed); err != nil || parsed.Item == "" {
		return Result{Success: false, Message: "missing required parameter \"item\""}
	}
	if !inventory.Remove(parsed.Item) {
		return Result{
			Success: false,
			Message: fmt.Sprintf("%q is not in the inventory.", parsed.Item),
			Items:   inventory.Items(),
		}
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Removed %q from inventory.", parsed.Item),
		Item:    parsed.Item,
		Items:   inventory.Items(),
	}
}

func handleListInventory(_ json.RawMessage, inventory *Inventory) Result {
	items := inventory.Items()
	return Result{Success: true, Items: items, Count: len(items)}
}
