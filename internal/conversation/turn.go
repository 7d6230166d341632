// Package conversation models chat turns and the per-user history that is
// replayed to the language model on every request.
package conversation

import (
	"fmt"

	"github.com/BustosAndrew/calhacks10/internal/storage"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model. Arguments is the raw
// JSON payload exactly as the model produced it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Turn is one message in a conversation. ToolCall is set on assistant turns
// that requested a tool; ToolCallID is set on the tool turn answering it.
type Turn struct {
	Role       Role
	Content    string
	ToolCall   *ToolCall
	ToolCallID string
}

// ToolSpec declares a function tool offered to the model. Parameters is a
// JSON Schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

func System(content string) Turn { return Turn{Role: RoleSystem, Content: content} }

func User(content string) Turn { return Turn{Role: RoleUser, Content: content} }

func Assistant(content string) Turn { return Turn{Role: RoleAssistant, Content: content} }

// AssistantToolCall is the assistant turn that requests call.
func AssistantToolCall(content string, call ToolCall) Turn {
	return Turn{Role: RoleAssistant, Content: content, ToolCall: &call}
}

// ToolResult answers the tool call with the given id.
func ToolResult(callID, content string) Turn {
	return Turn{Role: RoleTool, Content: content, ToolCallID: callID}
}

// Validate rejects turns that must never be persisted or replayed.
func (t Turn) Validate() error {
	switch t.Role {
	case RoleUser:
	case RoleAssistant:
		if t.ToolCall != nil && (t.ToolCall.ID == "" || t.ToolCall.Name == "") {
			return fmt.Errorf("assistant tool call requires an id and a name")
		}
	case RoleTool:
		if t.ToolCallID == "" {
			return fmt.Errorf("tool turn requires the call id it answers")
		}
	case RoleSystem:
		return fmt.Errorf("system turns are rebuilt per request and never stored")
	default:
		return fmt.Errorf("unknown role %q", t.Role)
	}
	return nil
}

func fromStored(ct storage.ChatTurn) Turn {
	t := Turn{Role: Role(ct.Role), Content: ct.Content}
	switch t.Role {
	case RoleAssistant:
		if ct.ToolName != "" {
			t.ToolCall = &ToolCall{ID: ct.ToolCallID, Name: ct.ToolName, Arguments: ct.ToolArgs}
		}
	case RoleTool:
		t.ToolCallID = ct.ToolCallID
	}
	return t
}

func toStored(t Turn) storage.ChatTurn {
	ct := storage.ChatTurn{Role: string(t.Role), Content: t.Content}
	if t.ToolCall != nil {
		ct.ToolCallID = t.ToolCall.ID
		ct.ToolName = t.ToolCall.Name
		ct.ToolArgs = t.ToolCall.Arguments
	}
	if t.Role == RoleTool {
		ct.ToolCallID = t.ToolCallID
	}
	return ct
}
