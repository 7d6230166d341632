package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/BustosAndrew/calhacks10/internal/storage"
)

func newTestHistory(t *testing.T) (*History, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.CreateUser(context.Background(), "u1", nil); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return NewHistory(s), s
}

func TestHistory_RoundTripsToolTurns(t *testing.T) {
	h, _ := newTestHistory(t)
	ctx := context.Background()

	call := ToolCall{ID: "call_1", Name: "update_macros", Arguments: `{"name":"Water","servingSize":1}`}
	in := []Turn{
		User("I drank some water"),
		AssistantToolCall("", call),
		ToolResult("call_1", "Your updated macros are:"),
		Assistant("Logged your water."),
	}
	if err := h.Append(ctx, "u1", in); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := h.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i].Role != in[i].Role || got[i].Content != in[i].Content {
			t.Errorf("turn %d = %+v, want %+v", i, got[i], in[i])
		}
	}
	if got[1].ToolCall == nil || *got[1].ToolCall != call {
		t.Errorf("tool call = %+v, want %+v", got[1].ToolCall, call)
	}
	if got[2].ToolCallID != "call_1" {
		t.Errorf("tool turn call id = %q", got[2].ToolCallID)
	}
	if got[0].ToolCall != nil || got[3].ToolCall != nil {
		t.Error("plain turns gained a tool call")
	}
}

func TestHistory_AppendRejectsSystemTurn(t *testing.T) {
	h, s := newTestHistory(t)
	ctx := context.Background()

	err := h.Append(ctx, "u1", []Turn{User("hi"), System("you are a bot")})
	if err == nil {
		t.Fatal("expected error for system turn")
	}
	n, err := s.CountTurns(ctx, "u1")
	if err != nil {
		t.Fatalf("CountTurns: %v", err)
	}
	if n != 0 {
		t.Errorf("turns = %d, want 0 after rejected block", n)
	}
}

func TestHistory_AppendUnknownUser(t *testing.T) {
	h, _ := newTestHistory(t)

	err := h.Append(context.Background(), "ghost", []Turn{User("hi")})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want storage.ErrNotFound", err)
	}
}

func TestTurnValidate(t *testing.T) {
	tests := []struct {
		name    string
		turn    Turn
		wantErr bool
	}{
		{"user", User("x"), false},
		{"assistant", Assistant("x"), false},
		{"assistant with call", AssistantToolCall("", ToolCall{ID: "c", Name: "update_macros"}), false},
		{"assistant call missing id", AssistantToolCall("", ToolCall{Name: "update_macros"}), true},
		{"tool", ToolResult("c", "ok"), false},
		{"tool without call id", Turn{Role: RoleTool, Content: "ok"}, true},
		{"system", System("x"), true},
		{"unknown", Turn{Role: "narrator"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.turn.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
