package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BustosAndrew/calhacks10/internal/catalog"
	"github.com/BustosAndrew/calhacks10/internal/conversation"
	"github.com/BustosAndrew/calhacks10/internal/llm"
	"github.com/BustosAndrew/calhacks10/internal/nutrition"
	"github.com/BustosAndrew/calhacks10/internal/profile"
	"github.com/BustosAndrew/calhacks10/internal/storage"
	"github.com/BustosAndrew/calhacks10/internal/tools"
)

// fakeModel returns scripted replies in order and records every request.
type fakeModel struct {
	mu       sync.Mutex
	replies  []llm.Reply
	errs     []error
	requests []llm.Request
}

func (m *fakeModel) Complete(_ context.Context, req llm.Request) (llm.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.requests)
	req.Messages = append([]conversation.Turn(nil), req.Messages...)
	m.requests = append(m.requests, req)
	if i < len(m.errs) && m.errs[i] != nil {
		return llm.Reply{}, m.errs[i]
	}
	if i >= len(m.replies) {
		return llm.Reply{}, errors.New("unexpected model call")
	}
	return m.replies[i], nil
}

// appleModel logs one apple per user message, with a unique call id each
// time, and answers the tool result with plain text. Safe for concurrent use.
type appleModel struct {
	mu    sync.Mutex
	calls int
}

func (m *appleModel) Complete(_ context.Context, req llm.Request) (llm.Reply, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == conversation.RoleTool {
		return llm.Reply{Content: "Logged."}, nil
	}
	m.mu.Lock()
	m.calls++
	id := fmt.Sprintf("call_%d", m.calls)
	m.mu.Unlock()
	return toolReply(id, "update_macros", `{"name":"Apple"}`), nil
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

type harness struct {
	store   *storage.Store
	catalog *catalog.Catalog
	history *conversation.History
	model   *fakeModel
	clock   *fixedClock
	orch    *Orchestrator
}

func newHarness(t *testing.T, model *fakeModel, opts ...tools.Option) *harness {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	cat := catalog.New(s)
	if _, err := cat.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if _, err := s.CreateUser(ctx, "u1", nil); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	h := &harness{
		store:   s,
		catalog: cat,
		history: conversation.NewHistory(s),
		model:   model,
		clock:   &fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.orch = New(model, s, profile.NewManager(s, 0), h.history, tools.NewDispatcher(cat, s, opts...),
		WithClock(h.clock), WithLocation(time.UTC))
	return h
}

func (h *harness) ledger(t *testing.T) storage.DailyLedger {
	t.Helper()
	l, err := h.store.GetDailyLedger(context.Background(), storage.LedgerID("u1", h.clock.t))
	if err != nil {
		t.Fatalf("GetDailyLedger: %v", err)
	}
	return l
}

func (h *harness) turns(t *testing.T) []conversation.Turn {
	t.Helper()
	turns, err := h.history.Load(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return turns
}

func toolReply(id, name, args string) llm.Reply {
	return llm.Reply{ToolCalls: []conversation.ToolCall{{ID: id, Name: name, Arguments: args}}}
}

func TestHandleMessage_Water(t *testing.T) {
	model := &fakeModel{replies: []llm.Reply{
		toolReply("call_1", "update_macros", `{"name":"Water","servingSize":1}`),
		{Content: "Logged a glass of water. Stay hydrated!"},
	}}
	h := newHarness(t, model)
	ctx := context.Background()

	reply, err := h.orch.HandleMessage(ctx, "u1", "I drank water")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != "Logged a glass of water. Stay hydrated!" {
		t.Errorf("reply = %q", reply)
	}

	water, err := h.catalog.FoodByName(ctx, "Water")
	if err != nil {
		t.Fatalf("FoodByName: %v", err)
	}
	l := h.ledger(t)
	if l.Totals.Calories != 0 || l.Totals.Carbs != 0 {
		t.Errorf("totals = %+v, want all zero", l.Totals)
	}
	if len(l.Foods) != 1 || l.Foods[0] != water.ID {
		t.Errorf("foods = %v, want [%s]", l.Foods, water.ID)
	}

	turns := h.turns(t)
	wantRoles := []conversation.Role{conversation.RoleUser, conversation.RoleAssistant, conversation.RoleTool, conversation.RoleAssistant}
	if len(turns) != len(wantRoles) {
		t.Fatalf("history has %d turns, want %d", len(turns), len(wantRoles))
	}
	for i, r := range wantRoles {
		if turns[i].Role != r {
			t.Errorf("turn %d role = %q, want %q", i, turns[i].Role, r)
		}
	}
	if turns[1].ToolCall == nil || turns[1].ToolCall.ID != "call_1" || turns[1].ToolCall.Name != "update_macros" {
		t.Errorf("tool call turn = %+v", turns[1])
	}
	if turns[2].ToolCallID != "call_1" || !strings.Contains(turns[2].Content, "calories: 0") {
		t.Errorf("tool result turn = %+v", turns[2])
	}

	if len(model.requests) != 2 {
		t.Fatalf("model called %d times, want 2", len(model.requests))
	}
	first, second := model.requests[0], model.requests[1]
	if first.ToolChoice != llm.ToolChoiceAuto || second.ToolChoice != llm.ToolChoiceNone {
		t.Errorf("tool choices = %q, %q", first.ToolChoice, second.ToolChoice)
	}
	if len(first.Tools) != 1 || first.Tools[0].Name != tools.NameUpdateMacros {
		t.Errorf("tools = %+v", first.Tools)
	}
	if first.Messages[0].Role != conversation.RoleSystem || !strings.Contains(first.Messages[0].Content, "Calories: 0") {
		t.Errorf("system prompt = %q", first.Messages[0].Content)
	}
	last := second.Messages[len(second.Messages)-1]
	if last.Role != conversation.RoleTool || last.ToolCallID != "call_1" {
		t.Errorf("second call did not end with the tool result: %+v", last)
	}
}

func TestHandleMessage_WaterWithProfile(t *testing.T) {
	model := &fakeModel{replies: []llm.Reply{
		toolReply("call_1", "update_macros", `{"name":"Water","servingSize":1}`),
		{Content: "Logged a glass of water."},
	}}
	h := newHarness(t, model)
	ctx := context.Background()

	kv, err := profile.EncodeKeys(map[string]any{profile.KeyAllergies: "none", profile.KeyGoalCalories: 2000})
	if err != nil {
		t.Fatalf("EncodeKeys: %v", err)
	}
	if _, err := h.store.CreateUser(ctx, "u2", kv); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	reply, err := h.orch.HandleMessage(ctx, "u2", "I drank water")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != "Logged a glass of water." {
		t.Errorf("reply = %q", reply)
	}

	system := model.requests[0].Messages[0]
	if system.Role != conversation.RoleSystem {
		t.Fatalf("first message role = %s, want system", system.Role)
	}
	for _, want := range []string{"Allergies: none", "Goal Calories: 2000"} {
		if !strings.Contains(system.Content, want) {
			t.Errorf("system prompt missing %q:\n%s", want, system.Content)
		}
	}

	water, err := h.catalog.FoodByName(ctx, "Water")
	if err != nil {
		t.Fatalf("FoodByName: %v", err)
	}
	l, err := h.store.GetDailyLedger(ctx, storage.LedgerID("u2", h.clock.t))
	if err != nil {
		t.Fatalf("GetDailyLedger: %v", err)
	}
	if l.Totals != (nutrition.Totals{}) || len(l.Foods) != 1 || l.Foods[0] != water.ID {
		t.Errorf("ledger = %+v, want zero totals and [%s]", l, water.ID)
	}
}

func TestHandleMessage_PlainReplyAppendsTwoTurns(t *testing.T) {
	model := &fakeModel{replies: []llm.Reply{{Content: "Try adding more protein at breakfast."}}}
	h := newHarness(t, model)

	reply, err := h.orch.HandleMessage(context.Background(), "u1", "Any advice?")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != "Try adding more protein at breakfast." {
		t.Errorf("reply = %q", reply)
	}
	turns := h.turns(t)
	if len(turns) != 2 || turns[0].Content != "Any advice?" || turns[1].Role != conversation.RoleAssistant {
		t.Errorf("history = %+v", turns)
	}
	if len(model.requests) != 1 {
		t.Errorf("model called %d times, want 1", len(model.requests))
	}
}

func TestHandleMessage_HistoryIsReplayed(t *testing.T) {
	model := &fakeModel{replies: []llm.Reply{
		toolReply("call_a", "update_macros", `{"name":"Apple","servingSize":2}`),
		{Content: "Two apples logged."},
		{Content: "You've had 190 calories so far."},
	}}
	h := newHarness(t, model)
	ctx := context.Background()

	if _, err := h.orch.HandleMessage(ctx, "u1", "I ate two apples"); err != nil {
		t.Fatalf("first message: %v", err)
	}
	if _, err := h.orch.HandleMessage(ctx, "u1", "How am I doing?"); err != nil {
		t.Fatalf("second message: %v", err)
	}

	if n := len(h.turns(t)); n != 6 {
		t.Errorf("history has %d turns, want 6", n)
	}
	msgs := model.requests[2].Messages
	// system + 4 stored turns + new user turn
	if len(msgs) != 6 {
		t.Fatalf("third call sent %d messages, want 6", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "Calories: 190") {
		t.Errorf("system prompt not rebuilt from live totals:\n%s", msgs[0].Content)
	}
	if msgs[5].Content != "How am I doing?" {
		t.Errorf("last message = %+v", msgs[5])
	}
}

func TestHandleMessage_MalformedToolCall(t *testing.T) {
	model := &fakeModel{replies: []llm.Reply{toolReply("call_1", "update_macros", `{"name":`)}}
	h := newHarness(t, model)

	reply, err := h.orch.HandleMessage(context.Background(), "u1", "I ate something")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != Apology {
		t.Errorf("reply = %q, want apology", reply)
	}
	turns := h.turns(t)
	if len(turns) != 2 || turns[1].Content != Apology || turns[1].ToolCall != nil {
		t.Errorf("history = %+v", turns)
	}
	if l := h.ledger(t); len(l.Foods) != 0 {
		t.Errorf("ledger written: %+v", l)
	}
	if len(model.requests) != 1 {
		t.Errorf("model called %d times, want 1", len(model.requests))
	}
}

func TestHandleMessage_UnknownTool(t *testing.T) {
	model := &fakeModel{replies: []llm.Reply{
		toolReply("call_1", "log_nutrients", `{"name":"Bar","nutrients":{"calories":100}}`),
	}}
	h := newHarness(t, model)

	reply, err := h.orch.HandleMessage(context.Background(), "u1", "I had a bar")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != Apology {
		t.Errorf("reply = %q, want apology", reply)
	}
	if l := h.ledger(t); l.Totals.Calories != 0 {
		t.Errorf("disabled tool changed totals: %+v", l.Totals)
	}
}

func TestHandleMessage_ModelAssertedNutrients(t *testing.T) {
	model := &fakeModel{replies: []llm.Reply{
		toolReply("call_1", "log_nutrients", `{"name":"Bar","servingSize":1,"nutrients":{"calories":100}}`),
		{Content: "Logged."},
	}}
	h := newHarness(t, model, tools.WithModelAsserted(true))

	if _, err := h.orch.HandleMessage(context.Background(), "u1", "I had a bar"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(model.requests[0].Tools) != 2 {
		t.Errorf("tools offered = %d, want 2", len(model.requests[0].Tools))
	}
	l := h.ledger(t)
	if l.Totals.Calories != 100 || len(l.Foods) != 1 || l.Foods[0] != "asserted:Bar" {
		t.Errorf("ledger = %+v", l)
	}
}

func TestHandleMessage_FoodNotFound(t *testing.T) {
	model := &fakeModel{replies: []llm.Reply{
		toolReply("call_1", "update_macros", `{"name":"Dragon Fruit Souffle"}`),
		{Content: "I couldn't find that food."},
	}}
	h := newHarness(t, model)

	if _, err := h.orch.HandleMessage(context.Background(), "u1", "souffle!"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	turns := h.turns(t)
	if len(turns) != 4 || turns[2].Content != tools.FoodNotFound {
		t.Errorf("history = %+v", turns)
	}
	if l := h.ledger(t); len(l.Foods) != 0 || l.Totals.Calories != 0 {
		t.Errorf("ledger written: %+v", l)
	}
}

func TestHandleMessage_OnlyFirstToolCallRuns(t *testing.T) {
	first := toolReply("call_1", "update_macros", `{"name":"Apple","servingSize":1}`)
	first.ToolCalls = append(first.ToolCalls, conversation.ToolCall{ID: "call_2", Name: "update_macros", Arguments: `{"name":"Banana"}`})
	model := &fakeModel{replies: []llm.Reply{first, {Content: "Done."}}}
	h := newHarness(t, model)

	if _, err := h.orch.HandleMessage(context.Background(), "u1", "apple and banana"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if l := h.ledger(t); l.Totals.Calories != 95 || len(l.Foods) != 1 {
		t.Errorf("ledger = %+v, want apple only", l)
	}
	turns := h.turns(t)
	if turns[1].ToolCall == nil || turns[1].ToolCall.ID != "call_1" {
		t.Errorf("persisted call = %+v", turns[1].ToolCall)
	}
}

func TestHandleMessage_SecondToolRequestNotChased(t *testing.T) {
	model := &fakeModel{replies: []llm.Reply{
		toolReply("call_1", "update_macros", `{"name":"Apple"}`),
		toolReply("call_2", "update_macros", `{"name":"Apple"}`),
	}}
	h := newHarness(t, model)

	reply, err := h.orch.HandleMessage(context.Background(), "u1", "apple")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !strings.HasPrefix(reply, "Your updated macros are:") {
		t.Errorf("reply = %q, want the tool result as fallback", reply)
	}
	if len(model.requests) != 2 {
		t.Errorf("model called %d times, want 2", len(model.requests))
	}
	if l := h.ledger(t); l.Totals.Calories != 95 {
		t.Errorf("calories = %v, want 95", l.Totals.Calories)
	}
	if n := len(h.turns(t)); n != 4 {
		t.Errorf("history has %d turns, want 4", n)
	}
}

func TestHandleMessage_MissingCallIDGetsOne(t *testing.T) {
	model := &fakeModel{replies: []llm.Reply{
		toolReply("", "update_macros", `{"name":"Apple"}`),
		{Content: "ok"},
	}}
	h := newHarness(t, model)

	if _, err := h.orch.HandleMessage(context.Background(), "u1", "apple"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	turns := h.turns(t)
	if turns[1].ToolCall == nil || !strings.HasPrefix(turns[1].ToolCall.ID, "call_") {
		t.Fatalf("call turn = %+v", turns[1])
	}
	if turns[2].ToolCallID != turns[1].ToolCall.ID {
		t.Errorf("tool result answers %q, want %q", turns[2].ToolCallID, turns[1].ToolCall.ID)
	}
}

func TestHandleMessage_ModelErrors(t *testing.T) {
	boom := errors.New("upstream 500")

	t.Run("first call", func(t *testing.T) {
		h := newHarness(t, &fakeModel{errs: []error{boom}})
		_, err := h.orch.HandleMessage(context.Background(), "u1", "hi")
		if !errors.Is(err, ErrModel) || !errors.Is(err, boom) {
			t.Fatalf("error = %v, want ErrModel wrapping cause", err)
		}
		if n := len(h.turns(t)); n != 0 {
			t.Errorf("history has %d turns, want 0", n)
		}
	})

	t.Run("second call", func(t *testing.T) {
		model := &fakeModel{
			replies: []llm.Reply{toolReply("call_1", "update_macros", `{"name":"Apple"}`)},
			errs:    []error{nil, boom},
		}
		h := newHarness(t, model)
		_, err := h.orch.HandleMessage(context.Background(), "u1", "apple")
		if !errors.Is(err, ErrModel) {
			t.Fatalf("error = %v, want ErrModel", err)
		}
		if n := len(h.turns(t)); n != 0 {
			t.Errorf("history has %d turns, want 0", n)
		}
	})
}

func TestHandleMessage_UnknownUser(t *testing.T) {
	model := &fakeModel{}
	h := newHarness(t, model)

	_, err := h.orch.HandleMessage(context.Background(), "ghost", "hello")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("error = %v, want storage.ErrNotFound", err)
	}
	if len(model.requests) != 0 {
		t.Error("model called for unknown user")
	}
}

func TestHandleMessage_EmptyInput(t *testing.T) {
	h := newHarness(t, &fakeModel{})
	if _, err := h.orch.HandleMessage(context.Background(), "u1", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("error = %v, want ErrEmptyMessage", err)
	}
}

func TestHandleMessage_DayBoundary(t *testing.T) {
	model := &fakeModel{replies: []llm.Reply{
		toolReply("call_1", "update_macros", `{"name":"Apple"}`), {Content: "ok"},
		toolReply("call_2", "update_macros", `{"name":"Apple"}`), {Content: "ok"},
	}}
	h := newHarness(t, model)
	ctx := context.Background()

	h.clock.t = time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)
	if _, err := h.orch.HandleMessage(ctx, "u1", "late apple"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	before := h.ledger(t)

	h.clock.t = time.Date(2024, 5, 2, 0, 1, 0, 0, time.UTC)
	if _, err := h.orch.HandleMessage(ctx, "u1", "early apple"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	after := h.ledger(t)

	if before.ID == after.ID {
		t.Fatalf("both messages used ledger %s", before.ID)
	}
	if before.Totals.Calories != 95 || after.Totals.Calories != 95 {
		t.Errorf("calories = %v / %v, want 95 each", before.Totals.Calories, after.Totals.Calories)
	}
	if !strings.Contains(model.requests[2].Messages[0].Content, "Calories: 0") {
		t.Error("new day's prompt should start from zero totals")
	}
}

func TestHandleMessage_ConcurrentSameDay(t *testing.T) {
	h := newHarness(t, &fakeModel{})
	h.orch.model = &appleModel{}
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.orch.HandleMessage(ctx, "u1", fmt.Sprintf("apple %d", i)); err != nil {
				t.Errorf("HandleMessage %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	l := h.ledger(t)
	if l.ID != "u1:2024-05-01" {
		t.Errorf("ledger id = %q", l.ID)
	}
	if l.Totals.Calories != 95*n || l.Totals.Carbs != 25*n {
		t.Errorf("totals = %+v, want %d apples", l.Totals, n)
	}
	entries, err := h.store.LedgerEntries(ctx, l.ID)
	if err != nil {
		t.Fatalf("LedgerEntries: %v", err)
	}
	if len(entries) != n {
		t.Errorf("ledger entries = %d, want %d", len(entries), n)
	}
	if got := len(h.turns(t)); got != 4*n {
		t.Errorf("history turns = %d, want %d", got, 4*n)
	}
}

func TestStateMachine_IllegalTransitionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	m := &machine{uid: "u1"}
	m.to(stateToolExecuted)
}
