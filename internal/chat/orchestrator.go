package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/BustosAndrew/calhacks10/internal/composer"
	"github.com/BustosAndrew/calhacks10/internal/conversation"
	"github.com/BustosAndrew/calhacks10/internal/llm"
	"github.com/BustosAndrew/calhacks10/internal/profile"
	"github.com/BustosAndrew/calhacks10/internal/storage"
	"github.com/BustosAndrew/calhacks10/internal/tools"
)

// ErrModel wraps any failure of the language model call.
var ErrModel = errors.New("language model request failed")

// ErrEmptyMessage is returned for a blank uid or message.
var ErrEmptyMessage = errors.New("uid and message are required")

// Apology is the reply when the model's tool request cannot be executed.
const Apology = "Sorry, I couldn't work out what to log from that. Could you tell me again what you ate or drank?"

const instrumentationName = "github.com/BustosAndrew/calhacks10/internal/chat"

// Model is the language model the orchestrator talks to. Implemented by
// *llm.Client.
type Model interface {
	Complete(ctx context.Context, req llm.Request) (llm.Reply, error)
}

// Ledgers resolves today's ledger for a user.
type Ledgers interface {
	EnsureDailyLedger(ctx context.Context, uid string, t time.Time) (storage.DailyLedger, error)
}

// Profiles resolves a user's profile.
type Profiles interface {
	GetProfile(ctx context.Context, uid string) (profile.Profile, error)
}

// History loads and appends conversation turns.
type History interface {
	Load(ctx context.Context, uid string) ([]conversation.Turn, error)
	Append(ctx context.Context, uid string, turns []conversation.Turn) error
}

// Dispatcher executes a parsed tool call against a ledger.
type Dispatcher interface {
	Dispatch(ctx context.Context, ledgerID, callID string, call tools.Call) (string, error)
	ModelAsserted() bool
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Orchestrator runs one chat request end to end: it gathers the user's
// ledger, profile and history, calls the model with the tool schema, executes
// at most one tool call and persists the new turns.
type Orchestrator struct {
	model      Model
	ledgers    Ledgers
	profiles   Profiles
	history    History
	dispatcher Dispatcher
	composer   *composer.Composer
	clock      Clock
	location   *time.Location

	tracer   trace.Tracer
	messages metric.Int64Counter
}

type Option func(*Orchestrator)

// WithClock overrides the wall clock used to pick the day's ledger.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLocation sets the timezone whose calendar day bounds a ledger.
// Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(o *Orchestrator) {
		if loc != nil {
			o.location = loc
		}
	}
}

// New creates an Orchestrator wired to its dependencies.
func New(model Model, ledgers Ledgers, profiles Profiles, history History, dispatcher Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:      model,
		ledgers:    ledgers,
		profiles:   profiles,
		history:    history,
		dispatcher: dispatcher,
		composer:   composer.New(),
		clock:      realClock{},
		location:   time.Local,
		tracer:     otel.Tracer(instrumentationName),
	}
	messages, err := otel.Meter(instrumentationName).Int64Counter("chat_messages_total",
		metric.WithDescription("Chat requests by outcome"))
	if err != nil {
		slog.Warn("creating chat message counter", "error", err)
	}
	o.messages = messages
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// requestData is everything read once per request before the model call.
type requestData struct {
	ledger  storage.DailyLedger
	profile profile.Profile
	history []conversation.Turn
}

// HandleMessage processes one user message and returns the assistant's
// reply. On success exactly two turns (user, assistant) or four turns (user,
// assistant tool call, tool result, assistant) are appended to the user's
// history. Nothing is appended when an error is returned.
func (o *Orchestrator) HandleMessage(ctx context.Context, uid, text string) (reply string, err error) {
	ctx, span := o.tracer.Start(ctx, "chat.HandleMessage", trace.WithAttributes(
		attribute.String("user.id", uid),
	))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		if o.messages != nil {
			o.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
		span.End()
	}()

	if strings.TrimSpace(uid) == "" || strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}

	m := &machine{uid: uid}
	data, err := o.load(ctx, uid)
	if err != nil {
		return "", err
	}

	msgs := o.composer.Compose(data.profile, &data.ledger.Totals, data.history, text)
	specs := tools.Specs(o.dispatcher.ModelAsserted())
	span.SetAttributes(
		attribute.String("ledger.id", data.ledger.ID),
		attribute.Int("history.turns", len(data.history)),
		attribute.Int("prompt.estimated_tokens", composer.EstimateTokens(msgs)),
	)

	m.to(stateAwaitingModel)
	first, err := o.model.Complete(ctx, llm.Request{Messages: msgs, Tools: specs, ToolChoice: llm.ToolChoiceAuto})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrModel, err)
	}

	userTurn := conversation.User(text)
	if len(first.ToolCalls) == 0 {
		m.to(statePlainReply)
		return o.finish(ctx, m, uid, first.Content, userTurn, conversation.Assistant(first.Content))
	}

	m.to(stateToolRequested)
	if len(first.ToolCalls) > 1 {
		slog.Warn("model requested several tools, executing the first only", "uid", uid, "count", len(first.ToolCalls))
	}
	tc := first.ToolCalls[0]
	if tc.ID == "" {
		tc.ID = "call_" + uuid.NewString()
	}
	span.SetAttributes(attribute.String("tool.name", tc.Name))

	result, err := o.runTool(ctx, data.ledger.ID, tc)
	if errors.Is(err, tools.ErrMalformedArguments) || errors.Is(err, tools.ErrUnknownTool) {
		slog.Warn("rejecting tool call", "uid", uid, "tool", tc.Name, "error", err)
		m.to(statePlainReply)
		return o.finish(ctx, m, uid, Apology, userTurn, conversation.Assistant(Apology))
	}
	if err != nil {
		return "", err
	}
	m.to(stateToolExecuted)

	callTurn := conversation.AssistantToolCall(first.Content, tc)
	resultTurn := conversation.ToolResult(tc.ID, result)
	msgs = append(msgs, callTurn, resultTurn)

	m.to(stateAwaitingModel2)
	second, err := o.model.Complete(ctx, llm.Request{Messages: msgs, Tools: specs, ToolChoice: llm.ToolChoiceNone})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrModel, err)
	}
	final := second.Content
	if len(second.ToolCalls) > 0 {
		slog.Warn("model asked for another tool after finalizing, ignoring", "uid", uid, "tool", second.ToolCalls[0].Name)
	}
	if strings.TrimSpace(final) == "" {
		final = result
	}

	m.to(statePlainReply)
	return o.finish(ctx, m, uid, final, userTurn, callTurn, resultTurn, conversation.Assistant(final))
}

// load fetches the day's ledger, the profile and the history concurrently.
func (o *Orchestrator) load(ctx context.Context, uid string) (requestData, error) {
	var data requestData
	now := o.clock.Now().In(o.location)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l, err := o.ledgers.EnsureDailyLedger(gctx, uid, now)
		if err != nil {
			return fmt.Errorf("resolving daily ledger: %w", err)
		}
		data.ledger = l
		return nil
	})
	g.Go(func() error {
		p, err := o.profiles.GetProfile(gctx, uid)
		if err != nil {
			return fmt.Errorf("resolving profile: %w", err)
		}
		data.profile = p
		return nil
	})
	g.Go(func() error {
		h, err := o.history.Load(gctx, uid)
		if err != nil {
			return fmt.Errorf("loading history: %w", err)
		}
		data.history = h
		return nil
	})
	if err := g.Wait(); err != nil {
		return requestData{}, err
	}
	return data, nil
}

func (o *Orchestrator) runTool(ctx context.Context, ledgerID string, tc conversation.ToolCall) (string, error) {
	call, err := tools.Parse(tc.Name, tc.Arguments)
	if err != nil {
		return "", err
	}
	return o.dispatcher.Dispatch(ctx, ledgerID, tc.ID, call)
}

func (o *Orchestrator) finish(ctx context.Context, m *machine, uid, reply string, turns ...conversation.Turn) (string, error) {
	if err := o.history.Append(ctx, uid, turns); err != nil {
		return "", fmt.Errorf("persisting turns: %w", err)
	}
	m.to(stateDone)
	slog.Debug("chat complete", "uid", uid, "turns_appended", len(turns))
	return reply, nil
}
