package chat

import (
	"fmt"
	"log/slog"
)

// state is a step of the per-request conversation flow:
//
//	Start → AwaitingModel → PlainReply → Done
//	Start → AwaitingModel → ToolRequested → ToolExecuted → AwaitingModel2 → PlainReply → Done
type state int

const (
	stateStart state = iota
	stateAwaitingModel
	stateToolRequested
	stateToolExecuted
	stateAwaitingModel2
	statePlainReply
	stateDone
)

var stateNames = [...]string{
	stateStart:          "Start",
	stateAwaitingModel:  "AwaitingModel",
	stateToolRequested:  "ToolRequested",
	stateToolExecuted:   "ToolExecuted",
	stateAwaitingModel2: "AwaitingModel2",
	statePlainReply:     "PlainReply",
	stateDone:           "Done",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[state][]state{
	stateStart:          {stateAwaitingModel},
	stateAwaitingModel:  {statePlainReply, stateToolRequested},
	stateToolRequested:  {stateToolExecuted, statePlainReply},
	stateToolExecuted:   {stateAwaitingModel2},
	stateAwaitingModel2: {statePlainReply},
	statePlainReply:     {stateDone},
}

// machine tracks one request's progress and logs each transition.
type machine struct {
	uid     string
	current state
}

func (m *machine) to(next state) {
	for _, allowed := range transitions[m.current] {
		if allowed == next {
			slog.Debug("chat transition", "uid", m.uid, "from", m.current, "to", next)
			m.current = next
			return
		}
	}
	panic(fmt.Sprintf("chat: illegal transition %s -> %s", m.current, next))
}
