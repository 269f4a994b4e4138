// Package sched provides one-shot delayed action scheduling. The supervisor
// depends on the Scheduler contract; the Redis-backed implementation keeps
// scheduled actions across process suspension and restarts.
package sched

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Token identifies one scheduled action instance. Action selects the
// registered handler; Payload carries opaque handler state.
type Token struct {
	Action  string `json:"action"`
	ID      string `json:"id"`
	Payload string `json:"payload,omitempty"`
}

// NewToken creates a token for the given action.
func NewToken(action, payload string) Token {
	return Token{
		Action:  action,
		ID:      uuid.NewString(),
		Payload: payload,
	}
}

func (t Token) encode() string {
	data, _ := json.Marshal(t)
	return string(data)
}

func decodeToken(s string) (Token, error) {
	var t Token
	err := json.Unmarshal([]byte(s), &t)
	return t, err
}

// Handler is invoked when a scheduled token fires.
type Handler func(payload string)

// Scheduler fires registered actions once after a delay. Implementations
// invoke handlers on a fresh goroutine so one scheduled item never delays
// another. Cancel removes a pending item; an item already dispatched runs
// to completion.
type Scheduler interface {
	Register(action string, h Handler)
	ScheduleOnce(delay time.Duration, token Token) error
	Cancel(token Token)
}
