package subscription

import (
	"context"
	"log/slog"
	"strings"

	"github.com/looplab/fsm"
)

// State состояние подписки.
//
// Кроме предопределенных значений может хранить любой токен из
// Subscription-State входящего NOTIFY (в верхнем регистре).
type State string

const (
	// StateTrying SUBSCRIBE отправлен, 2xx еще не было
	StateTrying State = "TRYING"
	// StateAccepted получен 2xx, NOTIFY еще не было
	StateAccepted State = "ACCEPTED"
	// StateActive подписка подтверждена NOTIFY
	StateActive State = "ACTIVE"
	// StatePending нотификатор еще не авторизовал подписку
	StatePending State = "PENDING"
	// StateTerminated подписка завершена, состояние поглощающее
	StateTerminated State = "TERMINATED"
)

func (s State) String() string {
	return string(s)
}

// parseState приводит токен Subscription-State к State.
func parseState(token string) State {
	return State(strings.ToUpper(strings.TrimSpace(token)))
}

const (
	eventAccept    = "accept"
	eventActivate  = "activate"
	eventPend      = "pend"
	eventTerminate = "terminate"
)

var liveStates = []string{
	string(StateTrying),
	string(StateAccepted),
	string(StateActive),
	string(StatePending),
}

// newStateMachine создает FSM подписки. Переходы в нестандартные состояния
// из NOTIFY выполняются через SetState, см. (*Subscription).setState.
func newStateMachine(log *slog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		string(StateTrying),
		fsm.Events{
			{Name: eventAccept, Src: []string{string(StateTrying), string(StatePending), string(StateActive)}, Dst: string(StateAccepted)},
			{Name: eventActivate, Src: []string{string(StateTrying), string(StateAccepted), string(StatePending)}, Dst: string(StateActive)},
			{Name: eventPend, Src: []string{string(StateTrying), string(StateAccepted), string(StateActive)}, Dst: string(StatePending)},
			{Name: eventTerminate, Src: liveStates, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug("subscription state changed",
					slog.String("from", e.Src),
					slog.String("to", e.Dst),
					slog.String("event", e.Event))
			},
		},
	)
}

// eventFor возвращает событие FSM для перехода в dst, если оно есть.
func eventFor(dst State) (string, bool) {
	switch dst {
	case StateAccepted:
		return eventAccept, true
	case StateActive:
		return eventActivate, true
	case StatePending:
		return eventPend, true
	case StateTerminated:
		return eventTerminate, true
	}
	return "", false
}
