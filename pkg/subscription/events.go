package subscription

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// EventName имя уведомления подписки.
type EventName string

const (
	EventAccepted             EventName = "accepted"
	EventConfirmed            EventName = "confirmed"
	EventNotify               EventName = "notify"
	EventSubscriptionExpiring EventName = "subscriptionExpiring"
	EventEnded                EventName = "ended"
)

// Originator сторона, инициировавшая событие.
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
)

// NotifyInfo тело и тип содержимого NOTIFY.
type NotifyInfo struct {
	ContentType string
	Body        []byte
}

// AcceptedEvent первый 2xx на SUBSCRIBE.
type AcceptedEvent struct {
	Originator Originator
	Response   *sip.Response
}

// NotifyEvent входящий NOTIFY. Используется и для "confirmed", и для "notify".
type NotifyEvent struct {
	Originator Originator
	Request    *sip.Request
	Info       NotifyInfo
}

// ExpiringEvent сработал таймер обновления подписки.
type ExpiringEvent struct {
	Originator Originator
}

// EndedEvent подписка завершена. Message - ответ или запрос, который привел
// к завершению, nil для локальных причин.
type EndedEvent struct {
	Originator Originator
	Message    sip.Message
	Cause      Cause
}

// Handlers обработчики, регистрируемые через SubscribeOptions до отправки запроса.
type Handlers struct {
	Accepted  func(AcceptedEvent)
	Confirmed func(NotifyEvent)
	Notify    func(NotifyEvent)
	Expiring  func(ExpiringEvent)
	Ended     func(EndedEvent)
}

type listeners[T any] struct {
	fns []func(T)
}

func (l *listeners[T]) add(fn func(T)) {
	if fn != nil {
		l.fns = append(l.fns, fn)
	}
}

func (l *listeners[T]) snapshot() []func(T) {
	out := make([]func(T), len(l.fns))
	copy(out, l.fns)
	return out
}

// emitter реестр слушателей одной подписки. Слушатели вызываются синхронно
// в порядке регистрации.
type emitter struct {
	mu        sync.Mutex
	accepted  listeners[AcceptedEvent]
	confirmed listeners[NotifyEvent]
	notify    listeners[NotifyEvent]
	expiring  listeners[ExpiringEvent]
	ended     listeners[EndedEvent]
}

func (e *emitter) register(h *Handlers) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accepted.add(h.Accepted)
	e.confirmed.add(h.Confirmed)
	e.notify.add(h.Notify)
	e.expiring.add(h.Expiring)
	e.ended.add(h.Ended)
}

func (e *emitter) listenerCount(name EventName) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch name {
	case EventAccepted:
		return len(e.accepted.fns)
	case EventConfirmed:
		return len(e.confirmed.fns)
	case EventNotify:
		return len(e.notify.fns)
	case EventSubscriptionExpiring:
		return len(e.expiring.fns)
	case EventEnded:
		return len(e.ended.fns)
	}
	return 0
}

func emit[T any](mu *sync.Mutex, l *listeners[T], ev T) {
	mu.Lock()
	fns := l.snapshot()
	mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (e *emitter) emitAccepted(ev AcceptedEvent) { emit(&e.mu, &e.accepted, ev) }
func (e *emitter) emitConfirmed(ev NotifyEvent) { emit(&e.mu, &e.confirmed, ev) }
func (e *emitter) emitNotify(ev NotifyEvent) { emit(&e.mu, &e.notify, ev) }
func (e *emitter) emitExpiring(ev ExpiringEvent) { emit(&e.mu, &e.expiring, ev) }
func (e *emitter) emitEnded(ev EndedEvent) { emit(&e.mu, &e.ended, ev) }

// OnAccepted добавляет слушателя "accepted".
func (s *Subscription) OnAccepted(fn func(AcceptedEvent)) {
	s.events.register(&Handlers{Accepted: fn})
}

// OnConfirmed добавляет слушателя "confirmed".
func (s *Subscription) OnConfirmed(fn func(NotifyEvent)) {
	s.events.register(&Handlers{Confirmed: fn})
}

// OnNotify добавляет слушателя "notify".
func (s *Subscription) OnNotify(fn func(NotifyEvent)) {
	s.events.register(&Handlers{Notify: fn})
}

// OnSubscriptionExpiring добавляет слушателя "subscriptionExpiring".
// Пока такой слушатель есть, подписка не обновляется автоматически.
func (s *Subscription) OnSubscriptionExpiring(fn func(ExpiringEvent)) {
	s.events.register(&Handlers{Expiring: fn})
}

// OnEnded добавляет слушателя "ended".
func (s *Subscription) OnEnded(fn func(EndedEvent)) {
	s.events.register(&Handlers{Ended: fn})
}

// ListenerCount количество слушателей уведомления name.
func (s *Subscription) ListenerCount(name EventName) int {
	return s.events.listenerCount(name)
}
