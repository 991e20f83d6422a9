package subscription

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
)

// Unsubscribe завершает подписку: состояние сразу становится TERMINATED,
// затем отправляется SUBSCRIBE с Expires: 0. Любой исход этой транзакции
// завершает диалог.
//
// Ничего не делает, если подписка не была принята и запроса в полете нет.
func (s *Subscription) Unsubscribe(opts *UnsubscribeOptions) error {
	var out outbox
	s.mu.Lock()
	err := s.unsubscribeLocked(opts, &out)
	s.unlockAndDeliver(out)
	return err
}

// Terminate то же что Unsubscribe.
func (s *Subscription) Terminate(opts *UnsubscribeOptions) error {
	return s.Unsubscribe(opts)
}

func (s *Subscription) unsubscribeLocked(opts *UnsubscribeOptions, out *outbox) error {
	if s.isEndedLocked() {
		s.log.Debug("Subscription.Unsubscribe ignored, subscription ended")
		return nil
	}

	removeAll := opts != nil && opts.RemoveAllBindings
	s.log.Debug("Subscription.Unsubscribe",
		slog.String("state", s.currentState().String()),
		slog.Bool("removeAll", removeAll))

	if err := s.sendLocked(txUnsubscribe, 0, removeAll, out); err != nil {
		return err
	}
	s.metrics.requestSent(requestUnsubscribe)

	s.setState(StateTerminated)
	s.active = false
	s.accepted = false
	s.cancelRefreshLocked()
	return nil
}

// isEndedLocked подписка завершена или еще не начиналась.
func (s *Subscription) isEndedLocked() bool {
	if s.finalized || s.currentState() == StateTerminated {
		return true
	}
	return !s.pendingRequest && !s.accepted
}

// OnTransportClosed вызывается владельцем при закрытии транспорта.
// Живая подписка завершается с причиной CONNECTION_ERROR.
func (s *Subscription) OnTransportClosed() {
	var out outbox
	s.mu.Lock()
	unsubscribing := s.currentState() == StateTerminated
	if !s.finalized && (s.accepted || s.pendingRequest || unsubscribing) {
		s.log.Debug("Subscription transport closed")
		s.finalizeLocked(nil, CauseConnectionError, &out)
	}
	s.unlockAndDeliver(out)
}

// finalizeLocked единственное место, где подписка завершается: уведомление
// "ended" и удаление из реестра владельца выполняются не более одного раза.
func (s *Subscription) finalizeLocked(msg sip.Message, cause Cause, out *outbox) {
	if s.finalized {
		return
	}
	s.finalized = true

	originator := OriginatorLocal
	if msg != nil && cause != "" {
		originator = OriginatorRemote
	}

	s.cancelRefreshLocked()
	s.setState(StateTerminated)
	s.pendingRequest = false
	s.active = false
	s.metrics.terminated(cause)

	s.log.Info("Subscription terminated",
		slog.String("originator", string(originator)),
		slog.String("cause", cause.String()))

	ev := EndedEvent{Originator: originator, Message: msg, Cause: cause}
	out.add(func() {
		s.events.emitEnded(ev)
		s.owner.DestroySubscription(s)
	})
}
