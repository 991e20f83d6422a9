package subscription

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
)

// ReceiveRequest обрабатывает входящий запрос внутри диалога.
// Обрабатывается только NOTIFY, остальные методы игнорируются.
func (s *Subscription) ReceiveRequest(req *sip.Request) {
	if req == nil || req.Method != sip.NOTIFY {
		return
	}

	var out outbox
	s.mu.Lock()
	s.receiveNotifyLocked(req, &out)
	s.unlockAndDeliver(out)
}

func (s *Subscription) receiveNotifyLocked(req *sip.Request, out *outbox) {
	if s.finalized {
		s.log.Debug("Subscription NOTIFY after termination ignored")
		return
	}

	ev := NotifyEvent{
		Originator: OriginatorRemote,
		Request:    req,
		Info: NotifyInfo{
			ContentType: headerValue(req, headerContentType),
			Body:        req.Body(),
		},
	}

	if s.accepted && !s.active {
		s.active = true
		out.add(func() { s.events.emitConfirmed(ev) })
	}
	out.add(func() { s.events.emitNotify(ev) })

	h := req.GetHeader(headerSubscriptionState)
	if h == nil {
		s.log.Debug("Subscription NOTIFY without Subscription-State")
		return
	}
	st := parseSubscriptionState(h.Value())
	s.metrics.notifyReceived(st.State)

	s.log.Debug("Subscription NOTIFY",
		slog.String("subscriptionState", st.State.String()),
		slog.String("reason", st.Reason))

	s.setState(st.State)

	if st.State == StateActive && st.HasExpires && !s.refreshDeadline.IsZero() {
		candidate := s.scheduler.Now().Add(secondsToDuration(st.Expires) - notifyExpiresMargin)
		if candidate.Before(s.refreshDeadline) {
			s.scheduleRefreshLocked(st.Expires)
		}
	}

	if st.State == StateTerminated {
		s.cancelRefreshLocked()
		s.finalizeLocked(req, CauseTerminated, out)
	}
}
