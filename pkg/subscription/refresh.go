package subscription

import (
	"log/slog"
	"time"
)

// refreshDelay задержка до обновления подписки со сроком seconds.
//
// Для сроков больше 64 секунд обновление выполняется во второй половине
// интервала со случайным сдвигом до (seconds/2-32) секунд, для коротких
// сроков за 5 секунд до истечения. seconds меньше 10 приводится к 10.
func refreshDelay(seconds int, jitter func() float64) time.Duration {
	if seconds < minRefreshExpires {
		seconds = minRefreshExpires
	}

	var ms float64
	if seconds > 64 {
		half := float64(seconds) / 2
		ms = half*1000 + jitter()*(half-32)*1000
	} else {
		ms = float64(seconds)*1000 - 5000
	}
	return time.Duration(ms) * time.Millisecond
}

// scheduleRefreshLocked взводит таймер обновления, предыдущий отменяется.
func (s *Subscription) scheduleRefreshLocked(seconds int) {
	s.cancelRefreshLocked()

	delay := refreshDelay(seconds, s.jitter)
	s.refreshGen++
	gen := s.refreshGen
	s.refreshDeadline = s.scheduler.Now().Add(delay)
	s.refreshTimer = s.scheduler.AfterFunc(delay, func() {
		s.onRefreshTimer(gen)
	})

	s.log.Debug("Subscription refresh scheduled",
		slog.Int("expires", seconds),
		slog.Duration("delay", delay))
}

func (s *Subscription) cancelRefreshLocked() {
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
	// срабатывание уже запущенного таймера будет проигнорировано
	s.refreshGen++
	s.refreshDeadline = time.Time{}
}

// onRefreshTimer срабатывание таймера обновления.
//
// Порядок выбора: слушатель "subscriptionExpiring" подписки, затем слушатель
// агента (ExpiringNotifier), затем автоматическое обновление, если включено.
func (s *Subscription) onRefreshTimer(gen uint64) {
	var out outbox
	s.mu.Lock()
	if gen != s.refreshGen || s.finalized || s.currentState() == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.refreshTimer = nil
	s.refreshDeadline = time.Time{}

	notifier, hasNotifier := s.owner.(ExpiringNotifier)

	switch {
	case s.events.listenerCount(EventSubscriptionExpiring) > 0:
		s.log.Debug("Subscription expiring, notifying listeners")
		out.add(func() {
			s.events.emitExpiring(ExpiringEvent{Originator: OriginatorLocal})
		})
	case hasNotifier && notifier.ExpiringListenerCount() > 0:
		s.log.Debug("Subscription expiring, notifying owner listeners")
		out.add(func() {
			notifier.EmitExpiring(s)
		})
	case s.autoRefresh:
		if err := s.subscribeLocked(nil, &out); err != nil {
			s.log.Warn("Subscription refresh failed", slog.String("error", err.Error()))
		}
	default:
		s.log.Debug("Subscription expiring without refresh")
	}
	s.unlockAndDeliver(out)
}

func secondsToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}
