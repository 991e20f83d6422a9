package subscription

import (
	"log/slog"
	"math/rand"
)

// SubscribeOptions параметры Subscribe. Все поля необязательные.
type SubscribeOptions struct {
	// Expires запрашиваемое время жизни подписки в секундах.
	// Значения меньше 90 игнорируются, остается предыдущее.
	Expires int
	// Refresh включает/выключает автоматическое обновление подписки
	Refresh *bool
	// ExtraHeaders заменяет сохраненный список дополнительных заголовков
	// ("Name: value"). nil оставляет текущий список.
	ExtraHeaders []string
	// Handlers регистрируются до отправки запроса
	Handlers *Handlers
}

// UnsubscribeOptions параметры Unsubscribe/Terminate.
type UnsubscribeOptions struct {
	// RemoveAllBindings отправляет Contact: *
	RemoveAllBindings bool
}

// Option настраивает Subscription при создании.
type Option func(*Subscription)

// WithSenderFactory задает фабрику отправителей транзакций.
func WithSenderFactory(f SenderFactory) Option {
	return func(s *Subscription) { s.newSender = f }
}

// WithRequestBuilder задает построитель запросов.
func WithRequestBuilder(b RequestBuilder) Option {
	return func(s *Subscription) { s.builder = b }
}

// WithScheduler задает планировщик таймеров.
func WithScheduler(sc Scheduler) Option {
	return func(s *Subscription) { s.scheduler = sc }
}

// WithJitter задает источник случайной величины в [0, 1) для разброса
// момента обновления.
func WithJitter(f func() float64) Option {
	return func(s *Subscription) { s.jitter = f }
}

// WithLogger задает логгер.
func WithLogger(l *slog.Logger) Option {
	return func(s *Subscription) { s.log = l }
}

// WithMetrics задает метрики.
func WithMetrics(m *Metrics) Option {
	return func(s *Subscription) { s.metrics = m }
}

// WithCauseMapper задает отображение кода ответа в причину завершения.
func WithCauseMapper(m CauseMapper) Option {
	return func(s *Subscription) { s.causeOf = m }
}

// WithIntervalTooBriefRetry включает повтор SUBSCRIBE с Min-Expires
// после ответа 423 Interval Too Brief.
func WithIntervalTooBriefRetry(enabled bool) Option {
	return func(s *Subscription) { s.retryIntervalTooBrief = enabled }
}

func defaultJitter() float64 {
	return rand.Float64()
}
