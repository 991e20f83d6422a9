package subscription

import (
	"time"

	"github.com/emiago/sipgo/sip"
)

// Owner - владелец подписок (агент). Отдает конфигурацию по умолчанию и
// ведет реестр подтвержденных подписок по их ID.
//
// Owner только читает ID диалога и получает уведомления о жизненном цикле,
// внутренние поля подписки он не меняет.
type Owner interface {
	// DefaultExpires время жизни подписки по умолчанию в секундах
	DefaultExpires() int
	// Contact значение заголовка Contact для исходящих запросов
	Contact() string
	// NormalizeTarget приводит цель подписки к полному SIP URI
	NormalizeTarget(target string) (sip.Uri, error)
	// NewSubscription вызывается при первом 2xx на SUBSCRIBE
	NewSubscription(s *Subscription)
	// DestroySubscription вызывается ровно один раз при завершении подписки
	DestroySubscription(s *Subscription)
}

// ExpiringNotifier - необязательное расширение Owner для слушателей
// "subscriptionExpiring" на уровне всего агента (устаревший режим).
type ExpiringNotifier interface {
	ExpiringListenerCount() int
	EmitExpiring(s *Subscription)
}

// Callbacks набор колбэков одной клиентской транзакции.
//
// Отправитель может вызвать OnAuthenticated ноль или более раз, после чего
// ровно один из терминальных колбэков.
type Callbacks struct {
	OnRequestTimeout  func()
	OnTransportError  func()
	OnAuthenticated   func()
	OnReceiveResponse func(res *sip.Response)
}

// TransactionSender ведет одну транзакцию до конца. Send вызывается один раз.
type TransactionSender interface {
	Send()
}

// SenderFactory создает отправителя для одной попытки запроса.
type SenderFactory func(req *sip.Request, cb Callbacks) TransactionSender

// DialogParams параметры диалога для построения запроса.
type DialogParams struct {
	ToURI   sip.Uri
	FromTag string
	CallID  string
	CSeq    uint32
}

// RequestBuilder строит исходящий запрос из параметров диалога и списка
// "сырых" заголовков вида "Name: value".
type RequestBuilder interface {
	Build(method sip.RequestMethod, target sip.Uri, params DialogParams, headers []string) (*sip.Request, error)
}

// Scheduler планирует отложенные действия. Нужен чтобы в тестах
// управлять временем вручную.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer отложенное действие, которое можно отменить.
type Timer interface {
	Stop() bool
}

type realScheduler struct{}

func (realScheduler) Now() time.Time { return time.Now() }

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
