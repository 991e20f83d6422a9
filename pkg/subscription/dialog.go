package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

const (
	// minRequestedExpires нижняя граница Expires, задаваемого пользователем
	minRequestedExpires = 90
	// minRefreshExpires нижняя граница Expires при расчете таймера обновления
	minRefreshExpires = 10
	// notifyExpiresMargin запас для expires из NOTIFY
	notifyExpiresMargin = 3 * time.Second
)

var (
	ErrEmptyEventPackage = errors.New("event package is empty")
	ErrEmptyTarget       = errors.New("target is empty")
	ErrNoSenderFactory   = errors.New("sender factory is not set")
	ErrNoRequestBuilder  = errors.New("request builder is not set")
)

type txKind int

const (
	txSubscribe txKind = iota
	txUnsubscribe
)

// Subscription клиентский диалог подписки RFC 6665.
//
// Все методы безопасны для вызова из разных горутин. Слушатели и отправка
// запросов выполняются вне внутренней блокировки, поэтому из слушателя
// можно снова вызывать методы подписки.
type Subscription struct {
	mu sync.Mutex

	owner     Owner
	newSender SenderFactory
	builder   RequestBuilder
	scheduler Scheduler
	jitter    func() float64
	causeOf   CauseMapper
	log       *slog.Logger
	metrics   *Metrics

	retryIntervalTooBrief bool

	// неизменяемые после New
	id           string
	eventPackage string
	target       sip.Uri
	toURI        sip.Uri
	callID       string
	fromTag      string
	contact      string

	fsm *fsm.FSM

	cseq             uint32
	requestedExpires int
	autoRefresh      bool
	extraHeaders     []string

	accepted       bool
	active         bool
	pendingRequest bool
	finalized      bool

	// attempt номер текущей транзакции, колбэки старых транзакций отбрасываются
	attempt uint64

	refreshTimer    Timer
	refreshGen      uint64
	refreshDeadline time.Time

	// lastMinExpires Min-Expires последнего ответа 423, на который уже был повтор
	lastMinExpires int

	events emitter

	// очередь отложенных действий, см. unlockAndDeliver
	deliveryMu sync.Mutex
	delivery   []func()
	delivering bool
}

// New создает подписку в состоянии TRYING. Запрос не отправляется,
// для этого нужен Subscribe.
func New(owner Owner, target string, eventPackage string, opts ...Option) (*Subscription, error) {
	if eventPackage == "" {
		return nil, ErrEmptyEventPackage
	}
	if target == "" {
		return nil, ErrEmptyTarget
	}

	uri, err := owner.NormalizeTarget(target)
	if err != nil {
		return nil, errors.Wrap(err, "failed to normalize target")
	}

	s := &Subscription{
		owner:            owner,
		scheduler:        realScheduler{},
		jitter:           defaultJitter,
		causeOf:          CauseFromStatus,
		log:              slog.Default(),
		eventPackage:     eventPackage,
		target:           uri,
		toURI:            uri,
		callID:           uuid.NewString(),
		fromTag:          sip.RandString(8),
		contact:          owner.Contact(),
		requestedExpires: owner.DefaultExpires(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newSender == nil {
		return nil, ErrNoSenderFactory
	}
	if s.builder == nil {
		return nil, ErrNoRequestBuilder
	}

	s.id = s.callID + s.fromTag
	s.log = s.log.With(
		slog.String("subscriptionID", s.id),
		slog.String("event", s.eventPackage))
	s.fsm = newStateMachine(s.log)

	s.log.Debug("Subscription.New",
		slog.String("target", s.target.String()),
		slog.Int("expires", s.requestedExpires))

	return s, nil
}

// ID идентификатор диалога: Call-ID + From-tag.
func (s *Subscription) ID() string { return s.id }

// EventPackage пакет событий (значение заголовка Event).
func (s *Subscription) EventPackage() string { return s.eventPackage }

// Target Request-URI подписки.
func (s *Subscription) Target() sip.Uri { return s.target }

// CallID Call-ID диалога.
func (s *Subscription) CallID() string { return s.callID }

// FromTag локальный тег.
func (s *Subscription) FromTag() string { return s.fromTag }

// State текущее состояние.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentState()
}

// Active true после первого NOTIFY на принятую подписку.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Accepted true после первого 2xx на SUBSCRIBE.
func (s *Subscription) Accepted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// CSeq номер последнего отправленного запроса.
func (s *Subscription) CSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cseq
}

// RequestedExpires запрашиваемое время жизни в секундах.
func (s *Subscription) RequestedExpires() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestedExpires
}

// AutoRefresh включено ли автоматическое обновление.
func (s *Subscription) AutoRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRefresh
}

// RefreshDeadline момент следующего срабатывания таймера обновления.
// Нулевое значение, если таймер не взведен.
func (s *Subscription) RefreshDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshDeadline
}

// Subscribe отправляет SUBSCRIBE (первичный или обновление).
//
// Ничего не делает, если предыдущий SUBSCRIBE еще не получил финального
// ответа или подписка уже завершена. Ошибка возвращается только если
// запрос не удалось построить, состояние при этом не меняется.
func (s *Subscription) Subscribe(opts *SubscribeOptions) error {
	var out outbox
	s.mu.Lock()
	err := s.subscribeLocked(opts, &out)
	s.unlockAndDeliver(out)
	return err
}

func (s *Subscription) subscribeLocked(opts *SubscribeOptions, out *outbox) error {
	if s.finalized || s.currentState() == StateTerminated {
		s.log.Debug("Subscription.Subscribe ignored, subscription terminated")
		return nil
	}
	if s.pendingRequest {
		s.log.Debug("Subscription.Subscribe ignored, request in progress")
		return nil
	}

	if opts != nil {
		switch {
		case opts.Expires >= minRequestedExpires:
			s.requestedExpires = opts.Expires
		case opts.Expires != 0:
			s.log.Debug("Subscription.Subscribe expires too small, keeping previous",
				slog.Int("expires", opts.Expires),
				slog.Int("requestedExpires", s.requestedExpires))
		}
		if opts.Refresh != nil {
			s.autoRefresh = *opts.Refresh
		}
		if opts.ExtraHeaders != nil {
			s.extraHeaders = append([]string(nil), opts.ExtraHeaders...)
		}
		s.events.register(opts.Handlers)
	}

	kind := requestInitial
	if s.accepted {
		kind = requestRefresh
	}

	s.log.Debug("Subscription.Subscribe",
		slog.String("kind", kind),
		slog.Int("expires", s.requestedExpires),
		slog.String("state", s.currentState().String()))

	if err := s.sendLocked(txSubscribe, s.requestedExpires, false, out); err != nil {
		return err
	}
	s.pendingRequest = true
	s.metrics.requestSent(kind)
	return nil
}

// sendLocked строит SUBSCRIBE с CSeq+1 и ставит отправку в очередь.
// CSeq меняется только если запрос построен.
func (s *Subscription) sendLocked(kind txKind, expires int, removeAll bool, out *outbox) error {
	cseq := s.cseq + 1
	params := DialogParams{
		ToURI:   s.toURI,
		FromTag: s.fromTag,
		CallID:  s.callID,
		CSeq:    cseq,
	}
	req, err := s.builder.Build(sip.SUBSCRIBE, s.target, params, s.subscribeHeaders(expires, removeAll))
	if err != nil {
		s.log.Debug("Subscription build request failed", slog.String("error", err.Error()))
		return errors.Wrap(err, "failed to build SUBSCRIBE request")
	}

	s.cseq = cseq
	s.attempt++
	sender := s.newSender(req, s.callbacks(s.attempt, kind))
	out.add(sender.Send)
	return nil
}

func (s *Subscription) callbacks(attempt uint64, kind txKind) Callbacks {
	return Callbacks{
		OnRequestTimeout: func() {
			s.onTransactionFailure(attempt, CauseRequestTimeout)
		},
		OnTransportError: func() {
			s.onTransactionFailure(attempt, CauseConnectionError)
		},
		OnAuthenticated: func() {
			s.onAuthenticated(attempt)
		},
		OnReceiveResponse: func(res *sip.Response) {
			s.onResponse(attempt, kind, res)
		},
	}
}

// onAuthenticated отправитель повторил запрос с учетными данными и новым CSeq.
func (s *Subscription) onAuthenticated(attempt uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt != s.attempt || s.finalized {
		return
	}
	s.cseq++
	s.metrics.authRetried()
	s.log.Debug("Subscription request authenticated", slog.Uint64("cseq", uint64(s.cseq)))
}

func (s *Subscription) onTransactionFailure(attempt uint64, cause Cause) {
	var out outbox
	s.mu.Lock()
	if attempt != s.attempt {
		s.mu.Unlock()
		s.log.Debug("Subscription stale transaction failure dropped", slog.String("cause", cause.String()))
		return
	}
	s.log.Debug("Subscription transaction failed", slog.String("cause", cause.String()))
	s.finalizeLocked(nil, cause, &out)
	s.unlockAndDeliver(out)
}

func (s *Subscription) onResponse(attempt uint64, kind txKind, res *sip.Response) {
	if res == nil {
		return
	}
	var out outbox
	s.mu.Lock()
	if kind == txUnsubscribe {
		s.handleUnsubscribeResponseLocked(attempt, res, &out)
	} else {
		s.handleSubscribeResponseLocked(attempt, res, &out)
	}
	s.unlockAndDeliver(out)
}

// stale ответ на устаревшую транзакцию или с чужим CSeq.
func (s *Subscription) stale(attempt uint64, res *sip.Response) bool {
	cseq := res.CSeq()
	if attempt == s.attempt && cseq != nil && cseq.SeqNo == s.cseq {
		return false
	}
	s.metrics.staleResponse()
	s.log.Debug("Subscription stale response dropped",
		slog.Int("statusCode", int(res.StatusCode)),
		slog.Uint64("cseq", uint64(s.cseq)))
	return true
}

func (s *Subscription) handleSubscribeResponseLocked(attempt uint64, res *sip.Response, out *outbox) {
	if s.finalized || s.stale(attempt, res) {
		return
	}

	s.cancelRefreshLocked()

	code := int(res.StatusCode)
	if code < 200 {
		return
	}
	s.metrics.responseReceived(code)

	s.log.Debug("Subscription.Subscribe response",
		slog.Int("statusCode", code),
		slog.String("reason", res.Reason))

	if code >= 300 {
		s.pendingRequest = false
		if s.retryWithMinExpiresLocked(res, out) {
			return
		}
		s.finalizeLocked(res, s.causeOf(code), out)
		return
	}

	s.pendingRequest = false
	s.lastMinExpires = 0

	expires := s.requestedExpires
	if n, ok := headerInt(res, headerExpires); ok {
		expires = n
	}
	s.scheduleRefreshLocked(expires)

	if !s.accepted {
		s.accepted = true
		s.setState(StateAccepted)
		ev := AcceptedEvent{Originator: OriginatorRemote, Response: res}
		out.add(func() {
			s.owner.NewSubscription(s)
			s.events.emitAccepted(ev)
		})
	}
}

// retryWithMinExpiresLocked повторяет SUBSCRIBE после 423, если это разрешено
// и сервер прислал Min-Expires больше запрошенного.
func (s *Subscription) retryWithMinExpiresLocked(res *sip.Response, out *outbox) bool {
	if !s.retryIntervalTooBrief || int(res.StatusCode) != 423 {
		return false
	}
	minExpires, ok := headerInt(res, headerMinExpires)
	if !ok || minExpires <= s.requestedExpires || minExpires == s.lastMinExpires {
		return false
	}

	s.log.Debug("Subscription retry with Min-Expires", slog.Int("minExpires", minExpires))
	s.requestedExpires = minExpires
	s.lastMinExpires = minExpires
	if err := s.subscribeLocked(nil, out); err != nil {
		s.log.Warn("Subscription retry with Min-Expires failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

func (s *Subscription) handleUnsubscribeResponseLocked(attempt uint64, res *sip.Response, out *outbox) {
	if s.finalized || s.stale(attempt, res) {
		return
	}
	code := int(res.StatusCode)
	if code < 200 {
		return
	}
	s.metrics.responseReceived(code)

	var cause Cause
	if code >= 300 {
		cause = s.causeOf(code)
	}
	s.finalizeLocked(res, cause, out)
}

func (s *Subscription) currentState() State {
	return State(s.fsm.Current())
}

// setState переводит FSM в dst. Из TERMINATED выхода нет. Для состояний без
// события FSM (нестандартные токены из NOTIFY) используется SetState.
func (s *Subscription) setState(dst State) {
	cur := s.currentState()
	if dst == "" || cur == dst || cur == StateTerminated {
		return
	}
	if event, ok := eventFor(dst); ok && s.fsm.Can(event) {
		if err := s.fsm.Event(context.Background(), event); err != nil {
			s.log.Debug("Subscription setState failed",
				slog.String("to", dst.String()),
				slog.String("error", err.Error()))
		}
		return
	}
	s.fsm.SetState(string(dst))
	s.log.Debug("subscription state forced",
		slog.String("from", cur.String()),
		slog.String("to", dst.String()))
}

// outbox отложенные действия, собранные под s.mu.
type outbox []func()

func (o *outbox) add(fn func()) {
	*o = append(*o, fn)
}

// unlockAndDeliver ставит действия out в очередь, снимает s.mu и выполняет
// очередь. Действия ставятся в очередь под s.mu, поэтому слушатели и владелец
// видят их в порядке изменений состояния, из какой бы горутины они ни пришли.
func (s *Subscription) unlockAndDeliver(out outbox) {
	s.deliveryMu.Lock()
	s.delivery = append(s.delivery, out...)
	s.deliveryMu.Unlock()
	s.mu.Unlock()
	s.deliver()
}

// deliver выполняет очередь. Выполняет ее только одна горутина за раз,
// остальные (и повторные вызовы из слушателей) только добавляют действия.
func (s *Subscription) deliver() {
	s.deliveryMu.Lock()
	if s.delivering {
		s.deliveryMu.Unlock()
		return
	}
	s.delivering = true
	for len(s.delivery) > 0 {
		fn := s.delivery[0]
		s.delivery = s.delivery[1:]
		s.deliveryMu.Unlock()
		fn()
		s.deliveryMu.Lock()
	}
	s.delivering = false
	s.deliveryMu.Unlock()
}
