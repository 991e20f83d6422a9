// Package agent владелец подписок: конфигурация, транспорты sipgo,
// реестр подтвержденных подписок и маршрутизация входящих NOTIFY.
package agent

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/arzzra/sip_subscriber/pkg/request"
	"github.com/arzzra/sip_subscriber/pkg/subscription"
	"github.com/arzzra/sip_subscriber/pkg/transaction"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// ErrClosed агент закрыт
var ErrClosed = errors.New("agent is closed")

var (
	_ subscription.Owner            = (*Agent)(nil)
	_ subscription.ExpiringNotifier = (*Agent)(nil)
)

// Option настраивает Agent.
type Option func(*Agent)

// WithLogger задает логгер.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithRegisterer задает реестр prometheus. По умолчанию метрики
// регистрируются в собственном реестре агента.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *Agent) { a.registerer = reg }
}

// WithRequester подменяет отправку транзакций (по умолчанию sipgo клиент).
func WithRequester(r transaction.Requester) Option {
	return func(a *Agent) { a.requester = r }
}

// WithSubscriptionOptions добавляет опции к каждой создаваемой подписке.
func WithSubscriptionOptions(opts ...subscription.Option) Option {
	return func(a *Agent) { a.subOpts = append(a.subOpts, opts...) }
}

// Agent SIP агент подписок.
//
// Реализует subscription.Owner: отдает Contact и Expires по умолчанию,
// ведет реестр подтвержденных подписок и рассылает уведомления
// "subscriptionExpiring" уровня агента.
type Agent struct {
	cfg Config
	log *slog.Logger

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	requester  transaction.Requester
	builder    *request.Builder
	registerer prometheus.Registerer
	metrics    *subscription.Metrics
	subOpts    []subscription.Option

	from    sip.Uri
	contact string

	// registry подтвержденные подписки
	registry *Registry
	// dialogs все живые подписки агента, включая еще не принятые
	dialogs sync.Map
	wg      sync.WaitGroup

	expMu    sync.Mutex
	expiring []func(*subscription.Subscription)

	closed atomic.Bool
}

// New создает агента. Транспорты не запускаются, см. Serve.
func New(cfg Config, opts ...Option) (*Agent, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	a := &Agent{
		cfg:      cfg,
		log:      slog.Default(),
		registry: NewRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registerer == nil {
		a.registerer = prometheus.NewRegistry()
	}

	first := cfg.Transports[0]

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent), sipgo.WithUserAgentHostname(first.Host))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create user agent")
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create server")
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create client")
	}
	a.ua, a.server, a.client = ua, srv, client
	if a.requester == nil {
		a.requester = transaction.FromClient(client)
	}

	a.from = sip.Uri{Scheme: "sip", User: cfg.User, Host: cfg.Domain}
	a.contact = cfg.Contact
	if a.contact == "" {
		a.contact = buildContact(cfg.User, first)
	}
	a.builder = request.NewBuilder(a.from, cfg.DisplayName, cfg.UserAgent)

	metricsCfg := subscription.DefaultMetricsConfig()
	metricsCfg.Namespace = cfg.Metrics.Namespace
	metricsCfg.Registerer = a.registerer
	a.metrics = subscription.NewMetrics(metricsCfg)

	a.server.OnNotify(a.onNotify)

	a.log.Debug("Agent.New",
		slog.String("from", a.from.String()),
		slog.String("contact", a.contact),
		slog.Int("transports", len(cfg.Transports)))

	return a, nil
}

func buildContact(user string, tc TransportConfig) string {
	uri := sip.Uri{Scheme: "sip", User: user, Host: tc.Host, Port: tc.ListenPort()}
	contact := "<" + uri.String()
	if tc.Type != TransportUDP {
		contact += ";transport=" + tc.TransportParam()
	}
	return contact + ">"
}

// Config конфигурация агента с заполненными значениями по умолчанию.
func (a *Agent) Config() Config { return a.cfg }

// DefaultExpires время жизни подписки по умолчанию.
func (a *Agent) DefaultExpires() int { return a.cfg.DefaultExpires }

// Contact значение заголовка Contact.
func (a *Agent) Contact() string { return a.contact }

// NormalizeTarget приводит цель к SIP URI: "alice" -> sip:alice@<domain>,
// "alice@example.com" -> sip:alice@example.com.
func (a *Agent) NormalizeTarget(target string) (sip.Uri, error) {
	target = strings.TrimSpace(target)
	target = strings.TrimSuffix(strings.TrimPrefix(target, "<"), ">")

	lower := strings.ToLower(target)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		if !strings.Contains(target, "@") {
			target += "@" + a.cfg.Domain
		}
		target = "sip:" + target
	}

	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return sip.Uri{}, errors.Wrapf(err, "invalid target %q", target)
	}
	if uri.Host == "" {
		return sip.Uri{}, errors.Errorf("invalid target %q: empty host", target)
	}
	return uri, nil
}

// NewSubscription добавляет принятую подписку в реестр.
func (a *Agent) NewSubscription(s *subscription.Subscription) {
	if !a.registry.Insert(s) {
		a.log.Warn("Agent duplicate subscription id", slog.String("subscriptionID", s.ID()))
		return
	}
	a.metrics.SetRegistered(a.registry.Len())
	target := s.Target()
	a.log.Info("Agent subscription registered",
		slog.String("subscriptionID", s.ID()),
		slog.String("target", target.String()),
		slog.String("event", s.EventPackage()))
}

// DestroySubscription удаляет завершенную подписку.
func (a *Agent) DestroySubscription(s *subscription.Subscription) {
	a.registry.Remove(s)
	a.metrics.SetRegistered(a.registry.Len())
	if _, ok := a.dialogs.LoadAndDelete(s.ID()); ok {
		a.wg.Done()
	}
	a.log.Debug("Agent subscription destroyed", slog.String("subscriptionID", s.ID()))
}

// OnExpiring добавляет слушателя "subscriptionExpiring" уровня агента.
// Вызывается только для подписок без собственного слушателя.
func (a *Agent) OnExpiring(fn func(*subscription.Subscription)) {
	if fn == nil {
		return
	}
	a.expMu.Lock()
	defer a.expMu.Unlock()
	a.expiring = append(a.expiring, fn)
}

// ExpiringListenerCount количество слушателей уровня агента.
func (a *Agent) ExpiringListenerCount() int {
	a.expMu.Lock()
	defer a.expMu.Unlock()
	return len(a.expiring)
}

// EmitExpiring вызывает слушателей уровня агента.
func (a *Agent) EmitExpiring(s *subscription.Subscription) {
	a.expMu.Lock()
	fns := slices.Clone(a.expiring)
	a.expMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Registry реестр подтвержденных подписок.
func (a *Agent) Registry() *Registry { return a.registry }

// Lookup ищет живую подписку по ID, включая еще не принятые.
func (a *Agent) Lookup(id string) (*subscription.Subscription, bool) {
	if v, ok := a.dialogs.Load(id); ok {
		return v.(*subscription.Subscription), true
	}
	return a.registry.Get(id)
}

// newDialog создает подписку, подключенную к транспорту агента.
func (a *Agent) newDialog(target, eventPackage string) (*subscription.Subscription, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}

	senderOpts := []transaction.Option{transaction.WithLogger(a.log)}
	if a.cfg.Auth.Username != "" {
		senderOpts = append(senderOpts, transaction.WithCredentials(transaction.Credentials{
			Username: a.cfg.Auth.Username,
			Password: a.cfg.Auth.Password,
		}))
	}
	if a.cfg.TransactionTimeout > 0 {
		senderOpts = append(senderOpts, transaction.WithTimeout(a.cfg.TransactionTimeout))
	}

	opts := []subscription.Option{
		subscription.WithSenderFactory(transaction.Factory(a.requester, senderOpts...)),
		subscription.WithRequestBuilder(a.builder),
		subscription.WithLogger(a.log),
		subscription.WithMetrics(a.metrics),
		subscription.WithIntervalTooBriefRetry(a.cfg.RetryIntervalTooBrief),
	}
	opts = append(opts, a.subOpts...)

	s, err := subscription.New(a, target, eventPackage, opts...)
	if err != nil {
		return nil, err
	}
	a.wg.Add(1)
	a.dialogs.Store(s.ID(), s)
	return s, nil
}

// Subscribe создает подписку и отправляет первый SUBSCRIBE.
func (a *Agent) Subscribe(target, eventPackage string, opts *subscription.SubscribeOptions) (*subscription.Subscription, error) {
	s, err := a.newDialog(target, eventPackage)
	if err != nil {
		return nil, err
	}
	if err := s.Subscribe(opts); err != nil {
		if _, ok := a.dialogs.LoadAndDelete(s.ID()); ok {
			a.wg.Done()
		}
		return nil, err
	}
	return s, nil
}

// onNotify обработчик NOTIFY sipgo сервера: сначала ответ, затем диалог.
func (a *Agent) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	s, res := a.routeNotify(req)
	if err := tx.Respond(res); err != nil {
		a.log.Warn("Agent failed to respond to NOTIFY", slog.String("error", err.Error()))
	}
	if s != nil {
		s.ReceiveRequest(req)
	}
}

// HandleNotify передает NOTIFY подписке и возвращает ответ для отправки.
func (a *Agent) HandleNotify(req *sip.Request) *sip.Response {
	s, res := a.routeNotify(req)
	if s != nil {
		s.ReceiveRequest(req)
	}
	return res
}

// routeNotify находит подписку по Call-ID и To-tag (наш From-tag).
func (a *Agent) routeNotify(req *sip.Request) (*subscription.Subscription, *sip.Response) {
	callID := req.CallID()
	if callID == nil {
		return nil, sip.NewResponseFromRequest(req, 400, "Missing Call-ID", nil)
	}
	var toTag string
	if to := req.To(); to != nil {
		toTag, _ = to.Params.Get("tag")
	}

	s, ok := a.Lookup(callID.Value() + toTag)
	if toTag == "" || !ok {
		a.log.Debug("Agent NOTIFY for unknown subscription",
			slog.String("callID", callID.Value()),
			slog.String("toTag", toTag))
		return nil, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
	}

	if !eventMatches(req, s.EventPackage()) {
		a.log.Debug("Agent NOTIFY event mismatch",
			slog.String("subscriptionID", s.ID()),
			slog.String("event", eventHeader(req)))
		res := sip.NewResponseFromRequest(req, 489, "Bad Event", nil)
		res.AppendHeader(sip.NewHeader("Allow-Events", s.EventPackage()))
		return nil, res
	}

	return s, sip.NewResponseFromRequest(req, 200, "OK", nil)
}

func eventHeader(req *sip.Request) string {
	if h := req.GetHeader("Event"); h != nil {
		return h.Value()
	}
	if h := req.GetHeader("o"); h != nil {
		return h.Value()
	}
	return ""
}

// eventMatches сравнивает тип события без параметров (id и т.п.).
func eventMatches(req *sip.Request, eventPackage string) bool {
	value := eventHeader(req)
	if value == "" {
		return false
	}
	name, _, _ := strings.Cut(value, ";")
	return strings.EqualFold(strings.TrimSpace(name), eventPackage)
}

// Serve запускает все транспорты и блокируется до отмены ctx или ошибки.
// После остановки транспортов живые подписки завершаются с CONNECTION_ERROR.
func (a *Agent) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, tc := range a.cfg.Transports {
		network, addr := tc.Network(), tc.Addr()
		a.log.Info("Agent listening",
			slog.String("network", network),
			slog.String("addr", addr))
		g.Go(func() error {
			if err := a.server.ListenAndServe(ctx, network, addr); err != nil {
				return errors.Wrapf(err, "%s %s", network, addr)
			}
			return nil
		})
	}

	err := g.Wait()
	a.TransportClosed()
	return err
}

// TransportClosed сообщает всем живым подпискам о закрытии транспорта.
func (a *Agent) TransportClosed() {
	for _, s := range a.liveDialogs() {
		s.OnTransportClosed()
	}
}

func (a *Agent) liveDialogs() []*subscription.Subscription {
	var out []*subscription.Subscription
	a.dialogs.Range(func(_, v any) bool {
		out = append(out, v.(*subscription.Subscription))
		return true
	})
	return out
}

// Close отписывает все подписки, ждет их завершения (или отмены ctx) и
// закрывает sipgo клиент, сервер и UA.
func (a *Agent) Close(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, s := range a.liveDialogs() {
		if err := s.Unsubscribe(nil); err != nil {
			a.log.Warn("Agent unsubscribe failed",
				slog.String("subscriptionID", s.ID()),
				slog.String("error", err.Error()))
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = errors.Wrap(ctx.Err(), "waiting for subscriptions to terminate")
		// оставшиеся подписки завершаются локально
		a.TransportClosed()
	}

	if err := a.client.Close(); err != nil {
		a.log.Warn("Agent client close failed", slog.String("error", err.Error()))
	}
	if err := a.server.Close(); err != nil {
		a.log.Warn("Agent server close failed", slog.String("error", err.Error()))
	}
	if err := a.ua.Close(); err != nil {
		a.log.Warn("Agent user agent close failed", slog.String("error", err.Error()))
	}
	return waitErr
}

// Stats краткая сводка для логов.
func (a *Agent) Stats() string {
	return "registered=" + strconv.Itoa(a.registry.Len()) + " live=" + strconv.Itoa(len(a.liveDialogs()))
}
