// Package transaction ведет клиентские транзакции SUBSCRIBE поверх sipgo:
// пробрасывает ответы, повторяет запрос с digest авторизацией и сводит
// ошибки к таймауту или ошибке транспорта.
package transaction

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arzzra/sip_subscriber/pkg/subscription"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
)

const (
	// DefaultTimeout 64*T1, время жизни клиентской не-INVITE транзакции (RFC 3261 17.1.2)
	DefaultTimeout = 32 * time.Second
	// DefaultMaxAuthAttempts сколько раз можно ответить на вызов авторизации
	DefaultMaxAuthAttempts = 3
)

var (
	ErrNoCredentials       = errors.New("server requires authentication, but no credentials configured")
	ErrNoChallenge         = errors.New("no authentication challenge in response")
	ErrTooManyAuthAttempts = errors.New("too many authentication attempts")
	errTransactionEnded    = errors.New("transaction ended without final response")
)

// ClientTransaction часть sip.ClientTransaction, нужная отправителю.
type ClientTransaction interface {
	Responses() <-chan *sip.Response
	Done() <-chan struct{}
	Err() error
	Terminate()
}

// Requester запускает клиентскую транзакцию.
type Requester interface {
	Request(ctx context.Context, req *sip.Request) (ClientTransaction, error)
}

// RequesterFunc адаптер функции к Requester.
type RequesterFunc func(ctx context.Context, req *sip.Request) (ClientTransaction, error)

func (f RequesterFunc) Request(ctx context.Context, req *sip.Request) (ClientTransaction, error) {
	return f(ctx, req)
}

// FromClient оборачивает sipgo клиент.
func FromClient(client *sipgo.Client) Requester {
	return RequesterFunc(func(ctx context.Context, req *sip.Request) (ClientTransaction, error) {
		tx, err := client.TransactionRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		return tx, nil
	})
}

// Credentials учетные данные для digest авторизации.
type Credentials struct {
	Username string
	Password string
}

// Option настраивает Sender.
type Option func(*Sender)

// WithCredentials задает учетные данные.
func WithCredentials(c Credentials) Option {
	return func(s *Sender) { s.creds = c }
}

// WithTimeout задает общий таймаут транзакции вместе с повторами авторизации.
func WithTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxAuthAttempts ограничивает число повторов с авторизацией.
func WithMaxAuthAttempts(n int) Option {
	return func(s *Sender) { s.maxAuth = n }
}

// WithLogger задает логгер.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) { s.log = l }
}

// WithContext задает родительский контекст, его отмена прерывает транзакцию.
func WithContext(ctx context.Context) Option {
	return func(s *Sender) { s.ctx = ctx }
}

// Sender ведет одну клиентскую транзакцию и сообщает результат через
// subscription.Callbacks. Ровно один терминальный колбэк на отправку.
type Sender struct {
	requester Requester
	req       *sip.Request
	cb        subscription.Callbacks

	ctx     context.Context
	creds   Credentials
	timeout time.Duration
	maxAuth int
	log     *slog.Logger

	sent atomic.Bool
	done chan struct{}
}

var _ subscription.TransactionSender = (*Sender)(nil)

// New создает отправителя запроса req.
func New(requester Requester, req *sip.Request, cb subscription.Callbacks, opts ...Option) *Sender {
	s := &Sender{
		requester: requester,
		req:       req,
		cb:        cb,
		ctx:       context.Background(),
		timeout:   DefaultTimeout,
		maxAuth:   DefaultMaxAuthAttempts,
		log:       slog.Default(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Factory возвращает subscription.SenderFactory с общими опциями.
func Factory(requester Requester, opts ...Option) subscription.SenderFactory {
	return func(req *sip.Request, cb subscription.Callbacks) subscription.TransactionSender {
		return New(requester, req, cb, opts...)
	}
}

// Send запускает транзакцию в отдельной горутине. Повторные вызовы игнорируются.
func (s *Sender) Send() {
	if !s.sent.CompareAndSwap(false, true) {
		return
	}
	go s.run()
}

// Done закрывается после терминального колбэка.
func (s *Sender) Done() <-chan struct{} {
	return s.done
}

func (s *Sender) run() {
	defer close(s.done)

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	req := s.req
	for attempt := 0; ; attempt++ {
		res, err := s.roundTrip(ctx, req)
		if err != nil {
			s.fail(err)
			return
		}

		code := int(res.StatusCode)
		if code != 401 && code != 407 {
			s.cb.OnReceiveResponse(res)
			return
		}

		next, err := s.authorize(req, res, attempt)
		if err != nil {
			// вызов авторизации без решения отдается диалогу как обычный финальный ответ
			s.log.Debug("Sender authorization skipped",
				slog.Int("statusCode", code),
				slog.String("error", err.Error()))
			s.cb.OnReceiveResponse(res)
			return
		}
		req = next
		if s.cb.OnAuthenticated != nil {
			s.cb.OnAuthenticated()
		}
	}
}

// roundTrip выполняет одну транзакцию. Предварительные ответы передаются
// сразу, возвращается первый финальный.
func (s *Sender) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	s.log.Debug("Sender request",
		slog.String("method", req.Method.String()),
		slog.String("recipient", req.Recipient.String()))

	tx, err := s.requester.Request(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start transaction")
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errTransactionEnded
		case res, ok := <-tx.Responses():
			if !ok {
				if err := tx.Err(); err != nil {
					return nil, err
				}
				return nil, errTransactionEnded
			}
			if res.StatusCode < 200 {
				s.cb.OnReceiveResponse(res)
				continue
			}
			return res, nil
		}
	}
}

// authorize строит повтор запроса с заголовком Authorization/Proxy-Authorization
// и CSeq на единицу больше.
func (s *Sender) authorize(req *sip.Request, res *sip.Response, attempt int) (*sip.Request, error) {
	if s.creds.Username == "" {
		return nil, ErrNoCredentials
	}
	if attempt >= s.maxAuth {
		return nil, ErrTooManyAuthAttempts
	}

	challengeName, authName := "WWW-Authenticate", "Authorization"
	if int(res.StatusCode) == 407 {
		challengeName, authName = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeName)
	if h == nil {
		return nil, ErrNoChallenge
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, errors.Wrapf(err, "invalid challenge %q", h.Value())
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: s.creds.Username,
		Password: s.creds.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute digest")
	}

	next := req.Clone()
	// новая ветка Via будет выставлена клиентом
	next.RemoveHeader("Via")
	next.RemoveHeader(authName)
	next.AppendHeader(sip.NewHeader(authName, cred.String()))
	if cseq := next.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	return next, nil
}

func (s *Sender) fail(err error) {
	if isTimeout(err) {
		s.log.Debug("Sender request timeout", slog.String("error", err.Error()))
		if s.cb.OnRequestTimeout != nil {
			s.cb.OnRequestTimeout()
		}
		return
	}
	s.log.Debug("Sender transport error", slog.String("error", err.Error()))
	if s.cb.OnTransportError != nil {
		s.cb.OnTransportError()
	}
}

// isTimeout отличает истечение таймера транзакции от остальных ошибок.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// sipgo сообщает о срабатывании Timer F ошибкой с текстом "timeout"
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
