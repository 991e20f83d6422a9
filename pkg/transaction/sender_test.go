package transaction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/sip_subscriber/pkg/subscription"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChallenge = `Digest realm="example.com", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", algorithm=MD5, qop="auth"`

// fakeTx клиентская транзакция с заранее заданным исходом
type fakeTx struct {
	responses chan *sip.Response
	done      chan struct{}
	err       error

	mu         sync.Mutex
	terminated bool
}

func (t *fakeTx) Responses() <-chan *sip.Response { return t.responses }
func (t *fakeTx) Done() <-chan struct{}           { return t.done }
func (t *fakeTx) Err() error                      { return t.err }

func (t *fakeTx) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminated = true
}

// script возвращает исход транзакции для очередного запроса
type script func(req *sip.Request) *fakeTx

type fakeRequester struct {
	mu       sync.Mutex
	requests []*sip.Request
	next     script
	err      error
}

func (r *fakeRequester) Request(_ context.Context, req *sip.Request) (ClientTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.requests = append(r.requests, req)
	return r.next(req), nil
}

func (r *fakeRequester) sent() []*sip.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*sip.Request(nil), r.requests...)
}

func respondWith(codes ...int) func(req *sip.Request) *fakeTx {
	return func(req *sip.Request) *fakeTx {
		tx := &fakeTx{responses: make(chan *sip.Response, len(codes)), done: make(chan struct{})}
		for _, code := range codes {
			res := sip.NewResponseFromRequest(req, code, "", nil)
			switch code {
			case 401:
				res.AppendHeader(sip.NewHeader("WWW-Authenticate", testChallenge))
			case 407:
				res.AppendHeader(sip.NewHeader("Proxy-Authenticate", testChallenge))
			}
			tx.responses <- res
		}
		return tx
	}
}

func failWith(err error) func(req *sip.Request) *fakeTx {
	return func(*sip.Request) *fakeTx {
		tx := &fakeTx{responses: make(chan *sip.Response), done: make(chan struct{}), err: err}
		close(tx.done)
		return tx
	}
}

// recorder собирает колбэки
type recorder struct {
	mu            sync.Mutex
	codes         []int
	timeouts      int
	transportErrs int
	authenticated int
}

func (r *recorder) callbacks() subscription.Callbacks {
	return subscription.Callbacks{
		OnRequestTimeout: func() { r.mu.Lock(); r.timeouts++; r.mu.Unlock() },
		OnTransportError: func() { r.mu.Lock(); r.transportErrs++; r.mu.Unlock() },
		OnAuthenticated:  func() { r.mu.Lock(); r.authenticated++; r.mu.Unlock() },
		OnReceiveResponse: func(res *sip.Response) {
			r.mu.Lock()
			r.codes = append(r.codes, int(res.StatusCode))
			r.mu.Unlock()
		},
	}
}

// newRequest SUBSCRIBE со всеми заголовками, нужными для построения ответа
func newRequest(cseq uint32) *sip.Request {
	uri := sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"}
	req := sip.NewRequest(sip.SUBSCRIBE, uri)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "127.0.0.1",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", "z9hG4bK"+sip.RandString(10)),
	})
	from := sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"}
	req.AppendHeader(&sip.FromHeader{Address: from, Params: sip.NewParams().Add("tag", "bobtag1")})
	req.AppendHeader(&sip.ToHeader{Address: uri, Params: sip.NewParams()})
	callID := sip.CallIDHeader("sender-test-call-id")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.SUBSCRIBE})
	req.AppendHeader(sip.NewHeader("Event", "presence"))
	return req
}

func runSender(t *testing.T, s *Sender) {
	t.Helper()
	s.Send()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not finish")
	}
}

func TestSender_ProvisionalThenFinal(t *testing.T) {
	req := &fakeRequester{next: respondWith(100, 180, 200)}
	rec := &recorder{}

	runSender(t, New(req, newRequest(1), rec.callbacks()))

	assert.Equal(t, []int{100, 180, 200}, rec.codes)
	assert.Zero(t, rec.timeouts)
	assert.Zero(t, rec.transportErrs)
	assert.Len(t, req.sent(), 1)
}

func TestSender_ResponseMatchesRequest(t *testing.T) {
	req := &fakeRequester{next: respondWith(200)}
	var got *sip.Response
	cb := subscription.Callbacks{
		OnReceiveResponse: func(res *sip.Response) { got = res },
	}

	runSender(t, New(req, newRequest(7), cb))

	require.NotNil(t, got)
	assert.Equal(t, 200, int(got.StatusCode))
	assert.Equal(t, "sender-test-call-id", got.CallID().Value())
	assert.Equal(t, uint32(7), got.CSeq().SeqNo)
	tag, _ := got.From().Params.Get("tag")
	assert.Equal(t, "bobtag1", tag)
}

func TestSender_SendOnce(t *testing.T) {
	req := &fakeRequester{next: respondWith(200)}
	rec := &recorder{}
	s := New(req, newRequest(1), rec.callbacks())

	s.Send()
	runSender(t, s)

	assert.Equal(t, []int{200}, rec.codes)
	assert.Len(t, req.sent(), 1)
}

func TestSender_DigestRetry(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		authHeader string
	}{
		{name: "401", code: 401, authHeader: "Authorization"},
		{name: "407", code: 407, authHeader: "Proxy-Authorization"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			req := &fakeRequester{next: func(r *sip.Request) *fakeTx {
				calls++
				if calls == 1 {
					return respondWith(tt.code)(r)
				}
				return respondWith(200)(r)
			}}
			rec := &recorder{}
			original := newRequest(4)

			runSender(t, New(req, original, rec.callbacks(),
				WithCredentials(Credentials{Username: "bob", Password: "secret"})))

			sent := req.sent()
			require.Len(t, sent, 2)
			assert.Equal(t, 1, rec.authenticated)
			assert.Equal(t, []int{200}, rec.codes)

			retry := sent[1]
			assert.Equal(t, uint32(5), retry.CSeq().SeqNo)
			assert.Equal(t, uint32(4), original.CSeq().SeqNo, "original request must not be modified")
			auth := retry.GetHeader(tt.authHeader)
			require.NotNil(t, auth)
			assert.True(t, strings.HasPrefix(auth.Value(), "Digest "))
			assert.Contains(t, auth.Value(), `username="bob"`)
			assert.Contains(t, auth.Value(), `realm="example.com"`)
			assert.Equal(t, "presence", retry.GetHeader("Event").Value())
		})
	}
}

func TestSender_ChallengeWithoutCredentials(t *testing.T) {
	req := &fakeRequester{next: respondWith(401)}
	rec := &recorder{}

	runSender(t, New(req, newRequest(1), rec.callbacks()))

	assert.Equal(t, []int{401}, rec.codes)
	assert.Zero(t, rec.authenticated)
	assert.Len(t, req.sent(), 1)
}

func TestSender_TooManyAuthAttempts(t *testing.T) {
	req := &fakeRequester{next: respondWith(401)}
	rec := &recorder{}

	runSender(t, New(req, newRequest(1), rec.callbacks(),
		WithCredentials(Credentials{Username: "bob", Password: "wrong"}),
		WithMaxAuthAttempts(2)))

	assert.Len(t, req.sent(), 3)
	assert.Equal(t, 2, rec.authenticated)
	assert.Equal(t, []int{401}, rec.codes)
}

func TestSender_Failures(t *testing.T) {
	tests := []struct {
		name          string
		requester     *fakeRequester
		opts          []Option
		timeouts      int
		transportErrs int
	}{
		{
			name:      "Таймаут транзакции",
			requester: &fakeRequester{next: failWith(errors.New("transaction timeout"))},
			timeouts:  1,
		},
		{
			name:          "Ошибка транспорта",
			requester:     &fakeRequester{next: failWith(errors.New("connection refused"))},
			transportErrs: 1,
		},
		{
			name:          "Ошибка запуска транзакции",
			requester:     &fakeRequester{err: errors.New("no transport for udp")},
			transportErrs: 1,
		},
		{
			name:          "Транзакция завершилась без ответа",
			requester:     &fakeRequester{next: failWith(nil)},
			transportErrs: 1,
		},
		{
			name:      "Нет ответа до таймаута",
			requester: &fakeRequester{next: respondWith()},
			opts:      []Option{WithTimeout(50 * time.Millisecond)},
			timeouts:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			runSender(t, New(tt.requester, newRequest(1), rec.callbacks(), tt.opts...))

			assert.Equal(t, tt.timeouts, rec.timeouts)
			assert.Equal(t, tt.transportErrs, rec.transportErrs)
			assert.Empty(t, rec.codes)
		})
	}
}

func TestSender_ParentContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	s := New(&fakeRequester{next: respondWith()}, newRequest(1), rec.callbacks(), WithContext(ctx))

	s.Send()
	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not finish")
	}

	assert.Equal(t, 1, rec.transportErrs)
	assert.Zero(t, rec.timeouts)
}

func TestFactory(t *testing.T) {
	req := &fakeRequester{next: respondWith(200)}
	rec := &recorder{}

	factory := Factory(req, WithTimeout(time.Second))
	sender := factory(newRequest(1), rec.callbacks())
	s, ok := sender.(*Sender)
	require.True(t, ok)
	assert.Equal(t, time.Second, s.timeout)

	runSender(t, s)
	assert.Equal(t, []int{200}, rec.codes)
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, isTimeout(context.DeadlineExceeded))
	assert.True(t, isTimeout(errors.New("Transaction Timeout")))
	assert.False(t, isTimeout(context.Canceled))
	assert.False(t, isTimeout(errors.New("write: broken pipe")))
}
