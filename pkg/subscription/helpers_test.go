package subscription

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

// fakeOwner владелец подписок для тестов
type fakeOwner struct {
	mu        sync.Mutex
	expires   int
	contact   string
	added     []string
	destroyed []string
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{expires: 3600, contact: "<sip:bob@127.0.0.1:5060>"}
}

func (o *fakeOwner) DefaultExpires() int { return o.expires }
func (o *fakeOwner) Contact() string     { return o.contact }

func (o *fakeOwner) NormalizeTarget(target string) (sip.Uri, error) {
	if !strings.HasPrefix(target, "sip:") && !strings.HasPrefix(target, "sips:") {
		target = "sip:" + target
	}
	var uri sip.Uri
	err := sip.ParseUri(target, &uri)
	return uri, err
}

func (o *fakeOwner) NewSubscription(s *Subscription) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.added = append(o.added, s.ID())
}

func (o *fakeOwner) DestroySubscription(s *Subscription) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.destroyed = append(o.destroyed, s.ID())
}

func (o *fakeOwner) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.added), len(o.destroyed)
}

// notifierOwner владелец со слушателями "subscriptionExpiring" уровня агента
type notifierOwner struct {
	*fakeOwner
	listeners int
	emitted   int
}

func (o *notifierOwner) ExpiringListenerCount() int { return o.listeners }
func (o *notifierOwner) EmitExpiring(*Subscription) { o.emitted++ }

// fakeTimer таймер ручного планировщика
type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeScheduler планировщик с ручным управлением временем
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeScheduler) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// armed возвращает таймеры, которые не отменены и не сработали
func (f *fakeScheduler) armed() []*fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTimer
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeScheduler) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// fire запускает таймер так, как это сделал бы time.AfterFunc
func (f *fakeScheduler) fire(t *fakeTimer) {
	f.mu.Lock()
	t.fired = true
	f.mu.Unlock()
	t.fn()
}

// fakeSender запоминает запрос и колбэки, тест сам решает чем закончится транзакция
type fakeSender struct {
	req  *sip.Request
	cb   Callbacks
	sent bool
}

func (f *fakeSender) Send() { f.sent = true }

type senderRecorder struct {
	mu      sync.Mutex
	senders []*fakeSender
}

func (r *senderRecorder) factory(req *sip.Request, cb Callbacks) TransactionSender {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &fakeSender{req: req, cb: cb}
	r.senders = append(r.senders, s)
	return s
}

func (r *senderRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.senders)
}

func (r *senderRecorder) last(t *testing.T) *fakeSender {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.senders, "no request was sent")
	return r.senders[len(r.senders)-1]
}

// testBuilder минимальный построитель запросов
type testBuilder struct{}

func (testBuilder) Build(method sip.RequestMethod, target sip.Uri, p DialogParams, headers []string) (*sip.Request, error) {
	req := sip.NewRequest(method, target)
	from := sip.Uri{Scheme: "sip", User: "bob", Host: "127.0.0.1", Port: 5060}
	req.AppendHeader(&sip.FromHeader{Address: from, Params: sip.NewParams().Add("tag", p.FromTag)})
	req.AppendHeader(&sip.ToHeader{Address: p.ToURI, Params: sip.NewParams()})
	callID := sip.CallIDHeader(p.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: p.CSeq, MethodName: method})
	for _, line := range headers {
		name, value, _ := strings.Cut(line, ":")
		req.AppendHeader(sip.NewHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
	}
	return req, nil
}

type harness struct {
	owner   *fakeOwner
	sched   *fakeScheduler
	senders *senderRecorder
	sub     *Subscription
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithOwner(t, newFakeOwner(), opts...)
}

func newHarnessWithOwner(t *testing.T, owner Owner, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		sched:   newFakeScheduler(),
		senders: &senderRecorder{},
	}
	switch o := owner.(type) {
	case *fakeOwner:
		h.owner = o
	case *notifierOwner:
		h.owner = o.fakeOwner
	case *racingOwner:
		h.owner = o.fakeOwner
	}

	base := []Option{
		WithSenderFactory(h.senders.factory),
		WithRequestBuilder(testBuilder{}),
		WithScheduler(h.sched),
		WithJitter(func() float64 { return 0 }),
	}
	sub, err := New(owner, "alice@example.com", "presence", append(base, opts...)...)
	require.NoError(t, err)
	h.sub = sub
	return h
}

// respond отвечает на последний отправленный запрос
func (h *harness) respond(t *testing.T, code int, reason string, headers ...sip.Header) *sip.Response {
	t.Helper()
	snd := h.senders.last(t)
	res := sip.NewResponseFromRequest(snd.req, code, reason, nil)
	for _, hdr := range headers {
		res.AppendHeader(hdr)
	}
	snd.cb.OnReceiveResponse(res)
	return res
}

// accept доводит подписку до ACCEPTED
func (h *harness) accept(t *testing.T, expires int) {
	t.Helper()
	require.NoError(t, h.sub.Subscribe(&SubscribeOptions{Expires: expires}))
	h.respond(t, 200, "OK", sip.NewHeader("Expires", strconv.Itoa(expires)))
	require.Equal(t, StateAccepted, h.sub.State())
}

func newNotify(state string, contentType string, body string) *sip.Request {
	uri := sip.Uri{Scheme: "sip", User: "bob", Host: "127.0.0.1", Port: 5060}
	req := sip.NewRequest(sip.NOTIFY, uri)
	req.AppendHeader(sip.NewHeader("Event", "presence"))
	if state != "" {
		req.AppendHeader(sip.NewHeader("Subscription-State", state))
	}
	if contentType != "" {
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	if body != "" {
		req.SetBody([]byte(body))
	}
	return req
}

func headerOf(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

func newResponse(req *sip.Request, code int) *sip.Response {
	return sip.NewResponseFromRequest(req, code, "", nil)
}

// racingOwner при регистрации подписки отдает ей завершающий NOTIFY из
// другой горутины и ждет, пока тот будет обработан
type racingOwner struct {
	*fakeOwner
	notify *sip.Request

	callsMu sync.Mutex
	calls   []string
}

func (o *racingOwner) record(call string) {
	o.callsMu.Lock()
	defer o.callsMu.Unlock()
	o.calls = append(o.calls, call)
}

func (o *racingOwner) NewSubscription(s *Subscription) {
	o.record("insert")
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ReceiveRequest(o.notify)
	}()
	<-done
}

func (o *racingOwner) DestroySubscription(*Subscription) {
	o.record("remove")
}

func (o *racingOwner) recorded() []string {
	o.callsMu.Lock()
	defer o.callsMu.Unlock()
	return append([]string(nil), o.calls...)
}
