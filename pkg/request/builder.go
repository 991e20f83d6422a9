// Package request строит исходящие SIP запросы внутри диалога подписки.
package request

import (
	"strings"

	"github.com/arzzra/sip_subscriber/pkg/subscription"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

const defaultMaxForwards = 70

// ErrInvalidHeader строка заголовка не в формате "Name: value"
var ErrInvalidHeader = errors.New("invalid header line")

// Builder строит запросы из параметров диалога.
// Via не добавляется, его выставляет транспортный уровень sipgo.
type Builder struct {
	// From адрес локального пользователя
	From sip.Uri
	// DisplayName отображаемое имя в From, может быть пустым
	DisplayName string
	// UserAgent значение заголовка User-Agent, пустое значение не добавляется
	UserAgent string
}

var _ subscription.RequestBuilder = (*Builder)(nil)

// NewBuilder создает построитель запросов.
func NewBuilder(from sip.Uri, displayName, userAgent string) *Builder {
	return &Builder{
		From:        from,
		DisplayName: displayName,
		UserAgent:   userAgent,
	}
}

// Build создает запрос method на target.
//
// Заголовки диалога (From с тегом, To, Call-ID, CSeq, Max-Forwards,
// User-Agent) идут первыми, затем headers в исходном порядке.
func (b *Builder) Build(method sip.RequestMethod, target sip.Uri, params subscription.DialogParams, headers []string) (*sip.Request, error) {
	extra := make([]sip.Header, 0, len(headers))
	for _, line := range headers {
		h, err := ParseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		extra = append(extra, h)
	}

	req := sip.NewRequest(method, *target.Clone())

	from := &sip.FromHeader{
		DisplayName: b.DisplayName,
		Address:     *b.From.Clone(),
		Params:      sip.NewParams(),
	}
	if params.FromTag != "" {
		from.Params = from.Params.Add("tag", params.FromTag)
	}
	req.AppendHeader(from)

	req.AppendHeader(&sip.ToHeader{
		Address: *params.ToURI.Clone(),
		Params:  sip.NewParams(),
	})

	callID := sip.CallIDHeader(params.CallID)
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      params.CSeq,
		MethodName: method,
	})

	maxFwd := sip.MaxForwardsHeader(defaultMaxForwards)
	req.AppendHeader(&maxFwd)

	if b.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", b.UserAgent))
	}

	for _, h := range extra {
		req.AppendHeader(h)
	}

	return req, nil
}

// ParseHeaderLine разбирает строку "Name: value".
func ParseHeaderLine(line string) (sip.Header, error) {
	name, value, ok := strings.Cut(line, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" || strings.ContainsAny(name, " \t\r\n") {
		return nil, errors.Wrapf(ErrInvalidHeader, "%q", line)
	}
	value = strings.TrimSpace(value)
	if strings.ContainsAny(value, "\r\n") {
		return nil, errors.Wrapf(ErrInvalidHeader, "%q", line)
	}
	return sip.NewHeader(name, value), nil
}
