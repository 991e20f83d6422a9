package subscription

import (
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

const (
	headerEvent             = "Event"
	headerContact           = "Contact"
	headerExpires           = "Expires"
	headerMinExpires        = "Min-Expires"
	headerSubscriptionState = "Subscription-State"
	headerContentType       = "Content-Type"
)

// subscriptionState разобранный заголовок Subscription-State (RFC 6665).
// Формат: substate-value *(SEMI subexp-params)
type subscriptionState struct {
	State      State
	Expires    int
	HasExpires bool
	Reason     string
}

// parseSubscriptionState разбирает значение Subscription-State.
// В отличие от строгого парсера не отвергает неизвестные состояния:
// токен сохраняется как есть в верхнем регистре.
func parseSubscriptionState(value string) subscriptionState {
	var out subscriptionState

	token, params, _ := strings.Cut(value, ";")
	out.State = parseState(token)

	for _, param := range strings.Split(params, ";") {
		name, val, _ := strings.Cut(strings.TrimSpace(param), "=")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "expires":
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && n >= 0 {
				out.Expires = n
				out.HasExpires = true
			}
		case "reason":
			out.Reason = strings.TrimSpace(val)
		}
	}

	return out
}

// subscribeHeaders собирает заголовки SUBSCRIBE: сначала пользовательские,
// затем Event, Contact и Expires.
func (s *Subscription) subscribeHeaders(expires int, removeAll bool) []string {
	headers := make([]string, 0, len(s.extraHeaders)+3)
	headers = append(headers, s.extraHeaders...)
	headers = append(headers, headerEvent+": "+s.eventPackage)
	if removeAll {
		headers = append(headers, headerContact+": *")
	} else {
		headers = append(headers, headerContact+": "+s.contact)
	}
	headers = append(headers, headerExpires+": "+strconv.Itoa(expires))
	return headers
}

// headerInt читает целочисленный заголовок сообщения.
func headerInt(msg sip.Message, name string) (int, bool) {
	hs := msg.GetHeaders(name)
	if len(hs) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(hs[0].Value()))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func headerValue(msg sip.Message, name string) string {
	if hs := msg.GetHeaders(name); len(hs) > 0 {
		return hs[0].Value()
	}
	return ""
}
