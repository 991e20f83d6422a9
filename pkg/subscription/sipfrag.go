package subscription

import (
	"bytes"
	"strconv"
	"strings"
)

// ContentTypeSipfrag тип тела NOTIFY для пакета событий "refer"
const ContentTypeSipfrag = "message/sipfrag"

// SipfragStatusCode извлекает код ответа из тела message/sipfrag
// (первая строка вида "SIP/2.0 200 OK"). Возвращает 0 для других типов
// содержимого и нераспознанных тел.
func (i NotifyInfo) SipfragStatusCode() int {
	mediaType, _, _ := strings.Cut(i.ContentType, ";")
	if !strings.EqualFold(strings.TrimSpace(mediaType), ContentTypeSipfrag) || len(i.Body) == 0 {
		return 0
	}
	firstLine, _, _ := bytes.Cut(i.Body, []byte("\n"))
	parts := strings.Fields(string(firstLine))
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "SIP/") {
		return 0
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 699 {
		return 0
	}
	return code
}
