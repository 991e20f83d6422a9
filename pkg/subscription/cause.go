package subscription

// Cause причина завершения подписки, передается в уведомлении "ended".
type Cause string

const (
	CauseRequestTimeout    Cause = "REQUEST_TIMEOUT"
	CauseConnectionError   Cause = "CONNECTION_ERROR"
	CauseTerminated        Cause = "Terminated"
	CauseSIPFailureCode    Cause = "SIP_FAILURE_CODE"
	CauseRedirected        Cause = "REDIRECTED"
	CauseAuthentication    Cause = "AUTHENTICATION_ERROR"
	CauseRejected          Cause = "REJECTED"
	CauseNotFound          Cause = "NOT_FOUND"
	CauseUnavailable       Cause = "UNAVAILABLE"
	CauseAddressIncomplete Cause = "ADDRESS_INCOMPLETE"
	CauseBusy              Cause = "BUSY"
	CauseIntervalTooBrief  Cause = "INTERVAL_TOO_BRIEF"
	CauseBadEvent          Cause = "BAD_EVENT"
	CauseDialogError       Cause = "DIALOG_ERROR"
)

func (c Cause) String() string {
	return string(c)
}

// CauseMapper отображает финальный не-2xx код ответа в причину завершения.
type CauseMapper func(statusCode int) Cause

// CauseFromStatus отображение кодов по умолчанию.
func CauseFromStatus(statusCode int) Cause {
	switch statusCode {
	case 401, 407:
		return CauseAuthentication
	case 403, 603:
		return CauseRejected
	case 404, 604:
		return CauseNotFound
	case 408, 410, 430, 480:
		return CauseUnavailable
	case 423:
		return CauseIntervalTooBrief
	case 481:
		return CauseDialogError
	case 484:
		return CauseAddressIncomplete
	case 486, 600:
		return CauseBusy
	case 489:
		return CauseBadEvent
	}
	if statusCode >= 300 && statusCode < 400 {
		return CauseRedirected
	}
	return CauseSIPFailureCode
}
