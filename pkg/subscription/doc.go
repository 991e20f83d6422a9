// Package subscription реализует клиентскую сторону диалога подписки
// SIP SUBSCRIBE/NOTIFY (RFC 6665).
//
// Подписка проходит состояния TRYING -> ACCEPTED -> ACTIVE -> TERMINATED.
// Запросы отправляются через TransactionSender, ответы и ошибки приходят
// в колбэках. После 2xx взводится таймер обновления, входящие NOTIFY
// передаются через ReceiveRequest. Любой путь завершения сходится в одной
// точке, которая один раз уведомляет слушателей "ended" и владельца.
//
// Пример:
//
//	sub, err := subscription.New(agent, "sip:alice@example.com", "presence",
//		subscription.WithSenderFactory(transaction.Factory(client)),
//		subscription.WithRequestBuilder(builder))
//	if err != nil {
//		return err
//	}
//	refresh := true
//	err = sub.Subscribe(&subscription.SubscribeOptions{
//		Expires: 600,
//		Refresh: &refresh,
//		Handlers: &subscription.Handlers{
//			Notify: func(ev subscription.NotifyEvent) { ... },
//		},
//	})
package subscription
