package agent

import (
	"sync"
	"sync/atomic"

	"github.com/arzzra/sip_subscriber/pkg/subscription"
)

// Registry реестр подтвержденных подписок по ID диалога (Call-ID + From-tag).
type Registry struct {
	subs  sync.Map
	count atomic.Int64
}

// NewRegistry создает пустой реестр.
func NewRegistry() *Registry {
	return &Registry{}
}

// Insert добавляет подписку. Возвращает false, если ID уже занят.
func (r *Registry) Insert(s *subscription.Subscription) bool {
	if _, loaded := r.subs.LoadOrStore(s.ID(), s); loaded {
		return false
	}
	r.count.Add(1)
	return true
}

// Remove удаляет подписку s. Запись с тем же ID, но другой подпиской не трогается.
func (r *Registry) Remove(s *subscription.Subscription) bool {
	if r.subs.CompareAndDelete(s.ID(), s) {
		r.count.Add(-1)
		return true
	}
	return false
}

// Get возвращает подписку по ID диалога.
func (r *Registry) Get(id string) (*subscription.Subscription, bool) {
	if v, ok := r.subs.Load(id); ok {
		return v.(*subscription.Subscription), true
	}
	return nil, false
}

// Len количество подписок в реестре.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Range обходит подписки, пока fn возвращает true.
func (r *Registry) Range(fn func(s *subscription.Subscription) bool) {
	r.subs.Range(func(_, v any) bool {
		return fn(v.(*subscription.Subscription))
	})
}
