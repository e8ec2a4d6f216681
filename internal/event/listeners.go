package event

import "sync"

// Listeners is a registry of callbacks for values of type T.
// Emit calls every listener synchronously in registration order. Listeners
// must not block; long work belongs in a goroutine owned by the listener.
type Listeners[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription[T]
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is safe to call more than once.
func (l *Listeners[T]) Subscribe(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, subscription[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *Listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.subs {
		if s.id == id {
			l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers v to a snapshot of the current listeners.
func (l *Listeners[T]) Emit(v T) {
	l.mu.Lock()
	subs := append([]subscription[T](nil), l.subs...)
	l.mu.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}

// Len reports the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
