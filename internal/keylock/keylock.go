// Package keylock ofrece un mutex por clave con orden FIFO estricto.
//
// Quien llama a Lock espera a que terminen todas las operaciones que llegaron
// antes para la misma clave; claves distintas nunca se bloquean entre sí.
// El turno se entrega directamente al siguiente en la cola, así que un recién
// llegado no puede adelantarse a quien ya estaba esperando.
package keylock

import (
	"context"
	"sync"
)

type queue struct {
	waiters []chan struct{}
}

// Locker es seguro para uso concurrente. El valor cero no es usable; usar New.
type Locker struct {
	mu   sync.Mutex
	keys map[string]*queue
}

func New() *Locker {
	return &Locker{keys: make(map[string]*queue)}
}

// Lock bloquea hasta obtener el turno de key o hasta que ctx termine.
// La función devuelta libera el turno; llamarla más de una vez no tiene efecto.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	q, busy := l.keys[key]
	if !busy {
		l.keys[key] = &queue{}
		l.mu.Unlock()
		return l.releaser(key), nil
	}
	turn := make(chan struct{})
	q.waiters = append(q.waiters, turn)
	l.mu.Unlock()

	select {
	case <-turn:
		return l.releaser(key), nil
	case <-ctx.Done():
		l.mu.Lock()
		dequeued := false
		for i, w := range q.waiters {
			if w == turn {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				dequeued = true
				break
			}
		}
		l.mu.Unlock()
		if !dequeued {
			// El turno llegó a la vez que la cancelación: hay que cederlo.
			l.release(key)
		}
		return nil, ctx.Err()
	}
}

// Do ejecuta fn con el turno de key tomado.
func (l *Locker) Do(ctx context.Context, key string, fn func() error) error {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Pending devuelve cuántas operaciones esperan turno para key, sin contar la activa.
func (l *Locker) Pending(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.keys[key]
	if !ok {
		return 0
	}
	return len(q.waiters)
}

// Held indica si hay una operación activa sobre key.
func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[key]
	return ok
}

func (l *Locker) releaser(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key) })
	}
}

func (l *Locker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.keys[key]
	if !ok {
		return
	}
	if len(q.waiters) == 0 {
		delete(l.keys, key)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}
