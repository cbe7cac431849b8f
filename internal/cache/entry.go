package cache

import (
	"github.com/samber/lo"

	"case-chat/internal/domain"
)

// Entry es la unidad guardada en ambos tiers. Los tiempos están en milisegundos unix.
type Entry[T any] struct {
	Data      T     `json:"data"`
	WrittenAt int64 `json:"written_at"`
	ExpiresAt int64 `json:"expires_at"`
}

// Live es falso desde expiresAt en adelante, aunque los bytes sigan guardados.
func (e Entry[T]) Live(nowMs int64) bool {
	return nowMs < e.ExpiresAt
}

// Window es la porción de una conversación que vive en caché.
//
// SyncedThrough es el timestamp remoto más nuevo hasta el cual la ventana
// está completa: entre el mensaje más viejo y esa marca no falta ningún
// mensaje del store remoto. Lo fijan las páginas remotas y los lotes de la
// suscripción en vivo; los envíos locales no lo mueven. Cero significa que
// la ventana nunca se sincronizó.
type Window struct {
	Messages       []domain.Message `json:"messages"`
	HasMore        bool             `json:"has_more"`
	OldestBoundary int64            `json:"oldest_boundary"`
	TotalCount     int              `json:"total_count"`
	SyncedThrough  int64            `json:"synced_through"`
}

// Snapshot es lo que devuelve Get: una copia que el llamador puede modificar.
type Snapshot struct {
	Window
	WrittenAt int64
	ExpiresAt int64
}

func (w Window) clone() Window {
	w.Messages = lo.Map(w.Messages, func(m domain.Message, _ int) domain.Message { return m.Clone() })
	return w
}

// normalize ordena la ventana y recalcula la cota inferior.
func (w Window) normalize() Window {
	domain.SortMessages(w.Messages)
	w.OldestBoundary = 0
	if len(w.Messages) > 0 {
		w.OldestBoundary = w.Messages[0].Timestamp
	}
	if w.TotalCount < len(w.Messages) {
		w.TotalCount = len(w.Messages)
	}
	return w
}

// NewestSent es el timestamp del mensaje confirmado más nuevo, o 0.
func (w Window) NewestSent() int64 {
	var newest int64
	for _, m := range w.Messages {
		if m.Status == domain.StatusSent && m.Timestamp > newest {
			newest = m.Timestamp
		}
	}
	return newest
}

// Stale indica que la ventana no puede servirse sin ir al store remoto:
// nunca se sincronizó o tiene mensajes confirmados más allá de SyncedThrough,
// con lo que puede faltar lo que otro dispositivo escribió en el medio.
func (w Window) Stale() bool {
	return w.SyncedThrough == 0 || w.NewestSent() > w.SyncedThrough
}

// keepLast se queda con los n mensajes más recientes de una ventana ya ordenada.
func (w Window) keepLast(n int) Window {
	if n < 0 {
		n = 0
	}
	if len(w.Messages) <= n {
		return w
	}
	w.Messages = append([]domain.Message(nil), w.Messages[len(w.Messages)-n:]...)
	w.HasMore = true
	return w.normalize()
}
