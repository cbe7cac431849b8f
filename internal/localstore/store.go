// Package localstore implementa el tier persistente de la caché: un almacén
// clave/valor de strings que sobrevive al reinicio del proceso.
package localstore

import "context"

// Store es el contrato que consume la caché. Get devuelve ok=false si la clave no existe.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	ListKeys(ctx context.Context) ([]string, error)
	MultiRemove(ctx context.Context, keys []string) error
}
