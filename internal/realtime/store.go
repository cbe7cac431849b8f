// Package realtime define el contrato del store remoto jerárquico (rutas tipo
// "conversations/{id}/messages/{key}") y sus implementaciones.
//
// Cada nodo hoja guarda un objeto JSON. Los contenedores son implícitos: existen
// mientras tengan hijos.
package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Node es un hijo leído del store.
type Node struct {
	Key   string
	Path  string
	Value json.RawMessage
}

func (n Node) Decode(v any) error {
	return json.Unmarshal(n.Value, v)
}

// Query selecciona hijos directos de Path. OrderBy nombra un campo numérico del
// hijo; StartAfter y EndBefore son cotas exclusivas sobre ese campo y solo
// aplican cuando OrderBy está definido. LimitToLast conserva los N últimos.
type Query struct {
	Path        string
	OrderBy     string
	StartAfter  *int64
	EndBefore   *int64
	LimitToLast int
}

// Store es el contrato consumido por los repositorios.
type Store interface {
	// PushKey genera localmente una clave nueva, ordenada por tiempo, bajo parent.
	PushKey(parent string) string
	Set(ctx context.Context, path string, value any) error
	// Update fusiona fields en el objeto de path, creándolo si no existe.
	Update(ctx context.Context, path string, fields map[string]any) error
	Get(ctx context.Context, path string) (Node, bool, error)
	Children(ctx context.Context, q Query) ([]Node, error)
	Count(ctx context.Context, path string) (int, error)
	// Remove borra path y sus descendientes.
	Remove(ctx context.Context, path string) error
	// OnChildAdded entrega primero los hijos existentes que cumplen q como un
	// lote y luego cada hijo nuevo a medida que llega. ctx solo acota el alta.
	OnChildAdded(ctx context.Context, q Query, fn func([]Node)) (func(), error)
	// OnValue entrega el valor de path ahora y cada vez que algo cambia en o
	// debajo de path. Si path es una hoja llega el propio nodo; si es un
	// contenedor, sus hijos directos.
	OnValue(ctx context.Context, path string, fn func([]Node)) (func(), error)
}

// Join arma una ruta ignorando segmentos vacíos y barras sobrantes.
func Join(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, "/")
}

// Split separa path en padre y clave.
func Split(path string) (string, string) {
	path = strings.Trim(path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// IsUnder indica si path está estrictamente debajo de root.
func IsUnder(path, root string) bool {
	root = strings.Trim(root, "/")
	if root == "" {
		return path != ""
	}
	return strings.HasPrefix(path, root+"/")
}

func newPushKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// orderValue lee field como número; un campo ausente o no numérico vale 0.
func orderValue(raw json.RawMessage, field string) int64 {
	if field == "" {
		return 0
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(obj[field], &n); err != nil {
		return 0
	}
	v, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return 0
		}
		return int64(f)
	}
	return v
}

// matches aplica las cotas de q a un nodo.
func (q Query) matches(n Node) bool {
	if q.OrderBy == "" {
		return true
	}
	v := orderValue(n.Value, q.OrderBy)
	if q.StartAfter != nil && v <= *q.StartAfter {
		return false
	}
	if q.EndBefore != nil && v >= *q.EndBefore {
		return false
	}
	return true
}

// applyQuery filtra, ordena (campo y luego clave) y recorta nodes según q.
func applyQuery(nodes []Node, q Query) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if q.matches(n) {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		vi, vj := orderValue(out[i].Value, q.OrderBy), orderValue(out[j].Value, q.OrderBy)
		if vi != vj {
			return vi < vj
		}
		return out[i].Key < out[j].Key
	})
	if q.LimitToLast > 0 && len(out) > q.LimitToLast {
		out = out[len(out)-q.LimitToLast:]
	}
	return out
}

// mergeFields fusiona fields sobre el objeto JSON existente (o uno vacío).
func mergeFields(existing json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	obj := map[string]any{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &obj); err != nil {
			return nil, err
		}
	}
	for k, v := range fields {
		obj[k] = v
	}
	return json.Marshal(obj)
}
