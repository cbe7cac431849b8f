package domain

// SameMessage es el predicado canónico de duplicados. Dos mensajes son el mismo
// si comparten ID no vacío, o TempID no vacío, o (último recurso para mensajes
// sin ID estable) el mismo Timestamp y el mismo SenderID.
//
// Toda fusión de mensajes debe pasar por aquí o por UniqueMessages.
func SameMessage(a, b Message) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	if a.TempID != "" && a.TempID == b.TempID {
		return true
	}
	return a.Timestamp == b.Timestamp && a.SenderID == b.SenderID
}

// ContainsMessage reporta si alguna entrada de list es la misma que m.
func ContainsMessage(list []Message, m Message) bool {
	for _, existing := range list {
		if SameMessage(existing, m) {
			return true
		}
	}
	return false
}

// UniqueMessages devuelve los elementos de incoming que no están en existing,
// descartando además repetidos dentro del propio incoming. Conserva el orden de llegada.
func UniqueMessages(existing, incoming []Message) []Message {
	out := make([]Message, 0, len(incoming))
	for _, m := range incoming {
		if ContainsMessage(existing, m) || ContainsMessage(out, m) {
			continue
		}
		out = append(out, m)
	}
	return out
}
