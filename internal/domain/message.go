package domain

import (
	"fmt"
	"sort"
	"strings"
)

// SenderRole identifica quién escribió un mensaje dentro de un caso.
type SenderRole uint8

const (
	RoleClient SenderRole = iota + 1
	RoleAgent
	RoleAdmin
)

var senderRoleNames = map[SenderRole]string{
	RoleClient: "client",
	RoleAgent:  "agent",
	RoleAdmin:  "admin",
}

func (r SenderRole) Valid() bool {
	_, ok := senderRoleNames[r]
	return ok
}

func (r SenderRole) String() string {
	if name, ok := senderRoleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// MarshalText codifica el valor cero como texto vacío; cualquier otro valor fuera del enum es un error.
func (r SenderRole) MarshalText() ([]byte, error) {
	if r == 0 {
		return []byte{}, nil
	}
	if !r.Valid() {
		return nil, fmt.Errorf("%w: unknown sender role %d", ErrValidation, uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *SenderRole) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*r = 0
		return nil
	}
	role, err := ParseSenderRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// ParseSenderRole acepta el nombre del rol sin distinguir mayúsculas.
func ParseSenderRole(s string) (SenderRole, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for role, name := range senderRoleNames {
		if name == normalized {
			return role, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown sender role %q", ErrValidation, s)
}

// MessageStatus solo tiene sentido para mensajes originados localmente.
// El valor cero es StatusSent: lo que llega del store remoto ya está enviado.
type MessageStatus uint8

const (
	StatusSent MessageStatus = iota
	StatusPending
	StatusFailed
)

var statusNames = map[MessageStatus]string{
	StatusSent:    "sent",
	StatusPending: "pending",
	StatusFailed:  "failed",
}

func (s MessageStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s MessageStatus) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("%w: unknown message status %d", ErrValidation, uint8(s))
	}
	return []byte(name), nil
}

func (s *MessageStatus) UnmarshalText(text []byte) error {
	normalized := strings.ToLower(strings.TrimSpace(string(text)))
	if normalized == "" {
		*s = StatusSent
		return nil
	}
	for status, name := range statusNames {
		if name == normalized {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("%w: unknown message status %q", ErrValidation, string(text))
}

type Attachment struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// Message es un mensaje de chat de un caso. Timestamp está en milisegundos unix
// y lo asigna quien envía.
type Message struct {
	ID             string        `json:"id,omitempty"`
	TempID         string        `json:"temp_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	SenderName     string        `json:"sender_name"`
	SenderRole     SenderRole    `json:"sender_role"`
	Content        string        `json:"content"`
	Timestamp      int64         `json:"timestamp"`
	IsRead         bool          `json:"is_read"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	Status         MessageStatus `json:"status"`
	Error          string        `json:"error,omitempty"`
}

// GetTimestamp permite usar Message con el paginador genérico.
func (m Message) GetTimestamp() int64 {
	return m.Timestamp
}

// Ref devuelve el identificador con el que se busca el mensaje en caché:
// el ID definitivo si existe, si no el TempID.
func (m Message) Ref() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Matches indica si ref identifica a este mensaje por ID o por TempID.
func (m Message) Matches(ref string) bool {
	if ref == "" {
		return false
	}
	return m.ID == ref || m.TempID == ref
}

// HasBody es falso para un envío vacío sin adjuntos.
func (m Message) HasBody() bool {
	return strings.TrimSpace(m.Content) != "" || len(m.Attachments) > 0
}

// Clone copia el slice de adjuntos para que la caché nunca comparta memoria con el llamador.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

// MessagePatch describe un cambio parcial aplicado en sitio.
type MessagePatch struct {
	ID     *string
	Status *MessageStatus
	Error  *string
	IsRead *bool
}

// Apply devuelve una copia de m con el patch aplicado.
func (p MessagePatch) Apply(m Message) Message {
	if p.ID != nil && *p.ID != "" {
		m.ID = *p.ID
	}
	if p.Status != nil {
		m.Status = *p.Status
		if *p.Status != StatusFailed {
			m.Error = ""
		}
	}
	if p.Error != nil {
		m.Error = *p.Error
	}
	if p.IsRead != nil {
		m.IsRead = *p.IsRead
	}
	return m
}

// SortMessages ordena ascendente por Timestamp manteniendo el orden relativo de empates.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp < messages[j].Timestamp
	})
}
