package domain

import "sort"

type Participants struct {
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name"`
	AgentID    string `json:"agent_id"`
	AgentName  string `json:"agent_name"`
}

// Includes indica si userID es cliente o agente de la conversación.
func (p Participants) Includes(userID string) bool {
	return userID != "" && (p.ClientID == userID || p.AgentID == userID)
}

// IDs devuelve los participantes no vacíos sin repetir.
func (p Participants) IDs() []string {
	var ids []string
	if p.ClientID != "" {
		ids = append(ids, p.ClientID)
	}
	if p.AgentID != "" && p.AgentID != p.ClientID {
		ids = append(ids, p.AgentID)
	}
	return ids
}

// ConversationMeta es el registro de metadatos guardado junto a los mensajes en el store remoto.
type ConversationMeta struct {
	CaseReference   string       `json:"case_reference"`
	Participants    Participants `json:"participants"`
	LastMessage     string       `json:"last_message,omitempty"`
	LastMessageID   string       `json:"last_message_id,omitempty"`
	LastMessageTime int64        `json:"last_message_time,omitempty"`
	CreatedAt       int64        `json:"created_at,omitempty"`
}

// Conversation es la vista previa que consume la lista de chats.
type Conversation struct {
	ID              string       `json:"id"`
	CaseReference   string       `json:"case_reference"`
	Participants    Participants `json:"participants"`
	LastMessage     string       `json:"last_message"`
	LastMessageTime int64        `json:"last_message_time"`
	UnreadCount     int          `json:"unread_count"`
}

// ConversationPatch son los campos que se pueden actualizar parcialmente en una vista previa.
type ConversationPatch struct {
	CaseReference   *string
	Participants    *Participants
	LastMessage     *string
	LastMessageTime *int64
	UnreadCount     *int
}

func (p ConversationPatch) Apply(c Conversation) Conversation {
	if p.CaseReference != nil {
		c.CaseReference = *p.CaseReference
	}
	if p.Participants != nil {
		c.Participants = *p.Participants
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.LastMessageTime != nil {
		c.LastMessageTime = *p.LastMessageTime
	}
	if p.UnreadCount != nil {
		c.UnreadCount = *p.UnreadCount
	}
	return c
}

// SortConversations ordena por LastMessageTime descendente.
func SortConversations(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastMessageTime > list[j].LastMessageTime
	})
}

// UniqueConversations conserva la última aparición de cada ID.
func UniqueConversations(list []Conversation) []Conversation {
	index := make(map[string]int, len(list))
	out := make([]Conversation, 0, len(list))
	for _, c := range list {
		if i, ok := index[c.ID]; ok {
			out[i] = c
			continue
		}
		index[c.ID] = len(out)
		out = append(out, c)
	}
	return out
}
