package repository

import "case-chat/internal/realtime"

const (
	conversationsRoot     = "conversations"
	userConversationsRoot = "user_conversations"
	timestampField        = "timestamp"
)

func conversationPath(conversationID string) string {
	return realtime.Join(conversationsRoot, conversationID)
}

func metadataPath(conversationID string) string {
	return realtime.Join(conversationsRoot, conversationID, "metadata")
}

func messagesPath(conversationID string) string {
	return realtime.Join(conversationsRoot, conversationID, "messages")
}

func messagePath(conversationID, messageID string) string {
	return realtime.Join(conversationsRoot, conversationID, "messages", messageID)
}

func userIndexPath(userID string) string {
	return realtime.Join(userConversationsRoot, userID)
}

func userIndexEntryPath(userID, conversationID string) string {
	return realtime.Join(userConversationsRoot, userID, conversationID)
}
