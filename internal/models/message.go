package models

// Role tags a chat message with its author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatMessage is one entry of the conversation history sent by the browser.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// LatestUserText returns the content of the last user message, or of the last
// message when no user message exists.
func LatestUserText(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
}
