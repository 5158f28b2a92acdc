package telegram

import "strconv"

// Update is the inbound webhook payload. Only the fields the bot consumes
// are declared; everything else in the update is ignored.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is one user message inside an update.
type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

type Chat struct {
	ID int64 `json:"id"`
}

// ChatIdentity returns the stable per-chat key the conversation store is
// keyed by, or "" when the update carries no usable message.
func (u *Update) ChatIdentity() string {
	if u.Message == nil || u.Message.Chat.ID == 0 {
		return ""
	}
	return strconv.FormatInt(u.Message.Chat.ID, 10)
}

// Text returns the message text, or "" for non-text updates.
func (u *Update) MessageText() string {
	if u.Message == nil {
		return ""
	}
	return u.Message.Text
}
