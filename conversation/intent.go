package conversation

import "strings"

// Intent is the closed set of meanings an inbound message can carry. Text is
// decoded exactly once, at the transport boundary; the machine then
// dispatches on (phase, intent) and never re-inspects raw text for commands.
type Intent int

const (
	IntentOther Intent = iota
	IntentRestart
	IntentHelp
	IntentApprove
	IntentEdit
	IntentRegenerate
	IntentYes
	IntentNo
)

func (i Intent) String() string {
	switch i {
	case IntentRestart:
		return "restart"
	case IntentHelp:
		return "help"
	case IntentApprove:
		return "approve"
	case IntentEdit:
		return "edit"
	case IntentRegenerate:
		return "regenerate"
	case IntentYes:
		return "yes"
	case IntentNo:
		return "no"
	}
	return "other"
}

// ParseIntent maps accepted tokens to intents. The emoji aliases are kept
// for users of the original keyboard buttons.
func ParseIntent(text string) Intent {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "/newvideo", "/new", "new video":
		return IntentRestart
	case "/start", "/help", "help":
		return IntentHelp
	case "approve", "✅":
		return IntentApprove
	case "edit", "✏️":
		return IntentEdit
	case "regenerate", "🔄":
		return IntentRegenerate
	case "yes", "y":
		return IntentYes
	case "no", "n":
		return IntentNo
	}
	return IntentOther
}
