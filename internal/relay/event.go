package relay

// Event is one inbound occurrence delivered by a Transport. The set of
// events is closed; Router.Handle switches over every implementation.
type Event interface {
	isEvent()
}

// MediaKind is the type of an attached file.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaVoice    MediaKind = "voice"
)

// MediaRef points at a file already uploaded to the platform. Transports
// re-send it by FileID without downloading it.
type MediaRef struct {
	Kind    MediaKind
	FileID  string
	Caption string
}

// UserMessage is a private message from an end user.
type UserMessage struct {
	UserID     string
	ChatID     string // private chat to answer in; defaults to UserID
	MessageID  string
	UserHandle string
	Text       string
	Media      *MediaRef
}

// SupportReply is a support-channel message replying to a relayed copy or
// to a ticket's control message.
type SupportReply struct {
	RepliedToMessageID string
	MessageID          string
	ActorID            string
	ActorName          string
	Text               string
	Media              *MediaRef
}

// GroupMentionReply is a message in a group that mentions the bot without
// replying to a relayed copy. UserIDHint names the user whose latest
// conversation the reply belongs to.
type GroupMentionReply struct {
	GroupID    string
	MessageID  string
	UserIDHint string
	ActorName  string
	Text       string // bot mention already stripped by the transport
	Media      *MediaRef
}

// Decision is the button a support member pressed.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDiscard Decision = "discard"
)

// ApprovalAction is a click on a ticket's approve or discard button.
type ApprovalAction struct {
	TicketID         string
	ControlMessageID string
	Decision         Decision
	ActorID          string
	ActorName        string
	CallbackID       string // platform handle used to acknowledge the click
}

// StartCommand is the /start command in a private chat.
type StartCommand struct {
	UserID string
	ChatID string
}

// LanguageChoice is a click on the language menu.
type LanguageChoice struct {
	UserID     string
	ChatID     string
	MessageID  string // the menu message
	Code       string
	CallbackID string
}

func (UserMessage) isEvent()       {}
func (SupportReply) isEvent()      {}
func (GroupMentionReply) isEvent() {}
func (ApprovalAction) isEvent()    {}
func (StartCommand) isEvent()      {}
func (LanguageChoice) isEvent()    {}
