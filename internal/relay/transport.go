// Package relay routes messages between end users and a support group and
// tracks the approval of generated replies.
package relay

import "context"

// Transport is the interface that platform-specific implementations must
// satisfy. It owns the wire protocol; the relay only sees Events and the
// outbound calls below.
type Transport interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events. The channel is closed
	// when the context is cancelled or the transport is closed. Listen
	// must only be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// PostToSupport posts into the support channel and returns the
	// platform id of the posted message.
	PostToSupport(ctx context.Context, post SupportPost) (string, error)

	// SendToUser delivers a message to an end user's private chat.
	SendToUser(ctx context.Context, userID string, msg Outbound) error

	// SendToGroup delivers a message to a group chat.
	SendToGroup(ctx context.Context, groupID string, msg Outbound) error

	// EditSupportPost replaces the text of a support-channel message and
	// removes its buttons.
	EditSupportPost(ctx context.Context, messageID, text string) error

	// Close gracefully shuts down the transport connection.
	Close() error
}

// SupportPost is a message for the support channel.
type SupportPost struct {
	Text    string
	Media   *MediaRef
	ReplyTo string   // support message to thread under, if any
	Buttons []Button // rendered as one row
}

// Button is an inline action. Data is echoed back in the resulting event.
type Button struct {
	Label string
	Data  string
}

// Outbound is a message for a user or group.
type Outbound struct {
	Text    string
	Media   *MediaRef
	ReplyTo string   // message id to reply to in context, if any
	Buttons []Button // one button per row
}

// ActionAcker is an optional interface for transports whose button clicks
// must be acknowledged. Text, when non-empty, is shown only to the actor.
type ActionAcker interface {
	AckAction(ctx context.Context, callbackID, text string) error
}
