// Package slack implements the relay Transport for Slack using Socket Mode.
//
// Users talk to the bot in direct messages. Each message is posted to the
// support channel; support members answer in that post's thread. A mention
// of the bot in a thread elsewhere answers on behalf of the thread author.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/switchboard/internal/relay"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// ackTTL bounds how long an interaction can still be answered.
	ackTTL = 15 * time.Minute
	// maxSectionText is Slack's limit for a section block's text.
	maxSectionText = 3000
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	PostEphemeral(channelID, userID string, options ...slackapi.MsgOption) (string, error)
	GetConversationReplies(params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// ackTarget is where feedback for an interaction is shown.
type ackTarget struct {
	channelID string
	userID    string
	at        time.Time
}

// Transport implements relay.Transport for Slack Socket Mode.
type Transport struct {
	client         slackClient
	socket         socketClient
	botUserID      string
	botID          string
	appToken       string
	botToken       string
	supportChannel string
	mu             sync.Mutex
	connected      bool
	closed         bool
	listening      bool
	inbound        chan relay.Event
	cancelFunc     context.CancelFunc
	done           chan struct{}
	acks           map[string]ackTarget
	baseBackoff    time.Duration // reconnection base backoff (default: baseBackoff const)
	maxBackoff     time.Duration // reconnection max backoff (default: maxBackoff const)
	maxReconnect   int           // max reconnection attempts (default: maxReconnectAttempts)
}

// TransportOpts holds parameters for creating a Slack Transport.
type TransportOpts struct {
	AppToken       string // xapp-... Slack app-level token for Socket Mode
	BotToken       string // xoxb-... Slack bot token
	SupportChannel string // channel user messages are posted to
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Transport.
func New(opts TransportOpts) (*Transport, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	if opts.SupportChannel == "" {
		return nil, fmt.Errorf("slack: support channel is required")
	}

	return &Transport{
		client:         opts.Client,
		socket:         opts.Socket,
		appToken:       opts.AppToken,
		botToken:       opts.BotToken,
		supportChannel: opts.SupportChannel,
		inbound:        make(chan relay.Event, 100),
		done:           make(chan struct{}),
		acks:           make(map[string]ackTarget),
		baseBackoff:    baseBackoff,
		maxBackoff:     maxBackoff,
		maxReconnect:   maxReconnectAttempts,
	}, nil
}

// Connect creates the API clients and verifies the bot token.
func (a *Transport) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: transport already closed")
	}
	if a.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.botID = auth.BotID

	a.connected = true
	return nil
}

// Listen returns the event channel and starts the Socket Mode event pump.
// Must be called after Connect.
func (a *Transport) Listen(ctx context.Context) (<-chan relay.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	if a.listening {
		return a.inbound, nil
	}

	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.listening = true

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// PostToSupport posts into the support channel, threaded under ReplyTo when
// set. The returned id is the message timestamp.
func (a *Transport) PostToSupport(ctx context.Context, post relay.SupportPost) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	options := buildMessageOptions(contentText(post.Text, post.Media), post.ReplyTo, post.Buttons, false)

	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = a.client.PostMessage(a.supportChannel, options...)
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: post to support: %w", err)
	}
	return ts, nil
}

// SendToUser delivers msg as a direct message from the app. Direct
// messages are not threaded.
func (a *Transport) SendToUser(ctx context.Context, userID string, msg relay.Outbound) error {
	if err := a.ready(); err != nil {
		return err
	}
	options := buildMessageOptions(contentText(msg.Text, msg.Media), "", msg.Buttons, true)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessage(userID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: send to user %s: %w", userID, err)
	}
	return nil
}

// SendToGroup posts msg into a channel, in the thread of ReplyTo when set.
func (a *Transport) SendToGroup(ctx context.Context, channelID string, msg relay.Outbound) error {
	if err := a.ready(); err != nil {
		return err
	}
	options := buildMessageOptions(contentText(msg.Text, msg.Media), msg.ReplyTo, msg.Buttons, true)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessage(channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: send to channel %s: %w", channelID, err)
	}
	return nil
}

// EditSupportPost replaces a support-channel message, dropping its buttons.
func (a *Transport) EditSupportPost(ctx context.Context, messageID, text string) error {
	if err := a.ready(); err != nil {
		return err
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, _, updErr := a.client.UpdateMessage(a.supportChannel, messageID,
			slackapi.MsgOptionText(text, false),
			slackapi.MsgOptionBlocks(sectionBlock(text)),
		)
		return updErr
	})
	if err != nil {
		return fmt.Errorf("slack: update message %s: %w", messageID, err)
	}
	return nil
}

// AckAction shows text to the member who clicked a button as an ephemeral
// message. The interaction itself is acknowledged on receipt.
func (a *Transport) AckAction(ctx context.Context, callbackID, text string) error {
	a.mu.Lock()
	target, ok := a.acks[callbackID]
	delete(a.acks, callbackID)
	a.mu.Unlock()
	if !ok || text == "" {
		return nil
	}
	err := retryOnRateLimit(ctx, func() error {
		_, ephErr := a.client.PostEphemeral(target.channelID, target.userID, slackapi.MsgOptionText(text, false))
		return ephErr
	})
	if err != nil {
		return fmt.Errorf("slack: ephemeral ack: %w", err)
	}
	return nil
}

// Close shuts down the transport and closes the event channel.
func (a *Transport) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	listening := a.listening
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	a.mu.Unlock()

	if listening {
		<-a.done
	} else {
		close(a.inbound)
	}
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Transport) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Transport) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("slack: not connected")
	}
	return nil
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error (e.g., reconnection failure).
func (a *Transport) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v; reconnecting in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to relay events.
// It owns the inbound channel and closes it on exit.
func (a *Transport) pumpEvents(ctx context.Context) {
	defer close(a.done)
	defer close(a.inbound)

	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			ev := a.handleSocketEvent(ctx, evt)
			if ev == nil {
				continue
			}
			select {
			case a.inbound <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleSocketEvent acknowledges a Socket Mode event and converts it.
func (a *Transport) handleSocketEvent(ctx context.Context, evt socketmode.Event) relay.Event {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return nil
		}
		a.ack(evt)
		return a.handleEventsAPI(ctx, eventsAPIEvent)

	case socketmode.EventTypeInteractive:
		cb, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return nil
		}
		a.ack(evt)
		return a.handleInteraction(cb)

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slackapi.SlashCommand)
		if !ok {
			return nil
		}
		a.ack(evt)
		if cmd.Command != "/start" {
			return nil
		}
		return relay.StartCommand{UserID: cmd.UserID, ChatID: cmd.ChannelID}

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
	return nil
}

func (a *Transport) ack(evt socketmode.Event) {
	if evt.Request != nil {
		a.socket.Ack(*evt.Request)
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Transport) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) relay.Event {
	if event.Type != slackevents.CallbackEvent {
		return nil
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		return a.handleMessage(ctx, ev)
	case *slackevents.AppMentionEvent:
		return a.handleAppMention(ctx, ev)
	}
	return nil
}

// handleMessage converts direct messages into user messages and thread
// replies in the support channel into support replies.
func (a *Transport) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) relay.Event {
	// Filter self, bot and subtype (edits, deletes, joins) messages.
	if ev.User == "" || ev.User == a.botUserID || ev.BotID != "" || ev.SubType != "" {
		return nil
	}

	switch {
	case ev.ChannelType == "im":
		if strings.TrimSpace(ev.Text) == "" {
			return nil
		}
		return relay.UserMessage{
			UserID:     ev.User,
			ChatID:     ev.Channel,
			MessageID:  ev.TimeStamp,
			UserHandle: a.resolveHandle(ev.User),
			Text:       ev.Text,
		}

	case ev.Channel == a.supportChannel && ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp:
		parent, ok := a.threadParent(ctx, ev.Channel, ev.ThreadTimeStamp)
		if !ok || !a.isOwn(parent) {
			return nil
		}
		return relay.SupportReply{
			RepliedToMessageID: ev.ThreadTimeStamp,
			MessageID:          ev.TimeStamp,
			ActorID:            ev.User,
			ActorName:          a.resolveUserName(ev.User),
			Text:               ev.Text,
		}
	}
	return nil
}

// handleAppMention answers a thread outside the support channel on behalf
// of the thread's author.
func (a *Transport) handleAppMention(ctx context.Context, ev *slackevents.AppMentionEvent) relay.Event {
	if ev.User == a.botUserID || ev.Channel == a.supportChannel || ev.ThreadTimeStamp == "" {
		return nil
	}
	parent, ok := a.threadParent(ctx, ev.Channel, ev.ThreadTimeStamp)
	if !ok || parent.User == "" || a.isOwn(parent) {
		return nil
	}
	return relay.GroupMentionReply{
		GroupID:    ev.Channel,
		MessageID:  ev.TimeStamp,
		UserIDHint: parent.User,
		ActorName:  a.resolveUserName(ev.User),
		Text:       strings.TrimSpace(strings.ReplaceAll(ev.Text, "<@"+a.botUserID+">", "")),
	}
}

// handleInteraction converts a block action into an approval or language
// choice and remembers where to show feedback for it.
func (a *Transport) handleInteraction(cb slackapi.InteractionCallback) relay.Event {
	if cb.Type != slackapi.InteractionTypeBlockActions || len(cb.ActionCallback.BlockActions) == 0 {
		return nil
	}
	action := cb.ActionCallback.BlockActions[0]
	kind, decision, payload := relay.ParseCallback(action.Value)
	if kind == relay.CallbackUnknown {
		return nil
	}

	callbackID := cb.TriggerID
	a.rememberAck(callbackID, ackTarget{channelID: cb.Container.ChannelID, userID: cb.User.ID, at: time.Now()})

	switch kind {
	case relay.CallbackApproval:
		name := cb.User.Name
		if resolved := a.resolveUserName(cb.User.ID); resolved != "" && resolved != cb.User.ID {
			name = resolved
		}
		return relay.ApprovalAction{
			TicketID:         payload,
			ControlMessageID: cb.Container.MessageTs,
			Decision:         decision,
			ActorID:          cb.User.ID,
			ActorName:        name,
			CallbackID:       callbackID,
		}
	default:
		return relay.LanguageChoice{
			UserID:     cb.User.ID,
			ChatID:     cb.Container.ChannelID,
			MessageID:  cb.Container.MessageTs,
			Code:       payload,
			CallbackID: callbackID,
		}
	}
}

// rememberAck stores an ack target and forgets the ones nobody answered.
func (a *Transport) rememberAck(callbackID string, target ackTarget) {
	if callbackID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.acks {
		if target.at.Sub(t.at) > ackTTL {
			delete(a.acks, id)
		}
	}
	a.acks[callbackID] = target
}

// threadParent fetches the first message of a thread.
func (a *Transport) threadParent(ctx context.Context, channelID, threadTS string) (slackapi.Message, bool) {
	var msgs []slackapi.Message
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		msgs, _, _, apiErr = a.client.GetConversationReplies(&slackapi.GetConversationRepliesParameters{
			ChannelID: channelID,
			Timestamp: threadTS,
			Limit:     1,
		})
		return apiErr
	})
	if err != nil {
		log.Printf("slack: thread parent %s/%s: %v", channelID, threadTS, err)
		return slackapi.Message{}, false
	}
	if len(msgs) == 0 {
		return slackapi.Message{}, false
	}
	return msgs[0], true
}

// isOwn reports whether m was posted by this bot.
func (a *Transport) isOwn(m slackapi.Message) bool {
	return m.User == a.botUserID || (a.botID != "" && m.BotID == a.botID)
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (a *Transport) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	if user.RealName != "" {
		return user.RealName
	}
	return userID
}

// resolveHandle returns the user's Slack handle, or the display name when
// the handle is unavailable.
func (a *Transport) resolveHandle(userID string) string {
	user, err := a.client.GetUserInfo(userID)
	if err != nil || user.Name == "" {
		return a.resolveUserName(userID)
	}
	return user.Name
}

// contentText is the message text for Slack, which relays captions only.
func contentText(text string, media *relay.MediaRef) string {
	if media != nil && text == "" {
		return media.Caption
	}
	return text
}

// buildMessageOptions translates message content into Slack MsgOptions.
// Buttons render as one actions block, or one block per button when
// stacked is set.
func buildMessageOptions(text, threadTS string, buttons []relay.Button, stacked bool) []slackapi.MsgOption {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if threadTS != "" {
		options = append(options, slackapi.MsgOptionTS(threadTS))
	}
	if len(buttons) > 0 {
		blocks := []slackapi.Block{sectionBlock(text)}
		if stacked {
			for i, b := range buttons {
				blocks = append(blocks, slackapi.NewActionBlock(fmt.Sprintf("actions_%d", i), buttonElement(b)))
			}
		} else {
			elems := make([]slackapi.BlockElement, 0, len(buttons))
			for _, b := range buttons {
				elems = append(elems, buttonElement(b))
			}
			blocks = append(blocks, slackapi.NewActionBlock("actions", elems...))
		}
		options = append(options, slackapi.MsgOptionBlocks(blocks...))
	}
	return options
}

func sectionBlock(text string) *slackapi.SectionBlock {
	if r := []rune(text); len(r) > maxSectionText {
		text = string(r[:maxSectionText-1]) + "…"
	}
	return slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.PlainTextType, text, false, false), nil, nil)
}

func buttonElement(b relay.Button) *slackapi.ButtonBlockElement {
	return slackapi.NewButtonBlockElement(b.Data, b.Data, slackapi.NewTextBlockObject(slackapi.PlainTextType, b.Label, false, false))
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
