// Package discord implements the relay Transport for Discord using the
// Gateway WebSocket.
//
// Users talk to the bot in direct messages. Each message is posted to the
// support channel; support members answer by replying to the bot's post.
// Replying to someone else's message elsewhere while mentioning the bot
// answers on behalf of that message's author.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/switchboard/internal/relay"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// interactionTTL is how long Discord accepts followups for an interaction.
	interactionTTL = 15 * time.Minute
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEditComplex(m, options...)
}
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}
func (r *realSession) FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.FollowupMessageCreate(interaction, wait, data, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// pendingInteraction is a component click awaiting feedback.
type pendingInteraction struct {
	interaction *discordgo.Interaction
	at          time.Time
}

// Transport implements relay.Transport for Discord via the Gateway WebSocket.
type Transport struct {
	sess           session
	botToken       string
	supportChannel string // channel, or thread when a topic is configured
	botUserID      string
	mu             sync.Mutex
	connected      bool
	closed         bool
	listening      bool
	inbound        chan relay.Event
	ctx            context.Context
	cancelFunc     context.CancelFunc
	handlers       sync.WaitGroup
	removers       []func()
	interactions   map[string]pendingInteraction
	dmChannels     map[string]string
	baseBackoff    time.Duration
	maxBackoff     time.Duration
}

// TransportOpts holds parameters for creating a Discord Transport.
type TransportOpts struct {
	BotToken       string // Discord bot token
	SupportChannel string // channel user messages are posted to
	SupportThread  string // optional thread inside the support channel
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Transport.
func New(opts TransportOpts) (*Transport, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.SupportChannel == "" {
		return nil, fmt.Errorf("discord: support channel is required")
	}
	// Threads are channels; posting into the thread is posting to its ID.
	target := opts.SupportChannel
	if opts.SupportThread != "" {
		target = opts.SupportThread
	}
	return &Transport{
		sess:           opts.Session,
		botToken:       opts.BotToken,
		supportChannel: target,
		inbound:        make(chan relay.Event, 100),
		interactions:   make(map[string]pendingInteraction),
		dmChannels:     make(map[string]string),
		baseBackoff:    baseBackoff,
		maxBackoff:     maxBackoff,
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Transport) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: transport already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Capture the bot user ID on connect and reconnect.
	a.removers = append(a.removers, a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.SetBotUserID(r.User.ID)
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	}))

	// discordgo reconnects on its own; these are for observability.
	a.removers = append(a.removers, a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	}))
	a.removers = append(a.removers, a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		log.Printf("discord: gateway session resumed")
	}))

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen registers the message and interaction handlers and returns the
// event channel. Must be called after Connect.
func (a *Transport) Listen(ctx context.Context) (<-chan relay.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	if a.listening {
		return a.inbound, nil
	}

	a.ctx, a.cancelFunc = context.WithCancel(ctx)
	a.listening = true

	a.removers = append(a.removers, a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.emit(a.handleMessage(m))
	}))
	a.removers = append(a.removers, a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		a.emit(a.handleInteraction(i))
	}))

	return a.inbound, nil
}

// emit delivers ev unless the transport is closing. Handlers run on
// discordgo goroutines, so Close waits for in-flight emits.
func (a *Transport) emit(ev relay.Event) {
	if ev == nil {
		return
	}
	a.mu.Lock()
	if a.closed || a.ctx == nil {
		a.mu.Unlock()
		return
	}
	ctx := a.ctx
	a.handlers.Add(1)
	a.mu.Unlock()
	defer a.handlers.Done()

	select {
	case a.inbound <- ev:
	case <-ctx.Done():
	}
}

// PostToSupport posts into the support channel as a reply to ReplyTo when
// set. Approval buttons render as one row.
func (a *Transport) PostToSupport(ctx context.Context, post relay.SupportPost) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	data := buildMessageSend(post.Text, post.Media, post.Buttons, false)
	if post.ReplyTo != "" {
		data.Reference = &discordgo.MessageReference{MessageID: post.ReplyTo, ChannelID: a.supportChannel}
	}
	var msg *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var sendErr error
		msg, sendErr = a.sess.ChannelMessageSendComplex(a.supportChannel, data)
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: post to support: %w", err)
	}
	return msg.ID, nil
}

// SendToUser delivers msg in the user's direct-message channel.
func (a *Transport) SendToUser(ctx context.Context, userID string, msg relay.Outbound) error {
	if err := a.ready(); err != nil {
		return err
	}
	channelID, err := a.dmChannel(ctx, userID)
	if err != nil {
		return err
	}
	if err := a.send(ctx, channelID, msg); err != nil {
		return fmt.Errorf("discord: send to user %s: %w", userID, err)
	}
	return nil
}

// SendToGroup delivers msg to a channel.
func (a *Transport) SendToGroup(ctx context.Context, channelID string, msg relay.Outbound) error {
	if err := a.ready(); err != nil {
		return err
	}
	if err := a.send(ctx, channelID, msg); err != nil {
		return fmt.Errorf("discord: send to channel %s: %w", channelID, err)
	}
	return nil
}

func (a *Transport) send(ctx context.Context, channelID string, msg relay.Outbound) error {
	data := buildMessageSend(msg.Text, msg.Media, msg.Buttons, true)
	if msg.ReplyTo != "" {
		data.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: channelID}
	}
	return a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.sess.ChannelMessageSendComplex(channelID, data)
		return sendErr
	})
}

// EditSupportPost replaces a support-channel message and removes its
// buttons.
func (a *Transport) EditSupportPost(ctx context.Context, messageID, text string) error {
	if err := a.ready(); err != nil {
		return err
	}
	components := []discordgo.MessageComponent{}
	edit := &discordgo.MessageEdit{
		ID:         messageID,
		Channel:    a.supportChannel,
		Content:    &text,
		Components: &components,
	}
	err := a.retryOnRateLimit(ctx, func() error {
		_, editErr := a.sess.ChannelMessageEditComplex(edit)
		return editErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit message %s: %w", messageID, err)
	}
	return nil
}

// AckAction sends text as an ephemeral followup to a component click. The
// click itself is acknowledged on receipt.
func (a *Transport) AckAction(ctx context.Context, callbackID, text string) error {
	a.mu.Lock()
	p, ok := a.interactions[callbackID]
	delete(a.interactions, callbackID)
	a.mu.Unlock()
	if !ok || text == "" {
		return nil
	}
	err := a.retryOnRateLimit(ctx, func() error {
		_, fErr := a.sess.FollowupMessageCreate(p.interaction, false, &discordgo.WebhookParams{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		})
		return fErr
	})
	if err != nil {
		return fmt.Errorf("discord: interaction followup: %w", err)
	}
	return nil
}

// Close removes the handlers, closes the event channel and the gateway.
func (a *Transport) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	removers := a.removers
	a.removers = nil
	a.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	a.handlers.Wait()
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Transport) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Transport) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Transport) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

// dmChannel returns the direct-message channel with userID, creating it
// on first use.
func (a *Transport) dmChannel(ctx context.Context, userID string) (string, error) {
	a.mu.Lock()
	id, ok := a.dmChannels[userID]
	a.mu.Unlock()
	if ok {
		return id, nil
	}
	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.UserChannelCreate(userID)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: open dm with %s: %w", userID, err)
	}
	a.mu.Lock()
	a.dmChannels[userID] = ch.ID
	a.mu.Unlock()
	return ch.ID, nil
}

// handleMessage converts a Discord message into a relay event.
func (a *Transport) handleMessage(m *discordgo.MessageCreate) relay.Event {
	if m == nil || m.Message == nil || m.Author == nil {
		return nil
	}
	botID := a.BotUserID()
	// Filter self and other bots.
	if m.Author.ID == botID || m.Author.Bot {
		return nil
	}

	if m.GuildID == "" {
		return a.handleDirect(m.Message)
	}

	ref := m.ReferencedMessage
	if ref == nil || ref.Author == nil {
		return nil
	}
	media := mediaOf(m.Message)

	if m.ChannelID == a.supportChannel && ref.Author.ID == botID {
		return relay.SupportReply{
			RepliedToMessageID: ref.ID,
			MessageID:          m.ID,
			ActorID:            m.Author.ID,
			ActorName:          displayName(m.Author),
			Text:               m.Content,
			Media:              media,
		}
	}

	if ref.Author.ID == botID || ref.Author.Bot || !mentions(m.Message, botID) {
		return nil
	}
	return relay.GroupMentionReply{
		GroupID:    m.ChannelID,
		MessageID:  m.ID,
		UserIDHint: ref.Author.ID,
		ActorName:  displayName(m.Author),
		Text:       stripMention(m.Content, botID),
		Media:      media,
	}
}

func (a *Transport) handleDirect(m *discordgo.Message) relay.Event {
	text := strings.TrimSpace(m.Content)
	switch strings.ToLower(text) {
	case "/start", "!start":
		return relay.StartCommand{UserID: m.Author.ID, ChatID: m.ChannelID}
	}
	a.mu.Lock()
	a.dmChannels[m.Author.ID] = m.ChannelID
	a.mu.Unlock()

	media := mediaOf(m)
	if media == nil && text == "" {
		return nil
	}
	return relay.UserMessage{
		UserID:     m.Author.ID,
		ChatID:     m.ChannelID,
		MessageID:  m.ID,
		UserHandle: m.Author.Username,
		Text:       m.Content,
		Media:      media,
	}
}

// handleInteraction acknowledges a component click and converts it.
func (a *Transport) handleInteraction(i *discordgo.InteractionCreate) relay.Event {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return nil
	}
	kind, decision, payload := relay.ParseCallback(i.MessageComponentData().CustomID)

	// Discord requires a response within three seconds.
	if err := a.sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		log.Printf("discord: acknowledge interaction %s: %v", i.ID, err)
	}
	if kind == relay.CallbackUnknown {
		return nil
	}

	clicker := i.User
	if i.Member != nil && i.Member.User != nil {
		clicker = i.Member.User
	}
	if clicker == nil {
		return nil
	}
	a.rememberInteraction(i.Interaction)

	var messageID string
	if i.Message != nil {
		messageID = i.Message.ID
	}
	if kind == relay.CallbackApproval {
		return relay.ApprovalAction{
			TicketID:         payload,
			ControlMessageID: messageID,
			Decision:         decision,
			ActorID:          clicker.ID,
			ActorName:        displayName(clicker),
			CallbackID:       i.ID,
		}
	}
	return relay.LanguageChoice{
		UserID:     clicker.ID,
		ChatID:     i.ChannelID,
		MessageID:  messageID,
		Code:       payload,
		CallbackID: i.ID,
	}
}

// rememberInteraction stores an interaction for AckAction and forgets the
// ones Discord no longer accepts followups for.
func (a *Transport) rememberInteraction(i *discordgo.Interaction) {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, p := range a.interactions {
		if now.Sub(p.at) > interactionTTL {
			delete(a.interactions, id)
		}
	}
	a.interactions[i.ID] = pendingInteraction{interaction: i, at: now}
}

// buildMessageSend translates message content into a Discord MessageSend.
// Media is relayed by URL. Buttons render as one row, or one row per
// button when stacked is set.
func buildMessageSend(text string, media *relay.MediaRef, buttons []relay.Button, stacked bool) *discordgo.MessageSend {
	content := text
	if media != nil {
		content = strings.TrimSpace(media.Caption + "\n" + media.FileID)
	}
	data := &discordgo.MessageSend{Content: content}
	if len(buttons) == 0 {
		return data
	}
	if stacked {
		for _, b := range buttons {
			data.Components = append(data.Components, discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{button(b)},
			})
		}
		return data
	}
	row := discordgo.ActionsRow{}
	for _, b := range buttons {
		row.Components = append(row.Components, button(b))
	}
	data.Components = []discordgo.MessageComponent{row}
	return data
}

func button(b relay.Button) discordgo.Button {
	style := discordgo.PrimaryButton
	if kind, decision, _ := relay.ParseCallback(b.Data); kind == relay.CallbackApproval {
		style = discordgo.SuccessButton
		if decision == relay.DecisionDiscard {
			style = discordgo.DangerButton
		}
	}
	return discordgo.Button{Label: b.Label, Style: style, CustomID: b.Data}
}

// mediaOf returns the first attachment of m. Discord attachments are
// referenced by URL.
func mediaOf(m *discordgo.Message) *relay.MediaRef {
	if len(m.Attachments) == 0 {
		return nil
	}
	att := m.Attachments[0]
	kind := relay.MediaDocument
	switch {
	case strings.HasPrefix(att.ContentType, "image/"):
		kind = relay.MediaPhoto
	case strings.HasPrefix(att.ContentType, "video/"):
		kind = relay.MediaVideo
	case strings.HasPrefix(att.ContentType, "audio/"):
		kind = relay.MediaAudio
	}
	return &relay.MediaRef{Kind: kind, FileID: att.URL, Caption: m.Content}
}

func mentions(m *discordgo.Message, userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

func stripMention(s, userID string) string {
	s = strings.ReplaceAll(s, "<@"+userID+">", "")
	s = strings.ReplaceAll(s, "<@!"+userID+">", "")
	return strings.TrimSpace(s)
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Transport) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err // not a rate limit error
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("discord: rate limited (attempt %d/%d); retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
