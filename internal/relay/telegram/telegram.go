// Package telegram implements the relay Transport for the Telegram Bot API
// using long polling.
package telegram

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/relay"
)

const (
	// DefaultAPIBaseURL is the public Bot API endpoint.
	DefaultAPIBaseURL = "https://api.telegram.org"
	// defaultPollTimeout is the getUpdates long-poll duration.
	defaultPollTimeout = 30 * time.Second
	// baseBackoff is the initial wait after a failed poll.
	baseBackoff = time.Second
	// maxBackoff caps the wait between failed polls.
	maxBackoff = time.Minute
)

// Transport implements relay.Transport for Telegram.
type Transport struct {
	api         *botAPI
	groupID     string
	topicID     int64
	pollTimeout time.Duration
	baseBackoff time.Duration

	mu          sync.Mutex
	connected   bool
	closed      bool
	listening   bool
	botUserID   int64
	botUsername string
	inbound     chan relay.Event
	cancelFunc  context.CancelFunc
	done        chan struct{}
}

// TransportOpts holds parameters for creating a Telegram Transport.
type TransportOpts struct {
	Token       string
	APIBaseURL  string        // defaults to DefaultAPIBaseURL
	GroupID     string        // support group chat id
	TopicID     string        // optional forum topic inside the group
	PollTimeout time.Duration // defaults to 30s
	HTTPClient  *http.Client  // optional
}

// New creates a Telegram Transport.
func New(opts TransportOpts) (*Transport, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	if opts.GroupID == "" {
		return nil, fmt.Errorf("telegram: support group id is required")
	}
	var topicID int64
	if opts.TopicID != "" {
		id, err := strconv.ParseInt(opts.TopicID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram: topic id %q: %w", opts.TopicID, err)
		}
		topicID = id
	}
	baseURL := opts.APIBaseURL
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	return &Transport{
		api:         newBotAPI(opts.HTTPClient, baseURL, opts.Token),
		groupID:     opts.GroupID,
		topicID:     topicID,
		pollTimeout: poll,
		baseBackoff: baseBackoff,
		inbound:     make(chan relay.Event, 100),
		done:        make(chan struct{}),
	}, nil
}

// Connect verifies the token and learns the bot's own identity.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("telegram: transport already closed")
	}
	if t.connected {
		return nil
	}
	me, err := t.api.getMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: get me: %w", err)
	}
	t.botUserID = me.ID
	t.botUsername = me.Username
	t.connected = true
	return nil
}

// Listen starts long polling and returns the event channel. Must be called
// after Connect.
func (t *Transport) Listen(ctx context.Context) (<-chan relay.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, fmt.Errorf("telegram: not connected")
	}
	if t.listening {
		return t.inbound, nil
	}
	listenCtx, cancel := context.WithCancel(ctx)
	t.cancelFunc = cancel
	t.listening = true
	go t.poll(listenCtx)
	return t.inbound, nil
}

// PostToSupport posts into the support group (and topic, if configured).
func (t *Transport) PostToSupport(ctx context.Context, post relay.SupportPost) (string, error) {
	if err := t.ready(); err != nil {
		return "", err
	}
	p := sendParams{ChatID: t.groupID, MessageThreadID: t.topicID, ReplyToMessageID: parseID(post.ReplyTo)}
	if len(post.Buttons) > 0 {
		p.ReplyMarkup = &inlineKeyboard{InlineKeyboard: [][]inlineButton{toInlineRow(post.Buttons)}}
	}
	m, err := t.sendContent(ctx, p, post.Text, post.Media)
	if err != nil {
		return "", fmt.Errorf("telegram: post to support: %w", err)
	}
	return strconv.FormatInt(m.MessageID, 10), nil
}

// SendToUser delivers msg to the user's private chat. Telegram private
// chat ids equal user ids.
func (t *Transport) SendToUser(ctx context.Context, userID string, msg relay.Outbound) error {
	if err := t.ready(); err != nil {
		return err
	}
	if _, err := t.sendContent(ctx, outboundParams(userID, msg), msg.Text, msg.Media); err != nil {
		return fmt.Errorf("telegram: send to user %s: %w", userID, err)
	}
	return nil
}

// SendToGroup delivers msg to a group chat.
func (t *Transport) SendToGroup(ctx context.Context, groupID string, msg relay.Outbound) error {
	if err := t.ready(); err != nil {
		return err
	}
	p := outboundParams(groupID, msg)
	if groupID == t.groupID {
		p.MessageThreadID = t.topicID
	}
	if _, err := t.sendContent(ctx, p, msg.Text, msg.Media); err != nil {
		return fmt.Errorf("telegram: send to group %s: %w", groupID, err)
	}
	return nil
}

// EditSupportPost replaces the text of a support-group message. Omitting
// reply_markup removes its inline keyboard.
func (t *Transport) EditSupportPost(ctx context.Context, messageID, text string) error {
	if err := t.ready(); err != nil {
		return err
	}
	id := parseID(messageID)
	if id == 0 {
		return fmt.Errorf("telegram: edit: invalid message id %q", messageID)
	}
	if err := t.api.editMessageText(ctx, editParams{ChatID: t.groupID, MessageID: id, Text: text}); err != nil {
		return fmt.Errorf("telegram: edit message %s: %w", messageID, err)
	}
	return nil
}

// AckAction answers a callback query, optionally with a toast for the
// user who pressed the button.
func (t *Transport) AckAction(ctx context.Context, callbackID, text string) error {
	if err := t.api.answerCallbackQuery(ctx, answerCallbackParams{CallbackQueryID: callbackID, Text: text}); err != nil {
		return fmt.Errorf("telegram: answer callback: %w", err)
	}
	return nil
}

// Close stops polling and closes the event channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	listening := t.listening
	if t.cancelFunc != nil {
		t.cancelFunc()
	}
	t.mu.Unlock()

	if listening {
		<-t.done
	} else {
		close(t.inbound)
	}
	return nil
}

// BotUserID returns the bot's Telegram user id (available after Connect).
func (t *Transport) BotUserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.botUserID == 0 {
		return ""
	}
	return strconv.FormatInt(t.botUserID, 10)
}

func (t *Transport) ready() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return fmt.Errorf("telegram: not connected")
	}
	return nil
}

// poll runs getUpdates until ctx is cancelled, then closes the inbound
// channel. Failed polls back off exponentially.
func (t *Transport) poll(ctx context.Context) {
	defer close(t.done)
	defer close(t.inbound)

	var offset int64
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		updates, next, err := t.api.getUpdates(ctx, offset, t.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isPollTimeout(err) {
				continue
			}
			wait := time.Duration(math.Pow(2, float64(failures))) * t.baseBackoff
			if wait > maxBackoff {
				wait = maxBackoff
			}
			failures++
			log.Printf("telegram: get updates (attempt %d): %v; retrying in %v", failures, err, wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		failures = 0
		offset = next

		for _, u := range updates {
			ev := t.convert(u)
			if ev == nil {
				if u.CallbackQuery != nil {
					t.AckAction(ctx, u.CallbackQuery.ID, "")
				}
				continue
			}
			select {
			case t.inbound <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// convert maps an update to a relay event. It returns nil for updates the
// relay does not act on.
func (t *Transport) convert(u update) relay.Event {
	if cq := u.CallbackQuery; cq != nil {
		return t.convertCallback(cq)
	}
	m := u.Message
	if m == nil || m.From == nil || m.From.ID == t.botUserID {
		return nil
	}
	switch m.Chat.Type {
	case "private":
		return t.convertPrivate(m)
	case "group", "supergroup":
		return t.convertGroup(m)
	}
	return nil
}

func (t *Transport) convertCallback(cq *callbackQuery) relay.Event {
	kind, decision, payload := relay.ParseCallback(cq.Data)
	var msgID, chatID string
	if cq.Message != nil {
		msgID = strconv.FormatInt(cq.Message.MessageID, 10)
		chatID = strconv.FormatInt(cq.Message.Chat.ID, 10)
	}
	switch kind {
	case relay.CallbackApproval:
		return relay.ApprovalAction{
			TicketID:         payload,
			ControlMessageID: msgID,
			Decision:         decision,
			ActorID:          strconv.FormatInt(cq.From.ID, 10),
			ActorName:        displayName(&cq.From),
			CallbackID:       cq.ID,
		}
	case relay.CallbackLanguage:
		return relay.LanguageChoice{
			UserID:     strconv.FormatInt(cq.From.ID, 10),
			ChatID:     chatID,
			MessageID:  msgID,
			Code:       payload,
			CallbackID: cq.ID,
		}
	}
	return nil
}

func (t *Transport) convertPrivate(m *message) relay.Event {
	userID := strconv.FormatInt(m.From.ID, 10)
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	text := strings.TrimSpace(m.Text)
	if strings.HasPrefix(text, "/") {
		if command(text) == "/start" {
			return relay.StartCommand{UserID: userID, ChatID: chatID}
		}
		return nil
	}
	media := mediaOf(m)
	if media == nil && text == "" {
		return nil
	}
	return relay.UserMessage{
		UserID:     userID,
		ChatID:     chatID,
		MessageID:  strconv.FormatInt(m.MessageID, 10),
		UserHandle: handle(m.From),
		Text:       m.Text,
		Media:      media,
	}
}

// convertGroup classifies a group message. Replies to the bot's own posts
// in the support group are support replies; other replies that mention
// the bot are answered on behalf of the replied-to user.
func (t *Transport) convertGroup(m *message) relay.Event {
	reply := m.ReplyTo
	// Messages in a forum topic implicitly reply to the topic root.
	if reply != nil && t.topicID != 0 && reply.MessageID == t.topicID {
		reply = nil
	}
	if reply == nil || reply.From == nil {
		return nil
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	media := mediaOf(m)

	if chatID == t.groupID && reply.From.ID == t.botUserID {
		return relay.SupportReply{
			RepliedToMessageID: strconv.FormatInt(reply.MessageID, 10),
			MessageID:          strconv.FormatInt(m.MessageID, 10),
			ActorID:            strconv.FormatInt(m.From.ID, 10),
			ActorName:          displayName(m.From),
			Text:               m.Text,
			Media:              media,
		}
	}

	if !t.mentioned(m) {
		return nil
	}
	text := t.stripMention(m.Text)
	if media != nil {
		media.Caption = t.stripMention(media.Caption)
	}
	return relay.GroupMentionReply{
		GroupID:    chatID,
		MessageID:  strconv.FormatInt(m.MessageID, 10),
		UserIDHint: strconv.FormatInt(reply.From.ID, 10),
		ActorName:  displayName(m.From),
		Text:       text,
		Media:      media,
	}
}

// mentioned reports whether the message text or caption mentions the bot.
func (t *Transport) mentioned(m *message) bool {
	if t.botUsername == "" {
		return false
	}
	mention := "@" + strings.ToLower(t.botUsername)
	check := func(s string, ents []entity) bool {
		r := []rune(s)
		for _, e := range ents {
			if e.Type != "mention" {
				continue
			}
			// Offsets are in UTF-16 code units; mentions are ASCII so a
			// rune slice is exact as long as no astral characters precede it.
			if e.Offset+e.Length <= len(r) && strings.ToLower(string(r[e.Offset:e.Offset+e.Length])) == mention {
				return true
			}
		}
		return strings.Contains(strings.ToLower(s), mention)
	}
	return check(m.Text, m.Entities) || check(m.Caption, m.CaptionEntities)
}

func (t *Transport) stripMention(s string) string {
	if t.botUsername == "" || s == "" {
		return s
	}
	return strings.TrimSpace(strings.ReplaceAll(s, "@"+t.botUsername, ""))
}

// sendContent sends text, or media with its caption, using p as the base
// parameters.
func (t *Transport) sendContent(ctx context.Context, p sendParams, text string, media *relay.MediaRef) (*message, error) {
	if media == nil {
		p.Text = text
		return t.api.send(ctx, "sendMessage", p)
	}
	p.Caption = media.Caption
	var method string
	switch media.Kind {
	case relay.MediaPhoto:
		method, p.Photo = "sendPhoto", media.FileID
	case relay.MediaDocument:
		method, p.Document = "sendDocument", media.FileID
	case relay.MediaVideo:
		method, p.Video = "sendVideo", media.FileID
	case relay.MediaAudio:
		method, p.Audio = "sendAudio", media.FileID
	case relay.MediaVoice:
		method, p.Voice = "sendVoice", media.FileID
	default:
		return nil, fmt.Errorf("unsupported media kind %q", media.Kind)
	}
	return t.api.send(ctx, method, p)
}

func outboundParams(chatID string, msg relay.Outbound) sendParams {
	p := sendParams{ChatID: chatID, ReplyToMessageID: parseID(msg.ReplyTo)}
	if len(msg.Buttons) > 0 {
		kb := &inlineKeyboard{}
		for _, b := range msg.Buttons {
			kb.InlineKeyboard = append(kb.InlineKeyboard, []inlineButton{{Text: b.Label, CallbackData: b.Data}})
		}
		p.ReplyMarkup = kb
	}
	return p
}

func toInlineRow(buttons []relay.Button) []inlineButton {
	row := make([]inlineButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, inlineButton{Text: b.Label, CallbackData: b.Data})
	}
	return row
}

// mediaOf returns the attachment of m, preferring the largest photo size.
func mediaOf(m *message) *relay.MediaRef {
	switch {
	case len(m.Photo) > 0:
		return &relay.MediaRef{Kind: relay.MediaPhoto, FileID: m.Photo[len(m.Photo)-1].FileID, Caption: m.Caption}
	case m.Document != nil:
		return &relay.MediaRef{Kind: relay.MediaDocument, FileID: m.Document.FileID, Caption: m.Caption}
	case m.Video != nil:
		return &relay.MediaRef{Kind: relay.MediaVideo, FileID: m.Video.FileID, Caption: m.Caption}
	case m.Audio != nil:
		return &relay.MediaRef{Kind: relay.MediaAudio, FileID: m.Audio.FileID, Caption: m.Caption}
	case m.Voice != nil:
		return &relay.MediaRef{Kind: relay.MediaVoice, FileID: m.Voice.FileID, Caption: m.Caption}
	}
	return nil
}

// command returns the command word of text without a @botname suffix.
func command(text string) string {
	word := strings.Fields(text)[0]
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word)
}

// handle is the name shown after "From: @": the username, or the full name
// when the user has none.
func handle(u *user) string {
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func displayName(u *user) string {
	if u == nil {
		return ""
	}
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
