package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/zulandar/switchboard/internal/i18n"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/replylog"
)

// Outcome describes what Router.Handle did with an event.
type Outcome string

const (
	OutcomeForwarded          Outcome = "forwarded"
	OutcomeDelivered          Outcome = "delivered"
	OutcomeGroupDelivered     Outcome = "group_delivered"
	OutcomeApproved           Outcome = "approved"
	OutcomeDiscarded          Outcome = "discarded"
	OutcomeLanguageMenu       Outcome = "language_menu"
	OutcomeWelcome            Outcome = "welcome"
	OutcomeLanguageSet        Outcome = "language_set"
	OutcomeNotFound           Outcome = "not_found"
	OutcomeInvalidTransition  Outcome = "invalid_transition"
	OutcomeDuplicate          Outcome = "duplicate"
	OutcomeStorageUnavailable Outcome = "storage_unavailable"
	OutcomeFailed             Outcome = "failed"
	OutcomeIgnored            Outcome = "ignored"
)

// mediaPlaceholder is logged as the question of a media message without
// a caption.
const mediaPlaceholder = "[Media message]"

// Router maps each inbound event to at most one outbound action and at
// most one log row.
type Router struct {
	store     *CorrelationStore
	tickets   *TicketMachine
	log       replylog.Writer
	transport Transport
	generator Generator
	semiAuto  bool
	lang      string
	metrics   *Metrics
	locks     *entryLocks
	out       io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Store     *CorrelationStore
	Tickets   *TicketMachine
	Log       replylog.Writer
	Transport Transport
	Generator Generator // defaults to TemplateGenerator
	SemiAuto  bool      // create autoreply tickets for user messages
	Language  string    // for users without a stored language; defaults to i18n.DefaultLanguage
	Metrics   *Metrics  // optional
	Out       io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: router: store is required")
	}
	if opts.Tickets == nil {
		return nil, fmt.Errorf("relay: router: ticket machine is required")
	}
	if opts.Log == nil {
		return nil, fmt.Errorf("relay: router: log is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("relay: router: transport is required")
	}
	gen := opts.Generator
	if gen == nil {
		gen = TemplateGenerator{}
	}
	lang := opts.Language
	if lang == "" {
		lang = i18n.DefaultLanguage
	}
	if !i18n.Supported(lang) {
		return nil, fmt.Errorf("relay: router: unsupported default language %q", lang)
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		store:     opts.Store,
		tickets:   opts.Tickets,
		log:       opts.Log,
		transport: opts.Transport,
		generator: gen,
		semiAuto:  opts.SemiAuto,
		lang:      lang,
		metrics:   opts.Metrics,
		locks:     newEntryLocks(),
		out:       out,
	}, nil
}

// Handle routes a single inbound event. The returned error wraps one of
// the package sentinels when the event was rejected; none of them are
// fatal to the caller.
func (r *Router) Handle(ctx context.Context, ev Event) (Outcome, error) {
	var (
		kind    string
		outcome Outcome
		err     error
	)
	switch e := ev.(type) {
	case UserMessage:
		kind = "user_message"
		outcome, err = r.handleUserMessage(ctx, e)
	case SupportReply:
		kind = "support_reply"
		outcome, err = r.handleSupportReply(ctx, e)
	case GroupMentionReply:
		kind = "group_mention"
		outcome, err = r.handleGroupMention(ctx, e)
	case ApprovalAction:
		kind = "approval"
		outcome, err = r.handleApproval(ctx, e)
	case StartCommand:
		kind = "start"
		outcome, err = r.handleStart(ctx, e)
	case LanguageChoice:
		kind = "language"
		outcome, err = r.handleLanguage(ctx, e)
	default:
		kind = "unknown"
		outcome = OutcomeIgnored
		err = fmt.Errorf("relay: router: unhandled event %T", ev)
	}
	r.metrics.event(kind, outcome)
	return outcome, err
}

// handleUserMessage forwards a user message to support, optionally opens
// an autoreply ticket, and confirms to the user.
func (r *Router) handleUserMessage(ctx context.Context, ev UserMessage) (Outcome, error) {
	lang := r.language(ctx, ev.UserID)
	if err := r.store.Healthy(ctx); err != nil {
		r.tellUser(ctx, ev, lang, i18n.ErrorOccurred)
		return OutcomeStorageUnavailable, err
	}

	question := questionText(ev)
	fmt.Fprintf(r.out, "relay: router: user %s: %q\n", ev.UserID, truncate(question, 80))

	relayedID, err := r.transport.PostToSupport(ctx, forwardPost(ev))
	if err != nil {
		log.Printf("relay: router: forward message from %s: %v", ev.UserID, err)
		r.tellUser(ctx, ev, lang, i18n.ErrorOccurred)
		return OutcomeFailed, fmt.Errorf("relay: forward: %w", err)
	}

	unlock := r.locks.lock(relayedID)
	defer unlock()

	entry := &models.CorrelationEntry{
		RelayedMessageID: relayedID,
		OriginUserID:     ev.UserID,
		OriginChatID:     ev.ChatID,
		OriginMessageID:  ev.MessageID,
		Language:         lang,
		UserHandle:       ev.UserHandle,
		Question:         question,
	}
	if err := r.store.Put(ctx, entry); err != nil {
		r.tellUser(ctx, ev, lang, i18n.ErrorOccurred)
		if errors.Is(err, ErrDuplicateKey) {
			log.Printf("relay: INVARIANT: transport reused relayed message id %s: %v", relayedID, err)
			return OutcomeDuplicate, err
		}
		log.Printf("relay: router: store entry %s: %v", relayedID, err)
		return OutcomeStorageUnavailable, err
	}

	var autoreply string
	if r.semiAuto {
		autoreply = r.openTicket(ctx, entry)
	}

	if err := r.log.Append(ctx, replylog.Row{
		RelayedMessageID: relayedID,
		Event:            replylog.EventQuestion,
		Question:         question,
		Autoreply:        autoreply,
		ApprovalStatus:   replylog.StatusUnset,
	}); err != nil {
		log.Printf("relay: router: log question %s: %v", relayedID, err)
	}

	r.tellUser(ctx, ev, lang, i18n.MessageForwarded)
	return OutcomeForwarded, nil
}

// openTicket generates a reply for entry, posts it with approve and discard
// buttons, and returns the generated text. It returns "" when no ticket
// could be opened; the question is still relayed in that case.
func (r *Router) openTicket(ctx context.Context, entry *models.CorrelationEntry) string {
	key := entry.RelayedMessageID
	text, err := r.generator.Generate(ctx, entry.Question, entry.Language)
	if err != nil {
		log.Printf("relay: router: generate reply for %s: %v", key, err)
		return ""
	}
	ticket, err := r.tickets.Create(ctx, entry, text, "")
	if err != nil {
		log.Printf("relay: router: create ticket for %s: %v", key, err)
		return ""
	}
	lang := entry.Language
	controlID, err := r.transport.PostToSupport(ctx, SupportPost{
		Text:    i18n.T(lang, i18n.GeneratedReply) + "\n\n" + text,
		ReplyTo: key,
		Buttons: ApprovalButtons(ticket.ID, i18n.T(lang, i18n.Approve), i18n.T(lang, i18n.Discard)),
	})
	if err != nil {
		log.Printf("relay: router: post ticket %s: %v", ticket.ID, err)
		if aerr := r.tickets.Abandon(ctx, ticket.ID); aerr != nil {
			log.Printf("relay: router: abandon unposted ticket %s: %v", ticket.ID, aerr)
		}
		return ""
	}
	if err := r.tickets.SetControlMessage(ctx, ticket.ID, controlID); err != nil {
		log.Printf("relay: router: record control message for ticket %s: %v", ticket.ID, err)
	}
	r.metrics.ticket(models.TicketPending)
	fmt.Fprintf(r.out, "relay: router: ticket %s pending for %s\n", ticket.ID, key)
	return text
}

// handleSupportReply delivers a support reply to the user whose message
// was replied to.
func (r *Router) handleSupportReply(ctx context.Context, ev SupportReply) (Outcome, error) {
	entry, err := r.resolveReplyTarget(ctx, ev.RepliedToMessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.noticeSupport(ctx, ev.MessageID, i18n.T(r.lang, i18n.OriginalNotFound))
			return OutcomeNotFound, err
		}
		log.Printf("relay: router: resolve %s: %v", ev.RepliedToMessageID, err)
		return OutcomeStorageUnavailable, err
	}

	unlock := r.locks.lock(entry.RelayedMessageID)
	defer unlock()

	latest, err := r.tickets.Latest(ctx, entry.RelayedMessageID)
	if err != nil {
		return OutcomeStorageUnavailable, err
	}

	lang := entry.Language
	msg := Outbound{
		Text:    withHeader(i18n.T(lang, i18n.ReplyReceived), ev.Text),
		ReplyTo: entry.OriginMessageID,
	}
	if ev.Media != nil {
		media := *ev.Media
		media.Caption = withHeader(i18n.T(lang, i18n.ReplyReceived), ev.Media.Caption)
		msg = Outbound{Media: &media, ReplyTo: entry.OriginMessageID}
	}
	if err := r.transport.SendToUser(ctx, entry.OriginUserID, msg); err != nil {
		log.Printf("relay: router: deliver reply to %s: %v", entry.OriginUserID, err)
		return OutcomeFailed, fmt.Errorf("relay: deliver reply: %w", err)
	}
	r.metrics.delivery("user")
	fmt.Fprintf(r.out, "relay: router: %s replied to %s\n", ev.ActorName, entry.OriginUserID)

	r.appendManual(ctx, entry, latest, replyContent(ev.Text, ev.Media), replylog.EventManual)
	return OutcomeDelivered, nil
}

// resolveReplyTarget finds the entry a support message replied to, either
// the relayed copy itself or a ticket's control message.
func (r *Router) resolveReplyTarget(ctx context.Context, messageID string) (*models.CorrelationEntry, error) {
	entry, err := r.store.Resolve(ctx, messageID)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return entry, err
	}
	ticket, terr := r.tickets.ByControlMessage(ctx, messageID)
	if terr != nil {
		if errors.Is(terr, ErrNotFound) {
			return nil, err
		}
		return nil, terr
	}
	return r.store.Resolve(ctx, ticket.RelayedMessageID)
}

// handleGroupMention answers in a group on behalf of the user's latest
// conversation.
func (r *Router) handleGroupMention(ctx context.Context, ev GroupMentionReply) (Outcome, error) {
	entry, err := r.store.LastEntryFor(ctx, ev.UserIDHint)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.noticeGroup(ctx, ev, i18n.T(r.lang, i18n.OriginalNotFound))
			return OutcomeNotFound, err
		}
		log.Printf("relay: router: last entry for %s: %v", ev.UserIDHint, err)
		return OutcomeStorageUnavailable, err
	}

	unlock := r.locks.lock(entry.RelayedMessageID)
	defer unlock()

	latest, err := r.tickets.Latest(ctx, entry.RelayedMessageID)
	if err != nil {
		return OutcomeStorageUnavailable, err
	}

	if err := r.transport.SendToGroup(ctx, ev.GroupID, Outbound{Text: ev.Text, Media: ev.Media, ReplyTo: ev.MessageID}); err != nil {
		log.Printf("relay: router: deliver group reply to %s: %v", ev.GroupID, err)
		return OutcomeFailed, fmt.Errorf("relay: deliver group reply: %w", err)
	}
	r.metrics.delivery("group")

	r.appendManual(ctx, entry, latest, replyContent(ev.Text, ev.Media), replylog.EventGroupReply)
	return OutcomeGroupDelivered, nil
}

// appendManual logs a manual reply. A reply while the latest ticket is
// still PENDING leaves the ticket alone and is logged as UNSET.
func (r *Router) appendManual(ctx context.Context, entry *models.CorrelationEntry, latest *models.AutoreplyTicket, reply string, event replylog.Event) {
	var autoreply string
	if latest != nil {
		autoreply = latest.GeneratedText
	}
	if err := r.log.Append(ctx, replylog.Row{
		RelayedMessageID: entry.RelayedMessageID,
		Event:            event,
		Question:         entry.Question,
		Autoreply:        autoreply,
		ManualReply:      reply,
		ApprovalStatus:   ManualStatus(latest),
	}); err != nil {
		log.Printf("relay: router: log reply %s: %v", entry.RelayedMessageID, err)
	}
}

// handleApproval applies an approve or discard click to a ticket.
func (r *Router) handleApproval(ctx context.Context, ev ApprovalAction) (Outcome, error) {
	ticket, err := r.findTicket(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.ack(ctx, ev.CallbackID, i18n.T(r.lang, i18n.OriginalNotFound))
			return OutcomeNotFound, err
		}
		return OutcomeStorageUnavailable, err
	}

	unlock := r.locks.lock(ticket.RelayedMessageID)
	defer unlock()

	entry, err := r.store.Resolve(ctx, ticket.RelayedMessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.ack(ctx, ev.CallbackID, i18n.T(r.lang, i18n.OriginalNotFound))
			return OutcomeNotFound, err
		}
		return OutcomeStorageUnavailable, err
	}
	lang := entry.Language
	actor := ev.ActorName
	if actor == "" {
		actor = ev.ActorID
	}

	switch ev.Decision {
	case DecisionApprove:
		return r.approve(ctx, ev, ticket.ID, entry, actor)
	case DecisionDiscard:
		decided, err := r.tickets.Discard(ctx, ticket.ID, actor)
		if err != nil {
			return r.rejectDecision(ctx, ev, lang, err)
		}
		r.metrics.ticket(models.TicketDiscarded)
		r.ack(ctx, ev.CallbackID, i18n.T(lang, i18n.ReplyDiscarded))
		r.markDecided(ctx, decided, lang, "❌", i18n.ReplyDiscarded)
		r.appendDecision(ctx, entry, decided, replylog.EventDiscarded, replylog.StatusDiscarded)
		fmt.Fprintf(r.out, "relay: router: ticket %s discarded by %s\n", decided.ID, actor)
		return OutcomeDiscarded, nil
	default:
		return OutcomeIgnored, fmt.Errorf("relay: router: unknown decision %q", ev.Decision)
	}
}

func (r *Router) approve(ctx context.Context, ev ApprovalAction, ticketID string, entry *models.CorrelationEntry, actor string) (Outcome, error) {
	lang := entry.Language
	decided, err := r.tickets.Approve(ctx, ticketID, actor)
	if err != nil {
		return r.rejectDecision(ctx, ev, lang, err)
	}
	r.metrics.ticket(models.TicketApproved)
	r.appendDecision(ctx, entry, decided, replylog.EventApproved, replylog.StatusApproved)

	if err := r.transport.SendToUser(ctx, entry.OriginUserID, Outbound{
		Text:    withHeader(i18n.T(lang, i18n.ReplyReceived), decided.GeneratedText),
		ReplyTo: entry.OriginMessageID,
	}); err != nil {
		log.Printf("relay: router: deliver approved reply %s: %v", decided.ID, err)
		r.ack(ctx, ev.CallbackID, i18n.T(lang, i18n.ErrorOccurred))
		return OutcomeFailed, fmt.Errorf("relay: deliver approved reply: %w", err)
	}
	r.metrics.delivery("user")
	r.ack(ctx, ev.CallbackID, i18n.T(lang, i18n.ReplyApproved))
	r.markDecided(ctx, decided, lang, "✅", i18n.ReplyApproved)
	fmt.Fprintf(r.out, "relay: router: ticket %s approved by %s\n", decided.ID, actor)
	return OutcomeApproved, nil
}

func (r *Router) findTicket(ctx context.Context, ev ApprovalAction) (*models.AutoreplyTicket, error) {
	if ev.TicketID != "" {
		return r.tickets.Get(ctx, ev.TicketID)
	}
	return r.tickets.ByControlMessage(ctx, ev.ControlMessageID)
}

func (r *Router) rejectDecision(ctx context.Context, ev ApprovalAction, lang string, err error) (Outcome, error) {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		r.ack(ctx, ev.CallbackID, i18n.T(lang, i18n.AlreadyDecided))
		return OutcomeInvalidTransition, err
	case errors.Is(err, ErrNotFound):
		r.ack(ctx, ev.CallbackID, i18n.T(lang, i18n.OriginalNotFound))
		return OutcomeNotFound, err
	default:
		log.Printf("relay: router: %s ticket: %v", ev.Decision, err)
		r.ack(ctx, ev.CallbackID, i18n.T(lang, i18n.ErrorOccurred))
		return OutcomeStorageUnavailable, err
	}
}

func (r *Router) appendDecision(ctx context.Context, entry *models.CorrelationEntry, ticket *models.AutoreplyTicket, event replylog.Event, status replylog.Status) {
	if err := r.log.Append(ctx, replylog.Row{
		RelayedMessageID: entry.RelayedMessageID,
		Event:            event,
		Question:         entry.Question,
		Autoreply:        ticket.GeneratedText,
		ApprovalStatus:   status,
	}); err != nil {
		log.Printf("relay: router: log %s %s: %v", event, ticket.ID, err)
	}
}

// markDecided rewrites the control message so the buttons disappear and
// the decision is visible to the rest of the team.
func (r *Router) markDecided(ctx context.Context, ticket *models.AutoreplyTicket, lang, mark, key string) {
	if ticket.ControlMessageID == "" {
		return
	}
	text := fmt.Sprintf("%s\n\n%s\n\n%s %s", i18n.T(lang, i18n.GeneratedReply), ticket.GeneratedText, mark, i18n.T(lang, key))
	if err := r.transport.EditSupportPost(ctx, ticket.ControlMessageID, text); err != nil {
		log.Printf("relay: router: edit control message %s: %v", ticket.ControlMessageID, err)
	}
}

// handleStart shows the language menu to users without a stored language
// and the welcome text to everyone else.
func (r *Router) handleStart(ctx context.Context, ev StartCommand) (Outcome, error) {
	code, ok, err := r.store.StoredLanguage(ctx, ev.UserID)
	if err != nil {
		log.Printf("relay: router: language for %s: %v", ev.UserID, err)
	}
	if ok {
		if err := r.transport.SendToUser(ctx, ev.UserID, Outbound{Text: i18n.T(code, i18n.Welcome)}); err != nil {
			return OutcomeFailed, fmt.Errorf("relay: send welcome: %w", err)
		}
		return OutcomeWelcome, nil
	}

	var buttons []Button
	for _, l := range i18n.Languages() {
		buttons = append(buttons, LanguageButton(l.Code, l.Name))
	}
	if err := r.transport.SendToUser(ctx, ev.UserID, Outbound{
		Text:    i18n.T(r.lang, i18n.Welcome),
		Buttons: buttons,
	}); err != nil {
		return OutcomeFailed, fmt.Errorf("relay: send language menu: %w", err)
	}
	return OutcomeLanguageMenu, nil
}

// handleLanguage stores the language picked from the menu.
func (r *Router) handleLanguage(ctx context.Context, ev LanguageChoice) (Outcome, error) {
	if !i18n.Supported(ev.Code) {
		r.ack(ctx, ev.CallbackID, "")
		return OutcomeIgnored, fmt.Errorf("relay: router: unsupported language %q", ev.Code)
	}
	if err := r.store.SetLanguage(ctx, ev.UserID, ev.Code); err != nil {
		r.ack(ctx, ev.CallbackID, i18n.T(ev.Code, i18n.ErrorOccurred))
		return OutcomeStorageUnavailable, err
	}
	confirm := i18n.T(ev.Code, i18n.LanguageSelected)
	r.ack(ctx, ev.CallbackID, confirm)
	if err := r.transport.SendToUser(ctx, ev.UserID, Outbound{Text: confirm}); err != nil {
		log.Printf("relay: router: confirm language to %s: %v", ev.UserID, err)
	}
	return OutcomeLanguageSet, nil
}

// language returns the stored language of userID or the router default.
func (r *Router) language(ctx context.Context, userID string) string {
	code, ok, err := r.store.StoredLanguage(ctx, userID)
	if err != nil {
		log.Printf("relay: router: language for %s: %v", userID, err)
	}
	if !ok {
		return r.lang
	}
	return code
}

// tellUser sends a catalog message to the author of ev.
func (r *Router) tellUser(ctx context.Context, ev UserMessage, lang, key string) {
	if err := r.transport.SendToUser(ctx, ev.UserID, Outbound{
		Text:    i18n.T(lang, key),
		ReplyTo: ev.MessageID,
	}); err != nil {
		log.Printf("relay: router: notify %s: %v", ev.UserID, err)
	}
}

// noticeSupport posts text into the support channel as a reply to
// messageID.
func (r *Router) noticeSupport(ctx context.Context, messageID, text string) {
	if _, err := r.transport.PostToSupport(ctx, SupportPost{Text: text, ReplyTo: messageID}); err != nil {
		log.Printf("relay: router: post notice: %v", err)
	}
}

// noticeGroup answers a mention in its group. Notices are not counted as
// deliveries.
func (r *Router) noticeGroup(ctx context.Context, ev GroupMentionReply, text string) {
	if err := r.transport.SendToGroup(ctx, ev.GroupID, Outbound{Text: text, ReplyTo: ev.MessageID}); err != nil {
		log.Printf("relay: router: post group notice to %s: %v", ev.GroupID, err)
	}
}

// ack acknowledges a button click when the transport supports it.
func (r *Router) ack(ctx context.Context, callbackID, text string) {
	acker, ok := r.transport.(ActionAcker)
	if !ok || callbackID == "" {
		return
	}
	if err := acker.AckAction(ctx, callbackID, text); err != nil {
		log.Printf("relay: router: ack %s: %v", callbackID, err)
	}
}

// forwardPost builds the support-channel copy of a user message.
func forwardPost(ev UserMessage) SupportPost {
	header := "From: @" + ev.UserHandle
	if ev.Media != nil {
		media := *ev.Media
		media.Caption = withHeader(header, ev.Media.Caption)
		return SupportPost{Media: &media}
	}
	return SupportPost{Text: withHeader(header, ev.Text)}
}

func questionText(ev UserMessage) string {
	if ev.Media != nil {
		if ev.Media.Caption != "" {
			return ev.Media.Caption
		}
		return mediaPlaceholder
	}
	return ev.Text
}

func replyContent(text string, media *MediaRef) string {
	if media == nil {
		return text
	}
	if media.Caption != "" {
		return media.Caption
	}
	return mediaPlaceholder
}

// withHeader joins a header line and a body with a blank line. An empty
// body yields the header alone.
func withHeader(header, body string) string {
	if body == "" {
		return header
	}
	return header + "\n\n" + body
}

// truncate shortens s to at most n runes, appending "..." if truncated.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
