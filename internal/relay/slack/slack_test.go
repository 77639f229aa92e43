package slack

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/switchboard/internal/relay"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu        sync.Mutex
	authResp  *slackapi.AuthTestResponse
	authErr   error
	posted    []postedMessage
	updated   []postedMessage
	ephemeral []postedMessage
	postErr   error
	postFails int // rate-limited responses before success
	replies   map[string][]slackapi.Message
	users     map[string]*slackapi.User
	nextTS    int
}

type postedMessage struct {
	channelID string
	ts        string
	userID    string
	options   []slackapi.MsgOption
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT", BotID: "B_BOT"},
		replies:  make(map[string][]slackapi.Message),
		users:    make(map[string]*slackapi.User),
	}
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postFails > 0 {
		m.postFails--
		return "", "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.nextTS++
	ts := fmt.Sprintf("1700000000.%06d", m.nextTS)
	m.posted = append(m.posted, postedMessage{channelID: channelID, ts: ts, options: options})
	return channelID, ts, nil
}

func (m *mockSlackClient) UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, postedMessage{channelID: channelID, ts: timestamp, options: options})
	return channelID, timestamp, "", nil
}

func (m *mockSlackClient) PostEphemeral(channelID, userID string, options ...slackapi.MsgOption) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ephemeral = append(m.ephemeral, postedMessage{channelID: channelID, userID: userID, options: options})
	return "1700000001.000001", nil
}

func (m *mockSlackClient) GetConversationReplies(params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, ok := m.replies[params.ChannelID+"/"+params.Timestamp]
	if !ok {
		return nil, false, "", fmt.Errorf("thread_not_found")
	}
	return msgs, false, "", nil
}

func (m *mockSlackClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

func (m *mockSlackClient) setThread(channelID, ts, author string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[channelID+"/"+ts] = []slackapi.Message{{Msg: slackapi.Msg{User: author, Timestamp: ts}}}
}

func (m *mockSlackClient) lastPosted() postedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posted[len(m.posted)-1]
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events chan socketmode.Event
	acked  []socketmode.Request
	mu     sync.Mutex
	done   chan struct{}
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{
		events: make(chan socketmode.Event, 100),
		done:   make(chan struct{}),
	}
}

func (m *mockSocketClient) Run() error {
	<-m.done
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event {
	return m.events
}

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, req)
}

func (m *mockSocketClient) ackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

// --- Helpers ---

func newTestTransport(t *testing.T) (*Transport, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()

	a, err := New(TransportOpts{
		Client:         client,
		Socket:         socket,
		SupportChannel: "C_SUPPORT",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		close(socket.done)
		a.Close()
	})
	return a, client, socket
}

func applied(t *testing.T, options []slackapi.MsgOption) url.Values {
	t.Helper()
	_, values, err := slackapi.UnsafeApplyMsgOptions("xoxb-test", "C", "https://slack.test/api/", options...)
	if err != nil {
		t.Fatalf("apply options: %v", err)
	}
	return values
}

func eventsAPI(inner interface{}) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: inner},
		},
		Request: &socketmode.Request{EnvelopeID: "env"},
	}
}

func blockAction(triggerID, value string) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeInteractive,
		Data: slackapi.InteractionCallback{
			Type:      slackapi.InteractionTypeBlockActions,
			TriggerID: triggerID,
			User:      slackapi.User{ID: "U_AGENT", Name: "sam"},
			Container: slackapi.Container{ChannelID: "C_SUPPORT", MessageTs: "1700000000.000002"},
			ActionCallback: slackapi.ActionCallbacks{
				BlockActions: []*slackapi.BlockAction{{ActionID: value, Value: value}},
			},
		},
		Request: &socketmode.Request{EnvelopeID: "env-int"},
	}
}

func recv(t *testing.T, ch <-chan relay.Event) relay.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

// --- Constructor and lifecycle ---

func TestNew_Validation(t *testing.T) {
	if _, err := New(TransportOpts{AppToken: "xapp", SupportChannel: "C"}); err == nil {
		t.Error("expected error for missing bot token")
	}
	if _, err := New(TransportOpts{BotToken: "xoxb", SupportChannel: "C"}); err == nil {
		t.Error("expected error for missing app token")
	}
	if _, err := New(TransportOpts{BotToken: "xoxb", AppToken: "xapp"}); err == nil {
		t.Error("expected error for missing support channel")
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = fmt.Errorf("invalid_auth")
	a, _ := New(TransportOpts{Client: client, Socket: newMockSocketClient(), SupportChannel: "C"})
	if err := a.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "invalid_auth") {
		t.Errorf("Connect error = %v", err)
	}
}

func TestConnect_AlreadyClosed(t *testing.T) {
	a, _ := New(TransportOpts{Client: newMockSlackClient(), Socket: newMockSocketClient(), SupportChannel: "C"})
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Error("expected error connecting a closed transport")
	}
}

func TestConnect_SetsBotUserID(t *testing.T) {
	a, _, _ := newTestTransport(t)
	if got := a.BotUserID(); got != "U_BOT" {
		t.Errorf("BotUserID = %q", got)
	}
}

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(TransportOpts{Client: newMockSlackClient(), Socket: newMockSocketClient(), SupportChannel: "C"})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestClose_ClosesChannel(t *testing.T) {
	client := newMockSlackClient()
	socket := newMockSocketClient()
	defer close(socket.done)
	a, _ := New(TransportOpts{Client: client, Socket: socket, SupportChannel: "C"})
	a.Connect(context.Background())
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// --- Inbound conversion ---

func TestListen_DirectMessage(t *testing.T) {
	a, client, socket := newTestTransport(t)
	client.users["U_ANN"] = &slackapi.User{ID: "U_ANN", Name: "ann"}

	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	socket.events <- eventsAPI(&slackevents.MessageEvent{
		User: "U_ANN", Channel: "D_ANN", ChannelType: "im", Text: "help", TimeStamp: "1.1",
	})

	ev := recv(t, ch)
	um, ok := ev.(relay.UserMessage)
	if !ok {
		t.Fatalf("event = %T", ev)
	}
	want := relay.UserMessage{UserID: "U_ANN", ChatID: "D_ANN", MessageID: "1.1", UserHandle: "ann", Text: "help"}
	if um.UserID != want.UserID || um.ChatID != want.ChatID || um.MessageID != want.MessageID || um.UserHandle != want.UserHandle || um.Text != want.Text {
		t.Errorf("user message = %+v, want %+v", um, want)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestHandleMessage_Filters(t *testing.T) {
	a, client, _ := newTestTransport(t)
	client.setThread("C_SUPPORT", "9.0", "U_SOMEONE")
	ctx := context.Background()

	tests := []struct {
		name string
		ev   *slackevents.MessageEvent
	}{
		{"self", &slackevents.MessageEvent{User: "U_BOT", ChannelType: "im", Text: "x"}},
		{"bot", &slackevents.MessageEvent{User: "U_X", BotID: "B_OTHER", ChannelType: "im", Text: "x"}},
		{"subtype", &slackevents.MessageEvent{User: "U_X", SubType: "message_changed", ChannelType: "im", Text: "x"}},
		{"empty dm", &slackevents.MessageEvent{User: "U_X", ChannelType: "im", Text: "  "}},
		{"support top-level", &slackevents.MessageEvent{User: "U_X", Channel: "C_SUPPORT", Text: "x", TimeStamp: "5.0"}},
		{"support thread not ours", &slackevents.MessageEvent{User: "U_X", Channel: "C_SUPPORT", Text: "x", TimeStamp: "9.5", ThreadTimeStamp: "9.0"}},
		{"support thread unknown", &slackevents.MessageEvent{User: "U_X", Channel: "C_SUPPORT", Text: "x", TimeStamp: "8.5", ThreadTimeStamp: "8.0"}},
		{"other channel", &slackevents.MessageEvent{User: "U_X", Channel: "C_OTHER", Text: "x", TimeStamp: "7.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ev := a.handleMessage(ctx, tt.ev); ev != nil {
				t.Errorf("expected nil, got %#v", ev)
			}
		})
	}
}

func TestHandleMessage_SupportThreadReply(t *testing.T) {
	a, client, _ := newTestTransport(t)
	client.setThread("C_SUPPORT", "3.0", "U_BOT")
	client.users["U_AGENT"] = &slackapi.User{ID: "U_AGENT", RealName: "Sam Agent"}

	ev := a.handleMessage(context.Background(), &slackevents.MessageEvent{
		User: "U_AGENT", Channel: "C_SUPPORT", Text: "fixed", TimeStamp: "3.5", ThreadTimeStamp: "3.0",
	})
	sr, ok := ev.(relay.SupportReply)
	if !ok {
		t.Fatalf("event = %T", ev)
	}
	if sr.RepliedToMessageID != "3.0" || sr.MessageID != "3.5" || sr.ActorID != "U_AGENT" || sr.ActorName != "Sam Agent" || sr.Text != "fixed" {
		t.Errorf("support reply = %+v", sr)
	}
}

func TestHandleMessage_ThreadPostedByBotID(t *testing.T) {
	a, client, _ := newTestTransport(t)
	client.replies["C_SUPPORT/4.0"] = []slackapi.Message{{Msg: slackapi.Msg{BotID: "B_BOT", Timestamp: "4.0"}}}

	ev := a.handleMessage(context.Background(), &slackevents.MessageEvent{
		User: "U_AGENT", Channel: "C_SUPPORT", Text: "ok", TimeStamp: "4.1", ThreadTimeStamp: "4.0",
	})
	if _, ok := ev.(relay.SupportReply); !ok {
		t.Errorf("event = %T, want SupportReply", ev)
	}
}

func TestHandleAppMention(t *testing.T) {
	a, client, _ := newTestTransport(t)
	client.setThread("C_OTHER", "6.0", "U_ANN")
	ctx := context.Background()

	ev := a.handleAppMention(ctx, &slackevents.AppMentionEvent{
		User: "U_AGENT", Channel: "C_OTHER", Text: "<@U_BOT> all sorted", TimeStamp: "6.2", ThreadTimeStamp: "6.0",
	})
	gm, ok := ev.(relay.GroupMentionReply)
	if !ok {
		t.Fatalf("event = %T", ev)
	}
	if gm.GroupID != "C_OTHER" || gm.MessageID != "6.2" || gm.UserIDHint != "U_ANN" || gm.Text != "all sorted" {
		t.Errorf("mention = %+v", gm)
	}

	// Not in a thread, in the support channel, or from the bot itself.
	for _, m := range []*slackevents.AppMentionEvent{
		{User: "U_AGENT", Channel: "C_OTHER", Text: "<@U_BOT> hi", TimeStamp: "6.3"},
		{User: "U_AGENT", Channel: "C_SUPPORT", Text: "<@U_BOT> hi", TimeStamp: "6.4", ThreadTimeStamp: "6.0"},
		{User: "U_BOT", Channel: "C_OTHER", Text: "<@U_BOT>", TimeStamp: "6.5", ThreadTimeStamp: "6.0"},
	} {
		if ev := a.handleAppMention(ctx, m); ev != nil {
			t.Errorf("mention %+v: expected nil, got %#v", m, ev)
		}
	}
}

func TestListen_SlashStart(t *testing.T) {
	a, _, socket := newTestTransport(t)
	ch, _ := a.Listen(context.Background())

	socket.events <- socketmode.Event{
		Type:    socketmode.EventTypeSlashCommand,
		Data:    slackapi.SlashCommand{Command: "/help", UserID: "U_ANN", ChannelID: "D_ANN"},
		Request: &socketmode.Request{EnvelopeID: "env-h"},
	}
	socket.events <- socketmode.Event{
		Type:    socketmode.EventTypeSlashCommand,
		Data:    slackapi.SlashCommand{Command: "/start", UserID: "U_ANN", ChannelID: "D_ANN"},
		Request: &socketmode.Request{EnvelopeID: "env-s"},
	}
	ev := recv(t, ch)
	if ev != (relay.StartCommand{UserID: "U_ANN", ChatID: "D_ANN"}) {
		t.Errorf("event = %#v", ev)
	}
	if socket.ackedCount() != 2 {
		t.Errorf("acked = %d, want both commands acked", socket.ackedCount())
	}
}

func TestListen_ApprovalInteraction(t *testing.T) {
	a, client, socket := newTestTransport(t)
	client.users["U_AGENT"] = &slackapi.User{ID: "U_AGENT", Profile: slackapi.UserProfile{DisplayName: "Sam"}}
	ch, _ := a.Listen(context.Background())

	socket.events <- blockAction("trig-1", "discard:t9")
	ev := recv(t, ch)
	aa, ok := ev.(relay.ApprovalAction)
	if !ok {
		t.Fatalf("event = %T", ev)
	}
	if aa.TicketID != "t9" || aa.Decision != relay.DecisionDiscard || aa.ControlMessageID != "1700000000.000002" ||
		aa.ActorID != "U_AGENT" || aa.ActorName != "Sam" || aa.CallbackID != "trig-1" {
		t.Errorf("approval = %+v", aa)
	}

	if err := a.AckAction(context.Background(), "trig-1", "Already decided"); err != nil {
		t.Fatalf("AckAction: %v", err)
	}
	client.mu.Lock()
	eph := client.ephemeral
	client.mu.Unlock()
	if len(eph) != 1 || eph[0].channelID != "C_SUPPORT" || eph[0].userID != "U_AGENT" {
		t.Fatalf("ephemeral = %+v", eph)
	}
	if got := applied(t, eph[0].options).Get("text"); got != "Already decided" {
		t.Errorf("ephemeral text = %q", got)
	}

	// A second ack for the same interaction is a no-op.
	if err := a.AckAction(context.Background(), "trig-1", "again"); err != nil {
		t.Fatal(err)
	}
	client.mu.Lock()
	n := len(client.ephemeral)
	client.mu.Unlock()
	if n != 1 {
		t.Errorf("ephemeral count = %d, want 1", n)
	}
}

func TestHandleInteraction_LanguageAndUnknown(t *testing.T) {
	a, _, _ := newTestTransport(t)

	ev := a.handleInteraction(blockAction("trig-2", "lang:ru").Data.(slackapi.InteractionCallback))
	lc, ok := ev.(relay.LanguageChoice)
	if !ok {
		t.Fatalf("event = %T", ev)
	}
	if lc.Code != "ru" || lc.UserID != "U_AGENT" || lc.CallbackID != "trig-2" {
		t.Errorf("language choice = %+v", lc)
	}

	if ev := a.handleInteraction(blockAction("trig-3", "bogus").Data.(slackapi.InteractionCallback)); ev != nil {
		t.Errorf("unknown action: got %#v", ev)
	}
}

func TestAckAction_EmptyTextSkipsMessage(t *testing.T) {
	a, client, _ := newTestTransport(t)
	a.handleInteraction(blockAction("trig-4", "approve:t1").Data.(slackapi.InteractionCallback))
	if err := a.AckAction(context.Background(), "trig-4", ""); err != nil {
		t.Fatal(err)
	}
	if len(client.ephemeral) != 0 {
		t.Error("expected no ephemeral message for an empty ack")
	}
}

func TestRememberAck_ForgetsStaleTargets(t *testing.T) {
	a, _, _ := newTestTransport(t)
	old := time.Now().Add(-2 * ackTTL)
	a.rememberAck("old", ackTarget{channelID: "C", userID: "U", at: old})
	a.rememberAck("new", ackTarget{channelID: "C", userID: "U", at: time.Now()})
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.acks["old"]; ok {
		t.Error("stale ack target was kept")
	}
	if _, ok := a.acks["new"]; !ok {
		t.Error("fresh ack target missing")
	}
}

// --- Outbound ---

func TestPostToSupport_ThreadAndButtons(t *testing.T) {
	a, client, _ := newTestTransport(t)

	ts, err := a.PostToSupport(context.Background(), relay.SupportPost{
		Text:    "draft reply",
		ReplyTo: "3.0",
		Buttons: relay.ApprovalButtons("t1", "Approve", "Discard"),
	})
	if err != nil {
		t.Fatalf("PostToSupport: %v", err)
	}
	if ts != "1700000000.000001" {
		t.Errorf("ts = %q", ts)
	}
	last := client.lastPosted()
	if last.channelID != "C_SUPPORT" {
		t.Errorf("channel = %q", last.channelID)
	}
	v := applied(t, last.options)
	if v.Get("text") != "draft reply" || v.Get("thread_ts") != "3.0" {
		t.Errorf("values = %v", v)
	}
	blocks := v.Get("blocks")
	if strings.Count(blocks, `"type":"actions"`) != 1 || !strings.Contains(blocks, "approve:t1") || !strings.Contains(blocks, "discard:t1") {
		t.Errorf("blocks = %s", blocks)
	}
}

func TestPostToSupport_MediaCaption(t *testing.T) {
	a, client, _ := newTestTransport(t)
	if _, err := a.PostToSupport(context.Background(), relay.SupportPost{
		Media: &relay.MediaRef{Kind: relay.MediaPhoto, FileID: "F1", Caption: "From: @ann\n\nscreenshot"},
	}); err != nil {
		t.Fatal(err)
	}
	if got := applied(t, client.lastPosted().options).Get("text"); got != "From: @ann\n\nscreenshot" {
		t.Errorf("text = %q", got)
	}
}

func TestSendToUser_StackedButtonsNoThread(t *testing.T) {
	a, client, _ := newTestTransport(t)
	err := a.SendToUser(context.Background(), "U_ANN", relay.Outbound{
		Text:    "choose",
		ReplyTo: "1.1",
		Buttons: []relay.Button{relay.LanguageButton("en", "English"), relay.LanguageButton("ru", "Русский")},
	})
	if err != nil {
		t.Fatal(err)
	}
	last := client.lastPosted()
	if last.channelID != "U_ANN" {
		t.Errorf("channel = %q", last.channelID)
	}
	v := applied(t, last.options)
	if v.Get("thread_ts") != "" {
		t.Errorf("direct message should not be threaded: %v", v)
	}
	if n := strings.Count(v.Get("blocks"), `"type":"actions"`); n != 2 {
		t.Errorf("actions blocks = %d, want 2", n)
	}
}

func TestSendToGroup_Threaded(t *testing.T) {
	a, client, _ := newTestTransport(t)
	if err := a.SendToGroup(context.Background(), "C_OTHER", relay.Outbound{Text: "sorted", ReplyTo: "6.2"}); err != nil {
		t.Fatal(err)
	}
	last := client.lastPosted()
	v := applied(t, last.options)
	if last.channelID != "C_OTHER" || v.Get("thread_ts") != "6.2" || v.Get("text") != "sorted" {
		t.Errorf("posted = %s %v", last.channelID, v)
	}
}

func TestEditSupportPost_DropsButtons(t *testing.T) {
	a, client, _ := newTestTransport(t)
	if err := a.EditSupportPost(context.Background(), "3.1", "done ✅"); err != nil {
		t.Fatal(err)
	}
	client.mu.Lock()
	upd := client.updated
	client.mu.Unlock()
	if len(upd) != 1 || upd[0].channelID != "C_SUPPORT" || upd[0].ts != "3.1" {
		t.Fatalf("updated = %+v", upd)
	}
	blocks := applied(t, upd[0].options).Get("blocks")
	if strings.Contains(blocks, `"type":"actions"`) || !strings.Contains(blocks, "done") {
		t.Errorf("blocks = %s", blocks)
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := New(TransportOpts{Client: newMockSlackClient(), Socket: newMockSocketClient(), SupportChannel: "C"})
	ctx := context.Background()
	if _, err := a.PostToSupport(ctx, relay.SupportPost{Text: "x"}); err == nil {
		t.Error("PostToSupport: expected error")
	}
	if err := a.SendToUser(ctx, "U", relay.Outbound{Text: "x"}); err == nil {
		t.Error("SendToUser: expected error")
	}
	if err := a.SendToGroup(ctx, "C", relay.Outbound{Text: "x"}); err == nil {
		t.Error("SendToGroup: expected error")
	}
	if err := a.EditSupportPost(ctx, "1", "x"); err == nil {
		t.Error("EditSupportPost: expected error")
	}
}

func TestSend_PostError(t *testing.T) {
	a, client, _ := newTestTransport(t)
	client.postErr = fmt.Errorf("channel_not_found")
	err := a.SendToUser(context.Background(), "U", relay.Outbound{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("err = %v", err)
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	a, client, _ := newTestTransport(t)
	client.postFails = 2
	if _, err := a.PostToSupport(context.Background(), relay.SupportPost{Text: "x"}); err != nil {
		t.Fatalf("PostToSupport: %v", err)
	}
	if len(client.posted) != 1 {
		t.Errorf("posted = %d", len(client.posted))
	}
}

func TestSectionBlock_Truncates(t *testing.T) {
	long := strings.Repeat("a", maxSectionText+50)
	b := sectionBlock(long)
	if n := len([]rune(b.Text.Text)); n != maxSectionText {
		t.Errorf("section length = %d, want %d", n, maxSectionText)
	}
}

// --- retryOnRateLimit ---

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("some other error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("should not retry non-rate-limit errors, calls = %d", calls)
	}
}

func TestRetryOnRateLimit_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != maxRetries+1 {
		t.Errorf("expected %d calls, got %d", maxRetries+1, calls)
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retryOnRateLimit(ctx, func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Second}
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before context cancel, got %d", calls)
	}
}

// --- Reconnection ---

type failingSocketClient struct {
	mu        sync.Mutex
	failCount int
	runCalls  int
	events    chan socketmode.Event
}

func (f *failingSocketClient) Run() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls++
	if f.runCalls <= f.failCount {
		return fmt.Errorf("connection lost")
	}
	return nil
}

func (f *failingSocketClient) EventsChan() chan socketmode.Event                  { return f.events }
func (f *failingSocketClient) Ack(req socketmode.Request, payload ...interface{}) {}

func TestRunWithReconnect_RetriesOnError(t *testing.T) {
	socket := &failingSocketClient{failCount: 2, events: make(chan socketmode.Event, 1)}
	a, err := New(TransportOpts{Client: newMockSlackClient(), Socket: socket, SupportChannel: "C"})
	if err != nil {
		t.Fatal(err)
	}
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		a.runWithReconnect(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout: runWithReconnect should finish after retries succeed")
	}
	socket.mu.Lock()
	defer socket.mu.Unlock()
	if socket.runCalls != 3 {
		t.Errorf("expected 3 Run() calls, got %d", socket.runCalls)
	}
}

func TestRunWithReconnect_GivesUp(t *testing.T) {
	socket := &failingSocketClient{failCount: 100, events: make(chan socketmode.Event, 1)}
	a, _ := New(TransportOpts{Client: newMockSlackClient(), Socket: socket, SupportChannel: "C"})
	a.baseBackoff = time.Millisecond
	a.maxBackoff = time.Millisecond
	a.maxReconnect = 3

	a.runWithReconnect(context.Background())
	socket.mu.Lock()
	defer socket.mu.Unlock()
	if socket.runCalls != 3 {
		t.Errorf("Run() calls = %d, want 3", socket.runCalls)
	}
}
