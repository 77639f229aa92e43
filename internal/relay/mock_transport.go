package relay

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// MockTransport implements Transport and ActionAcker for testing. It
// records everything sent and allows simulating inbound events via
// SimulateInbound.
type MockTransport struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan Event
	nextID    int
	posts     []MockPost
	userMsgs  []MockDelivery
	groupMsgs []MockDelivery
	edits     map[string]string
	acks      []MockAck
	failUser  error
	failPost  error
	failAfter int
	failOnce  error
}

// MockPost is a recorded PostToSupport call.
type MockPost struct {
	ID   string
	Post SupportPost
}

// MockDelivery is a recorded SendToUser or SendToGroup call.
type MockDelivery struct {
	To  string
	Msg Outbound
}

// MockAck is a recorded AckAction call.
type MockAck struct {
	CallbackID string
	Text       string
}

// NewMockTransport creates a MockTransport with a buffered inbound channel.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		inbound: make(chan Event, 100),
		edits:   make(map[string]string),
	}
}

// Connect marks the transport as connected.
func (m *MockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock transport: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (m *MockTransport) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock transport: not connected")
	}
	return m.inbound, nil
}

// PostToSupport records the post and assigns it a sequential message id.
func (m *MockTransport) PostToSupport(ctx context.Context, post SupportPost) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPost != nil {
		return "", m.failPost
	}
	if m.failOnce != nil {
		if m.failAfter == 0 {
			err := m.failOnce
			m.failOnce = nil
			return "", err
		}
		m.failAfter--
	}
	m.nextID++
	id := "s" + strconv.Itoa(m.nextID)
	m.posts = append(m.posts, MockPost{ID: id, Post: post})
	return id, nil
}

// SendToUser records the delivery.
func (m *MockTransport) SendToUser(ctx context.Context, userID string, msg Outbound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUser != nil {
		return m.failUser
	}
	m.userMsgs = append(m.userMsgs, MockDelivery{To: userID, Msg: msg})
	return nil
}

// SendToGroup records the delivery.
func (m *MockTransport) SendToGroup(ctx context.Context, groupID string, msg Outbound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupMsgs = append(m.groupMsgs, MockDelivery{To: groupID, Msg: msg})
	return nil
}

// EditSupportPost records the new text of messageID.
func (m *MockTransport) EditSupportPost(ctx context.Context, messageID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits[messageID] = text
	return nil
}

// AckAction records the acknowledgement.
func (m *MockTransport) AckAction(ctx context.Context, callbackID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, MockAck{CallbackID: callbackID, Text: text})
	return nil
}

// Close shuts down the mock transport and closes the inbound channel.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateInbound sends an event into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockTransport) SimulateInbound(ev Event) {
	m.inbound <- ev
}

// FailUserSends makes subsequent SendToUser calls return err (nil resets).
func (m *MockTransport) FailUserSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUser = err
}

// FailPosts makes subsequent PostToSupport calls return err (nil resets).
func (m *MockTransport) FailPosts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPost = err
}

// FailPostAfter lets the next ok PostToSupport calls succeed and makes
// the one after them return err. Later calls succeed again.
func (m *MockTransport) FailPostAfter(ok int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = ok
	m.failOnce = err
}

// Posts returns a copy of all support-channel posts.
func (m *MockTransport) Posts() []MockPost {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockPost, len(m.posts))
	copy(out, m.posts)
	return out
}

// UserDeliveries returns a copy of all messages sent to users.
func (m *MockTransport) UserDeliveries() []MockDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockDelivery, len(m.userMsgs))
	copy(out, m.userMsgs)
	return out
}

// GroupDeliveries returns a copy of all messages sent to groups.
func (m *MockTransport) GroupDeliveries() []MockDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockDelivery, len(m.groupMsgs))
	copy(out, m.groupMsgs)
	return out
}

// Edit returns the last text set on messageID.
func (m *MockTransport) Edit(messageID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.edits[messageID]
	return text, ok
}

// Acks returns a copy of all acknowledgements.
func (m *MockTransport) Acks() []MockAck {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockAck, len(m.acks))
	copy(out, m.acks)
	return out
}
