package healthsync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"
)

// Realtime is the part of Transport the channel router and executors use.
type Realtime interface {
	On(event string, h Handler) func()
	Emit(ctx context.Context, event string, data any) (json.RawMessage, error)
	Send(ctx context.Context, event string, data any) error
}

// Inbound and outbound channel events.
const (
	EventChatMessage      = "chat-message"
	EventTyping           = "typing"
	EventJoinRoom         = "join-room"
	EventLeaveRoom        = "leave-room"
	EventMessageDelivered = "message-delivered"
	EventMessageRead      = "message-read"
	EventUserOnline       = "user-online"
	EventUserOffline      = "user-offline"
	EventPresenceUpdate   = "presence-update"
	EventNotification     = "notification"
)

// typingTimeout is how long a typing indicator stays up without input.
var typingTimeout = 3 * time.Second

// ============================================================================
// ChannelRouter
// ============================================================================

// ChannelRouter turns the transport's event stream into chat rooms, presence
// and notifications.
type ChannelRouter struct {
	rt  Realtime
	log logrus.FieldLogger

	mu            sync.Mutex
	rooms         map[string]*ChatRoom
	presence      *PresenceChannel
	notifications *NotificationChannel
}

// NewChannelRouter subscribes the presence and notification channels on rt.
// Chat rooms subscribe when first requested.
func NewChannelRouter(rt Realtime, log logrus.FieldLogger) *ChannelRouter {
	log = componentLogger(log, "channels")
	r := &ChannelRouter{
		rt:    rt,
		log:   log,
		rooms: make(map[string]*ChatRoom),
	}
	r.presence = newPresenceChannel(rt, log)
	r.notifications = newNotificationChannel(rt, log)
	return r
}

// Chat returns the room for roomID, subscribing it on first use.
func (r *ChannelRouter) Chat(roomID string) *ChatRoom {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomID]; ok {
		return room
	}
	room := newChatRoom(roomID, r.rt, r.log)
	room.release = func() {
		r.mu.Lock()
		if r.rooms[roomID] == room {
			delete(r.rooms, roomID)
		}
		r.mu.Unlock()
	}
	r.rooms[roomID] = room
	return room
}

func (r *ChannelRouter) Presence() *PresenceChannel { return r.presence }

func (r *ChannelRouter) Notifications() *NotificationChannel { return r.notifications }

// Close releases every subscription the router holds.
func (r *ChannelRouter) Close() {
	r.mu.Lock()
	rooms := make([]*ChatRoom, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	for _, room := range rooms {
		room.Close()
	}
	r.presence.close()
	r.notifications.close()
}

// ============================================================================
// Chat
// ============================================================================

// ChatRoom holds the messages and typing indicators of one room.
type ChatRoom struct {
	id  string
	rt  Realtime
	log logrus.FieldLogger

	mu          sync.Mutex
	messages    []ChatMessage
	seen        map[string]struct{}
	typing      []TypingState
	typingTimer *time.Timer
	unsubs      []func()
	release     func()
	closed      bool

	onMessage observers[ChatMessage]
	onTyping  observers[[]TypingState]
}

func newChatRoom(id string, rt Realtime, log logrus.FieldLogger) *ChatRoom {
	room := &ChatRoom{
		id:   id,
		rt:   rt,
		log:  log.WithField("room_id", id),
		seen: make(map[string]struct{}),
	}
	room.unsubs = []func(){
		rt.On(EventChatMessage, room.handleMessage),
		rt.On(EventTyping, room.handleTyping),
	}
	return room
}

// ID returns the room id.
func (c *ChatRoom) ID() string { return c.id }

// Join asks the server to add this client to the room.
func (c *ChatRoom) Join(ctx context.Context) error {
	_, err := c.rt.Emit(ctx, EventJoinRoom, map[string]string{"roomId": c.id})
	return err
}

// Leave asks the server to remove this client from the room.
func (c *ChatRoom) Leave(ctx context.Context) error {
	_, err := c.rt.Emit(ctx, EventLeaveRoom, map[string]string{"roomId": c.id})
	return err
}

// Send posts a message and waits for the server's acknowledgement. The
// typing indicator is cleared afterwards.
func (c *ChatRoom) Send(ctx context.Context, text string) (ChatMessage, error) {
	ack, err := c.rt.Emit(ctx, EventChatMessage, chatMessageRequest(c.id, text, time.Now()))
	if err != nil {
		return ChatMessage{}, err
	}
	var msg ChatMessage
	if len(ack) > 0 && json.Unmarshal(ack, &msg) == nil && msg.ID != "" {
		if msg.RoomID == "" {
			msg.RoomID = c.id
		}
		c.record(msg)
	}
	if err := c.StopTyping(ctx); err != nil {
		c.log.WithError(err).Debug("clear typing indicator")
	}
	return msg, nil
}

// chatMessageRequest builds the outbound message body; text is sent in NFC.
func chatMessageRequest(roomID, text string, at time.Time) map[string]string {
	return map[string]string{
		"roomId":    roomID,
		"message":   norm.NFC.String(text),
		"timestamp": at.UTC().Format(time.RFC3339Nano),
	}
}

// StartTyping announces typing and schedules an automatic stop after three
// seconds without another call.
func (c *ChatRoom) StartTyping(ctx context.Context) error {
	c.mu.Lock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(typingTimeout, func() {
		if err := c.StopTyping(context.Background()); err != nil {
			c.log.WithError(err).Debug("auto-stop typing")
		}
	})
	c.mu.Unlock()

	return c.rt.Send(ctx, EventTyping, TypingState{RoomID: c.id, IsTyping: true})
}

// StopTyping clears the typing indicator.
func (c *ChatRoom) StopTyping(ctx context.Context) error {
	c.mu.Lock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()

	return c.rt.Send(ctx, EventTyping, TypingState{RoomID: c.id, IsTyping: false})
}

// MarkDelivered acknowledges delivery of a message.
func (c *ChatRoom) MarkDelivered(ctx context.Context, messageID string) error {
	return c.rt.Send(ctx, EventMessageDelivered, messageReceipt(messageID, time.Now()))
}

// MarkRead acknowledges that a message was read.
func (c *ChatRoom) MarkRead(ctx context.Context, messageID string) error {
	return c.rt.Send(ctx, EventMessageRead, messageReceipt(messageID, time.Now()))
}

func messageReceipt(messageID string, at time.Time) map[string]string {
	return map[string]string{
		"messageId": messageID,
		"timestamp": at.UTC().Format(time.RFC3339Nano),
	}
}

// Messages returns the room's messages in arrival order.
func (c *ChatRoom) Messages() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatMessage(nil), c.messages...)
}

// Typing returns the users currently typing in the room.
func (c *ChatRoom) Typing() []TypingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TypingState(nil), c.typing...)
}

// OnMessage registers fn for every new message in the room.
func (c *ChatRoom) OnMessage(fn func(ChatMessage)) func() { return c.onMessage.add(fn) }

// OnTyping registers fn for every change of the typing set.
func (c *ChatRoom) OnTyping(fn func([]TypingState)) func() { return c.onTyping.add(fn) }

// Close releases the room's subscriptions. It does not leave the room on the
// server.
func (c *ChatRoom) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	release := c.release
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if release != nil {
		release()
	}
}

func (c *ChatRoom) handleMessage(raw json.RawMessage) {
	var msg ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.WithError(err).Debug("ignoring malformed chat message")
		return
	}
	if msg.RoomID != c.id {
		return
	}
	c.record(msg)
}

// record appends msg unless its id was already seen and drops its sender
// from the typing set.
// record appends msg unless a message with the same id was already seen.
// Messages without an id are never de-duplicated.
func (c *ChatRoom) record(msg ChatMessage) {
	c.mu.Lock()
	if msg.ID != "" {
		if _, dup := c.seen[msg.ID]; dup {
			c.mu.Unlock()
			return
		}
		c.seen[msg.ID] = struct{}{}
	}
	c.messages = append(c.messages, msg)
	typingChanged := c.removeTypingLocked(msg.UserID)
	typing := append([]TypingState(nil), c.typing...)
	c.mu.Unlock()

	c.onMessage.notify(msg)
	if typingChanged {
		c.onTyping.notify(typing)
	}
}

func (c *ChatRoom) handleTyping(raw json.RawMessage) {
	var ts TypingState
	if err := json.Unmarshal(raw, &ts); err != nil || ts.RoomID != c.id {
		return
	}
	c.mu.Lock()
	c.removeTypingLocked(ts.UserID)
	if ts.IsTyping {
		c.typing = append(c.typing, ts)
	}
	typing := append([]TypingState(nil), c.typing...)
	c.mu.Unlock()

	c.onTyping.notify(typing)
}

func (c *ChatRoom) removeTypingLocked(userID string) bool {
	for i, ts := range c.typing {
		if ts.UserID == userID {
			c.typing = append(c.typing[:i:i], c.typing[i+1:]...)
			return true
		}
	}
	return false
}

// ============================================================================
// Presence
// ============================================================================

type presenceEvent struct {
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// PresenceChannel tracks the last known presence of every user the server
// reports on.
type PresenceChannel struct {
	log logrus.FieldLogger
	now func() time.Time

	mu     sync.Mutex
	users  map[string]PresenceState
	unsubs []func()

	onChange observers[PresenceState]
}

func newPresenceChannel(rt Realtime, log logrus.FieldLogger) *PresenceChannel {
	p := &PresenceChannel{
		log:   log,
		now:   time.Now,
		users: make(map[string]PresenceState),
	}
	p.unsubs = []func(){
		rt.On(EventUserOnline, p.handle(EventUserOnline)),
		rt.On(EventUserOffline, p.handle(EventUserOffline)),
		rt.On(EventPresenceUpdate, p.handle(EventPresenceUpdate)),
	}
	return p
}

func (p *PresenceChannel) handle(event string) Handler {
	return func(raw json.RawMessage) {
		var ev presenceEvent
		if err := json.Unmarshal(raw, &ev); err != nil || ev.UserID == "" {
			return
		}

		p.mu.Lock()
		state := p.users[ev.UserID]
		state.UserID = ev.UserID
		switch event {
		case EventUserOnline:
			state.Status = PresenceOnline
			state.LastSeen = nil
		case EventUserOffline:
			state.Status = PresenceOffline
			seen := p.now().UTC()
			if t, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err == nil {
				seen = t
			}
			state.LastSeen = &seen
		case EventPresenceUpdate:
			if ev.Status == "" {
				p.mu.Unlock()
				return
			}
			state.Status = ev.Status
		}
		p.users[ev.UserID] = state
		p.mu.Unlock()

		p.onChange.notify(state)
	}
}

// Get returns the presence of userID.
func (p *PresenceChannel) Get(userID string) (PresenceState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.users[userID]
	return s, ok
}

// IsOnline reports whether userID was last seen online.
func (p *PresenceChannel) IsOnline(userID string) bool {
	s, ok := p.Get(userID)
	return ok && s.Status == PresenceOnline
}

// OnChange registers fn for every presence change.
func (p *PresenceChannel) OnChange(fn func(PresenceState)) func() { return p.onChange.add(fn) }

func (p *PresenceChannel) close() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationChannel accumulates inbound notifications. Read state is local.
type NotificationChannel struct {
	log logrus.FieldLogger

	mu     sync.Mutex
	items  []Notification // newest first
	unread int
	unsub  func()

	onNotification observers[Notification]
}

func newNotificationChannel(rt Realtime, log logrus.FieldLogger) *NotificationChannel {
	n := &NotificationChannel{log: log}
	n.unsub = rt.On(EventNotification, n.handle)
	return n
}

func (n *NotificationChannel) handle(raw json.RawMessage) {
	var item Notification
	if err := json.Unmarshal(raw, &item); err != nil {
		n.log.WithError(err).Debug("ignoring malformed notification")
		return
	}
	n.mu.Lock()
	n.items = append([]Notification{item}, n.items...)
	if !item.Read {
		n.unread++
	}
	n.mu.Unlock()

	n.onNotification.notify(item)
}

// List returns unread notifications first, newest first within each group.
func (n *NotificationChannel) List() []Notification {
	n.mu.Lock()
	out := append([]Notification(nil), n.items...)
	n.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return !out[i].Read && out[j].Read
	})
	return out
}

// UnreadCount returns the number of unread notifications.
func (n *NotificationChannel) UnreadCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unread
}

// MarkAsRead marks one notification read. Marking an already read or unknown
// notification changes nothing.
func (n *NotificationChannel) MarkAsRead(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.items {
		if n.items[i].ID == id && !n.items[i].Read {
			n.items[i].Read = true
			n.unread--
			return
		}
	}
}

// ClearAll drops every notification.
func (n *NotificationChannel) ClearAll() {
	n.mu.Lock()
	n.items = nil
	n.unread = 0
	n.mu.Unlock()
}

// OnNotification registers fn for every inbound notification.
func (n *NotificationChannel) OnNotification(fn func(Notification)) func() {
	return n.onNotification.add(fn)
}

func (n *NotificationChannel) close() {
	n.mu.Lock()
	unsub := n.unsub
	n.unsub = nil
	n.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// ============================================================================
// Observers
// ============================================================================

type observers[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  []observer[T]
}

type observer[T any] struct {
	id uint64
	fn func(T)
}

func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	o.next++
	id := o.next
	o.fns = append(o.fns, observer[T]{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, ob := range o.fns {
				if ob.id == id {
					o.fns = append(o.fns[:i:i], o.fns[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers[T]) notify(v T) {
	o.mu.Lock()
	fns := append([]observer[T](nil), o.fns...)
	o.mu.Unlock()
	for _, ob := range fns {
		ob.fn(v)
	}
}
