package domain

import "encoding/json"

// Pub/sub channel names shared by every exchanger process.
const (
	ChannelMessages = "messages"
	ChannelEvents   = "events"
)

// EventType names a chat event published on the events channel.
type EventType string

const (
	EventJoin   EventType = "join"
	EventQuit   EventType = "quit"
	EventKick   EventType = "kick"
	EventRename EventType = "rename"
	EventInvite EventType = "invite"
	EventTyping EventType = "typing"
)

// SystemUID is the sender id used for bot and system messages.
const SystemUID int64 = -1

// BusMessage is a chat message published on the messages channel.
type BusMessage struct {
	ID       string          `json:"id"`
	UID      int64           `json:"uid"`
	Username string          `json:"username"`
	Chat     int64           `json:"chat"`
	MsgType  string          `json:"msg_type,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Msg      string          `json:"msg,omitempty"`
	Session  *string         `json:"session,omitempty"`
}

// BusEvent is a membership or presence event published on the events channel.
type BusEvent struct {
	Type    EventType       `json:"type"`
	Data    json.RawMessage `json:"data"`
	Chat    int64           `json:"chat"`
	Session *string         `json:"session,omitempty"`
}

// BusItem is one decoded item from the shared subscription. Exactly one of
// Message and Event is set.
type BusItem struct {
	Channel string
	Message *BusMessage
	Event   *BusEvent
}

// Chat returns the chat the item is addressed to.
func (i BusItem) Chat() int64 {
	if i.Message != nil {
		return i.Message.Chat
	}
	if i.Event != nil {
		return i.Event.Chat
	}
	return 0
}

// Session returns the session the item is scoped to, or nil.
func (i BusItem) Session() *string {
	if i.Message != nil {
		return i.Message.Session
	}
	if i.Event != nil {
		return i.Event.Session
	}
	return nil
}

// MemberEventData holds the identity fields of join/quit/kick/invite events.
type MemberEventData struct {
	UserID        *int64 `json:"user_id,omitempty"`
	KickedUserID  *int64 `json:"kicked_user_id,omitempty"`
	InvitedUserID *int64 `json:"invited_user_id,omitempty"`
}

// Target returns the user id a membership event is about, if any.
func (e BusEvent) Target() (int64, bool) {
	var d MemberEventData
	if len(e.Data) == 0 || json.Unmarshal(e.Data, &d) != nil {
		return 0, false
	}
	var p *int64
	switch e.Type {
	case EventJoin, EventQuit:
		p = d.UserID
	case EventKick:
		p = d.KickedUserID
	case EventInvite:
		p = d.InvitedUserID
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// DecodeBusItem parses a raw payload received on channel.
func DecodeBusItem(channel string, payload []byte) (BusItem, error) {
	item := BusItem{Channel: channel}
	switch channel {
	case ChannelMessages:
		var m BusMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return item, WrapOp("decode message", err)
		}
		item.Message = &m
	case ChannelEvents:
		var e BusEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return item, WrapOp("decode event", err)
		}
		item.Event = &e
	default:
		return item, NewDomainError("DecodeBusItem", ErrProtocol, "unknown channel "+channel)
	}
	return item, nil
}
