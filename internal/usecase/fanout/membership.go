package fanout

import (
	"maps"
	"slices"
	"sync"

	"vcc-rpc/internal/domain"
)

type sessionKey struct {
	chat int64
	name string
}

// Membership is the identity and chat/session set a logical client filters
// bus items by. It is safe for concurrent use.
type Membership struct {
	mu       sync.RWMutex
	uid      int64
	name     string
	authed   bool
	bot      bool
	chats    map[int64]struct{}
	sessions map[sessionKey]struct{}
}

// NewMembership returns an unauthenticated, empty membership. Bots see every
// session of the chats they are in.
func NewMembership(bot bool) *Membership {
	return &Membership{
		bot:      bot,
		chats:    make(map[int64]struct{}),
		sessions: make(map[sessionKey]struct{}),
	}
}

// SetIdentity records the authenticated user.
func (m *Membership) SetIdentity(uid int64, name string) {
	m.mu.Lock()
	m.uid, m.name, m.authed = uid, name, true
	m.mu.Unlock()
}

// Identity returns the authenticated user, if any.
func (m *Membership) Identity() (uid int64, name string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uid, m.name, m.authed
}

// Bot reports whether the membership belongs to a bot client.
func (m *Membership) Bot() bool { return m.bot }

// SetChats replaces the joined chat set. Sessions of chats no longer joined
// are dropped.
func (m *Membership) SetChats(chats []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chats = make(map[int64]struct{}, len(chats))
	for _, c := range chats {
		m.chats[c] = struct{}{}
	}
	maps.DeleteFunc(m.sessions, func(k sessionKey, _ struct{}) bool {
		_, ok := m.chats[k.chat]
		return !ok
	})
}

// Join adds chat to the joined set.
func (m *Membership) Join(chat int64) {
	m.mu.Lock()
	m.chats[chat] = struct{}{}
	m.mu.Unlock()
}

// Leave removes chat and its sessions.
func (m *Membership) Leave(chat int64) {
	m.mu.Lock()
	delete(m.chats, chat)
	maps.DeleteFunc(m.sessions, func(k sessionKey, _ struct{}) bool { return k.chat == chat })
	m.mu.Unlock()
}

// InChat reports whether chat is joined.
func (m *Membership) InChat(chat int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.chats[chat]
	return ok
}

// Chats returns the joined chats in ascending order.
func (m *Membership) Chats() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.chats))
}

// JoinSession adds the session (chat, name).
func (m *Membership) JoinSession(chat int64, name string) {
	m.mu.Lock()
	m.sessions[sessionKey{chat, name}] = struct{}{}
	m.mu.Unlock()
}

// InSession reports whether the session (chat, name) was joined.
func (m *Membership) InSession(chat int64, name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionKey{chat, name}]
	return ok
}

// Accepts decides delivery of item: the chat must be joined and, for a
// session-scoped item, the session must be joined too unless this is a bot.
// Membership events about the client itself are always accepted so it can
// learn about chats it was added to elsewhere.
func (m *Membership) Accepts(item domain.BusItem) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if item.Event != nil && m.authed {
		if target, ok := item.Event.Target(); ok && target == m.uid {
			return true
		}
	}

	chat := item.Chat()
	if _, ok := m.chats[chat]; !ok {
		return false
	}
	session := item.Session()
	if session == nil || m.bot {
		return true
	}
	_, ok := m.sessions[sessionKey{chat, *session}]
	return ok
}

// Mailbox is a bounded, non-blocking inbox for bus items.
type Mailbox struct {
	ch chan domain.BusItem
}

// NewMailbox creates a mailbox holding up to size items (at least one).
func NewMailbox(size int) *Mailbox {
	return &Mailbox{ch: make(chan domain.BusItem, max(size, 1))}
}

// Put stores item unless the mailbox is full.
func (b *Mailbox) Put(item domain.BusItem) bool {
	select {
	case b.ch <- item:
		return true
	default:
		return false
	}
}

// C returns the receive side of the mailbox.
func (b *Mailbox) C() <-chan domain.BusItem { return b.ch }
