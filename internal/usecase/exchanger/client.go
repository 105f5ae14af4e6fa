package exchanger

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"vcc-rpc/internal/domain"
	"vcc-rpc/internal/usecase/fanout"
)

// Client is the per-connection view of the fabric: an identity, the chats
// and sessions it has joined, and a mailbox of matching bus items.
//
// Guard checks (authorization, membership) are local and never reach the
// network.
type Client struct {
	ex     *Exchanger
	bot    bool
	member *fanout.Membership
	box    *fanout.Mailbox
	remove func()

	closeOnce sync.Once
}

// Accepts implements fanout.Receiver.
func (c *Client) Accepts(item domain.BusItem) bool { return c.member.Accepts(item) }

// Deliver implements fanout.Receiver.
func (c *Client) Deliver(item domain.BusItem) bool { return c.box.Put(item) }

// IsBot reports whether the client was created by NewBotClient.
func (c *Client) IsBot() bool { return c.bot }

// Identity returns the logged-in user id and name.
func (c *Client) Identity() (uid int64, name string, ok bool) {
	return c.member.Identity()
}

// Chats returns the ids of the joined chats.
func (c *Client) Chats() []int64 { return c.member.Chats() }

func (c *Client) rpc(ctx context.Context, namespace, method string, args, out any) error {
	return c.ex.RPC(namespace).Call(ctx, method, args, out)
}

// membership calls go to the bot namespace for bots, keyed by bot_id.
func (c *Client) memberNS() (namespace, idKey string) {
	if c.bot {
		return "bot", "bot_id"
	}
	return "chat", "user_id"
}

func (c *Client) requireAuth(op string) (int64, error) {
	uid, _, ok := c.member.Identity()
	if !ok {
		return 0, domain.NewDomainError(op, domain.ErrNotAuthorized, "")
	}
	return uid, nil
}

func (c *Client) requireJoined(op string, chat int64) (int64, error) {
	uid, err := c.requireAuth(op)
	if err != nil {
		return 0, err
	}
	if !c.member.InChat(chat) {
		return 0, domain.NewDomainError(op, domain.ErrChatNotJoined, "")
	}
	return uid, nil
}

func (c *Client) requireNotJoined(op string, chat int64) (int64, error) {
	uid, err := c.requireAuth(op)
	if err != nil {
		return 0, err
	}
	if c.member.InChat(chat) {
		return 0, domain.NewDomainError(op, domain.ErrChatAlreadyJoined, "")
	}
	return uid, nil
}

// Login authenticates with a password, marks the user online and loads the
// joined chat list. A client that is already logged in returns its identity.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	const op = "Client.Login"
	if uid, _, ok := c.member.Identity(); ok {
		return LoginResult{UID: uid}, nil
	}

	var res *LoginResult
	if err := c.rpc(ctx, "login", "login", map[string]any{"username": username, "password": password}, &res); err != nil {
		return LoginResult{}, err
	}
	if res == nil {
		return LoginResult{}, domain.NewDomainError(op, domain.ErrLoginFailed, username)
	}
	if err := c.establish(ctx, res.UID, username); err != nil {
		return LoginResult{}, err
	}
	return *res, nil
}

// TokenLogin authenticates with a previously issued token.
func (c *Client) TokenLogin(ctx context.Context, token string) (TokenLoginResult, error) {
	const op = "Client.TokenLogin"
	var res *TokenLoginResult
	if err := c.rpc(ctx, "login", "token_login", map[string]any{"token": token}, &res); err != nil {
		return TokenLoginResult{}, err
	}
	if res == nil {
		return TokenLoginResult{}, domain.NewDomainError(op, domain.ErrLoginFailed, "invalid token")
	}
	if err := c.establish(ctx, res.UID, res.Username); err != nil {
		return TokenLoginResult{}, err
	}
	return *res, nil
}

// BotLogin authenticates a bot client by name and token.
func (c *Client) BotLogin(ctx context.Context, name, token string) (int64, error) {
	const op = "Client.BotLogin"
	var id *int64
	if err := c.rpc(ctx, "bot", "login", map[string]any{"name": name, "token": token}, &id); err != nil {
		return 0, err
	}
	if id == nil {
		return 0, domain.NewDomainError(op, domain.ErrLoginFailed, name)
	}
	if err := c.establish(ctx, *id, name); err != nil {
		return 0, err
	}
	return *id, nil
}

// establish announces presence for users, loads the authoritative chat list
// and only then records the identity. On error the client stays logged out so
// a retried login runs the whole sequence again.
func (c *Client) establish(ctx context.Context, uid int64, name string) error {
	if !c.bot {
		if err := c.rpc(ctx, "login", "add_online", map[string]any{"id": uid}, nil); err != nil {
			return err
		}
	}
	chats, err := c.fetchChats(ctx, uid)
	if err != nil {
		return err
	}
	c.member.SetIdentity(uid, name)
	c.member.SetChats(chatIDs(chats))
	return nil
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, username, password string) (bool, error) {
	var ok bool
	err := c.rpc(ctx, "login", "register", map[string]any{"username": username, "password": password}, &ok)
	return ok, err
}

// BotRegister creates a bot account and returns its id, or 0 when the name
// is taken.
func (c *Client) BotRegister(ctx context.Context, name, token string) (int64, error) {
	var id *int64
	if err := c.rpc(ctx, "bot", "register", map[string]any{"name": name, "token": token}, &id); err != nil || id == nil {
		return 0, err
	}
	return *id, nil
}

// IsOnline reports presence for each of ids.
func (c *Client) IsOnline(ctx context.Context, ids []int64) ([]bool, error) {
	if _, err := c.requireAuth("Client.IsOnline"); err != nil {
		return nil, err
	}
	var out []bool
	err := c.rpc(ctx, "login", "is_online", map[string]any{"ids": ids}, &out)
	return out, err
}

// ChatList fetches the joined chats and replaces the local membership with
// the result.
func (c *Client) ChatList(ctx context.Context) ([]ChatInfo, error) {
	uid, err := c.requireAuth("Client.ChatList")
	if err != nil {
		return nil, err
	}
	chats, err := c.fetchChats(ctx, uid)
	if err != nil {
		return nil, err
	}
	c.member.SetChats(chatIDs(chats))
	return chats, nil
}

func (c *Client) fetchChats(ctx context.Context, uid int64) ([]ChatInfo, error) {
	ns, method := "chat", "list_somebody_joined"
	if c.bot {
		ns, method = "bot", "list_chat"
	}
	var chats []ChatInfo
	if err := c.rpc(ctx, ns, method, map[string]any{"id": uid}, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func chatIDs(chats []ChatInfo) []int64 {
	ids := make([]int64, 0, len(chats))
	for _, ch := range chats {
		ids = append(ids, ch.ID)
	}
	return ids
}

// ChatCreate creates a chat, optionally under parent (-1 for none), and joins it.
func (c *Client) ChatCreate(ctx context.Context, name string, parent int64) (int64, error) {
	const op = "Client.ChatCreate"
	var (
		uid int64
		err error
	)
	if parent != -1 {
		uid, err = c.requireJoined(op, parent)
	} else {
		uid, err = c.requireAuth(op)
	}
	if err != nil {
		return 0, err
	}
	var id int64
	if err := c.rpc(ctx, "chat", "create_with_user", map[string]any{"name": name, "user_id": uid, "parent_chat_id": parent}, &id); err != nil {
		return 0, err
	}
	c.member.Join(id)
	return id, nil
}

// ChatJoin joins chat.
func (c *Client) ChatJoin(ctx context.Context, chat int64) (bool, error) {
	uid, err := c.requireNotJoined("Client.ChatJoin", chat)
	if err != nil {
		return false, err
	}
	ns, key := c.memberNS()
	var ok bool
	if err := c.rpc(ctx, ns, "join", map[string]any{"chat_id": chat, key: uid}, &ok); err != nil {
		return false, err
	}
	if ok {
		c.member.Join(chat)
	}
	return ok, nil
}

// ChatQuit leaves chat.
func (c *Client) ChatQuit(ctx context.Context, chat int64) (bool, error) {
	uid, err := c.requireJoined("Client.ChatQuit", chat)
	if err != nil {
		return false, err
	}
	ns, key := c.memberNS()
	var ok bool
	if err := c.rpc(ctx, ns, "quit", map[string]any{"chat_id": chat, key: uid}, &ok); err != nil {
		return false, err
	}
	if ok {
		c.member.Leave(chat)
	}
	return ok, nil
}

// ChatKick removes kicked from chat. Kicking oneself is refused locally.
func (c *Client) ChatKick(ctx context.Context, chat, kicked int64) (bool, error) {
	uid, err := c.requireJoined("Client.ChatKick", chat)
	if err != nil {
		return false, err
	}
	if uid == kicked {
		return false, nil
	}
	ns, key := c.memberNS()
	var ok bool
	err = c.rpc(ctx, ns, "kick", map[string]any{"chat_id": chat, key: uid, "kicked_user_id": kicked}, &ok)
	return ok, err
}

// ChatRename renames chat.
func (c *Client) ChatRename(ctx context.Context, chat int64, newName string) (bool, error) {
	uid, err := c.requireJoined("Client.ChatRename", chat)
	if err != nil {
		return false, err
	}
	ns, key := c.memberNS()
	var ok bool
	err = c.rpc(ctx, ns, "rename", map[string]any{"chat_id": chat, key: uid, "new_name": newName}, &ok)
	return ok, err
}

// ChatInvite accepts an invitation from user into chat. The client must not
// already be a member.
func (c *Client) ChatInvite(ctx context.Context, chat, user int64) (bool, error) {
	uid, err := c.requireNotJoined("Client.ChatInvite", chat)
	if err != nil {
		return false, err
	}
	var ok bool
	err = c.rpc(ctx, "chat", "invite", map[string]any{"chat_id": chat, "user_id": user, "invited_user_id": uid}, &ok)
	return ok, err
}

// ChatGetName returns the name of chat.
func (c *Client) ChatGetName(ctx context.Context, chat int64) (string, error) {
	if _, err := c.requireAuth("Client.ChatGetName"); err != nil {
		return "", err
	}
	var name string
	err := c.rpc(ctx, "chat", "get_name", map[string]any{"id": chat}, &name)
	return name, err
}

// ChatGetUsers lists the members of chat.
func (c *Client) ChatGetUsers(ctx context.Context, chat int64) ([]NamedID, error) {
	if _, err := c.requireAuth("Client.ChatGetUsers"); err != nil {
		return nil, err
	}
	var users []NamedID
	err := c.rpc(ctx, "chat", "get_users", map[string]any{"id": chat}, &users)
	return users, err
}

// ChatListSubChats lists the sub-chats of a joined chat.
func (c *Client) ChatListSubChats(ctx context.Context, chat int64) ([]NamedID, error) {
	if _, err := c.requireJoined("Client.ChatListSubChats", chat); err != nil {
		return nil, err
	}
	var subs []NamedID
	err := c.rpc(ctx, "chat", "list_sub_chats", map[string]any{"id": chat}, &subs)
	return subs, err
}

// ChatModifyUserPermission sets permission name of modified in chat.
func (c *Client) ChatModifyUserPermission(ctx context.Context, chat, modified int64, name string, value bool) (bool, error) {
	uid, err := c.requireJoined("Client.ChatModifyUserPermission", chat)
	if err != nil {
		return false, err
	}
	ns, key := c.memberNS()
	var ok bool
	err = c.rpc(ctx, ns, "modify_user_permission", map[string]any{
		"chat_id": chat, key: uid, "modified_user_id": modified, "name": name, "value": value,
	}, &ok)
	return ok, err
}

// ChatGetUserPermission returns the permissions of user in chat.
func (c *Client) ChatGetUserPermission(ctx context.Context, chat, user int64) (map[string]bool, error) {
	if _, err := c.requireJoined("Client.ChatGetUserPermission", chat); err != nil {
		return nil, err
	}
	var perms map[string]bool
	err := c.rpc(ctx, "chat", "get_user_permission", map[string]any{"chat_id": chat, "user_id": user}, &perms)
	return perms, err
}

// ChatModifyPermission sets the chat-wide permission name.
func (c *Client) ChatModifyPermission(ctx context.Context, chat int64, name string, value bool) (bool, error) {
	uid, err := c.requireJoined("Client.ChatModifyPermission", chat)
	if err != nil {
		return false, err
	}
	ns, key := c.memberNS()
	var ok bool
	err = c.rpc(ctx, ns, "modify_permission", map[string]any{"chat_id": chat, key: uid, "name": name, "value": value}, &ok)
	return ok, err
}

// ChatGetPermission returns the chat-wide permissions.
func (c *Client) ChatGetPermission(ctx context.Context, chat int64) (map[string]bool, error) {
	if _, err := c.requireJoined("Client.ChatGetPermission", chat); err != nil {
		return nil, err
	}
	var perms map[string]bool
	err := c.rpc(ctx, "chat", "get_permission", map[string]any{"chat_id": chat}, &perms)
	return perms, err
}

// ChatGetAllPermission returns the permissions of every member of chat.
func (c *Client) ChatGetAllPermission(ctx context.Context, chat int64) (map[int64]map[string]bool, error) {
	if _, err := c.requireJoined("Client.ChatGetAllPermission", chat); err != nil {
		return nil, err
	}
	var perms map[int64]map[string]bool
	err := c.rpc(ctx, "chat", "get_all_user_permission", map[string]any{"chat_id": chat}, &perms)
	return perms, err
}

// ChatChangeNickname sets the nickname user goes by in chat.
func (c *Client) ChatChangeNickname(ctx context.Context, chat, user int64, name string) (bool, error) {
	uid, err := c.requireJoined("Client.ChatChangeNickname", chat)
	if err != nil {
		return false, err
	}
	var ok bool
	err = c.rpc(ctx, "chat", "change_nickname", map[string]any{
		"chat_id": chat, "user_id": uid, "changed_user_id": user, "new_name": name,
	}, &ok)
	return ok, err
}

// ChatGetNickname returns the nickname user goes by in chat.
func (c *Client) ChatGetNickname(ctx context.Context, chat, user int64) (string, error) {
	if _, err := c.requireJoined("Client.ChatGetNickname", chat); err != nil {
		return "", err
	}
	var name string
	err := c.rpc(ctx, "chat", "get_nickname", map[string]any{"chat_id": chat, "user_id": user}, &name)
	return name, err
}

// ChangeNickname sets the global nickname of the logged-in user.
func (c *Client) ChangeNickname(ctx context.Context, name string) (bool, error) {
	uid, err := c.requireAuth("Client.ChangeNickname")
	if err != nil {
		return false, err
	}
	var ok bool
	err = c.rpc(ctx, "login", "change_nickname", map[string]any{"id": uid, "new_name": name}, &ok)
	return ok, err
}

// GetNickname returns the global nickname of user.
func (c *Client) GetNickname(ctx context.Context, user int64) (string, error) {
	if _, err := c.requireAuth("Client.GetNickname"); err != nil {
		return "", err
	}
	var name string
	err := c.rpc(ctx, "login", "get_nickname", map[string]any{"id": user}, &name)
	return name, err
}

// SessionJoin joins the named session of chat when the chat service allows it.
func (c *Client) SessionJoin(ctx context.Context, chat int64, name string) (bool, error) {
	uid, err := c.requireJoined("Client.SessionJoin", chat)
	if err != nil {
		return false, err
	}
	ns, key := c.memberNS()
	var ok bool
	if err := c.rpc(ctx, ns, "check_create_session", map[string]any{"chat_id": chat, key: uid}, &ok); err != nil {
		return false, err
	}
	if ok {
		c.member.JoinSession(chat, name)
	}
	return ok, nil
}

// Outgoing is a message to publish.
type Outgoing struct {
	Chat    int64
	Session *string
	MsgType string
	Payload json.RawMessage
	Msg     string
	// As is the display name a bot posts under; ignored for users.
	As string
}

// Send publishes a message after checking membership and asking the chat
// service for send permission. It returns the message id.
func (c *Client) Send(ctx context.Context, m Outgoing) (string, error) {
	const op = "Client.Send"
	uid, err := c.requireJoined(op, m.Chat)
	if err != nil {
		return "", err
	}
	if m.Session != nil && !c.bot && !c.member.InSession(m.Chat, *m.Session) {
		return "", domain.NewDomainError(op, domain.ErrChatNotJoined, "session "+*m.Session)
	}

	ns, key := c.memberNS()
	var allowed bool
	if err := c.rpc(ctx, ns, "check_send", map[string]any{"chat_id": m.Chat, key: uid}, &allowed); err != nil {
		return "", err
	}
	if !allowed {
		return "", domain.NewDomainError(op, domain.ErrPermissionDenied, "")
	}

	_, name, _ := c.member.Identity()
	msg := domain.BusMessage{
		UID:      uid,
		Username: name,
		Chat:     m.Chat,
		MsgType:  m.MsgType,
		Payload:  m.Payload,
		Msg:      m.Msg,
		Session:  m.Session,
	}
	if c.bot {
		msg.UID = domain.SystemUID
		if m.As != "" {
			msg.Username = m.As + "[" + name + "]"
		}
	}
	return c.ex.PublishMessage(ctx, msg)
}

// SendTyping publishes a typing indicator for chat.
func (c *Client) SendTyping(ctx context.Context, chat int64, typing bool) error {
	uid, err := c.requireJoined("Client.SendTyping", chat)
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]any{"status": typing, "uid": uid})
	if err != nil {
		return err
	}
	return c.ex.PublishEvent(ctx, domain.BusEvent{Type: domain.EventTyping, Data: data, Chat: chat})
}

// RequestOAuth starts an OAuth flow with platform. The provider must be a
// live namespace named oauth_<platform>.
func (c *Client) RequestOAuth(ctx context.Context, platform string) (OAuthRequest, error) {
	const op = "Client.RequestOAuth"
	namespace := "oauth_" + platform

	var providers []string
	if err := c.rpc(ctx, "rpc", "list_providers", nil, &providers); err != nil {
		return OAuthRequest{}, err
	}
	if !slices.Contains(providers, namespace) {
		return OAuthRequest{}, domain.NewDomainError(op, domain.ErrProviderNotFound, platform)
	}

	var req OAuthRequest
	err := c.rpc(ctx, namespace, "request_oauth", nil, &req)
	return req, err
}

// Recv returns the next bus item addressed to the client. Membership events
// about the client itself update its chat set before they are returned.
func (c *Client) Recv(ctx context.Context) (domain.BusItem, error) {
	select {
	case <-ctx.Done():
		return domain.BusItem{}, ctx.Err()
	case item := <-c.box.C():
		c.observe(item)
		return item, nil
	}
}

func (c *Client) observe(item domain.BusItem) {
	if item.Event == nil {
		return
	}
	uid, _, ok := c.member.Identity()
	if !ok {
		return
	}
	target, ok := item.Event.Target()
	if !ok || target != uid {
		return
	}
	switch item.Event.Type {
	case domain.EventJoin, domain.EventInvite:
		c.member.Join(item.Event.Chat)
	case domain.EventQuit, domain.EventKick:
		c.member.Leave(item.Event.Chat)
	}
}

// Close unregisters the client and marks a logged-in user offline. Calling
// it again is a no-op.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.remove()
		uid, _, ok := c.member.Identity()
		if ok && !c.bot && c.ex.Connected() {
			err = c.rpc(ctx, "login", "add_offline", map[string]any{"id": uid}, nil)
		}
	})
	return err
}
