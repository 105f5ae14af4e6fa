package gateway

import (
	"context"
	"encoding/json"

	"vcc-rpc/internal/domain"
	"vcc-rpc/internal/usecase/exchanger"
)

// method adapts a typed Client operation into an RPCHandler. An empty or null
// payload decodes to the zero request.
func method[Req, Resp any](fn func(ctx context.Context, c *exchanger.Client, req Req) (Resp, error)) RPCHandler {
	return func(ctx context.Context, c *exchanger.Client, payload json.RawMessage) (json.RawMessage, error) {
		var req Req
		if len(payload) > 0 && string(payload) != "null" {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, domain.NewDomainError("gateway.decode", domain.ErrInvalidArgument, err.Error())
			}
		}
		resp, err := fn(ctx, c, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}

type okResponse struct {
	OK bool `json:"ok"`
}

func okResult(v bool, err error) (okResponse, error) {
	return okResponse{OK: v}, err
}

// RegisterDefaultHandlers registers every client method on the server.
func RegisterDefaultHandlers(s *Server) {
	s.RegisterHandler("login", method(loginHandler))
	s.RegisterHandler("token_login", method(tokenLoginHandler))
	s.RegisterHandler("register", method(registerHandler))
	s.RegisterHandler("is_online", method(isOnlineHandler))

	s.RegisterHandler("chat_list", method(chatListHandler))
	s.RegisterHandler("chat_create", method(chatCreateHandler))
	s.RegisterHandler("chat_join", method(chatJoinHandler))
	s.RegisterHandler("chat_quit", method(chatQuitHandler))
	s.RegisterHandler("chat_rename", method(chatRenameHandler))
	s.RegisterHandler("chat_kick", method(chatKickHandler))
	s.RegisterHandler("chat_invite", method(chatInviteHandler))
	s.RegisterHandler("chat_get_name", method(chatGetNameHandler))
	s.RegisterHandler("chat_get_users", method(chatGetUsersHandler))
	s.RegisterHandler("chat_list_sub_chats", method(chatListSubChatsHandler))

	s.RegisterHandler("chat_modify_user_permission", method(chatModifyUserPermissionHandler))
	s.RegisterHandler("chat_get_user_permission", method(chatGetUserPermissionHandler))
	s.RegisterHandler("chat_modify_permission", method(chatModifyPermissionHandler))
	s.RegisterHandler("chat_get_permission", method(chatGetPermissionHandler))
	s.RegisterHandler("chat_get_all_permission", method(chatGetAllPermissionHandler))

	s.RegisterHandler("chat_change_nickname", method(chatChangeNicknameHandler))
	s.RegisterHandler("chat_get_nickname", method(chatGetNicknameHandler))
	s.RegisterHandler("change_nickname", method(changeNicknameHandler))
	s.RegisterHandler("get_nickname", method(getNicknameHandler))

	s.RegisterHandler("session_join", method(sessionJoinHandler))
	s.RegisterHandler("message", method(messageHandler))
	s.RegisterHandler("typing", method(typingHandler))
	s.RegisterHandler("request_oauth", method(requestOAuthHandler))
}

// --- identity ---

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func loginHandler(ctx context.Context, c *exchanger.Client, req credentials) (exchanger.LoginResult, error) {
	if req.Username == "" {
		return exchanger.LoginResult{}, domain.NewDomainError("gateway.login", domain.ErrInvalidArgument, "username is required")
	}
	return c.Login(ctx, req.Username, req.Password)
}

type tokenRequest struct {
	Token string `json:"token"`
}

func tokenLoginHandler(ctx context.Context, c *exchanger.Client, req tokenRequest) (exchanger.TokenLoginResult, error) {
	return c.TokenLogin(ctx, req.Token)
}

func registerHandler(ctx context.Context, c *exchanger.Client, req credentials) (okResponse, error) {
	if req.Username == "" || req.Password == "" {
		return okResponse{}, domain.NewDomainError("gateway.register", domain.ErrInvalidArgument, "username and password are required")
	}
	return okResult(c.Register(ctx, req.Username, req.Password))
}

type idsRequest struct {
	IDs []int64 `json:"ids"`
}

type onlineResponse struct {
	Online []bool `json:"online"`
}

func isOnlineHandler(ctx context.Context, c *exchanger.Client, req idsRequest) (onlineResponse, error) {
	online, err := c.IsOnline(ctx, req.IDs)
	return onlineResponse{Online: online}, err
}

// --- chats ---

type chatRequest struct {
	Chat  int64  `json:"chat"`
	User  int64  `json:"user"`
	Name  string `json:"name"`
	Value bool   `json:"value"`
}

type chatsResponse struct {
	Chats []exchanger.ChatInfo `json:"chats"`
}

func chatListHandler(ctx context.Context, c *exchanger.Client, _ struct{}) (chatsResponse, error) {
	chats, err := c.ChatList(ctx)
	return chatsResponse{Chats: chats}, err
}

type createRequest struct {
	Name   string `json:"name"`
	Parent *int64 `json:"parent"`
}

type createResponse struct {
	Chat int64 `json:"chat"`
}

func chatCreateHandler(ctx context.Context, c *exchanger.Client, req createRequest) (createResponse, error) {
	parent := int64(-1)
	if req.Parent != nil {
		parent = *req.Parent
	}
	id, err := c.ChatCreate(ctx, req.Name, parent)
	return createResponse{Chat: id}, err
}

func chatJoinHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (okResponse, error) {
	return okResult(c.ChatJoin(ctx, req.Chat))
}

func chatQuitHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (okResponse, error) {
	return okResult(c.ChatQuit(ctx, req.Chat))
}

func chatRenameHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (okResponse, error) {
	return okResult(c.ChatRename(ctx, req.Chat, req.Name))
}

func chatKickHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (okResponse, error) {
	return okResult(c.ChatKick(ctx, req.Chat, req.User))
}

func chatInviteHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (okResponse, error) {
	return okResult(c.ChatInvite(ctx, req.Chat, req.User))
}

type nameResponse struct {
	Name string `json:"name"`
}

func chatGetNameHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (nameResponse, error) {
	name, err := c.ChatGetName(ctx, req.Chat)
	return nameResponse{Name: name}, err
}

type usersResponse struct {
	Users []exchanger.NamedID `json:"users"`
}

func chatGetUsersHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (usersResponse, error) {
	users, err := c.ChatGetUsers(ctx, req.Chat)
	return usersResponse{Users: users}, err
}

type subChatsResponse struct {
	Chats []exchanger.NamedID `json:"chats"`
}

func chatListSubChatsHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (subChatsResponse, error) {
	subs, err := c.ChatListSubChats(ctx, req.Chat)
	return subChatsResponse{Chats: subs}, err
}

// --- permissions ---

type permissionsResponse struct {
	Permissions map[string]bool `json:"permissions"`
}

type allPermissionsResponse struct {
	Permissions map[int64]map[string]bool `json:"permissions"`
}

func chatModifyUserPermissionHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (okResponse, error) {
	return okResult(c.ChatModifyUserPermission(ctx, req.Chat, req.User, req.Name, req.Value))
}

func chatGetUserPermissionHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (permissionsResponse, error) {
	perms, err := c.ChatGetUserPermission(ctx, req.Chat, req.User)
	return permissionsResponse{Permissions: perms}, err
}

func chatModifyPermissionHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (okResponse, error) {
	return okResult(c.ChatModifyPermission(ctx, req.Chat, req.Name, req.Value))
}

func chatGetPermissionHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (permissionsResponse, error) {
	perms, err := c.ChatGetPermission(ctx, req.Chat)
	return permissionsResponse{Permissions: perms}, err
}

func chatGetAllPermissionHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (allPermissionsResponse, error) {
	perms, err := c.ChatGetAllPermission(ctx, req.Chat)
	return allPermissionsResponse{Permissions: perms}, err
}

// --- nicknames ---

func chatChangeNicknameHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (okResponse, error) {
	return okResult(c.ChatChangeNickname(ctx, req.Chat, req.User, req.Name))
}

func chatGetNicknameHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (nameResponse, error) {
	name, err := c.ChatGetNickname(ctx, req.Chat, req.User)
	return nameResponse{Name: name}, err
}

func changeNicknameHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (okResponse, error) {
	return okResult(c.ChangeNickname(ctx, req.Name))
}

func getNicknameHandler(ctx context.Context, c *exchanger.Client, req chatRequest) (nameResponse, error) {
	name, err := c.GetNickname(ctx, req.User)
	return nameResponse{Name: name}, err
}

// --- messaging ---

type sessionRequest struct {
	Chat int64  `json:"chat"`
	Name string `json:"name"`
}

func sessionJoinHandler(ctx context.Context, c *exchanger.Client, req sessionRequest) (okResponse, error) {
	if req.Name == "" {
		return okResponse{}, domain.NewDomainError("gateway.session_join", domain.ErrInvalidArgument, "session name is required")
	}
	return okResult(c.SessionJoin(ctx, req.Chat, req.Name))
}

type messageRequest struct {
	Chat    int64           `json:"chat"`
	Session *string         `json:"session"`
	Msg     string          `json:"msg"`
	MsgType string          `json:"msg_type"`
	Payload json.RawMessage `json:"payload"`
	As      string          `json:"as"`
}

type messageResponse struct {
	ID string `json:"id"`
}

func messageHandler(ctx context.Context, c *exchanger.Client, req messageRequest) (messageResponse, error) {
	id, err := c.Send(ctx, exchanger.Outgoing{
		Chat:    req.Chat,
		Session: req.Session,
		MsgType: req.MsgType,
		Payload: req.Payload,
		Msg:     req.Msg,
		As:      req.As,
	})
	return messageResponse{ID: id}, err
}

type typingRequest struct {
	Chat   int64 `json:"chat"`
	Status bool  `json:"status"`
}

func typingHandler(ctx context.Context, c *exchanger.Client, req typingRequest) (okResponse, error) {
	if err := c.SendTyping(ctx, req.Chat, req.Status); err != nil {
		return okResponse{}, err
	}
	return okResponse{OK: true}, nil
}

type oauthRequest struct {
	Platform string `json:"platform"`
}

func requestOAuthHandler(ctx context.Context, c *exchanger.Client, req oauthRequest) (exchanger.OAuthRequest, error) {
	if req.Platform == "" {
		return exchanger.OAuthRequest{}, domain.NewDomainError("gateway.request_oauth", domain.ErrInvalidArgument, "platform is required")
	}
	return c.RequestOAuth(ctx, req.Platform)
}
