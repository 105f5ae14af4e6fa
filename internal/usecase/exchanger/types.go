package exchanger

import (
	"encoding/json"
	"fmt"
)

// Services answer several calls with positional arrays; these types decode
// them into named fields.

// ChatInfo is one entry of a chat listing: [id, name, parent|null].
type ChatInfo struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Parent *int64 `json:"parent,omitempty"`
}

func (c *ChatInfo) UnmarshalJSON(b []byte) error {
	return decodeTuple(b, &c.ID, &c.Name, &c.Parent)
}

// NamedID pairs an id with a display name: [id, name]. It is used for chat
// users and sub-chats.
type NamedID struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (n *NamedID) UnmarshalJSON(b []byte) error {
	return decodeTuple(b, &n.ID, &n.Name)
}

// LoginResult is the answer to a password login: [uid, token].
type LoginResult struct {
	UID   int64  `json:"uid"`
	Token string `json:"token"`
}

func (r *LoginResult) UnmarshalJSON(b []byte) error {
	return decodeTuple(b, &r.UID, &r.Token)
}

// TokenLoginResult is the answer to a token login: [uid, username].
type TokenLoginResult struct {
	UID      int64  `json:"uid"`
	Username string `json:"username"`
}

func (r *TokenLoginResult) UnmarshalJSON(b []byte) error {
	return decodeTuple(b, &r.UID, &r.Username)
}

// OAuthRequest is the answer to request_oauth: [url, request_id].
type OAuthRequest struct {
	URL       string `json:"url"`
	RequestID string `json:"request_id"`
}

func (r *OAuthRequest) UnmarshalJSON(b []byte) error {
	return decodeTuple(b, &r.URL, &r.RequestID)
}

// decodeTuple decodes a JSON array positionally into dst. Missing trailing
// elements leave their targets untouched.
func decodeTuple(b []byte, dst ...any) error {
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	if len(items) > len(dst) {
		return fmt.Errorf("tuple has %d elements, want at most %d", len(items), len(dst))
	}
	for i, raw := range items {
		if err := json.Unmarshal(raw, dst[i]); err != nil {
			return fmt.Errorf("tuple element %d: %w", i, err)
		}
	}
	return nil
}
