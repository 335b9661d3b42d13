package domain

import "strings"

// OwnerKey scopes a cart to either an authenticated user or an anonymous session.
type OwnerKey struct {
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

func UserOwner(userID string) OwnerKey {
	return OwnerKey{UserID: strings.TrimSpace(userID)}
}

func SessionOwner(sessionID string) OwnerKey {
	return OwnerKey{SessionID: strings.TrimSpace(sessionID)}
}

// Validate fails unless exactly one identity is set.
func (o OwnerKey) Validate() error {
	if (o.UserID == "") == (o.SessionID == "") {
		return ErrInvalidOwner
	}
	return nil
}

func (o OwnerKey) IsGuest() bool {
	return o.SessionID != "" && o.UserID == ""
}

// String renders a namespaced key, e.g. "user:42" or "session:abc".
func (o OwnerKey) String() string {
	if o.UserID != "" {
		return "user:" + o.UserID
	}
	return "session:" + o.SessionID
}
