package model

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidLocator is returned when an encoded locator cannot be parsed.
var ErrInvalidLocator = errors.New("model: invalid locator")

const locatorSep = "\x1f"

// Locator is the composite partition key (tenant, user, conversation) under
// which a Run and its conversation are stored. Control calls carry it in
// encoded form so the store can be addressed without a run-id lookup.
type Locator struct {
	TenantID       string `json:"tenantId"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// IsZero reports whether no field is set.
func (l Locator) IsZero() bool {
	return l == Locator{}
}

// Encode returns the opaque string form handed to clients.
func (l Locator) Encode() string {
	raw := l.TenantID + locatorSep + l.UserID + locatorSep + l.ConversationID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseLocator decodes a string produced by Locator.Encode.
func ParseLocator(s string) (Locator, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Locator{}, ErrInvalidLocator
	}
	parts := strings.Split(string(raw), locatorSep)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Locator{}, ErrInvalidLocator
	}
	return Locator{TenantID: parts[0], UserID: parts[1], ConversationID: parts[2]}, nil
}
