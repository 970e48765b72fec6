package types

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// PageInfo contains pagination metadata for list responses.
type PageInfo struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
	TotalItems *int   `json:"total_items,omitempty"`
}

// ListResponse is a generic paginated response wrapper.
type ListResponse[T any] struct {
	Data     []T      `json:"data"`
	PageInfo PageInfo `json:"pagination"`
}

// Cursor is the opaque keyset-pagination token for domain listings.
// It encodes the sort key of the last row on the previous page.
type Cursor struct {
	LastUpdatedAt time.Time `json:"u"`
	DomainID      string    `json:"d"`
}

// Encode serializes the cursor to an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses an opaque cursor token. A malformed token yields a
// validation AppError so the handler returns 422 rather than 500.
func DecodeCursor(token string) (Cursor, error) {
	var c Cursor
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, NewAppError(ErrCodeValidationInvalidCursor, "malformed pagination cursor", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, NewAppError(ErrCodeValidationInvalidCursor, "malformed pagination cursor", err)
	}
	if c.DomainID == "" {
		return c, NewAppError(ErrCodeValidationInvalidCursor, "malformed pagination cursor", nil)
	}
	return c, nil
}
