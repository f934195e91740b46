package repository

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// pageCursor is the keyset position after the last row of a page. Expires is
// only set for the expiry index.
type pageCursor struct {
	Expires   int64  `json:"e,omitempty"`
	AccountID string `json:"id"`
}

func encodeCursor(c pageCursor) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (pageCursor, bool, error) {
	if s == "" {
		return pageCursor{}, false, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return pageCursor{}, false, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	var c pageCursor
	if err := json.Unmarshal(raw, &c); err != nil || c.AccountID == "" {
		return pageCursor{}, false, fmt.Errorf("%w: %q", ErrBadCursor, s)
	}
	return c, true, nil
}
