package dispatch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// Token identifies one dispatched attempt. It is opaque to workers.
type Token struct {
	ExecutionID types.ExecutionID `json:"e"`
	RunID       types.RunID       `json:"r"`
	WorkItemID  string            `json:"w"`
	Attempt     int               `json:"a"`
}

// Key returns the run the attempt belongs to.
func (t Token) Key() types.RunKey {
	return types.RunKey{ExecutionID: t.ExecutionID, RunID: t.RunID}
}

// String encodes the token for the wire.
func (t Token) String() string {
	body, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(body)
}

// ParseToken decodes a token produced by String.
func ParseToken(s string) (Token, error) {
	body, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var t Token
	if err := json.Unmarshal(body, &t); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if t.ExecutionID == "" || t.WorkItemID == "" || t.Attempt < 1 {
		return Token{}, ErrInvalidToken
	}
	return t, nil
}

// NewToken builds the token of an attempt.
func NewToken(key types.RunKey, item types.WorkItem) Token {
	return Token{ExecutionID: key.ExecutionID, RunID: key.RunID, WorkItemID: item.ID, Attempt: item.Attempt}
}
