package session

import (
	"encoding/json"
	"fmt"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
)

// decodeSession recovers a session record that went through a JSON
// round-trip (the Redis session space stores generic values).
func decodeSession(v any) (*contracts.Session, bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("session record re-encode: %w", err)
	}
	var s contracts.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("session record decode: %w", err)
	}
	if s.SessionID == "" {
		return nil, false, nil
	}
	return &s, true, nil
}
