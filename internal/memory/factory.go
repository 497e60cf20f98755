package memory

import (
	"context"
	"fmt"
	"strings"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory
// seeded from devSessions.
func NewStore(ctx context.Context, databaseURL, devSessions string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		store := NewInMemoryStore()
		records, err := ParseDevSessions(devSessions)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			store.PutSession(rec)
		}
		return store, nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// ParseDevSessions parses a "session:user[:persona],..." list.
func ParseDevSessions(list string) ([]SessionRecord, error) {
	var out []SessionRecord
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid dev session %q, want session:user[:persona]", item)
		}
		rec := SessionRecord{ID: parts[0], UserID: parts[1]}
		if len(parts) == 3 {
			rec.PersonaID = parts[2]
		}
		out = append(out, rec)
	}
	return out, nil
}
