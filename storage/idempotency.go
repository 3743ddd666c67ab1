package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var prefixIdempotency = []byte("idempotency/")

type idempotencyRecord struct {
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	Body      []byte    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

func idempotencyKey(key string) []byte {
	return append(append([]byte(nil), prefixIdempotency...), key...)
}

// LookupResponse returns a previously recorded response for key.
func (l *Ledger) LookupResponse(ctx context.Context, key string) (int, []byte, bool, error) {
	var rec idempotencyRecord
	if err := l.getJSON(idempotencyKey(key), &rec); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return rec.Status, rec.Body, true, nil
}

// SaveResponse records the response for key. The first write wins.
func (l *Ledger) SaveResponse(ctx context.Context, key, method, path string, status int, body []byte) error {
	unlock := l.lock("idempotency/" + key)
	defer unlock()
	if _, err := l.db.Get(idempotencyKey(key)); err == nil {
		return nil
	} else if !errors.Is(err, ErrKeyNotFound) {
		return err
	}
	raw, err := json.Marshal(idempotencyRecord{
		Method:    method,
		Path:      path,
		Status:    status,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	return l.db.Put(idempotencyKey(key), raw)
}
