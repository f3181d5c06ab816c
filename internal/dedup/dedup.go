package dedup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/notifyhub/relay/internal/kv"
)

// DefaultTTL bounds how long a seen/done marker suppresses duplicates.
const DefaultTTL = 24 * time.Hour

// fingerprintBytes is how much of the SHA-256 digest is kept.
const fingerprintBytes = 16

// Deduplicator records fingerprint markers in the KV store.
//
// "seen" markers are written when a job is submitted with a caller-supplied
// fingerprint; "done" markers are written when a worker starts a job whose
// fingerprint is derived from its content.
type Deduplicator struct {
	store kv.Store
	keys  kv.Keys
	ttl   time.Duration
}

func New(store kv.Store, keys kv.Keys, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Deduplicator{store: store, keys: keys, ttl: ttl}
}

// MarkSeen sets the submission marker. duplicate is true when the marker
// already existed.
func (d *Deduplicator) MarkSeen(ctx context.Context, queue, jobType, fingerprint string) (bool, error) {
	created, err := d.store.SetNX(ctx, d.keys.Seen(queue, jobType, fingerprint), "1", d.ttl)
	if err != nil {
		return false, fmt.Errorf("set seen marker: %w", err)
	}
	return !created, nil
}

// ForgetSeen removes a submission marker, used when the submission itself
// could not be stored.
func (d *Deduplicator) ForgetSeen(ctx context.Context, queue, jobType, fingerprint string) error {
	if err := d.store.Del(ctx, d.keys.Seen(queue, jobType, fingerprint)); err != nil {
		return fmt.Errorf("delete seen marker: %w", err)
	}
	return nil
}

// MarkDone sets the completion marker. duplicate is true when the marker
// already existed.
func (d *Deduplicator) MarkDone(ctx context.Context, queue, jobType, fingerprint string) (bool, error) {
	created, err := d.store.SetNX(ctx, d.keys.Done(queue, jobType, fingerprint), "1", d.ttl)
	if err != nil {
		return false, fmt.Errorf("set done marker: %w", err)
	}
	return !created, nil
}

// ForgetDone removes a completion marker so a retried job is not suppressed.
func (d *Deduplicator) ForgetDone(ctx context.Context, queue, jobType, fingerprint string) error {
	if err := d.store.Del(ctx, d.keys.Done(queue, jobType, fingerprint)); err != nil {
		return fmt.Errorf("delete done marker: %w", err)
	}
	return nil
}

// Fingerprint derives a stable identity for (jobType, payload). The payload
// is re-encoded through a generic value so object key order does not matter.
func Fingerprint(jobType string, payload json.RawMessage) (string, error) {
	// UseNumber keeps integers beyond 2^53 distinct.
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return "", errors.New("fingerprint payload: trailing data after JSON value")
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)[:fingerprintBytes]), nil
}
