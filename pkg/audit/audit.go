// Package audit maintains the per-tenant tamper-evident log. Every mutation
// in the control plane lands here as a hash-chained entry; VerifyChain
// recomputes the whole chain and reports every broken link.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/canonical"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

// ipSalt is the fixed salt for hashing client addresses before they touch
// storage. Raw IPs must never be persisted.
const ipSalt = "audit-ip-salt:"

// HashIP returns the storable form of a client address. Empty in, empty out.
func HashIP(clientIP string) string {
	if clientIP == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ipSalt + clientIP))
	return hex.EncodeToString(sum[:])
}

// hashEnvelope is the canonical payload the entry hash commits to. Field
// order is irrelevant: JCS sorts keys before hashing.
type hashEnvelope struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Before     json.RawMessage `json:"before"`
	After      json.RawMessage `json:"after"`
	PrevHash   string          `json:"prev_hash"`
	RequestID  string          `json:"request_id"`
	TsMs       int64           `json:"ts_ms"`
}

// EntryHash computes the chain hash of an entry from its stored fields,
// ignoring the stored Hash itself.
func EntryHash(e *contracts.AuditEntry) (string, error) {
	env := hashEnvelope{
		ID:         e.ID,
		TenantID:   e.TenantID,
		Actor:      e.Actor,
		Action:     e.Action,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Before:     normalizeRaw(e.Before),
		After:      normalizeRaw(e.After),
		PrevHash:   e.PrevHash,
		RequestID:  e.RequestID,
		TsMs:       e.TsMs,
	}
	return canonical.Hash(env)
}

func normalizeRaw(m json.RawMessage) json.RawMessage {
	if len(m) == 0 {
		return json.RawMessage("null")
	}
	return m
}

// Record captures one mutation for the chain.
type Record struct {
	Actor      string
	Action     string
	TargetType string
	TargetID   string
	Before     any
	After      any
	RequestID  string
	ClientIP   string
}

// maxAppendAttempts bounds the retry loop when another process won the race
// for the chain head.
const maxAppendAttempts = 5

// Recorder appends entries to per-tenant chains. Appends for one tenant are
// serialised in-process so prev_hash always reflects the immediately
// preceding entry; the last hash is re-read from the store inside the lock,
// never cached. A concurrent writer in another process surfaces as
// ErrConflict from the store's (tenant, prev_hash) uniqueness, and the append
// retries against the new chain head.
type Recorder struct {
	store repo.AuditRepo
	ids   *ulid.Factory
	clock ulid.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRecorder wires a Recorder over the audit store.
func NewRecorder(store repo.AuditRepo, ids *ulid.Factory, clock ulid.Clock) *Recorder {
	return &Recorder{
		store: store,
		ids:   ids,
		clock: clock,
		locks: map[string]*sync.Mutex{},
	}
}

func (r *Recorder) tenantLock(tenantID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[tenantID] = l
	}
	return l
}

// Log appends one entry to the tenant's chain and returns it.
func (r *Recorder) Log(ctx context.Context, tenantID string, rec Record) (*contracts.AuditEntry, error) {
	lock := r.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	before, err := marshalOptional(rec.Before)
	if err != nil {
		return nil, fmt.Errorf("audit: before: %w", err)
	}
	after, err := marshalOptional(rec.After)
	if err != nil {
		return nil, fmt.Errorf("audit: after: %w", err)
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		prev, err := r.store.LastHash(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("audit: last hash: %w", err)
		}
		now := r.clock.Now()
		id, err := r.ids.New(now)
		if err != nil {
			return nil, fmt.Errorf("audit: id: %w", err)
		}
		entry := &contracts.AuditEntry{
			ID:         string(id),
			TenantID:   tenantID,
			Actor:      rec.Actor,
			Action:     rec.Action,
			TargetType: rec.TargetType,
			TargetID:   rec.TargetID,
			Before:     before,
			After:      after,
			RequestID:  rec.RequestID,
			IPHash:     HashIP(rec.ClientIP),
			TsMs:       now.UnixMilli(),
			PrevHash:   prev,
		}
		entry.Hash, err = EntryHash(entry)
		if err != nil {
			return nil, fmt.Errorf("audit: hash: %w", err)
		}
		err = r.store.Insert(ctx, entry)
		if errors.Is(err, repo.ErrConflict) {
			// Another process appended since LastHash; chain off the new head.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("audit: insert: %w", err)
		}
		return entry, nil
	}
	return nil, fmt.Errorf("audit: append for %s: %w", tenantID, repo.ErrConflict)
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// VerifyChain walks the tenant's chain in ts order, recomputing every hash.
// Both link checks run against the recomputed hash of the previous entry, so
// a tampered row surfaces twice: once on itself, once on its successor.
func (r *Recorder) VerifyChain(ctx context.Context, tenantID string) (*contracts.ChainReport, error) {
	entries, err := r.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	report := &contracts.ChainReport{Valid: true, EntriesChecked: len(entries)}
	running := ""
	for i, e := range entries {
		if e.PrevHash != running {
			report.Errors = append(report.Errors, contracts.ChainError{
				EntryID: e.ID,
				Index:   i,
				Reason:  "prev_hash mismatch",
			})
		}
		recomputed, err := EntryHash(e)
		if err != nil {
			return nil, fmt.Errorf("audit: recompute %s: %w", e.ID, err)
		}
		if recomputed != e.Hash {
			report.Errors = append(report.Errors, contracts.ChainError{
				EntryID: e.ID,
				Index:   i,
				Reason:  "hash mismatch",
			})
		}
		running = recomputed
	}
	report.Valid = len(report.Errors) == 0
	return report, nil
}

// Clock returns the recorder's time source, for callers that stamp related
// records with the same instant.
func (r *Recorder) Clock() time.Time {
	return r.clock.Now()
}
