package admin

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pressgate/pressgate/internal/audit"
	"github.com/pressgate/pressgate/internal/store"
)

const (
	probeTTL      = 5 * time.Second
	ttlSampleSize = 5
)

// Overview is the operator-facing aggregate. It never carries token values,
// only counts and durations.
type Overview struct {
	ActiveClients    int     `json:"active_clients"`
	AuditEntries     int64   `json:"audit_entries"`
	RefreshTTLSample []int64 `json:"refresh_ttl_sample_ms"`
	StoreReachable   bool    `json:"store_reachable"`
	PingMillis       int64   `json:"ping_millis"`
	ProbeOK          bool    `json:"probe_ok"`
}

// Facade aggregates store and audit state for the diagnostics endpoint. It
// never mutates domain state; the self-expiring probe sentinel is the one
// exempt write.
type Facade struct {
	store *store.Store
	audit *audit.Log
}

// New creates a Facade over the shared store and audit log.
func New(st *store.Store, auditLog *audit.Log) *Facade {
	return &Facade{store: st, audit: auditLog}
}

// Overview collects the diagnostics snapshot. A partially unreachable store
// is reported rather than hidden: counts that could not be collected stay
// zero and StoreReachable/ProbeOK carry the failure.
func (f *Facade) Overview(ctx context.Context) Overview {
	var out Overview

	latency, err := f.store.Ping(ctx)
	out.PingMillis = latency.Milliseconds()
	out.StoreReachable = err == nil

	if keys, err := f.store.ScanPrefix(ctx, store.ActivePrefix, 0); err == nil {
		out.ActiveClients = len(keys)
	}
	if n, err := f.audit.Count(ctx); err == nil {
		out.AuditEntries = n
	}

	out.RefreshTTLSample = f.sampleRefreshTTLs(ctx)
	out.ProbeOK = f.probe(ctx)

	return out
}

// sampleRefreshTTLs reads the remaining lifetime of a few refresh records,
// giving operational confidence that store-native expiry is working.
func (f *Facade) sampleRefreshTTLs(ctx context.Context) []int64 {
	keys, err := f.store.ScanPrefix(ctx, store.RefreshPrefix, ttlSampleSize)
	if err != nil {
		return nil
	}

	sample := make([]int64, 0, len(keys))
	for _, key := range keys {
		ttl, err := f.store.PTTL(ctx, key)
		if err != nil {
			continue
		}
		sample = append(sample, ttl.Milliseconds())
	}
	return sample
}

// probe writes and reads back a self-expiring sentinel, proving full
// round-trip connectivity rather than just a ping.
func (f *Facade) probe(ctx context.Context) bool {
	id := uuid.NewString()
	key := store.ProbeKey(id)
	value := []byte(id)

	if err := f.store.SetWithTTL(ctx, key, value, probeTTL); err != nil {
		return false
	}
	got, err := f.store.Get(ctx, key)
	if err != nil {
		return false
	}
	return bytes.Equal(got, value)
}
