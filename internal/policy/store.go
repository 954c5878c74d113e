package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pointledger/backend/internal/store"
)

// Store persists whole-table snapshots and serves the current one from an
// atomic pointer. Tables are never patched in place: Replace inserts a new
// version and swaps the pointer, so in-flight fee computations keep the
// snapshot they started with.
type Store struct {
	pool    *pgxpool.Pool
	current atomic.Pointer[Snapshot]
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ Provider = (*Store)(nil)

// Current returns the active snapshot. Load must have run first.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Load reads the latest snapshot from the database, seeding the built-in
// default tables on first run.
func (s *Store) Load(ctx context.Context) error {
	snap, err := s.latest(ctx)
	if errors.Is(err, pgx.ErrNoRows) {
		snap, err = s.insert(ctx, DefaultSnapshot())
	}
	if err != nil {
		return fmt.Errorf("load policy snapshot: %w", err)
	}
	s.makeCurrent(snap)
	return nil
}

// makeCurrent publishes snap unless a newer version already is current.
// Two racing replaces may commit their rows in either order; the higher
// version always ends up holding the pointer.
func (s *Store) makeCurrent(snap *Snapshot) {
	for {
		cur := s.current.Load()
		if cur != nil && cur.Version >= snap.Version {
			return
		}
		if s.current.CompareAndSwap(cur, snap) {
			return
		}
	}
}

// Replace validates and persists a new snapshot version, then makes it
// current. The previous version remains on record for audit.
func (s *Store) Replace(ctx context.Context, commission []CommissionBand, suspension []SuspensionBand, cancellation CancellationPolicy) (*Snapshot, error) {
	candidate := &Snapshot{Commission: commission, Suspension: suspension, Cancellation: cancellation}
	if err := candidate.Validate(); err != nil {
		return nil, err
	}
	snap, err := s.insert(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("persist policy snapshot: %w", err)
	}
	s.makeCurrent(snap)
	return snap, nil
}

func (s *Store) latest(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	var commission, suspension, cancellation []byte
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT version, commission, suspension, cancellation
			FROM policy_snapshots ORDER BY version DESC LIMIT 1
		`).Scan(&snap.Version, &commission, &suspension, &cancellation)
	})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(commission, &snap.Commission); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(suspension, &snap.Suspension); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cancellation, &snap.Cancellation); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) insert(ctx context.Context, snap *Snapshot) (*Snapshot, error) {
	commission, err := json.Marshal(snap.Commission)
	if err != nil {
		return nil, err
	}
	suspension, err := json.Marshal(snap.Suspension)
	if err != nil {
		return nil, err
	}
	cancellation, err := json.Marshal(snap.Cancellation)
	if err != nil {
		return nil, err
	}
	out := *snap
	err = store.WithRetry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO policy_snapshots (commission, suspension, cancellation)
			VALUES ($1, $2, $3)
			RETURNING version
		`, commission, suspension, cancellation).Scan(&out.Version)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
