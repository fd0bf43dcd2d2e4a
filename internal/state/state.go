package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/kbudget/internal/storage"
)

// Override is a time-boxed exemption from a resource's limit.
type Override struct {
	Resource  string    `json:"resource" yaml:"resource"`
	GrantedAt time.Time `json:"granted_at" yaml:"granted_at"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
	Minutes   int       `json:"minutes" yaml:"minutes"`
}

// Active reports whether the override is still in effect at now.
func (o Override) Active(now time.Time) bool {
	return o.ExpiresAt.After(now)
}

// Snapshot is everything known about one resource at one read.
type Snapshot struct {
	Resource     string
	Selected     bool
	Limit        int
	Usage        int // today's minutes; a counter from an earlier day reads as 0
	UsageDay     string
	LimitReached bool
	Restricted   bool
	Override     *Override // nil when absent or malformed
}

// Store gives typed access to the shared key/value store.
//
// Reads apply per-field failure defaults so a corrupt value never blocks
// forever or grants unbounded access: limits and overrides fail closed,
// advisory flags fail open and counters fall back to zero. Only errors from
// the store itself are returned.
type Store struct {
	kv storage.Store
}

// New wraps kv.
func New(kv storage.Store) *Store {
	return &Store{kv: kv}
}

// KV returns the underlying store.
func (s *Store) KV() storage.Store {
	return s.kv
}

func (s *Store) get(ctx context.Context, field Field, resource string) (string, bool, error) {
	value, err := s.kv.Get(ctx, Key(field, resource))
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) getInt(ctx context.Context, field Field, resource string) (int64, bool, error) {
	raw, ok, err := s.get(ctx, field, resource)
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}

func (s *Store) getBool(ctx context.Context, field Field, resource string) (bool, error) {
	raw, ok, err := s.get(ctx, field, resource)
	if err != nil || !ok {
		return false, err
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, nil
	}
	return b, nil
}

func (s *Store) set(ctx context.Context, field Field, resource, value string) error {
	if err := s.kv.Set(ctx, Key(field, resource), value); err != nil {
		return fmt.Errorf("write %s: %w", Key(field, resource), err)
	}
	return nil
}

func (s *Store) setInt(ctx context.Context, field Field, resource string, n int64) error {
	return s.set(ctx, field, resource, strconv.FormatInt(n, 10))
}

func (s *Store) setBool(ctx context.Context, field Field, resource string, b bool) error {
	return s.set(ctx, field, resource, strconv.FormatBool(b))
}

func (s *Store) setTime(ctx context.Context, field Field, resource string, t time.Time) error {
	return s.setInt(ctx, field, resource, t.Unix())
}

func (s *Store) remove(ctx context.Context, field Field, resource string) error {
	if err := s.kv.Remove(ctx, Key(field, resource)); err != nil {
		return fmt.Errorf("remove %s: %w", Key(field, resource), err)
	}
	return nil
}

// Usage returns today's minutes for resource and the day its counter is
// dated. A counter dated before today, a missing day or a malformed count
// all read as 0.
func (s *Store) Usage(ctx context.Context, resource string, now time.Time) (int, string, error) {
	day, ok, err := s.get(ctx, FieldUsageDay, resource)
	if err != nil {
		return 0, "", err
	}
	if !ok || day != Day(now) {
		return 0, day, nil
	}
	minutes, ok, err := s.getInt(ctx, FieldUsage, resource)
	if err != nil {
		return 0, day, err
	}
	if !ok || minutes < 0 {
		return 0, day, nil
	}
	return int(minutes), day, nil
}

// SetUsage writes the counter, its day and the update anchor.
func (s *Store) SetUsage(ctx context.Context, resource string, minutes int, now time.Time) error {
	if err := s.setInt(ctx, FieldUsage, resource, int64(minutes)); err != nil {
		return err
	}
	if err := s.set(ctx, FieldUsageDay, resource, Day(now)); err != nil {
		return err
	}
	return s.setTime(ctx, FieldUsageUpdatedAt, resource, now)
}

// UpdatedAt returns the last usage update anchor, if any.
func (s *Store) UpdatedAt(ctx context.Context, resource string) (time.Time, bool, error) {
	sec, ok, err := s.getInt(ctx, FieldUsageUpdatedAt, resource)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.Unix(sec, 0), true, nil
}

// Touch records the update anchor without changing the counter.
func (s *Store) Touch(ctx context.Context, resource string, now time.Time) error {
	return s.setTime(ctx, FieldUsageUpdatedAt, resource, now)
}

// Limit returns the daily limit in minutes. Missing, malformed or negative
// limits read as 0, which restricts a selected resource.
func (s *Store) Limit(ctx context.Context, resource string) (int, bool, error) {
	n, ok, err := s.getInt(ctx, FieldLimit, resource)
	if err != nil {
		return 0, false, err
	}
	if !ok || n < 0 {
		return 0, false, nil
	}
	return int(n), true, nil
}

// SetLimit writes a daily limit.
func (s *Store) SetLimit(ctx context.Context, resource string, minutes int) error {
	return s.setInt(ctx, FieldLimit, resource, int64(minutes))
}

// ClearLimit removes the daily limit.
func (s *Store) ClearLimit(ctx context.Context, resource string) error {
	return s.remove(ctx, FieldLimit, resource)
}

// Seeded reports whether configured defaults were ever written for resource.
func (s *Store) Seeded(ctx context.Context, resource string) (bool, error) {
	_, ok, err := s.get(ctx, FieldSeeded, resource)
	return ok, err
}

// MarkSeeded records that configured defaults were written.
func (s *Store) MarkSeeded(ctx context.Context, resource string) error {
	return s.setBool(ctx, FieldSeeded, resource, true)
}

// Selected reports SelectionSet membership.
func (s *Store) Selected(ctx context.Context, resource string) (bool, error) {
	return s.getBool(ctx, FieldSelected, resource)
}

// SelectionKnown reports whether a membership value has ever been written.
func (s *Store) SelectionKnown(ctx context.Context, resource string) (bool, error) {
	_, ok, err := s.get(ctx, FieldSelected, resource)
	return ok, err
}

// SetSelected writes SelectionSet membership.
func (s *Store) SetSelected(ctx context.Context, resource string, selected bool) error {
	return s.setBool(ctx, FieldSelected, resource, selected)
}

// LimitReached returns the advisory flag.
func (s *Store) LimitReached(ctx context.Context, resource string) (bool, error) {
	return s.getBool(ctx, FieldLimitReached, resource)
}

// SetLimitReached sets or clears the advisory flag.
func (s *Store) SetLimitReached(ctx context.Context, resource string, reached bool) error {
	return s.setBool(ctx, FieldLimitReached, resource, reached)
}

// Override returns the recorded override. Only the expiry is authoritative;
// a malformed expiry reads as no override.
func (s *Store) Override(ctx context.Context, resource string) (*Override, error) {
	expires, ok, err := s.getInt(ctx, FieldOverride, resource)
	if err != nil || !ok {
		return nil, err
	}
	o := &Override{Resource: resource, ExpiresAt: time.Unix(expires, 0)}

	granted, ok, err := s.getInt(ctx, FieldGrantedAt, resource)
	if err != nil {
		return nil, err
	}
	if ok {
		o.GrantedAt = time.Unix(granted, 0)
	}
	minutes, ok, err := s.getInt(ctx, FieldOverrideMinutes, resource)
	if err != nil {
		return nil, err
	}
	if ok {
		o.Minutes = int(minutes)
	}
	return o, nil
}

// SetOverrideDetails writes the descriptive grant fields. They are written
// before the expiry so a reader never sees an expiry without them.
func (s *Store) SetOverrideDetails(ctx context.Context, resource string, grantedAt time.Time, minutes int) error {
	if err := s.setTime(ctx, FieldGrantedAt, resource, grantedAt); err != nil {
		return err
	}
	return s.setInt(ctx, FieldOverrideMinutes, resource, int64(minutes))
}

// SetOverrideExpiry writes the authoritative override expiry.
func (s *Store) SetOverrideExpiry(ctx context.Context, resource string, expiresAt time.Time) error {
	return s.setTime(ctx, FieldOverride, resource, expiresAt)
}

// Restricted returns the externally visible restriction flag.
func (s *Store) Restricted(ctx context.Context, resource string) (bool, error) {
	return s.getBool(ctx, FieldRestricted, resource)
}

// SetRestricted writes the reconciliation time and then the restriction
// flag. The flag goes last so a failed write leaves it at its old value and
// the next pass still sees the transition.
func (s *Store) SetRestricted(ctx context.Context, resource string, restricted bool, now time.Time) error {
	if err := s.setTime(ctx, FieldReconciledAt, resource, now); err != nil {
		return err
	}
	return s.setBool(ctx, FieldRestricted, resource, restricted)
}

// ReconciledAt returns when the engine last reconciled resource.
func (s *Store) ReconciledAt(ctx context.Context, resource string) (time.Time, bool, error) {
	sec, ok, err := s.getInt(ctx, FieldReconciledAt, resource)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.Unix(sec, 0), true, nil
}

// SetIntervalStarted records the start of a usage interval.
func (s *Store) SetIntervalStarted(ctx context.Context, resource string, now time.Time) error {
	return s.setTime(ctx, FieldIntervalStartedAt, resource, now)
}

// SetIntervalEnded records the end of a usage interval.
func (s *Store) SetIntervalEnded(ctx context.Context, resource string, now time.Time) error {
	return s.setTime(ctx, FieldIntervalEndedAt, resource, now)
}

// Read takes a fresh snapshot of resource. Fields are read one at a time,
// so the snapshot is consistent per field only.
func (s *Store) Read(ctx context.Context, resource string, now time.Time) (Snapshot, error) {
	snap := Snapshot{Resource: resource}
	var err error

	if snap.Selected, err = s.Selected(ctx, resource); err != nil {
		return snap, err
	}
	if snap.Limit, _, err = s.Limit(ctx, resource); err != nil {
		return snap, err
	}
	if snap.Usage, snap.UsageDay, err = s.Usage(ctx, resource, now); err != nil {
		return snap, err
	}
	if snap.Override, err = s.Override(ctx, resource); err != nil {
		return snap, err
	}
	if snap.LimitReached, err = s.LimitReached(ctx, resource); err != nil {
		return snap, err
	}
	if snap.Restricted, err = s.Restricted(ctx, resource); err != nil {
		return snap, err
	}
	return snap, nil
}

// RestrictedResources lists hashes with a restricted flag present, when the
// underlying store can enumerate keys.
func (s *Store) RestrictedResources(ctx context.Context) ([]string, bool, error) {
	scanner, ok := s.kv.(storage.Scanner)
	if !ok {
		return nil, false, nil
	}
	keys, err := scanner.Keys(ctx, Prefix(FieldRestricted))
	if err != nil {
		return nil, true, err
	}
	out := make([]string, 0, len(keys))
	prefix := Prefix(FieldRestricted)
	for _, key := range keys {
		out = append(out, key[len(prefix):])
	}
	return out, true, nil
}
