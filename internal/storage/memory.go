package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
)

// MemoryStore is the in-process Store implementation. It backs tests and
// single-node deployments that do not need durability across restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]schemas.Snapshot
	actions   map[string]schemas.Action
	entries   map[string]schemas.LedgerEntry
	verdicts  map[string][]schemas.PolicyVerdict
	results   map[string]schemas.ExecutionResult
	accounts  map[string]string // action id -> account id
	audit     []schemas.AuditRecord
	seq       uint64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]schemas.Snapshot),
		actions:   make(map[string]schemas.Action),
		entries:   make(map[string]schemas.LedgerEntry),
		verdicts:  make(map[string][]schemas.PolicyVerdict),
		results:   make(map[string]schemas.ExecutionResult),
		accounts:  make(map[string]string),
	}
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap schemas.Snapshot, rec *schemas.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[snap.ID]; ok {
		return ErrConflict
	}
	s.snapshots[snap.ID] = snap
	if rec != nil {
		s.appendLocked(*rec)
	}
	return nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, id string) (schemas.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return schemas.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) PruneSnapshots(ctx context.Context, cutoff time.Time, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	// Oldest first.
	sort.Slice(ids, func(i, j int) bool {
		return s.snapshots[ids[i]].CapturedAt.Before(s.snapshots[ids[j]].CapturedAt)
	})

	removed := 0
	for i, id := range ids {
		overAge := !cutoff.IsZero() && s.snapshots[id].CapturedAt.Before(cutoff)
		overCount := keep > 0 && len(ids)-i > keep
		if overAge || overCount {
			delete(s.snapshots, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) RegisterAction(ctx context.Context, accountID string, action schemas.Action, entry schemas.LedgerEntry, rec *schemas.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[action.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.snapshots[action.SnapshotID]; !ok {
		return ErrNotFound
	}
	s.actions[action.ID] = action
	s.entries[action.ID] = cloneEntry(entry)
	s.accounts[action.ID] = accountID
	if rec != nil {
		s.appendLocked(*rec)
	}
	return nil
}

func (s *MemoryStore) GetAction(ctx context.Context, id string) (schemas.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	action, ok := s.actions[id]
	if !ok {
		return schemas.Action{}, ErrNotFound
	}
	return action, nil
}

func (s *MemoryStore) ActionAccount(ctx context.Context, actionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[actionID]
	if !ok {
		return "", ErrNotFound
	}
	return acct, nil
}

func (s *MemoryStore) ActionsInState(ctx context.Context, state schemas.ActionState) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, entry := range s.entries {
		if entry.State == state {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetLedgerEntry(ctx context.Context, actionID string) (schemas.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[actionID]
	if !ok {
		return schemas.LedgerEntry{}, ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (s *MemoryStore) ApplyTransition(ctx context.Context, w TransitionWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[w.Entry.ActionID]; !ok {
		return ErrNotFound
	}
	s.entries[w.Entry.ActionID] = cloneEntry(w.Entry)
	if w.Verdict != nil {
		s.verdicts[w.Verdict.ActionID] = append(s.verdicts[w.Verdict.ActionID], *w.Verdict)
	}
	if w.Result != nil {
		s.results[w.Result.ActionID] = *w.Result
	}
	if w.Record != nil {
		s.appendLocked(*w.Record)
	}
	return nil
}

func (s *MemoryStore) LatestVerdict(ctx context.Context, actionID string) (schemas.PolicyVerdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vs := s.verdicts[actionID]
	if len(vs) == 0 {
		return schemas.PolicyVerdict{}, ErrNotFound
	}
	return vs[len(vs)-1], nil
}

func (s *MemoryStore) GetExecutionResult(ctx context.Context, actionID string) (schemas.ExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.results[actionID]
	if !ok {
		return schemas.ExecutionResult{}, ErrNotFound
	}
	return res, nil
}

func (s *MemoryStore) AccountHistory(ctx context.Context, accountID string, since time.Time) ([]AccountEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []AccountEvent
	for id, acct := range s.accounts {
		if acct != accountID {
			continue
		}
		entry := s.entries[id]
		if len(entry.StateHistory) == 0 {
			continue
		}
		last := entry.StateHistory[len(entry.StateHistory)-1]
		if last.At.Before(since) {
			continue
		}
		events = append(events, AccountEvent{ActionID: id, State: entry.State, At: last.At})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	return events, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, rec schemas.AuditRecord) (schemas.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(rec), nil
}

func (s *MemoryStore) appendLocked(rec schemas.AuditRecord) schemas.AuditRecord {
	s.seq++
	rec.Seq = s.seq
	s.audit = append(s.audit, rec)
	return rec
}

func (s *MemoryStore) QueryAudit(ctx context.Context, q AuditQuery) (schemas.AuditPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]schemas.AuditRecord, 0, len(s.audit))
	for _, rec := range s.audit {
		if auditMatches(q, rec) {
			matched = append(matched, rec)
		}
	}
	// The log is appended in (RecordedAt, Seq) order already, but transitions
	// commit their timestamps before the log lock, so keep the sort as the
	// ordering guarantee.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].RecordedAt.Equal(matched[j].RecordedAt) {
			return matched[i].Seq < matched[j].Seq
		}
		return matched[i].RecordedAt.Before(matched[j].RecordedAt)
	})

	page := schemas.AuditPage{Total: len(matched), Records: []schemas.AuditRecord{}}
	if q.Offset >= len(matched) {
		return page, nil
	}
	end := q.Offset + q.Limit
	if end > len(matched) {
		end = len(matched)
	}
	page.Records = append(page.Records, matched[q.Offset:end]...)
	return page, nil
}

func (s *MemoryStore) Close() {}

func auditMatches(q AuditQuery, rec schemas.AuditRecord) bool {
	if len(q.EventTypes) > 0 {
		found := false
		for _, t := range q.EventTypes {
			if rec.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.ActionID != "" && rec.Related.ActionID != q.ActionID {
		return false
	}
	if q.SnapshotID != "" && rec.Related.SnapshotID != q.SnapshotID {
		return false
	}
	if !q.From.IsZero() && rec.RecordedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && rec.RecordedAt.After(q.To) {
		return false
	}
	return true
}

func cloneEntry(entry schemas.LedgerEntry) schemas.LedgerEntry {
	dup := entry
	dup.StateHistory = append([]schemas.StateTransition(nil), entry.StateHistory...)
	return dup
}
