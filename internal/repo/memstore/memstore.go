// Package memstore is an in-process implementation of repo.Store. A
// transaction works on a copy of the state under the writer lock and swaps it
// in on success, so a failed transaction leaves nothing behind.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/repo"
)

type state struct {
	processes map[string]domain.ProcessDefinition
	units     map[string]domain.Unit
	records   []domain.StepExecutionRecord
	serials   map[string]domain.Serial
	batches   map[string]domain.Batch
	sessions  map[string]domain.ExecutionSession
}

func newState() *state {
	return &state{
		processes: map[string]domain.ProcessDefinition{},
		units:     map[string]domain.Unit{},
		serials:   map[string]domain.Serial{},
		batches:   map[string]domain.Batch{},
		sessions:  map[string]domain.ExecutionSession{},
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.processes {
		out.processes[k] = v
	}
	for k, v := range s.units {
		out.units[k] = v.Clone()
	}
	out.records = make([]domain.StepExecutionRecord, 0, len(s.records))
	for _, r := range s.records {
		out.records = append(out.records, r.Clone())
	}
	for k, v := range s.serials {
		out.serials[k] = v.Clone()
	}
	for k, v := range s.batches {
		out.batches[k] = v.Clone()
	}
	for k, v := range s.sessions {
		out.sessions[k] = v.Clone()
	}
	return out
}

// Store is safe for concurrent use. Transactions are serialized.
type Store struct {
	mu    sync.RWMutex
	state *state
}

func New() *Store {
	return &Store{state: newState()}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repo.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	working := s.state.clone()
	if err := fn(ctx, handle{tx: working}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = working
	return nil
}

func (s *Store) Processes() repo.ProcessRepository      { return processes{handle{store: s}} }
func (s *Store) Units() repo.UnitRepository             { return units{handle{store: s}} }
func (s *Store) StepRecords() repo.StepRecordRepository { return records{handle{store: s}} }
func (s *Store) Serials() repo.SerialRepository         { return serials{handle{store: s}} }
func (s *Store) Batches() repo.BatchRepository          { return batches{handle{store: s}} }
func (s *Store) Sessions() repo.SessionRepository       { return sessions{handle{store: s}} }

// handle routes repository calls either to a transaction's working copy or,
// outside a transaction, to the committed state under the store lock.
type handle struct {
	store *Store
	tx    *state
}

func (h handle) Processes() repo.ProcessRepository      { return processes{h} }
func (h handle) Units() repo.UnitRepository             { return units{h} }
func (h handle) StepRecords() repo.StepRecordRepository { return records{h} }
func (h handle) Serials() repo.SerialRepository         { return serials{h} }
func (h handle) Batches() repo.BatchRepository          { return batches{h} }
func (h handle) Sessions() repo.SessionRepository       { return sessions{h} }

func (h handle) read(fn func(st *state) error) error {
	if h.tx != nil {
		return fn(h.tx)
	}
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	return fn(h.store.state)
}

func (h handle) write(fn func(st *state) error) error {
	if h.tx != nil {
		return fn(h.tx)
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	working := h.store.state.clone()
	if err := fn(working); err != nil {
		return err
	}
	h.store.state = working
	return nil
}

type processes struct{ h handle }

func (r processes) ListProcesses(ctx context.Context) ([]domain.ProcessDefinition, error) {
	var out []domain.ProcessDefinition
	err := r.h.read(func(st *state) error {
		out = make([]domain.ProcessDefinition, 0, len(st.processes))
		for _, p := range st.processes {
			out = append(out, p)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, err
}

// ListProcessesForUpdate needs no extra locking: transactions already run one
// at a time.
func (r processes) ListProcessesForUpdate(ctx context.Context) ([]domain.ProcessDefinition, error) {
	return r.ListProcesses(ctx)
}

func (r processes) UpsertProcess(ctx context.Context, def domain.ProcessDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return r.h.write(func(st *state) error {
		for id, p := range st.processes {
			if id != def.ID && p.StepNumber == def.StepNumber {
				return repo.ErrUniqueViolation
			}
		}
		st.processes[def.ID] = def
		return nil
	})
}

type units struct{ h handle }

func (r units) CreateUnit(ctx context.Context, unit domain.Unit) error {
	if err := unit.Validate(); err != nil {
		return err
	}
	return r.h.write(func(st *state) error {
		if _, ok := st.units[unit.ID]; ok {
			return repo.ErrUniqueViolation
		}
		for _, u := range st.units {
			if u.Code == unit.Code {
				return repo.ErrUniqueViolation
			}
			if u.BatchID == unit.BatchID && u.SequenceInBatch == unit.SequenceInBatch {
				return repo.ErrUniqueViolation
			}
		}
		st.units[unit.ID] = unit.Clone()
		return nil
	})
}

func (r units) GetUnit(ctx context.Context, id string) (domain.Unit, error) {
	var out domain.Unit
	err := r.h.read(func(st *state) error {
		u, ok := st.units[id]
		if !ok {
			return repo.ErrNotFound
		}
		out = u.Clone()
		return nil
	})
	return out, err
}

func (r units) UpdateUnit(ctx context.Context, unit domain.Unit) error {
	if err := unit.Validate(); err != nil {
		return err
	}
	return r.h.write(func(st *state) error {
		if _, ok := st.units[unit.ID]; !ok {
			return repo.ErrNotFound
		}
		st.units[unit.ID] = unit.Clone()
		return nil
	})
}

func matchUnit(u domain.Unit, filter repo.UnitFilter) bool {
	if filter.BatchID != "" && u.BatchID != filter.BatchID {
		return false
	}
	if filter.Status != "" && u.Status != filter.Status {
		return false
	}
	if filter.CurrentStep > 0 && (u.CurrentStep == nil || *u.CurrentStep != filter.CurrentStep) {
		return false
	}
	return true
}

func (r units) ListUnits(ctx context.Context, filter repo.UnitFilter) ([]domain.Unit, error) {
	var out []domain.Unit
	err := r.h.read(func(st *state) error {
		for _, u := range st.units {
			if matchUnit(u, filter) {
				out = append(out, u.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchID != out[j].BatchID {
			return out[i].BatchID < out[j].BatchID
		}
		return out[i].SequenceInBatch < out[j].SequenceInBatch
	})
	return out, err
}

func (r units) CountUnits(ctx context.Context, filter repo.UnitFilter) (int, error) {
	n := 0
	err := r.h.read(func(st *state) error {
		for _, u := range st.units {
			if matchUnit(u, filter) {
				n++
			}
		}
		return nil
	})
	return n, err
}

type records struct{ h handle }

func (r records) AppendStepRecord(ctx context.Context, record domain.StepExecutionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	return r.h.write(func(st *state) error {
		for _, existing := range st.records {
			if existing.ID == record.ID {
				return repo.ErrUniqueViolation
			}
			if record.Result == domain.ResultPass && existing.Result == domain.ResultPass &&
				existing.UnitID == record.UnitID && existing.StepNumber == record.StepNumber {
				return repo.ErrUniqueViolation
			}
		}
		st.records = append(st.records, record.Clone())
		return nil
	})
}

func (r records) list(match func(domain.StepExecutionRecord) bool) ([]domain.StepExecutionRecord, error) {
	var out []domain.StepExecutionRecord
	err := r.h.read(func(st *state) error {
		for _, rec := range st.records {
			if match(rec) {
				out = append(out, rec.Clone())
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out, err
}

func (r records) ListStepRecordsByUnit(ctx context.Context, unitID string) ([]domain.StepExecutionRecord, error) {
	return r.list(func(rec domain.StepExecutionRecord) bool { return rec.UnitID == unitID })
}

func (r records) ListStepRecordsByBatch(ctx context.Context, batchID string) ([]domain.StepExecutionRecord, error) {
	return r.list(func(rec domain.StepExecutionRecord) bool { return rec.BatchID == batchID })
}

func (r records) PassedSteps(ctx context.Context, unitID string) ([]int, error) {
	var out []int
	err := r.h.read(func(st *state) error {
		for _, rec := range st.records {
			if rec.UnitID == unitID && rec.Result == domain.ResultPass {
				out = append(out, rec.StepNumber)
			}
		}
		return nil
	})
	sort.Ints(out)
	return out, err
}

type serials struct{ h handle }

func (r serials) CreateSerial(ctx context.Context, serial domain.Serial) error {
	if err := serial.Validate(); err != nil {
		return err
	}
	return r.h.write(func(st *state) error {
		for _, s := range st.serials {
			if s.ID == serial.ID || s.SerialNumber == serial.SerialNumber || s.UnitID == serial.UnitID {
				return repo.ErrUniqueViolation
			}
		}
		st.serials[serial.ID] = serial.Clone()
		return nil
	})
}

func (r serials) GetSerial(ctx context.Context, id string) (domain.Serial, error) {
	var out domain.Serial
	err := r.h.read(func(st *state) error {
		s, ok := st.serials[id]
		if !ok {
			return repo.ErrNotFound
		}
		out = s.Clone()
		return nil
	})
	return out, err
}

func (r serials) UpdateSerial(ctx context.Context, serial domain.Serial) error {
	if err := serial.Validate(); err != nil {
		return err
	}
	return r.h.write(func(st *state) error {
		if _, ok := st.serials[serial.ID]; !ok {
			return repo.ErrNotFound
		}
		st.serials[serial.ID] = serial.Clone()
		return nil
	})
}

func (r serials) ListSerialsByBatch(ctx context.Context, batchID string) ([]domain.Serial, error) {
	var out []domain.Serial
	err := r.h.read(func(st *state) error {
		for _, s := range st.serials {
			if s.BatchID == batchID {
				out = append(out, s.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceInBatch < out[j].SequenceInBatch })
	return out, err
}

type batches struct{ h handle }

func (r batches) CreateBatch(ctx context.Context, batch domain.Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	return r.h.write(func(st *state) error {
		for _, b := range st.batches {
			if b.ID == batch.ID || b.LotNumber == batch.LotNumber {
				return repo.ErrUniqueViolation
			}
		}
		st.batches[batch.ID] = batch.Clone()
		return nil
	})
}

func (r batches) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	var out domain.Batch
	err := r.h.read(func(st *state) error {
		b, ok := st.batches[id]
		if !ok {
			return repo.ErrNotFound
		}
		out = b.Clone()
		return nil
	})
	return out, err
}

func (r batches) UpdateBatch(ctx context.Context, batch domain.Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	return r.h.write(func(st *state) error {
		if _, ok := st.batches[batch.ID]; !ok {
			return repo.ErrNotFound
		}
		st.batches[batch.ID] = batch.Clone()
		return nil
	})
}

func (r batches) ListBatches(ctx context.Context, filter repo.BatchFilter) ([]domain.Batch, error) {
	var out []domain.Batch
	err := r.h.read(func(st *state) error {
		for _, b := range st.batches {
			if filter.Status != "" && b.Status != filter.Status {
				continue
			}
			out = append(out, b.Clone())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, err
}

type sessions struct{ h handle }

func (r sessions) InsertSession(ctx context.Context, session domain.ExecutionSession) error {
	if err := session.Validate(); err != nil {
		return err
	}
	return r.h.write(func(st *state) error {
		for _, s := range st.sessions {
			if s.ID == session.ID {
				return repo.ErrUniqueViolation
			}
			if session.Status == domain.SessionOpen && s.Status == domain.SessionOpen && s.Key == session.Key {
				return repo.ErrUniqueViolation
			}
		}
		st.sessions[session.ID] = session.Clone()
		return nil
	})
}

func (r sessions) GetSession(ctx context.Context, id string) (domain.ExecutionSession, error) {
	var out domain.ExecutionSession
	err := r.h.read(func(st *state) error {
		s, ok := st.sessions[id]
		if !ok {
			return repo.ErrNotFound
		}
		out = s.Clone()
		return nil
	})
	return out, err
}

func (r sessions) FindOpenSession(ctx context.Context, key domain.SessionKey) (domain.ExecutionSession, error) {
	var out domain.ExecutionSession
	err := r.h.read(func(st *state) error {
		for _, s := range st.sessions {
			if s.Status == domain.SessionOpen && s.Key == key {
				out = s.Clone()
				return nil
			}
		}
		return repo.ErrNotFound
	})
	return out, err
}

func (r sessions) UpdateSession(ctx context.Context, session domain.ExecutionSession) error {
	if err := session.Validate(); err != nil {
		return err
	}
	return r.h.write(func(st *state) error {
		if _, ok := st.sessions[session.ID]; !ok {
			return repo.ErrNotFound
		}
		if session.Status == domain.SessionOpen {
			for id, s := range st.sessions {
				if id != session.ID && s.Status == domain.SessionOpen && s.Key == session.Key {
					return repo.ErrUniqueViolation
				}
			}
		}
		st.sessions[session.ID] = session.Clone()
		return nil
	})
}

func (r sessions) DeleteSession(ctx context.Context, id string) error {
	return r.h.write(func(st *state) error {
		if _, ok := st.sessions[id]; !ok {
			return repo.ErrNotFound
		}
		delete(st.sessions, id)
		return nil
	})
}
