package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pacebot/internal/model"
	logx "pacebot/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps everything in memory and persists it as:
//   - <prefix>.snapshot.json     (periodic snapshot)
//   - <prefix>.journal.jsonl     (append-only journal since the snapshot)
//   - <prefix>.actions.jsonl     (append-only audit trail)
//
// The journal is compacted into the snapshot every compactEvery writes
// and on open.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	actionsPath  string
	actions      *os.File

	state  fileState
	writes int
}

type fileState struct {
	Tasks    map[string]*model.Task   `json:"tasks"`
	Accounts map[string]model.Account `json:"accounts"`
	Proxies  map[string]model.Proxy   `json:"proxies"`
}

type journalRecord struct {
	Op      string         `json:"op"`
	ID      string         `json:"id,omitempty"`
	Task    *model.Task    `json:"task,omitempty"`
	Account *model.Account `json:"account,omitempty"`
	Proxy   *model.Proxy   `json:"proxy,omitempty"`
}

const (
	opTask       = "task"
	opTaskDelete = "task.delete"
	opAccount    = "account"
	opProxy      = "proxy"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		actionsPath:  prefix + ".actions.jsonl",
		state:        newFileState(),
	}
	journalPath := prefix + ".journal.jsonl"

	if err := loadSnapshot(s.snapshotPath, &s.state); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, &s.state); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(s.actionsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal = jf
	s.actions = af

	if err := s.compactLocked(); err != nil {
		log.Warn("initial compact failed", logx.Err(err))
	}
	return s, nil
}

func newFileState() fileState {
	return fileState{
		Tasks:    map[string]*model.Task{},
		Accounts: map[string]model.Account{},
		Proxies:  map[string]model.Proxy{},
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	if cerr := s.actions.Close(); err == nil {
		err = cerr
	}
	s.journal, s.actions = nil, nil
	return err
}

func (s *fileStore) SaveTask(_ context.Context, t *model.Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task id is required")
	}
	cp := t.Clone()
	return s.write(journalRecord{Op: opTask, ID: cp.ID, Task: cp})
}

func (s *fileStore) LoadTasks(_ context.Context, statuses ...model.Status) ([]*model.Task, error) {
	keep := statusFilter(statuses)
	s.mu.Lock()
	out := make([]*model.Task, 0, len(s.state.Tasks))
	for _, t := range s.state.Tasks {
		if keep(t.Status) {
			out = append(out, t.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.state.Tasks[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return s.write(journalRecord{Op: opTaskDelete, ID: id})
}

func (s *fileStore) SaveAccount(_ context.Context, a model.Account) error {
	if a.ID == "" {
		return errors.New("account id is required")
	}
	return s.write(journalRecord{Op: opAccount, ID: a.ID, Account: &a})
}

func (s *fileStore) LoadAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.Lock()
	out := make([]model.Account, 0, len(s.state.Accounts))
	for _, a := range s.state.Accounts {
		out = append(out, a)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) SaveProxy(_ context.Context, p model.Proxy) error {
	if p.ID == "" {
		return errors.New("proxy id is required")
	}
	return s.write(journalRecord{Op: opProxy, ID: p.ID, Proxy: &p})
}

func (s *fileStore) LoadProxies(_ context.Context) ([]model.Proxy, error) {
	s.mu.Lock()
	out := make([]model.Proxy, 0, len(s.state.Proxies))
	for _, p := range s.state.Proxies {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) AppendAction(_ context.Context, rec model.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actions == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.actions).Encode(rec)
}

// ListActions scans the audit file. It is meant for status output, not
// hot paths.
func (s *fileStore) ListActions(_ context.Context, taskID string, limit int) ([]model.ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actions == nil {
		return nil, ErrClosed
	}
	f, err := os.Open(s.actionsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.ActionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec model.ActionRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.TaskID != taskID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	}
	return out, sc.Err()
}

func (s *fileStore) write(r journalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	applyRecord(&s.state, r)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func applyRecord(st *fileState, r journalRecord) {
	switch r.Op {
	case opTask:
		if r.Task != nil {
			st.Tasks[r.ID] = r.Task
		}
	case opTaskDelete:
		delete(st.Tasks, r.ID)
	case opAccount:
		if r.Account != nil {
			st.Accounts[r.ID] = *r.Account
		}
	case opProxy:
		if r.Proxy != nil {
			st.Proxies[r.ID] = *r.Proxy
		}
	}
}

// compactLocked writes the snapshot atomically and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st := newFileState()
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Tasks {
		out.Tasks[k] = v
	}
	for k, v := range st.Accounts {
		out.Accounts[k] = v
	}
	for k, v := range st.Proxies {
		out.Proxies[k] = v
	}
	return nil
}

// replayJournal applies journal records; a torn last line is skipped.
func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		applyRecord(out, r)
	}
	return sc.Err()
}
