package transport

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/germtb/corewire/internal/errs"
)

// fileMockState is FileMock's on-disk representation: the same logs Mock
// keeps in memory, serialized as JSON so multiple corewire-debug processes
// (one per installation, as in a local multi-party demo) can share a single
// simulated network by pointing at the same file.
type fileMockState struct {
	GroupMsgs   map[string][]Envelope `json:"group_messages"`
	Welcomes    []Envelope            `json:"welcomes"`
	CommitLogs  map[string][]Envelope `json:"commit_logs"`
	KeyPackages map[string][][]byte   `json:"key_packages"`
}

// FileMock is a Transport backed by a JSON file on disk: every Publish*
// call appends to the shared state and rewrites the file, so a second
// process reading the same path sees it on its next Fetch*. It is a debug
// convenience, not a wire protocol (spec §5 Non-goals) — no signing,
// partial-write recovery, or concurrent-writer locking beyond an in-process
// mutex.
type FileMock struct {
	mu    sync.Mutex
	path  string
	state fileMockState
}

// NewFileMock loads path if it exists, or starts from empty state.
func NewFileMock(path string) (*FileMock, error) {
	m := &FileMock{
		path: path,
		state: fileMockState{
			GroupMsgs:   make(map[string][]Envelope),
			CommitLogs:  make(map[string][]Envelope),
			KeyPackages: make(map[string][][]byte),
		},
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "transport.NewFileMock", "read", err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "transport.NewFileMock", "unmarshal", err)
	}
	if m.state.GroupMsgs == nil {
		m.state.GroupMsgs = make(map[string][]Envelope)
	}
	if m.state.CommitLogs == nil {
		m.state.CommitLogs = make(map[string][]Envelope)
	}
	if m.state.KeyPackages == nil {
		m.state.KeyPackages = make(map[string][][]byte)
	}
	return m, nil
}

func (m *FileMock) save() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindStorage, "transport.FileMock.save", "marshal", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return errs.Wrap(errs.KindStorage, "transport.FileMock.save", "write", err)
	}
	return nil
}

func (m *FileMock) PublishGroupMessages(ctx context.Context, groupID []byte, payloads [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(groupID)
	for _, p := range payloads {
		m.state.GroupMsgs[key] = append(m.state.GroupMsgs[key], Envelope{
			Kind: "group_message", GroupID: groupID, Payload: p, Sequence: int64(len(m.state.GroupMsgs[key]) + 1),
		})
	}
	return m.save()
}

func (m *FileMock) FetchGroupMessages(ctx context.Context, groupID []byte, afterSequence int64) ([]Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Envelope
	for _, env := range m.state.GroupMsgs[string(groupID)] {
		if env.Sequence > afterSequence {
			out = append(out, env)
		}
	}
	return out, nil
}

func (m *FileMock) PublishWelcomes(ctx context.Context, welcomes []Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, env := range welcomes {
		env.Sequence = int64(len(m.state.Welcomes) + 1)
		m.state.Welcomes = append(m.state.Welcomes, env)
	}
	return m.save()
}

func (m *FileMock) FetchWelcomes(ctx context.Context, installationKey []byte, afterSequence int64) ([]Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Envelope
	for _, env := range m.state.Welcomes {
		if env.Sequence > afterSequence {
			out = append(out, env)
		}
	}
	return out, nil
}

func (m *FileMock) PublishCommitLogEntries(ctx context.Context, groupID []byte, entries [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(groupID)
	for _, e := range entries {
		m.state.CommitLogs[key] = append(m.state.CommitLogs[key], Envelope{
			Kind: "commit_log", GroupID: groupID, Payload: e, Sequence: int64(len(m.state.CommitLogs[key]) + 1),
		})
	}
	return m.save()
}

func (m *FileMock) FetchCommitLogEntries(ctx context.Context, groupID []byte, afterSequence int64) ([]Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Envelope
	for _, env := range m.state.CommitLogs[string(groupID)] {
		if env.Sequence > afterSequence {
			out = append(out, env)
		}
	}
	return out, nil
}

func (m *FileMock) PublishKeyPackages(ctx context.Context, installationKey []byte, keyPackages [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.KeyPackages[string(installationKey)] = append(m.state.KeyPackages[string(installationKey)], keyPackages...)
	return m.save()
}

func (m *FileMock) FetchKeyPackages(ctx context.Context, inboxIDs []string) (map[string][][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][][]byte, len(inboxIDs))
	for _, id := range inboxIDs {
		out[id] = m.state.KeyPackages[id]
	}
	return out, nil
}

// Subscribe is a no-op stream for FileMock: a separate process can't push
// into this one's channel, so a debug session observes new state only by
// running another command, not by holding a live subscription open.
func (m *FileMock) Subscribe(ctx context.Context, groupIDs [][]byte, installationKey []byte) (<-chan Envelope, error) {
	out := make(chan Envelope)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}
