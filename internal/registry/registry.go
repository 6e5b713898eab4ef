// Package registry tracks in-flight and recently finished Transfers,
// generalizing the original's bot_manager.transfers dict-of-lists (keyed
// by filename, with one entry per concurrent peer/server) into a typed
// Go map with a single mutex, in the spirit of the teacher's irc.Client
// which guards its state maps the same way. Status values follow the
// original's string states ("started", "in_progress", "completed",
// "error", "failed") generalized into a Go string enum, supplemented with
// the richer taxonomy other_examples' Elfshot-go-xdcc types.go models
// (pending/in-progress/completed/failed/canceled).
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Transfer.
type Status string

const (
	StatusPending    Status = "pending"
	StatusResuming   Status = "resuming"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a state a Transfer will never leave.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Key identifies a Transfer by the (server, peer, filename) triple
// spec.md uses to detect an in-flight duplicate request.
type Key struct {
	Server   string
	Peer     string
	Filename string
}

// Transfer is the complete record of one XDCC pack download, mirroring
// the original's transfer_item dict fields.
type Transfer struct {
	ID           string
	Server       string
	Peer         string
	Filename     string
	FilePath     string
	PeerAddress  string
	PeerPort     uint16
	StartTime    time.Time
	CompleteTime time.Time
	Offset       int64
	BytesReceived int64
	Size         int64
	TLS          bool
	MD5          string
	ExpectedMD5  string
	Status       Status
	Err          error

	mu sync.Mutex
	// cancel, when non-nil, tells the owning Engine to abort the
	// transfer; Registry never calls it directly, it only stores it so
	// Cancel can reach across goroutines.
	cancel func()
}

// Percent reports transfer completion in [0, 100].
func (t *Transfer) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Size <= 0 {
		return 0
	}
	return int(100 * (t.Offset + t.BytesReceived) / t.Size)
}

// SetCancel installs the function Cancel will invoke. Called once by the
// Engine that owns the transfer's goroutine.
func (t *Transfer) SetCancel(cancel func()) {
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
}

// setStatus updates Status under the transfer's own lock, independent of
// the Registry's lock, so progress updates from a transfer's own
// goroutine don't contend with registry-wide snapshots.
func (t *Transfer) setStatus(s Status) {
	t.mu.Lock()
	t.Status = s
	t.mu.Unlock()
}

// AddProgress records n newly received bytes and returns the updated
// total, for the Engine's chunk loop to report without reaching into
// Transfer's fields directly.
func (t *Transfer) AddProgress(n int64) int64 {
	t.mu.Lock()
	t.BytesReceived += n
	total := t.Offset + t.BytesReceived
	t.mu.Unlock()
	return total
}

// SetPeerInfo records the resolved peer address/port/TLS flag once a
// transfer's DCC socket is established.
func (t *Transfer) SetPeerInfo(address string, port uint16, tls bool) {
	t.mu.Lock()
	t.PeerAddress = address
	t.PeerPort = port
	t.TLS = tls
	t.mu.Unlock()
}

// SetFilePath updates the on-disk path a Transfer writes to, used when
// renaming the working (.incomplete) path to its final name.
func (t *Transfer) SetFilePath(path string) {
	t.mu.Lock()
	t.FilePath = path
	t.mu.Unlock()
}

// ReadFilePath returns the on-disk path currently associated with t, for
// callers (the Engine's abort path) that need to act on a failed
// transfer's partial file.
func (t *Transfer) ReadFilePath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.FilePath
}

// SetStartTime records when the transfer's socket-level work began.
func (t *Transfer) SetStartTime(when time.Time) {
	t.mu.Lock()
	t.StartTime = when
	t.mu.Unlock()
}

// SetMD5 records the checksum computed once the download finishes.
func (t *Transfer) SetMD5(sum string) {
	t.mu.Lock()
	t.MD5 = sum
	t.mu.Unlock()
}

// ReadExpectedMD5 returns the checksum advertised ahead of the transfer,
// if any.
func (t *Transfer) ReadExpectedMD5() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ExpectedMD5
}

// SetExpectedMD5 records the checksum an XDCC bot advertised ahead of the
// transfer (via its "Sending you pack" announcement), for the Engine to
// verify against once the download completes.
func (t *Transfer) SetExpectedMD5(md5 string) {
	t.mu.Lock()
	t.ExpectedMD5 = md5
	t.mu.Unlock()
}

// View is a point-in-time, lock-free copy of a Transfer's fields, safe to
// marshal to JSON or hold onto after the Transfer itself has been reaped.
type View struct {
	ID            string
	Server        string
	Peer          string
	Filename      string
	FilePath      string
	PeerAddress   string
	PeerPort      uint16
	StartTime     time.Time
	CompleteTime  time.Time
	Offset        int64
	BytesReceived int64
	Size          int64
	TLS           bool
	MD5           string
	Status        Status
	Percent       int
	Err           string
}

// View copies t's fields under its own lock, for callers (the control
// plane, /info) that must not race the transfer's own goroutine.
func (t *Transfer) View() View {
	t.mu.Lock()
	defer t.mu.Unlock()

	var percent int
	if t.Size > 0 {
		percent = int(100 * (t.Offset + t.BytesReceived) / t.Size)
	}
	var errStr string
	if t.Err != nil {
		errStr = t.Err.Error()
	}

	return View{
		ID:            t.ID,
		Server:        t.Server,
		Peer:          t.Peer,
		Filename:      t.Filename,
		FilePath:      t.FilePath,
		PeerAddress:   t.PeerAddress,
		PeerPort:      t.PeerPort,
		StartTime:     t.StartTime,
		CompleteTime:  t.CompleteTime,
		Offset:        t.Offset,
		BytesReceived: t.BytesReceived,
		Size:          t.Size,
		TLS:           t.TLS,
		MD5:           t.MD5,
		Status:        t.Status,
		Percent:       percent,
		Err:           errStr,
	}
}

// Handle is a weak reference to a Transfer: holding one does not keep the
// Registry from reaping the transfer once it goes terminal, matching
// spec.md §9's "handles are observers, not owners" decision.
type Handle struct {
	id  string
	reg *Registry
}

// Get resolves the handle to its live Transfer, or nil if the Registry
// has already reaped it.
func (h Handle) Get() *Transfer {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	return h.reg.byID[h.id]
}

// ID returns the transfer ID this handle refers to.
func (h Handle) ID() string { return h.id }

// Registry is the process-wide table of Transfers, serialized by one
// mutex the way the teacher's irc.Client serializes its map accesses.
type Registry struct {
	mu           sync.Mutex
	byID         map[string]*Transfer
	byKey        map[Key]*Transfer
	retention    time.Duration
}

// New constructs an empty Registry. retention is how long a terminal
// Transfer is kept around for /info queries before Reap drops it,
// matching spec.md's transfer_list_timeout.
func New(retention time.Duration) *Registry {
	return &Registry{
		byID:      make(map[string]*Transfer),
		byKey:     make(map[Key]*Transfer),
		retention: retention,
	}
}

// Begin inserts a new Transfer for key, or returns ErrAlreadyActive's
// caller-visible signal (ok=false) if a non-terminal Transfer already
// holds that key, per spec.md §4.4's de-duplication invariant.
func (r *Registry) Begin(key Key, size, offset int64) (*Transfer, Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byKey[key]; ok && !existing.Status.Terminal() {
		return existing, Handle{id: existing.ID, reg: r}, false
	}

	t := &Transfer{
		ID:       uuid.NewString(),
		Server:   key.Server,
		Peer:     key.Peer,
		Filename: key.Filename,
		Offset:   offset,
		Size:     size,
		Status:   StatusPending,
	}
	r.byID[t.ID] = t
	r.byKey[key] = t
	return t, Handle{id: t.ID, reg: r}, true
}

// Lookup returns the Transfer registered under key, if any.
func (r *Registry) Lookup(key Key) (*Transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byKey[key]
	return t, ok
}

// Transition moves t into status s, recording err when s is terminal.
func (r *Registry) Transition(t *Transfer, s Status, err error) {
	t.setStatus(s)
	if s.Terminal() {
		t.mu.Lock()
		t.Err = err
		t.CompleteTime = time.Now()
		t.mu.Unlock()
	}
}

// Cancel requests cancellation of the transfer identified by id. It
// reports false if no such transfer is registered or it has already
// reached a terminal state.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	t, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return false
	}

	t.mu.Lock()
	cancel := t.cancel
	terminal := t.Status.Terminal()
	t.mu.Unlock()

	if terminal || cancel == nil {
		return false
	}
	cancel()
	return true
}

// ActiveForServer reports whether any non-terminal Transfer is tracked for
// server, for the supervisor's whole-session idle check (spec.md §4.5:
// a Session quits idle only when it has no joined channels and no active
// Transfer).
func (r *Registry) ActiveForServer(server string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.byID {
		t.mu.Lock()
		active := t.Server == server && !t.Status.Terminal()
		t.mu.Unlock()
		if active {
			return true
		}
	}
	return false
}

// ActivePeer reports whether peer has a non-terminal Transfer on server,
// for the supervisor's per-channel idle-reclamation check (spec.md §4.5:
// "no part occurs while any related Transfer is active").
func (r *Registry) ActivePeer(server, peer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.byID {
		t.mu.Lock()
		active := t.Server == server && strings.EqualFold(t.Peer, peer) && !t.Status.Terminal()
		t.mu.Unlock()
		if active {
			return true
		}
	}
	return false
}

// NetworkStatus is a point-in-time summary of one configured IRC session,
// reported via the control plane's /info networks field (spec.md §6).
type NetworkStatus struct {
	Server string `json:"server"`
	Status string `json:"status"`
}

// Snapshot returns every tracked Transfer, for /info responses and the
// control plane's periodic WebSocket push.
func (r *Registry) Snapshot() []*Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Transfer, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	return out
}

// Reap drops transfers that finished (successfully, cancelled, or failed)
// more than retention ago, reclaiming both indexes. It is meant to be
// driven from a periodic ticker by the owning supervisor.
func (r *Registry) Reap(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.byID {
		t.mu.Lock()
		expired := t.Status.Terminal() && now.Sub(t.CompleteTime) > r.retention
		key := Key{Server: t.Server, Peer: t.Peer, Filename: t.Filename}
		t.mu.Unlock()

		if !expired {
			continue
		}
		delete(r.byID, id)
		if r.byKey[key] == t {
			delete(r.byKey, key)
		}
	}
}
