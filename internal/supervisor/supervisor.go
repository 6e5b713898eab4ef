// Package supervisor wires internal/config, internal/ircsession,
// internal/registry, and internal/transfer into the single orchestration
// point spec.md §4.5 names: it owns every Session and the process-wide
// Registry, resolves which Session an operator command applies to, and
// drives the protocol events a Session reports into Engine.Begin or
// Session.QueueResume calls. Modeled on the teacher's cmd/rnexus/main.go
// wiring its irc.Client instances together, generalized from "one client
// per routed network" to "one session per configured IRC server".
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dccbot/dccbot/internal/boterr"
	"github.com/dccbot/dccbot/internal/botlog"
	"github.com/dccbot/dccbot/internal/config"
	"github.com/dccbot/dccbot/internal/dcc"
	"github.com/dccbot/dccbot/internal/ircsession"
	"github.com/dccbot/dccbot/internal/registry"
	"github.com/dccbot/dccbot/internal/transfer"
)

// session is the narrow slice of *ircsession.Session the Supervisor
// drives commands through and receives protocol callbacks from. Keeping
// it as an interface, rather than depending on the concrete type
// directly, lets tests exercise the policy decisions in handleOffer/
// handleAccept against a fake that never opens a socket.
type session interface {
	Connect() error
	Loop()
	Quit(message string)
	Quitting() bool
	Status() string
	MarkDisconnected()
	Msg(target, message string)
	CTCPReply(nick, tag, payload string)
	RequestPack(target, command string)
	Join(channel string)
	Part(channel, reason string)
	IdleChannels(timeout time.Duration) []string
	PeersInChannel(channel string) []string
	ChannelCount() int
	IdleSince() time.Time
	ExpireResumeQueue(timeout time.Duration) []ircsession.ExpiredResume
	QueueResume(nick string, offer *dcc.Offer, localPath string, localSize int64, completed bool)
	MatchResume(nick string, accept *dcc.Accept) (offer *dcc.Offer, localPath string, localSize int64, completed bool, ok bool)
}

// Supervisor is the process-wide coordinator: one per running bot.
type Supervisor struct {
	cfg    *config.GlobalConfig
	reg    *registry.Registry
	engine *transfer.Engine
	log    *botlog.Ring

	mu       sync.Mutex
	sessions map[string]session

	// advertisedMD5 holds "Sending you pack" pre-registrations keyed by
	// filename alone (the announcing peer is not recorded), claimed by
	// beginTransfer right after the Transfer is created.
	advertisedMD5 map[string]string
}

// New constructs a Supervisor for cfg. listenAddr is the address this
// process advertises for passive DCC counter-offers. Call Start to dial
// every configured server.
func New(cfg *config.GlobalConfig, log *botlog.Ring, listenAddr net.IP) *Supervisor {
	reg := registry.New(time.Duration(cfg.TransferListTimeout) * time.Second)
	sup := &Supervisor{
		cfg:           cfg,
		reg:           reg,
		engine:        transfer.New(cfg, reg, log, listenAddr),
		log:           log,
		sessions:      make(map[string]session),
		advertisedMD5: make(map[string]string),
	}

	for host := range cfg.Servers {
		sup.addSession(host)
	}
	return sup
}

func (s *Supervisor) addSession(host string) *ircsession.Session {
	sc, err := s.cfg.ResolveServer(host)
	if err != nil {
		s.log.Errorf("supervisor: %v", err)
		return nil
	}

	sess := ircsession.New(host, sc, s.log)
	sess.ForcesSSend = s.cfg.ForcesSSend
	sess.Hooks = ircsession.Hooks{
		OnOffer:       func(nick string, offer *dcc.Offer) { s.handleOffer(host, nick, offer) },
		OnAccept:      func(nick string, accept *dcc.Accept) { s.handleAccept(host, nick, accept) },
		OnMD5Complete: func(nick, md5 string) { s.handleMD5Complete(host, nick, md5) },
		OnPackMD5:     s.handlePackMD5,
		OnXDCCDenied:  func(nick, reason string) { s.log.Warningf("[%s] %s: xdcc send denied: %s", host, nick, reason) },
	}

	s.mu.Lock()
	s.sessions[host] = sess
	s.mu.Unlock()
	return sess
}

// Start dials every configured server and begins its event loop and idle
// reclamation ticker, returning once all sessions have been told to
// connect (not once registration completes — that happens asynchronously
// per spec.md §4.1).
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	hosts := make(map[string]session, len(s.sessions))
	for host, sess := range s.sessions {
		hosts[host] = sess
	}
	s.mu.Unlock()

	for host, sess := range hosts {
		if err := sess.Connect(); err != nil {
			return fmt.Errorf("connecting to %s: %w", host, err)
		}
		go s.runSession(host, sess)
		go s.idleLoop(ctx, host, sess)
	}

	go s.reapLoop(ctx)
	return nil
}

// runSession drives sess's blocking event loop. A network-level drop (Loop
// returning without Quit having been called) gets exactly one reconnect
// attempt; if that also fails, or the connection drops again afterward,
// the Session is marked Disconnected and this goroutine exits, per
// spec.md §4.5's "one reconnect attempt; persistent failures mark the
// Session Disconnected."
func (s *Supervisor) runSession(host string, sess session) {
	sess.Loop()
	if sess.Quitting() {
		return
	}

	s.log.Warningf("[%s] connection lost, attempting reconnect", host)
	if err := sess.Connect(); err != nil {
		s.log.Errorf("[%s] reconnect failed: %v", host, err)
		sess.MarkDisconnected()
		return
	}

	sess.Loop()
	if !sess.Quitting() {
		s.log.Errorf("[%s] persistent connection failure after reconnect", host)
		sess.MarkDisconnected()
	}
}

func (s *Supervisor) idleLoop(ctx context.Context, host string, sess session) {
	channelTimeout := time.Duration(s.cfg.ChannelIdleTimeout) * time.Second
	serverTimeout := time.Duration(s.cfg.ServerIdleTimeout) * time.Second
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ch := range sess.IdleChannels(channelTimeout) {
				if s.anyActivePeer(host, sess.PeersInChannel(ch)) {
					continue
				}
				sess.Part(ch, "idle timeout")
			}
			for _, expired := range sess.ExpireResumeQueue(time.Duration(s.cfg.ResumeTimeout) * time.Second) {
				s.restartFromScratch(host, expired, sess)
			}
			if sess.ChannelCount() == 0 && time.Since(sess.IdleSince()) > serverTimeout && !s.reg.ActiveForServer(host) {
				s.log.Infof("[%s] no channels and no activity for %s, quitting idle", host, serverTimeout)
				sess.Quit("idle")
				return
			}
		}
	}
}

// anyActivePeer reports whether any of peers has a non-terminal Transfer
// on host, per spec.md §4.5's "no part occurs while any related Transfer
// is active" rule.
func (s *Supervisor) anyActivePeer(host string, peers []string) bool {
	for _, peer := range peers {
		if s.reg.ActivePeer(host, peer) {
			return true
		}
	}
	return false
}

// restartFromScratch implements spec.md §4.3 step 2's resume-timeout
// fallback: the peer never sent a matching DCC ACCEPT, so the stale
// partial is discarded and the pack is re-requested as a fresh transfer
// starting at offset 0.
func (s *Supervisor) restartFromScratch(host string, expired ircsession.ExpiredResume, sess session) {
	if err := os.Remove(expired.LocalPath); err != nil && !os.IsNotExist(err) {
		s.log.Warningf("[%s] %s: removing stale partial %s: %v", host, expired.Nick, expired.LocalPath, err)
	}
	s.log.Warningf("[%s] %s: resume timed out for %s, restarting from scratch", host, expired.Nick, expired.Offer.Filename)

	key := registry.Key{Server: host, Peer: expired.Nick, Filename: expired.Offer.Filename}
	paths := transfer.ResolvePaths(s.cfg.DownloadPath, expired.Offer.Filename, s.cfg.IncompleteSuffix)
	s.beginTransfer(key, expired.Offer, paths, 0, false, sess)
}

func (s *Supervisor) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reg.Reap(time.Now())
		}
	}
}

// Shutdown quits every Session and cancels in-progress Transfers, giving
// each up to grace to finish cleanly before moving on, per spec.md §4.5's
// orderly shutdown.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	sessions := make([]session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, t := range s.reg.Snapshot() {
		if !t.View().Status.Terminal() {
			s.reg.Cancel(t.ID)
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if s.allTerminal() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, sess := range sessions {
		sess.Quit("shutting down")
	}
}

func (s *Supervisor) allTerminal() bool {
	for _, t := range s.reg.Snapshot() {
		if !t.View().Status.Terminal() {
			return false
		}
	}
	return true
}

// lookupSession resolves host to its session, or nil if unknown.
func (s *Supervisor) lookupSession(host string) session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[host]
}

// RequestPack sends an XDCC pack request on host's session through
// Session.RequestPack, which applies the same ssend rewrite as Msg. The
// control plane's /msg route calls Msg, not RequestPack.
func (s *Supervisor) RequestPack(host, target, command string) error {
	sess := s.lookupSession(host)
	if sess == nil {
		return fmt.Errorf("no session for server %q: %w", host, boterr.ErrConfigInvalid)
	}
	sess.RequestPack(target, command)
	return nil
}

// Join and Part expose §6's /join and /part operator commands.
func (s *Supervisor) Join(host, channel string) error {
	sess := s.lookupSession(host)
	if sess == nil {
		return fmt.Errorf("no session for server %q: %w", host, boterr.ErrConfigInvalid)
	}
	sess.Join(channel)
	return nil
}

func (s *Supervisor) Part(host, channel, reason string) error {
	sess := s.lookupSession(host)
	if sess == nil {
		return fmt.Errorf("no session for server %q: %w", host, boterr.ErrConfigInvalid)
	}
	sess.Part(channel, reason)
	return nil
}

// Msg sends a raw PRIVMSG, the control plane's generic /msg operation.
func (s *Supervisor) Msg(host, target, message string) error {
	sess := s.lookupSession(host)
	if sess == nil {
		return fmt.Errorf("no session for server %q: %w", host, boterr.ErrConfigInvalid)
	}
	sess.Msg(target, message)
	return nil
}

// Cancel requests cancellation of the transfer identified by id.
func (s *Supervisor) Cancel(id string) bool {
	return s.reg.Cancel(id)
}

// SessionCount reports the number of configured IRC sessions, for
// internal/metrics' dccbot_sessions gauge.
func (s *Supervisor) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Registry exposes the Supervisor's Registry for internal/metrics'
// Collector, which reads transfer state directly rather than through
// Supervisor's Backend-shaped methods.
func (s *Supervisor) Registry() *registry.Registry {
	return s.reg
}

// Networks reports the connectivity status of every configured session,
// for the control plane's /info networks field (spec.md §6).
func (s *Supervisor) Networks() []registry.NetworkStatus {
	s.mu.Lock()
	hosts := make(map[string]session, len(s.sessions))
	for host, sess := range s.sessions {
		hosts[host] = sess
	}
	s.mu.Unlock()

	out := make([]registry.NetworkStatus, 0, len(hosts))
	for host, sess := range hosts {
		out = append(out, registry.NetworkStatus{Server: host, Status: sess.Status()})
	}
	return out
}

// Snapshot returns a View of every tracked transfer, for the control
// plane's /info response.
func (s *Supervisor) Snapshot() []registry.View {
	transfers := s.reg.Snapshot()
	views := make([]registry.View, 0, len(transfers))
	for _, t := range transfers {
		views = append(views, t.View())
	}
	return views
}

// handlePackMD5 records an advertised checksum for filename ahead of the
// DCC SEND offer itself, per SPEC_FULL.md §9.
func (s *Supervisor) handlePackMD5(filename, md5 string) {
	s.mu.Lock()
	s.advertisedMD5[filename] = md5
	s.mu.Unlock()
}

func (s *Supervisor) takeAdvertisedMD5(filename string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	md5 := s.advertisedMD5[filename]
	delete(s.advertisedMD5, filename)
	return md5
}

// handleOffer validates an inbound DCC SEND/SSEND offer against policy
// (filename safety, max size, private-IP gate) and either starts a fresh
// Transfer, queues a DCC RESUME for a partial download, or skips a file
// already complete on disk, mirroring the original's on_dcc_send.
func (s *Supervisor) handleOffer(host, nick string, offer *dcc.Offer) {
	sess := s.lookupSession(host)
	if sess == nil {
		return
	}

	if !transfer.IsValidFilename(s.cfg.DownloadPath, offer.Filename) {
		s.log.Warningf("[%s] %s: rejecting offer for unsafe filename %q", host, nick, offer.Filename)
		return
	}
	if uint64(offer.Size) > s.cfg.MaxFileSize {
		s.log.Warningf("[%s] %s: rejecting %s: %d bytes exceeds max_file_size", host, nick, offer.Filename, offer.Size)
		return
	}
	if !s.cfg.AllowPrivateIPs && offer.Port != 0 && transfer.IsPrivateOrLoopback(offer.Address) {
		s.log.Warningf("[%s] %s: rejecting offer from private address %s", host, nick, offer.Address)
		return
	}

	key := registry.Key{Server: host, Peer: nick, Filename: offer.Filename}
	if existing, ok := s.reg.Lookup(key); ok && !existing.View().Status.Terminal() {
		s.log.Warningf("[%s] %s: %s: %v", host, nick, offer.Filename, boterr.ErrAlreadyActive)
		return
	}

	paths := transfer.ResolvePaths(s.cfg.DownloadPath, offer.Filename, s.cfg.IncompleteSuffix)
	path, localSize, completed := transfer.LocalState(paths, offer.Size)

	if completed || localSize > 0 {
		// A completed file still goes through DCC RESUME/ACCEPT for its
		// last 4096 bytes to confirm the transfer completes cleanly; see
		// transfer.LocalState's comment for why that window is re-requested.
		sess.QueueResume(nick, offer, path, localSize, completed)
		return
	}

	s.beginTransfer(key, offer, paths, 0, false, sess)
}

// handleAccept matches an inbound DCC ACCEPT to a resume this Session
// queued, then starts the Transfer at the confirmed offset.
func (s *Supervisor) handleAccept(host, nick string, accept *dcc.Accept) {
	sess := s.lookupSession(host)
	if sess == nil {
		return
	}
	offer, path, size, completed, ok := sess.MatchResume(nick, accept)
	if !ok {
		s.log.Warningf("[%s] %s: DCC ACCEPT with no matching RESUME", host, nick)
		return
	}
	key := registry.Key{Server: host, Peer: nick, Filename: offer.Filename}
	paths := transfer.Paths{Final: strings.TrimSuffix(path, s.cfg.IncompleteSuffix), Working: path}
	s.beginTransfer(key, offer, paths, size, completed, sess)
}

func (s *Supervisor) beginTransfer(key registry.Key, offer *dcc.Offer, paths transfer.Paths, offset int64, completed bool, sess session) {
	t, _, ok := s.engine.Begin(transfer.Request{
		Key:       key,
		Offer:     offer,
		Paths:     paths,
		Offset:    offset,
		Completed: completed,
		Sender:    sess,
	})
	if !ok {
		s.log.Warningf("[%s] %s: %s: %v", key.Server, key.Peer, key.Filename, boterr.ErrAlreadyActive)
		return
	}
	if md5 := s.takeAdvertisedMD5(offer.Filename); md5 != "" {
		t.SetExpectedMD5(md5)
	}
}

// handleMD5Complete logs the checksum an XDCC bot reports having verified
// on its own end. The value is not stored on any Transfer and is not
// compared with the MD5 this process computed.
func (s *Supervisor) handleMD5Complete(host, nick, md5 string) {
	s.log.Infof("[%s] %s: peer reports transfer md5sum %s", host, nick, md5)
}
