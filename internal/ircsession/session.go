// Package ircsession wraps one IRC server connection in the shape of the
// teacher's internal/irc.Client: a struct around *ircevent.Connection
// with AddCallback-registered handlers and a mutex-guarded state map, but
// generalized from DALnet's routing-notice domain to the join/part/
// NickServ/CTCP-DCC plumbing an XDCC-downloading bot needs, per
// SPEC_FULL.md §4.1. The registration sequence (wait on NickServ, then
// fan out configured + also_join channels with a bounded retry) is
// grounded on the original's _handle_authentication/_join_channels.
package ircsession

import (
	"crypto/tls"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"

	"github.com/dccbot/dccbot/internal/botlog"
	"github.com/dccbot/dccbot/internal/config"
	"github.com/dccbot/dccbot/internal/dcc"
)

// md5NoticeRe matches "** Transfer Completed ... md5sum: <hex>", the
// completion notice an XDCC bot sends once a transfer is verified on its
// own end.
var md5NoticeRe = regexp.MustCompile(`^\*\* Transfer Completed.+ md5sum: ([a-f0-9]{32})`)

// packAnnounceRe matches '** Sending you pack #N ("filename") [...], MD5:<hex>',
// an XDCC bot's pre-registration notice sent before the DCC SEND offer
// itself arrives.
var packAnnounceRe = regexp.MustCompile(`(?i)^\*\* Sending you pack #(\d+) \("([^"]+)"\).+, MD5:([a-f0-9]{32})`)

// xdccDeniedRe matches "XDCC SEND denied, <reason>".
var xdccDeniedRe = regexp.MustCompile(`(?i)^XDCC SEND denied, (.+)`)

// resumeEntry is a pending DCC RESUME this session sent and is waiting on
// a matching DCC ACCEPT for, mirroring the original's resume_queue tuple.
type resumeEntry struct {
	offer       *dcc.Offer
	localPath   string
	localSize   int64
	completed   bool
	requestedAt time.Time
}

// Session manages one IRC server connection: registration, channel
// membership, and CTCP/DCC message dispatch to its Hooks.
type Session struct {
	Host string
	cfg  config.ServerConfig
	conn *ircevent.Connection
	log  *botlog.Ring

	mu            sync.Mutex
	channels      map[string]time.Time           // channel -> last activity
	channelPeers  map[string]map[string]struct{} // channel -> nicks encountered there
	resumeQueue   map[string][]resumeEntry
	authenticated bool
	authCh        chan struct{}

	// lastActivity is touched by any inbound or outbound traffic on this
	// connection (not just a single channel), for server_idle_timeout's
	// whole-session idle check (spec.md §4.5).
	lastActivity time.Time

	// quitting is set by Quit, so the supervisor's reconnect loop can tell
	// a deliberate disconnect from an unexpected one.
	quitting bool

	// status is this Session's connectivity state, surfaced via the
	// control plane's /info networks field (spec.md §6).
	status string

	// Hooks are invoked from the connection's own callback goroutine;
	// implementations must not block.
	Hooks Hooks

	// ForcesSSend reports whether target (a channel or peer nick) is
	// forced onto ssend via the global ssend_map, per spec.md §4.1's
	// "target matches ssend_map" rewrite rule. nil means never.
	ForcesSSend func(target string) bool
}

// Hooks are the XDCC-domain callbacks a Session reports protocol events
// to. A supervisor wires these to internal/transfer's Engine. OnOffer
// carries no resume-state hint: the supervisor owns the download
// directory and consults internal/transfer.LocalState itself rather than
// have Session guess at on-disk state it has no business knowing about.
type Hooks struct {
	OnOffer       func(nick string, offer *dcc.Offer)
	OnAccept      func(nick string, accept *dcc.Accept)
	OnMD5Complete func(nick, md5 string)
	OnPackMD5     func(filename, md5 string)
	OnXDCCDenied  func(nick, reason string)
}

// New constructs a Session for host using cfg, without connecting.
func New(host string, cfg config.ServerConfig, log *botlog.Ring) *Session {
	s := &Session{
		Host:         host,
		cfg:          cfg,
		log:          log,
		channels:     make(map[string]time.Time),
		channelPeers: make(map[string]map[string]struct{}),
		resumeQueue:  make(map[string][]resumeEntry),
		authCh:       make(chan struct{}),
		lastActivity: time.Now(),
		status:       "disconnected",
	}

	nick := cfg.Nick
	if cfg.RandomNick {
		nick = randomizeNick(nick)
	}

	port := cfg.Port
	addr := fmt.Sprintf("%s:%d", host, port)

	s.conn = &ircevent.Connection{
		Server:      addr,
		Nick:        nick,
		User:        "dccbot",
		RealName:    "dccbot",
		QuitMessage: "shutting down",
		UseTLS:      cfg.UseTLS,
	}
	if cfg.UseTLS {
		s.conn.TLSConfig = &tls.Config{InsecureSkipVerify: !cfg.VerifySSLEnabled()}
	}

	s.registerHandlers()
	return s
}

func (s *Session) registerHandlers() {
	s.conn.AddCallback("376", s.onWelcome)
	s.conn.AddCallback("422", s.onWelcome)
	s.conn.AddCallback("PRIVMSG", s.onPrivmsg)
	s.conn.AddCallback("NOTICE", s.onPrivmsg)
	s.conn.AddCallback("JOIN", s.onJoin)
	s.conn.AddCallback("PART", s.onPart)
	s.conn.AddCallback("KICK", s.onKick)
	s.conn.AddCallback("433", s.onNickInUse)
	s.conn.AddCallback("436", s.onNickInUse)
	s.conn.AddCallback("601", s.onLoggedOut)
	s.conn.AddCallback("PING", s.onPing)
}

// onPing resets the idle clock on every keepalive, per spec.md §4.1: PING
// traffic counts as session activity even when no channel or PRIVMSG
// traffic has been seen for server_idle_timeout.
func (s *Session) onPing(e ircmsg.Message) {
	s.touch()
}

// Connect dials the server. It does not block waiting for registration
// to complete; call Loop to run the event loop.
func (s *Session) Connect() error {
	if err := s.conn.Connect(); err != nil {
		return err
	}
	s.mu.Lock()
	s.status = "connected"
	s.quitting = false
	s.mu.Unlock()
	return nil
}

// Loop runs the connection's blocking read loop.
func (s *Session) Loop() {
	s.conn.Loop()
}

// Quit disconnects with message, per spec.md §4.5's orderly shutdown.
// It marks the session as deliberately quitting so the supervisor's
// reconnect loop (spec.md §4.5) does not treat this as a network error.
func (s *Session) Quit(message string) {
	s.mu.Lock()
	s.quitting = true
	s.mu.Unlock()
	s.conn.QuitMessage = message
	s.conn.Quit()
}

// Quitting reports whether Quit has been called on this Session.
func (s *Session) Quitting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quitting
}

// Status reports this Session's connectivity state ("connected" or
// "disconnected"), for the control plane's /info networks field.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// MarkDisconnected records that this Session's connection failed
// persistently (an unexpected drop plus a failed reconnect attempt), per
// spec.md §4.5.
func (s *Session) MarkDisconnected() {
	s.mu.Lock()
	s.status = "disconnected"
	s.mu.Unlock()
}

// touch records traffic on this connection, for server_idle_timeout's
// whole-session idle check.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleSince reports when this Session last saw any traffic.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ChannelCount reports how many channels this Session currently has
// joined.
func (s *Session) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Privmsg sends a message to target verbatim, bypassing the ssend
// rewrite rules; used for protocol traffic (NickServ IDENTIFY) that must
// never be rewritten.
func (s *Session) Privmsg(target, message string) {
	s.conn.Privmsg(target, message)
}

// Msg sends message to target, applying spec.md §4.1's ssend rewrite:
// "xdcc send " becomes "xdcc ssend " (and "xdcc batch " becomes
// "xdcc sbatch ") when target is a channel in rewrite_to_ssend or
// matches the global ssend_map. This is the control plane's generic
// /msg entry point.
func (s *Session) Msg(target, message string) {
	s.conn.Privmsg(target, s.rewriteSSend(target, message))
	s.touch()
	s.touchChannel(target)
}

func (s *Session) rewriteSSend(target, command string) string {
	forced := s.cfg.RewritesChannel(target) || (s.ForcesSSend != nil && s.ForcesSSend(target))
	if !forced {
		return command
	}
	lower := strings.ToLower(command)
	switch {
	case strings.HasPrefix(lower, "xdcc send "):
		return "xdcc ssend " + command[len("xdcc send "):]
	case strings.HasPrefix(lower, "xdcc batch "):
		return "xdcc sbatch " + command[len("xdcc batch "):]
	default:
		return command
	}
}

// CTCPReply sends a CTCP reply (e.g. a DCC RESUME or DCC ACCEPT) to nick
// as a NOTICE, the conventional framing for CTCP responses.
func (s *Session) CTCPReply(nick, tag, payload string) {
	s.conn.Notice(nick, dcc.WrapCTCP(tag, payload))
}

// RequestPack sends an XDCC pack request, rewriting "xdcc send N" to
// "xdcc ssend N" when the target config forces SSL, per spec.md §4.1's
// ssend rewrite rule.
func (s *Session) RequestPack(target, command string) {
	s.Msg(target, command)
}

func (s *Session) touchChannel(target string) {
	s.mu.Lock()
	if _, ok := s.channels[strings.ToLower(target)]; ok {
		s.channels[strings.ToLower(target)] = time.Now()
	}
	s.mu.Unlock()
}

// Join joins channel if not already joined, idempotently per spec.md
// §4.1.
func (s *Session) Join(channel string) {
	s.touch()
	s.mu.Lock()
	_, already := s.channels[strings.ToLower(channel)]
	s.mu.Unlock()
	if already || channel == "" {
		return
	}
	s.conn.Join(channel)
}

// Part leaves channel if currently joined. reason is not sent: the PART
// line carries no part message.
func (s *Session) Part(channel, reason string) {
	s.touch()
	s.mu.Lock()
	_, joined := s.channels[strings.ToLower(channel)]
	s.mu.Unlock()
	if !joined {
		return
	}
	s.conn.Part(channel)
	_ = reason
}

// IdleChannels returns the channels that have had no XDCC request
// activity for longer than timeout, for a supervisor to part. Whether a
// peer encountered in the channel has an active Transfer is the
// supervisor's call (it owns the Registry), not this Session's.
func (s *Session) IdleChannels(timeout time.Duration) []string {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var idle []string
	for ch, last := range s.channels {
		if now.Sub(last) > timeout {
			idle = append(idle, ch)
		}
	}
	return idle
}

// PeersInChannel returns the nicks this Session has seen join or speak in
// channel, for the supervisor's idle-reclamation check against the
// Registry (spec.md §4.5: "no part occurs while any related Transfer is
// active").
func (s *Session) PeersInChannel(channel string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := s.channelPeers[strings.ToLower(channel)]
	out := make([]string, 0, len(peers))
	for nick := range peers {
		out = append(out, nick)
	}
	return out
}

func (s *Session) rememberPeer(channel, nick string) {
	ch := strings.ToLower(channel)
	if s.channelPeers[ch] == nil {
		s.channelPeers[ch] = make(map[string]struct{})
	}
	s.channelPeers[ch][nick] = struct{}{}
}

// JoinAll joins cfg.Channels plus their also_join fan-out, retrying for
// up to 10 seconds the way the original's _join_channels does.
func (s *Session) JoinAll() {
	waiting := make(map[string]struct{})
	for _, ch := range s.cfg.Channels {
		s.Join(ch)
		waiting[strings.ToLower(ch)] = struct{}{}
		for _, also := range s.cfg.AlsoJoin[ch] {
			s.Join(also)
			waiting[strings.ToLower(also)] = struct{}{}
		}
	}

	for retry := 0; retry < 10 && len(waiting) > 0; retry++ {
		time.Sleep(time.Second)
		s.mu.Lock()
		for ch := range waiting {
			if _, ok := s.channels[ch]; ok {
				delete(waiting, ch)
			}
		}
		s.mu.Unlock()
	}

	if len(waiting) > 0 {
		names := make([]string, 0, len(waiting))
		for ch := range waiting {
			names = append(names, ch)
		}
		s.log.Warningf("failed to join channels %s after 10 seconds", strings.Join(names, ", "))
	}
}

func (s *Session) onWelcome(ircmsg.Message) {
	if s.cfg.NickservPassword != "" {
		s.conn.Privmsg("NickServ", "IDENTIFY "+s.cfg.NickservPassword)
		go s.waitForAuth()
	} else {
		go s.JoinAll()
	}
}

func (s *Session) waitForAuth() {
	select {
	case <-s.authCh:
	case <-time.After(10 * time.Second):
		s.log.Warningf("%s: timed out waiting for NickServ authentication", s.Host)
	}
	s.JoinAll()
}

func (s *Session) onLoggedOut(ircmsg.Message) {
	s.mu.Lock()
	s.authenticated = false
	s.authCh = make(chan struct{})
	s.mu.Unlock()
}

func (s *Session) markAuthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authenticated {
		return
	}
	s.authenticated = true
	close(s.authCh)
}

// onJoin records any nick's arrival in a channel (for PeersInChannel's
// idle-reclamation check), and separately tracks this Session's own
// membership in s.channels.
func (s *Session) onJoin(e ircmsg.Message) {
	if len(e.Params) == 0 {
		return
	}
	nick := e.Nick()
	ch := strings.ToLower(e.Params[0])

	s.mu.Lock()
	s.rememberPeer(ch, nick)
	if strings.EqualFold(nick, s.conn.CurrentNick()) {
		s.channels[ch] = time.Now()
	}
	s.mu.Unlock()
}

func (s *Session) onPart(e ircmsg.Message) {
	if len(e.Params) == 0 {
		return
	}
	nick := e.Nick()
	ch := strings.ToLower(e.Params[0])

	s.mu.Lock()
	if peers, ok := s.channelPeers[ch]; ok {
		delete(peers, nick)
	}
	if strings.EqualFold(nick, s.conn.CurrentNick()) {
		delete(s.channels, ch)
		delete(s.channelPeers, ch)
	}
	s.mu.Unlock()
}

func (s *Session) onKick(e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}
	kicked := e.Params[1]
	ch := strings.ToLower(e.Params[0])

	s.mu.Lock()
	if peers, ok := s.channelPeers[ch]; ok {
		delete(peers, kicked)
	}
	if strings.EqualFold(kicked, s.conn.CurrentNick()) {
		delete(s.channels, ch)
		delete(s.channelPeers, ch)
	}
	s.mu.Unlock()
}

func (s *Session) onNickInUse(ircmsg.Message) {
	alt := s.conn.CurrentNick() + "_"
	s.conn.SetNick(alt)
}

// onPrivmsg dispatches both ordinary text messages (MD5 notices, pack
// announcements, XDCC-denied errors) and CTCP DCC payloads, mirroring the
// original's on_ctcp routing DCC traffic and everything else to
// on_privmsg.
func (s *Session) onPrivmsg(e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}
	s.touch()

	nick := e.Nick()
	target := e.Params[0]
	text := e.Params[1]

	if strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&") {
		s.mu.Lock()
		s.rememberPeer(target, nick)
		s.mu.Unlock()
	}

	if tag, payload, ok := dcc.StripCTCP(text); ok {
		s.dispatchCTCP(nick, tag, payload)
		return
	}

	if strings.EqualFold(nick, "NickServ") && strings.Contains(strings.ToLower(text), "identified") {
		s.markAuthenticated()
	}

	if m := md5NoticeRe.FindStringSubmatch(text); m != nil && s.Hooks.OnMD5Complete != nil {
		s.Hooks.OnMD5Complete(nick, m[1])
	}
	if m := packAnnounceRe.FindStringSubmatch(text); m != nil && s.Hooks.OnPackMD5 != nil {
		s.Hooks.OnPackMD5(m[2], m[3])
	}
	if m := xdccDeniedRe.FindStringSubmatch(text); m != nil && s.Hooks.OnXDCCDenied != nil {
		s.Hooks.OnXDCCDenied(nick, m[1])
	}
}

func (s *Session) dispatchCTCP(nick, tag, payload string) {
	switch {
	case tag == "VERSION":
		s.conn.Notice(nick, dcc.WrapCTCP("VERSION", "dccbot 1.0"))
	case tag == "DCC" && strings.HasPrefix(payload, "ACCEPT "):
		accept, err := dcc.ParseAccept(strings.TrimPrefix(payload, "ACCEPT "))
		if err != nil {
			s.log.Warningf("invalid DCC ACCEPT from %s: %v", nick, err)
			return
		}
		if s.Hooks.OnAccept != nil {
			s.Hooks.OnAccept(nick, accept)
		}
	case tag == "DCC" && strings.HasPrefix(payload, "SEND "):
		s.dispatchOffer(nick, dcc.KindSend, strings.TrimPrefix(payload, "SEND "))
	case tag == "DCC" && strings.HasPrefix(payload, "SSEND "):
		s.dispatchOffer(nick, dcc.KindSSend, strings.TrimPrefix(payload, "SSEND "))
	}
}

func (s *Session) dispatchOffer(nick string, kind dcc.Kind, rest string) {
	offer, err := dcc.ParseOffer(kind, rest)
	if err != nil {
		s.log.Warningf("invalid DCC %s from %s: %v", kind, nick, err)
		return
	}
	if s.Hooks.OnOffer != nil {
		s.Hooks.OnOffer(nick, offer)
	}
}

// QueueResume records a pending DCC RESUME this session sent to nick so a
// later DCC ACCEPT can be matched back to it, and sends the RESUME CTCP
// itself.
func (s *Session) QueueResume(nick string, offer *dcc.Offer, localPath string, localSize int64, completed bool) {
	s.mu.Lock()
	s.resumeQueue[nick] = append(s.resumeQueue[nick], resumeEntry{
		offer:       offer,
		localPath:   localPath,
		localSize:   localSize,
		completed:   completed,
		requestedAt: time.Now(),
	})
	s.mu.Unlock()

	s.CTCPReply(nick, "DCC", dcc.FormatResume(offer.Filename, offer.Port, localSize))
}

// MatchResume finds and removes a resumeEntry queued for nick whose port
// and resume position match accept, per the original's on_dcc_accept
// matching loop.
func (s *Session) MatchResume(nick string, accept *dcc.Accept) (*dcc.Offer, string, int64, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.resumeQueue[nick]
	for i, entry := range entries {
		if entry.offer.Port != accept.Port || entry.localSize != accept.Position {
			continue
		}
		s.resumeQueue[nick] = append(entries[:i], entries[i+1:]...)
		if len(s.resumeQueue[nick]) == 0 {
			delete(s.resumeQueue, nick)
		}
		return entry.offer, entry.localPath, entry.localSize, entry.completed, true
	}
	return nil, "", 0, false, false
}

// ExpiredResume describes a DCC RESUME this session sent that never got a
// matching DCC ACCEPT within resume_timeout, per spec.md §4.3 step 2:
// "if the timeout elapses, delete the partial and restart from 0."
type ExpiredResume struct {
	Nick      string
	Offer     *dcc.Offer
	LocalPath string
}

// ExpireResumeQueue drops resume entries older than timeout, per the
// original's cleanup() resume_queue pruning, and returns them so the
// supervisor can restart each as a fresh transfer from offset 0.
func (s *Session) ExpireResumeQueue(timeout time.Duration) []ExpiredResume {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []ExpiredResume
	for nick, entries := range s.resumeQueue {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.requestedAt) <= timeout {
				kept = append(kept, e)
			} else {
				expired = append(expired, ExpiredResume{Nick: nick, Offer: e.offer, LocalPath: e.localPath})
			}
		}
		if len(kept) == 0 {
			delete(s.resumeQueue, nick)
		} else {
			s.resumeQueue[nick] = kept
		}
	}
	return expired
}

const nickSuffixAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomNickSource is seeded once per process; nick collisions only matter
// across the handful of sessions one process runs, not cryptographically.
var randomNickSource = rand.New(rand.NewSource(time.Now().UnixNano()))

// randomizeNick appends 4 random alphanumerics to base. New applies it to
// the configured nick when random_nick is set; a nick-in-use reply is
// handled separately by onNickInUse, which appends "_".
func randomizeNick(base string) string {
	suffix := make([]byte, 4)
	for i := range suffix {
		suffix[i] = nickSuffixAlphabet[randomNickSource.Intn(len(nickSuffixAlphabet))]
	}
	return base + string(suffix)
}
