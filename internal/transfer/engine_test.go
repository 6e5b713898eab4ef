package transfer

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dccbot/dccbot/internal/botlog"
	"github.com/dccbot/dccbot/internal/config"
	"github.com/dccbot/dccbot/internal/dcc"
	"github.com/dccbot/dccbot/internal/registry"
)

type noopSender struct{}

func (noopSender) CTCPReply(string, string, string) {}

func startPeer(t *testing.T, payload []byte) (net.IP, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		conn.Write(payload)

		ack := make([]byte, 4)
		for read := 0; read < len(payload); {
			n, err := conn.Read(ack)
			if err != nil {
				return
			}
			read = int(binary.BigEndian.Uint32(ack[:n]))
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP, uint16(addr.Port)
}

func TestEngineCompletesActiveTransfer(t *testing.T) {
	payload := append([]byte{0x50, 0x4B, 0x03, 0x04}, make([]byte, 100)...)
	ip, port := startPeer(t, payload)

	dir := t.TempDir()
	cfg := &config.GlobalConfig{}
	reg := registry.New(time.Hour)
	ring := botlog.NewRing()
	engine := New(cfg, reg, ring, net.ParseIP("127.0.0.1"))

	offer := &dcc.Offer{Kind: dcc.KindSend, Filename: "movie.zip", Address: ip, Port: port, Size: int64(len(payload))}
	paths := ResolvePaths(dir, "movie.zip", ".incomplete")

	tr, _, ok := engine.Begin(Request{
		Key:    registry.Key{Server: "irc.example.org", Peer: "xdcc-bot", Filename: "movie.zip"},
		Offer:  offer,
		Paths:  paths,
		Sender: noopSender{},
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return tr.View().Status == registry.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "movie.zip"))
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestEngineRejectsDisallowedMimetype(t *testing.T) {
	payload := append([]byte{0x50, 0x4B, 0x03, 0x04}, make([]byte, 100)...)
	ip, port := startPeer(t, payload)

	dir := t.TempDir()
	cfg := &config.GlobalConfig{AllowedMimetypes: []string{"video/x-matroska"}}
	reg := registry.New(time.Hour)
	ring := botlog.NewRing()
	engine := New(cfg, reg, ring, net.ParseIP("127.0.0.1"))

	offer := &dcc.Offer{Kind: dcc.KindSend, Filename: "movie.zip", Address: ip, Port: port, Size: int64(len(payload))}
	paths := ResolvePaths(dir, "movie.zip", ".incomplete")

	tr, _, ok := engine.Begin(Request{
		Key:    registry.Key{Server: "irc.example.org", Peer: "xdcc-bot", Filename: "movie.zip"},
		Offer:  offer,
		Paths:  paths,
		Sender: noopSender{},
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return tr.View().Status == registry.StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(paths.Working)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond, "a rejected mimetype must delete the partial download")
}

func startTricklingPeer(t *testing.T, payload []byte, chunkSize int) (net.IP, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		for off := 0; off < len(payload); off += chunkSize {
			end := off + chunkSize
			if end > len(payload) {
				end = len(payload)
			}
			if _, err := conn.Write(payload[off:end]); err != nil {
				return
			}
		}

		ack := make([]byte, 4)
		for read := 0; read < len(payload); {
			n, err := conn.Read(ack)
			if err != nil {
				return
			}
			read = int(binary.BigEndian.Uint32(ack[:n]))
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP, uint16(addr.Port)
}

// TestEngineSniffsMimeAcrossSmallReads writes a payload whose signature
// bytes arrive in a short first segment, well under the minimum sniff
// size, to prove classification waits for enough buffered data instead of
// running on whatever the first conn.Read happened to return.
func TestEngineSniffsMimeAcrossSmallReads(t *testing.T) {
	payload := append([]byte{0x50, 0x4B, 0x03, 0x04}, make([]byte, 6000)...)
	ip, port := startTricklingPeer(t, payload, 2)

	dir := t.TempDir()
	cfg := &config.GlobalConfig{AllowedMimetypes: []string{"application/zip"}}
	reg := registry.New(time.Hour)
	ring := botlog.NewRing()
	engine := New(cfg, reg, ring, net.ParseIP("127.0.0.1"))

	offer := &dcc.Offer{Kind: dcc.KindSend, Filename: "movie.zip", Address: ip, Port: port, Size: int64(len(payload))}
	paths := ResolvePaths(dir, "movie.zip", ".incomplete")

	tr, _, ok := engine.Begin(Request{
		Key:    registry.Key{Server: "irc.example.org", Peer: "xdcc-bot", Filename: "movie.zip"},
		Offer:  offer,
		Paths:  paths,
		Sender: noopSender{},
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return tr.View().Status == registry.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "movie.zip"))
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestEngineCompletesZeroSizeTransfer(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.GlobalConfig{}
	reg := registry.New(time.Hour)
	ring := botlog.NewRing()
	engine := New(cfg, reg, ring, net.ParseIP("127.0.0.1"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	addr := ln.Addr().(*net.TCPAddr)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	offer := &dcc.Offer{Kind: dcc.KindSend, Filename: "empty.bin", Address: addr.IP, Port: uint16(addr.Port), Size: 0}
	paths := ResolvePaths(dir, "empty.bin", ".incomplete")

	tr, _, ok := engine.Begin(Request{
		Key:    registry.Key{Server: "irc.example.org", Peer: "xdcc-bot", Filename: "empty.bin"},
		Offer:  offer,
		Paths:  paths,
		Sender: noopSender{},
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return tr.View().Status == registry.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "empty.bin"))
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestEnginePassiveDCCListensAndAccepts(t *testing.T) {
	payload := append([]byte{0x50, 0x4B, 0x03, 0x04}, make([]byte, 100)...)

	dir := t.TempDir()
	cfg := &config.GlobalConfig{ResumeTimeout: 5}
	reg := registry.New(time.Hour)
	ring := botlog.NewRing()
	engine := New(cfg, reg, ring, net.ParseIP("127.0.0.1"))

	offer := &dcc.Offer{Kind: dcc.KindSend, Filename: "movie.zip", Address: net.ParseIP("127.0.0.1"), Port: 0, Size: int64(len(payload))}
	paths := ResolvePaths(dir, "movie.zip", ".incomplete")

	sender := &capturingSender{}
	tr, _, ok := engine.Begin(Request{
		Key:    registry.Key{Server: "irc.example.org", Peer: "xdcc-bot", Filename: "movie.zip"},
		Offer:  offer,
		Paths:  paths,
		Sender: sender,
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return sender.payload() != ""
	}, time.Second, 10*time.Millisecond)

	fields := strings.Fields(sender.payload())
	require.GreaterOrEqual(t, len(fields), 4)
	advertisedPort := fields[len(fields)-2]

	port, err := strconv.Atoi(advertisedPort)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	conn.Write(payload)

	ack := make([]byte, 4)
	for read := 0; read < len(payload); {
		n, err := conn.Read(ack)
		require.NoError(t, err)
		read = int(binary.BigEndian.Uint32(ack[:n]))
	}

	require.Eventually(t, func() bool {
		return tr.View().Status == registry.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

type capturingSender struct {
	mu sync.Mutex
	p  string
}

func (s *capturingSender) CTCPReply(nick, tag, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = payload
}

func (s *capturingSender) payload() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p
}

func TestEngineSkipsMD5WhenNotRequested(t *testing.T) {
	payload := append([]byte{0x50, 0x4B, 0x03, 0x04}, make([]byte, 100)...)
	ip, port := startPeer(t, payload)

	dir := t.TempDir()
	cfg := &config.GlobalConfig{AutoMD5Sum: false}
	reg := registry.New(time.Hour)
	ring := botlog.NewRing()
	engine := New(cfg, reg, ring, net.ParseIP("127.0.0.1"))

	offer := &dcc.Offer{Kind: dcc.KindSend, Filename: "movie.zip", Address: ip, Port: port, Size: int64(len(payload))}
	paths := ResolvePaths(dir, "movie.zip", ".incomplete")

	tr, _, ok := engine.Begin(Request{
		Key:    registry.Key{Server: "irc.example.org", Peer: "xdcc-bot", Filename: "movie.zip"},
		Offer:  offer,
		Paths:  paths,
		Sender: noopSender{},
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return tr.View().Status == registry.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	require.Empty(t, tr.View().MD5, "auto_md5sum is off and no checksum was advertised")
}

func TestEngineComputesMD5WhenAdvertised(t *testing.T) {
	payload := append([]byte{0x50, 0x4B, 0x03, 0x04}, make([]byte, 100)...)
	ip, port := startPeer(t, payload)

	dir := t.TempDir()
	cfg := &config.GlobalConfig{AutoMD5Sum: false}
	reg := registry.New(time.Hour)
	ring := botlog.NewRing()
	engine := New(cfg, reg, ring, net.ParseIP("127.0.0.1"))

	offer := &dcc.Offer{Kind: dcc.KindSend, Filename: "movie.zip", Address: ip, Port: port, Size: int64(len(payload))}
	paths := ResolvePaths(dir, "movie.zip", ".incomplete")

	tr, _, ok := engine.Begin(Request{
		Key:    registry.Key{Server: "irc.example.org", Peer: "xdcc-bot", Filename: "movie.zip"},
		Offer:  offer,
		Paths:  paths,
		Sender: noopSender{},
	})
	require.True(t, ok)
	tr.SetExpectedMD5("deadbeefdeadbeefdeadbeefdeadbeef")

	require.Eventually(t, func() bool {
		return tr.View().Status.Terminal()
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, registry.StatusFailed, tr.View().Status, "advertised checksum mismatch must fail the transfer")
	require.NotEmpty(t, tr.View().MD5, "md5 is computed once a checksum was advertised, even with auto_md5sum off")
}

func TestEngineCompletedResumeRenamesToFinalName(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.GlobalConfig{}
	reg := registry.New(time.Hour)
	ring := botlog.NewRing()
	engine := New(cfg, reg, ring, net.ParseIP("127.0.0.1"))

	paths := ResolvePaths(dir, "movie.zip", ".incomplete")
	require.NoError(t, os.WriteFile(paths.Working, make([]byte, 100), 0o644))

	offer := &dcc.Offer{Kind: dcc.KindSend, Filename: "movie.zip", Address: net.ParseIP("127.0.0.1"), Port: 1, Size: 100}

	tr, _, ok := engine.Begin(Request{
		Key:       registry.Key{Server: "irc.example.org", Peer: "xdcc-bot", Filename: "movie.zip"},
		Offer:     offer,
		Paths:     paths,
		Offset:    100,
		Completed: true,
		Sender:    noopSender{},
	})
	require.True(t, ok)
	require.Equal(t, registry.StatusCompleted, tr.View().Status)
	require.Equal(t, paths.Final, tr.View().FilePath)

	_, err := os.Stat(paths.Final)
	require.NoError(t, err)
	_, err = os.Stat(paths.Working)
	require.True(t, os.IsNotExist(err), "the .incomplete working path must not survive a completed resume")
}

func TestEngineRejectsDuplicateKey(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.GlobalConfig{}
	reg := registry.New(time.Hour)
	ring := botlog.NewRing()
	engine := New(cfg, reg, ring, net.ParseIP("127.0.0.1"))

	key := registry.Key{Server: "irc.example.org", Peer: "xdcc-bot", Filename: "movie.zip"}
	offer := &dcc.Offer{Kind: dcc.KindSend, Filename: "movie.zip", Address: net.ParseIP("127.0.0.1"), Port: 1, Size: 100}
	paths := ResolvePaths(dir, "movie.zip", ".incomplete")

	_, _, ok := engine.Begin(Request{Key: key, Offer: offer, Paths: paths, Sender: noopSender{}})
	require.True(t, ok)

	_, _, ok = engine.Begin(Request{Key: key, Offer: offer, Paths: paths, Sender: noopSender{}})
	require.False(t, ok)
}
