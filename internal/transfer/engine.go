package transfer

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dccbot/dccbot/internal/boterr"
	"github.com/dccbot/dccbot/internal/config"
	"github.com/dccbot/dccbot/internal/dcc"
	"github.com/dccbot/dccbot/internal/filelock"
	"github.com/dccbot/dccbot/internal/mimetype"
	"github.com/dccbot/dccbot/internal/registry"
)

// readBufferSize is the chunk size read from the DCC socket per
// iteration; large enough to amortize syscalls, small enough to keep
// progress/cancellation responsive.
const readBufferSize = 64 * 1024

// chunkReadTimeout is spec.md §5's per-chunk read timeout: no bytes
// arriving on the DCC socket for this long fails the transfer "stalled"
// rather than hanging forever.
const chunkReadTimeout = 30 * time.Second

// fourGB is the threshold at which the ACK width on the wire widens from
// a 32-bit to a 64-bit big-endian integer, per the original's
// struct.pack("!I" or "!Q", ...) choice.
const fourGB = 4 * 1024 * 1024 * 1024

// Sender is the narrow capability the Engine needs back on the IRC
// connection: replying with a passive-DCC counter-offer.
type Sender interface {
	CTCPReply(nick, tag, payload string)
}

// botlogger is the subset of *botlog.Ring the Engine logs through.
type botlogger interface {
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Engine runs DCC transfers: dialing or passively listening, streaming
// bytes to disk, ACKing, sniffing MIME, and verifying the checksum.
type Engine struct {
	cfg *config.GlobalConfig
	reg *registry.Registry
	log botlogger

	// listenAddr is the address this bot advertises for passive DCC
	// counter-offers; spec.md §4.2 requires the bot be able to serve
	// reverse DCC when a peer sends port=0.
	listenAddr net.IP
}

// New constructs an Engine bound to reg for bookkeeping and cfg for
// policy (max size, allowed mimetypes, incomplete suffix).
func New(cfg *config.GlobalConfig, reg *registry.Registry, log botlogger, listenAddr net.IP) *Engine {
	return &Engine{cfg: cfg, reg: reg, log: log, listenAddr: listenAddr}
}

// Request is everything the Engine needs to run one transfer.
type Request struct {
	Key      registry.Key
	Offer    *dcc.Offer
	Paths    Paths
	Offset   int64
	Completed bool
	Sender   Sender
}

// Begin registers a Transfer for req and starts its goroutine, returning
// immediately. ok is false if a non-terminal transfer already holds
// req.Key, per spec.md §4.4.
func (e *Engine) Begin(req Request) (*registry.Transfer, registry.Handle, bool) {
	t, handle, ok := e.reg.Begin(req.Key, req.Offer.Size, req.Offset)
	if !ok {
		return t, handle, false
	}

	t.SetFilePath(req.Paths.Working)
	t.SetPeerInfo(req.Offer.Address.String(), req.Offer.Port, req.Offer.TLS)
	t.SetStartTime(time.Now())

	if req.Completed {
		if err := renameToFinal(t, req.Paths); err != nil {
			e.fail(t, err)
			return t, handle, true
		}
		e.reg.Transition(t, registry.StatusCompleted, nil)
		return t, handle, true
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.SetCancel(cancel)

	go e.run(ctx, t, req)
	return t, handle, true
}

func (e *Engine) run(ctx context.Context, t *registry.Transfer, req Request) {
	e.reg.Transition(t, registry.StatusResuming, nil)

	conn, err := e.establish(ctx, t, req)
	if err != nil {
		e.fail(t, err)
		return
	}
	defer conn.Close()

	lock := filelock.New(req.Paths.Working)
	if err := lock.TryAcquire(); err != nil {
		e.fail(t, err)
		return
	}
	defer lock.Release()

	if err := os.MkdirAll(filepath.Dir(req.Paths.Working), 0o755); err != nil {
		e.fail(t, fmt.Errorf("creating download directory: %w", err))
		return
	}

	f, err := os.OpenFile(req.Paths.Working, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.fail(t, fmt.Errorf("opening %s: %w", req.Paths.Working, err))
		return
	}
	defer f.Close()

	if req.Offset > 0 {
		if _, err := f.Seek(req.Offset, io.SeekStart); err != nil {
			e.fail(t, fmt.Errorf("seeking to resume offset: %w", err))
			return
		}
	}

	e.reg.Transition(t, registry.StatusInProgress, nil)
	if err := e.stream(ctx, t, conn, f, req); err != nil {
		e.fail(t, err)
		return
	}

	e.finish(t, req)
}

// establish either dials the peer (active DCC, offer.Port != 0) or
// listens and replies with a passive counter-offer (offer.Port == 0),
// per spec.md §4.2's reverse-DCC requirement, a gap the original leaves
// unimplemented.
func (e *Engine) establish(ctx context.Context, t *registry.Transfer, req Request) (net.Conn, error) {
	if req.Offer.Port != 0 {
		dialer := net.Dialer{}
		addr := net.JoinHostPort(req.Offer.Address.String(), strconv.Itoa(int(req.Offer.Port)))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w: %w", addr, boterr.ErrNetworkUnavailable, err)
		}
		if req.Offer.TLS {
			return tls.Client(conn, &tls.Config{InsecureSkipVerify: true}), nil
		}
		return conn, nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(e.listenAddr.String(), "0"))
	if err != nil {
		return nil, fmt.Errorf("listening for passive dcc: %w: %w", boterr.ErrNetworkUnavailable, err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	offer, err := dcc.FormatOffer(req.Offer.Kind, req.Offer.Filename, e.listenAddr, uint16(port), req.Offer.Size)
	if err != nil {
		return nil, fmt.Errorf("formatting passive dcc offer: %w", err)
	}
	req.Sender.CTCPReply(t.Peer, "DCC", offer)

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.ResumeTimeout)*time.Second)
	defer cancel()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		accepted <- acceptResult{conn, err}
	}()

	select {
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("waiting for passive dcc connection: %w", boterr.ErrResumeTimeout)
	case res := <-accepted:
		if res.err != nil {
			return nil, fmt.Errorf("accepting passive dcc connection: %w: %w", boterr.ErrNetworkUnavailable, res.err)
		}
		if req.Offer.TLS {
			return tls.Server(res.conn, &tls.Config{InsecureSkipVerify: true}), nil
		}
		return res.conn, nil
	}
}

func (e *Engine) stream(ctx context.Context, t *registry.Transfer, conn net.Conn, f *os.File, req Request) error {
	// A zero-size (or already-satisfied) offer completes without ever
	// touching the socket; per spec.md §8's size=0 boundary, an empty
	// read followed by EOF must not be mistaken for a short read.
	if t.AddProgress(0) >= req.Offer.Size {
		return nil
	}

	buf := make([]byte, readBufferSize)
	sniffed := false
	var sniffBuf []byte

	for {
		select {
		case <-ctx.Done():
			return boterr.ErrCancelled
		default:
		}

		conn.SetReadDeadline(time.Now().Add(chunkReadTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return fmt.Errorf("no data for %s: %w", chunkReadTimeout, boterr.ErrStalled)
			}
		}
		if n > 0 {
			chunk := buf[:n]

			if _, werr := f.Write(chunk); werr != nil {
				return fmt.Errorf("writing %s: %w", req.Paths.Working, werr)
			}

			total := t.AddProgress(int64(n))

			if !sniffed {
				sniffBuf = append(sniffBuf, chunk...)
				if len(sniffBuf) >= mimetype.SniffLen || total >= req.Offer.Size {
					sniffed = true
					if _, mimeErr := mimetype.Check(sniffBuf, e.cfg.AllowsMimetype); mimeErr != nil {
						return mimeErr
					}
					sniffBuf = nil
				}
			}

			if ackErr := sendAck(conn, total, req.Offer.Size); ackErr != nil {
				return fmt.Errorf("acking: %w", ackErr)
			}

			if total >= req.Offer.Size {
				return nil
			}
		}

		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("peer closed connection early: %w", boterr.ErrShortRead)
			}
			return fmt.Errorf("reading dcc stream: %w", err)
		}
	}
}

func sendAck(conn net.Conn, total, size int64) error {
	if size >= fourGB {
		return binary.Write(conn, binary.BigEndian, uint64(total))
	}
	return binary.Write(conn, binary.BigEndian, uint32(total))
}

// renameToFinal moves a transfer's working file to its final name, per
// spec.md §4.3 step 6. A resume whose local file already matches the
// remote size (Request.Completed) needs the same rename as a transfer
// that just finished streaming.
func renameToFinal(t *registry.Transfer, paths Paths) error {
	finalPath := paths.Final
	if paths.Working != paths.Final {
		if err := os.Rename(paths.Working, paths.Final); err != nil {
			return fmt.Errorf("renaming %s to %s: %w", paths.Working, paths.Final, err)
		}
	}
	t.SetFilePath(finalPath)
	return nil
}

func (e *Engine) finish(t *registry.Transfer, req Request) {
	if err := renameToFinal(t, req.Paths); err != nil {
		e.fail(t, err)
		return
	}
	finalPath := req.Paths.Final

	expected := t.ReadExpectedMD5()
	if e.cfg.AutoMD5Sum || expected != "" {
		sum, err := md5File(finalPath)
		if err != nil {
			e.log.Warningf("[%s] could not checksum %s: %v", t.Peer, finalPath, err)
		} else {
			t.SetMD5(sum)
			if expected != "" && expected != sum {
				e.fail(t, fmt.Errorf("computed %s, expected %s: %w", sum, expected, boterr.ErrChecksumMismatch))
				return
			}
		}
	}

	e.reg.Transition(t, registry.StatusCompleted, nil)
	e.log.Infof("[%s] completed %s (%d bytes)", t.Peer, t.Filename, t.Size)
}

func (e *Engine) fail(t *registry.Transfer, err error) {
	status := registry.StatusFailed
	if err == boterr.ErrCancelled {
		status = registry.StatusCancelled
	}
	e.reg.Transition(t, status, err)
	e.log.Warningf("[%s] %s failed: %v", t.Peer, t.Filename, err)

	// spec.md §4.3's disallowed-mimetype abort is explicit: close the
	// socket, delete the partial, mark failed. The socket close is the
	// caller's deferred conn.Close(); this is the delete.
	if errors.Is(err, boterr.ErrDisallowedMimeType) {
		if path := t.ReadFilePath(); path != "" {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				e.log.Warningf("[%s] could not remove rejected download %s: %v", t.Peer, path, rmErr)
			}
		}
	}
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

