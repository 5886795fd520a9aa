// Package transport implements the gossip engine's wire protocol: a
// length-prefixed, gob-encoded envelope carried over plain net.Conn
// connections, matching the message shapes of §6.3 (Gossip,
// DigestRequest/Response, PullRequest/Response, Push, Ping/Pong,
// StatusReport).
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/digest"
	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/log"
	"github.com/cuemby/dsm-storage-node/pkg/types"
)

// Kind discriminates the message carried by an Envelope.
type Kind string

const (
	KindGossip          Kind = "gossip"
	KindDigestRequest   Kind = "digest_request"
	KindDigestResponse  Kind = "digest_response"
	KindPullRequest     Kind = "pull_request"
	KindPullResponse    Kind = "pull_response"
	KindPush            Kind = "push"
	KindPing            Kind = "ping"
	KindPong            Kind = "pong"
	KindStatusReport    Kind = "status_report"
)

// Gossip carries freshly modified entries tagged with a decrementing
// propagation TTL, per the gossip loop of §4.7.
type Gossip struct {
	Entries []types.EpidemicEntry
	TTL     int
}

// DigestRequest asks the peer to build and return a digest of the
// requested kind.
type DigestRequest struct {
	DigestType digest.Kind
	Region     string // used only when DigestType == digest.Region
}

// DigestResponse carries the peer's computed digest.
type DigestResponse struct {
	Digest digest.Digest
}

// PullRequest asks the peer to send the full entries for the given ids.
type PullRequest struct {
	IDs []string
}

// PullResponse answers a PullRequest with full entries.
type PullResponse struct {
	Entries []types.EpidemicEntry
}

// Push unconditionally ships entries to the peer without a prior pull.
type Push struct {
	Entries []types.EpidemicEntry
}

// Ping is a liveness probe carrying the sender's identity and a
// sequence number for RTT correlation.
type Ping struct {
	Sender    string
	Timestamp time.Time
	Seq       uint64
}

// Pong answers a Ping, echoing its timestamp and sequence number so
// the caller can compute RTT.
type Pong struct {
	Responder         string
	RequestTimestamp  time.Time
	ResponseTimestamp time.Time
	Seq               uint64
}

// StatusReport is the periodic self-description a node broadcasts and
// that the discovery scanner recognizes as an admission document.
type StatusReport struct {
	Status    string
	Load      float64
	Memory    int64
	Storage   int64
	Uptime    time.Duration
	Timestamp time.Time
}

// Envelope wraps exactly one of the payload types above, tagged by
// Kind so the receiver can decode into the right concrete type.
type Envelope struct {
	Kind    Kind
	Payload interface{}
}

// maxFrameBytes bounds a single decoded frame to guard against a
// malformed or hostile length prefix.
const maxFrameBytes = 64 * 1024 * 1024

// WriteEnvelope frames env as a 4-byte big-endian length prefix
// followed by its gob encoding, and writes it to conn.
func WriteEnvelope(conn net.Conn, env Envelope) error {
	const op = "transport.WriteEnvelope"

	var buf []byte
	w := &sliceWriter{}
	enc := gob.NewEncoder(w)
	if err := enc.Encode(env); err != nil {
		return dsmerr.Wrap(dsmerr.Serialization, op, "encode envelope", err)
	}
	buf = w.data

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))

	bw := bufio.NewWriter(conn)
	if _, err := bw.Write(lenPrefix[:]); err != nil {
		return dsmerr.Wrap(dsmerr.Network, op, "write length prefix", err)
	}
	if _, err := bw.Write(buf); err != nil {
		return dsmerr.Wrap(dsmerr.Network, op, "write payload", err)
	}
	return bw.Flush()
}

// ReadEnvelope reads one length-prefixed gob-encoded Envelope from
// conn, blocking until a full frame arrives or conn errors/closes.
func ReadEnvelope(conn net.Conn) (Envelope, error) {
	const op = "transport.ReadEnvelope"

	var lenPrefix [4]byte
	if _, err := io.ReadFull(conn, lenPrefix[:]); err != nil {
		return Envelope{}, dsmerr.Wrap(dsmerr.Network, op, "read length prefix", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameBytes {
		return Envelope{}, dsmerr.New(dsmerr.Serialization, op, "frame exceeds maximum size")
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return Envelope{}, dsmerr.Wrap(dsmerr.Network, op, "read payload", err)
	}

	var env Envelope
	dec := gob.NewDecoder(&sliceReader{data: buf})
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, dsmerr.Wrap(dsmerr.Serialization, op, "decode envelope", err)
	}
	return env, nil
}

// Dialer opens outbound connections to peer endpoints with a bounded
// deadline, matching §5's per-call-kind default timeouts.
type Dialer struct {
	net.Dialer
}

// NewDialer returns a Dialer with the given per-connection timeout.
func NewDialer(timeout time.Duration) *Dialer {
	return &Dialer{Dialer: net.Dialer{Timeout: timeout}}
}

// Send dials addr, writes env, waits for a single response envelope,
// and closes the connection. Used for request/response message pairs
// (DigestRequest/Response, PullRequest/Response, Ping/Pong).
func (d *Dialer) Send(ctx context.Context, addr string, env Envelope) (Envelope, error) {
	const op = "transport.Dialer.Send"

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.WithPeer(addr).Warn().Err(err).Str("kind", string(env.Kind)).Msg("dial failed")
		return Envelope{}, dsmerr.Wrap(dsmerr.Network, op, "dial peer", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := WriteEnvelope(conn, env); err != nil {
		return Envelope{}, err
	}
	return ReadEnvelope(conn)
}

// Cast dials addr, writes env, and returns without waiting for a
// response. Used for fire-and-forget Gossip and Push sends.
func (d *Dialer) Cast(ctx context.Context, addr string, env Envelope) error {
	const op = "transport.Dialer.Cast"

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.WithPeer(addr).Warn().Err(err).Str("kind", string(env.Kind)).Msg("dial failed")
		return dsmerr.Wrap(dsmerr.Network, op, "dial peer", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return WriteEnvelope(conn, env)
}

// Handler processes one inbound Envelope and optionally returns a
// response Envelope (for request/response kinds); the bool reports
// whether that Envelope is written back (false for fire-and-forget
// kinds).
type Handler func(from net.Addr, env Envelope) (Envelope, bool)

// Listener accepts inbound connections and dispatches each decoded
// Envelope to a Handler.
type Listener struct {
	ln      net.Listener
	handler Handler
}

// Listen binds addr and returns a Listener ready to Serve.
func Listen(addr string, handler Handler) (*Listener, error) {
	const op = "transport.Listen"
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, dsmerr.Wrap(dsmerr.Network, op, "bind listener", err)
	}
	return &Listener{ln: ln, handler: handler}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx is canceled or Close is called.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return dsmerr.Wrap(dsmerr.Network, "transport.Listener.Serve", "accept", err)
			}
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()

	env, err := ReadEnvelope(conn)
	if err != nil {
		return
	}
	resp, hasResp := l.handler(conn.RemoteAddr(), env)
	if hasResp {
		_ = WriteEnvelope(conn, resp)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

func init() {
	// Register every concrete payload type so gob can encode the
	// Envelope's interface{} field regardless of which Kind it carries.
	gob.Register(Gossip{})
	gob.Register(DigestRequest{})
	gob.Register(DigestResponse{})
	gob.Register(PullRequest{})
	gob.Register(PullResponse{})
	gob.Register(Push{})
	gob.Register(Ping{})
	gob.Register(Pong{})
	gob.Register(StatusReport{})
}

// sliceWriter/sliceReader adapt gob's streaming Encoder/Decoder to an
// in-memory buffer so the length prefix can be computed before any
// bytes reach the wire.
type sliceWriter struct{ data []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

var _ fmt.Stringer = Kind("")

func (k Kind) String() string { return string(k) }
