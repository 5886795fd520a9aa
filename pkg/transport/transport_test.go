package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteEnvelopeReadEnvelopeRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sent := Envelope{
		Kind: KindPing,
		Payload: Ping{
			Sender:    "node-a",
			Timestamp: time.Unix(1000, 0),
			Seq:       7,
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- WriteEnvelope(client, sent)
	}()

	got, err := ReadEnvelope(server)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, KindPing, got.Kind)
	ping, ok := got.Payload.(Ping)
	require.True(t, ok)
	assert.Equal(t, "node-a", ping.Sender)
	assert.Equal(t, uint64(7), ping.Seq)
}

func TestListenerDispatchesToHandlerAndReturnsResponse(t *testing.T) {
	handler := func(from net.Addr, env Envelope) (Envelope, bool) {
		ping := env.Payload.(Ping)
		return Envelope{
			Kind: KindPong,
			Payload: Pong{
				Responder:        "node-b",
				RequestTimestamp: ping.Timestamp,
				Seq:              ping.Seq,
			},
		}, true
	}

	ln, err := Listen("127.0.0.1:0", handler)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx)

	dialer := NewDialer(time.Second)
	resp, err := dialer.Send(context.Background(), ln.Addr().String(), Envelope{
		Kind:    KindPing,
		Payload: Ping{Sender: "node-a", Seq: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, KindPong, resp.Kind)
	pong := resp.Payload.(Pong)
	assert.Equal(t, "node-b", pong.Responder)
	assert.Equal(t, uint64(3), pong.Seq)
}

func TestCastDoesNotBlockOnResponse(t *testing.T) {
	received := make(chan Envelope, 1)
	handler := func(from net.Addr, env Envelope) (Envelope, bool) {
		received <- env
		return Envelope{}, false
	}

	ln, err := Listen("127.0.0.1:0", handler)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx)

	dialer := NewDialer(time.Second)
	err = dialer.Cast(context.Background(), ln.Addr().String(), Envelope{
		Kind:    KindPush,
		Payload: Push{},
	})
	require.NoError(t, err)

	select {
	case env := <-received:
		assert.Equal(t, KindPush, env.Kind)
	case <-time.After(time.Second):
		t.Fatal("handler never received the cast envelope")
	}
}

func TestReadEnvelopeRejectsOversizedFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		var oversized [4]byte
		oversized[0] = 0xFF // absurd length prefix
		client.Write(oversized[:])
	}()

	_, err := ReadEnvelope(server)
	assert.Error(t, err)
}
