package wifi_test

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/device/wifi"
	"github.com/srg/ionlink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeTransport(t *testing.T) (*wifi.Transport, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = server.Close() })

	tr := wifi.NewTransport(testutils.NewTestHelper(t).Logger, &wifi.Options{
		WriteTimeout: time.Second,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return client, nil
		},
	})
	return tr, server
}

func TestWriteAndReceive(t *testing.T) {
	// GOAL: the operational link writes whole frames and streams reads to onData
	//
	// TEST SCENARIO: connect over a pipe → write → device side reads it → device writes → onData fires

	tr, server := pipeTransport(t)
	received := make(chan []byte, 1)
	require.NoError(t, tr.Connect(context.Background(), "filter.local:7443", func(b []byte) { received <- b }))
	assert.Equal(t, device.TransportWiFi, tr.Kind())

	go func() { _ = tr.Write(context.Background(), []byte("hello")) }()
	buf := make([]byte, 5)
	_, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_, err = server.Write([]byte{0xA5, 0x00})
	require.NoError(t, err)
	select {
	case got := <-received:
		assert.Equal(t, []byte{0xA5, 0x00}, got)
	case <-time.After(time.Second):
		t.Fatal("onData MUST receive inbound bytes")
	}

	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Disconnect(), "Disconnect MUST be idempotent")
}

func TestRemoteCloseSignalsDisconnected(t *testing.T) {
	tr, server := pipeTransport(t)
	require.NoError(t, tr.Connect(context.Background(), "filter.local:7443", func([]byte) {}))

	require.NoError(t, server.Close())

	select {
	case <-tr.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("Disconnected MUST close when the peer hangs up")
	}
	assert.ErrorIs(t, tr.Write(context.Background(), []byte("x")), device.ErrLinkLost)
}

func TestWriteTimesOutWhenPeerStalls(t *testing.T) {
	tr, _ := pipeTransport(t)
	require.NoError(t, tr.Connect(context.Background(), "filter.local:7443", func([]byte) {}))
	defer tr.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// nobody reads the server end of the pipe
	err := tr.Write(ctx, []byte("stalled"))
	assert.ErrorIs(t, err, device.ErrTimeout, "a stalled write MUST time out")
}

func TestDialErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, device.ErrUnreachable},
		{"deadline", context.DeadlineExceeded, device.ErrTimeout},
		{"other", errors.New("no route to host"), device.ErrUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := wifi.NewTransport(nil, &wifi.Options{Dial: func(context.Context, string, string) (net.Conn, error) {
				return nil, tt.err
			}})
			err := tr.Connect(context.Background(), "filter.local:7443", func([]byte) {})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestWriteBeforeConnect(t *testing.T) {
	tr := wifi.NewTransport(nil, nil)
	assert.ErrorIs(t, tr.Write(context.Background(), []byte("x")), device.ErrNotConnected)
	assert.NoError(t, tr.Disconnect())
}
