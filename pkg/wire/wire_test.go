package wire

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sigslot/errors"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("alice SUBSCRIBE")))
	require.NoError(t, WriteFrame(&buf, nil))

	assert.Equal(t, []byte{0, 0, 0, 15}, buf.Bytes()[:4])

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "alice SUBSCRIBE", string(got))

	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ReadFrame(&buf)
	assert.Error(t, err)
}

func TestReadFrame_TooLarge(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"tcp://127.0.0.1:4000", "127.0.0.1:4000", true},
		{"tcp://exflserv:1234", "exflserv:1234", true},
		{"localhost:5555", "localhost:5555", true},
		{"udp://127.0.0.1:4000", "", false},
		{"tcp://127.0.0.1", "", false},
		{"nonsense", "", false},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		if !tt.ok {
			assert.True(t, errors.IsInvalid(err), tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestListenDial(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer ln.Close()

	addr := ConnectionString(ln, "")
	assert.Contains(t, addr, "tcp://127.0.0.1:")
	assert.Greater(t, Port(ln), 0)

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- NewConn(c)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, addr, nil)
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	require.NoError(t, client.Write([]byte("hello")))
	got, err := server.Read()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
	_, err = client.Read()
	assert.Error(t, err)
}

func TestDial_Refused(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	addr := ConnectionString(ln, "")
	ln.Close()

	_, err = Dial(context.Background(), addr, nil)
	assert.True(t, errors.IsConnection(err))
}
