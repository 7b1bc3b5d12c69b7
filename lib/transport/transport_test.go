package transport

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/sshmonitor/lib/wire"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	a, b, err := NewPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	req := &wire.Request{Wait: true}
	require.NoError(t, a.Send(req, nil))

	var got wire.Request
	fds, err := b.Receive(&got)
	require.NoError(t, err)
	require.Empty(t, fds)
	require.True(t, got.Wait)
}

func TestSendReceiveWithFDs(t *testing.T) {
	a, b, err := NewPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	resp := &wire.Response{Unit: true}
	require.NoError(t, a.Send(resp, []*os.File{r}))
	r.Close() // sender's copy; receiver owns its own duplicate

	var got wire.Response
	fds, err := b.Receive(&got)
	require.NoError(t, err)
	require.Len(t, fds, 1)
	defer fds[0].Close()

	msg := []byte("hello from the other side")
	go func() {
		_, _ = w.Write(msg)
	}()

	buf := make([]byte, len(msg))
	n, err := fds[0].Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
}

func TestSendRejectsTooManyFDs(t *testing.T) {
	a, b, err := NewPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	files := make([]*os.File, wire.MaxFDs+1)
	for i := range files {
		r, w, err := os.Pipe()
		require.NoError(t, err)
		defer r.Close()
		defer w.Close()
		files[i] = w
	}

	err = a.Send(&wire.Request{Wait: true}, files)
	require.Error(t, err)
}
