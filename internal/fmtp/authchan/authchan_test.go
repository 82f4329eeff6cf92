package authchan

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnixChannelSendReceive(t *testing.T) {
	dir := t.TempDir()
	reader, err := NewUnixReader(dir, 0x1)
	require.NoError(t, err)
	defer reader.Close()

	writer, err := NewUnixWriter(dir, 0x1)
	require.NoError(t, err)
	defer writer.Close()

	want := net.ParseIP("10.1.0.5").To4()
	require.NoError(t, writer.Send(want))

	got, err := reader.Receive()
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestUnixWriterFailsWithoutReader(t *testing.T) {
	dir := t.TempDir()
	_, err := NewUnixWriter(dir, 0x2)
	require.Error(t, err)
}

func TestUnixReaderUnlinksOnClose(t *testing.T) {
	dir := t.TempDir()
	reader, err := NewUnixReader(dir, 0x3)
	require.NoError(t, err)

	path := SocketPath(dir, 0x3)
	require.NoError(t, reader.Close())

	_, err = NewUnixWriter(dir, 0x3)
	require.Error(t, err, "writer must fail once the conduit at %s is unlinked", path)
}

func TestWriterCannotReceiveReaderCannotSend(t *testing.T) {
	dir := t.TempDir()
	reader, err := NewUnixReader(dir, 0x4)
	require.NoError(t, err)
	defer reader.Close()

	writer, err := NewUnixWriter(dir, 0x4)
	require.NoError(t, err)
	defer writer.Close()

	_, err = writer.Receive()
	require.Error(t, err)

	err = reader.Send(net.ParseIP("10.0.0.1"))
	require.Error(t, err)
}

func TestMultipleMessagesDeliveredInOrder(t *testing.T) {
	dir := t.TempDir()
	reader, err := NewUnixReader(dir, 0x5)
	require.NoError(t, err)
	defer reader.Close()

	writer, err := NewUnixWriter(dir, 0x5)
	require.NoError(t, err)
	defer writer.Close()

	go func() {
		writer.Send(net.ParseIP("10.0.0.1"))
		time.Sleep(5 * time.Millisecond)
		writer.Send(net.ParseIP("10.0.0.2"))
	}()

	first, err := reader.Receive()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", first.String())

	second, err := reader.Receive()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", second.String())
}
