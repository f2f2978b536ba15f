package control

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portpunch/portpunch/internal/upnp"
	"github.com/portpunch/portpunch/internal/upnp/testutil"
	"github.com/portpunch/portpunch/internal/upnp/transport"
)

func startServer(t *testing.T, engine *upnp.Engine) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")

	server := NewServer(socketPath, engine)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })

	// Wait for socket to be ready
	time.Sleep(10 * time.Millisecond)

	return server, NewClient(socketPath)
}

func TestServer_StartStop(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")

	server := NewServer(socketPath, upnp.New(upnp.Config{}))

	err := server.Start()
	require.NoError(t, err)

	// Check socket exists
	_, err = os.Stat(socketPath)
	require.NoError(t, err)

	err = server.Stop()
	require.NoError(t, err)

	// Check socket removed
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestClient_UnknownCommand(t *testing.T) {
	_, client := startServer(t, upnp.New(upnp.Config{}))

	resp, err := client.Send(Request{Command: "bogus"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown command")
}

func TestClient_RejectionSentinels(t *testing.T) {
	// An engine with no gateway rejects everything with -1.
	_, client := startServer(t, upnp.New(upnp.Config{}))

	resp, err := client.AddPort("192.168.1.50", 8080, 9876)
	require.NoError(t, err)
	assert.Equal(t, int64(ValueRejected), resp.Value)
	assert.NotEmpty(t, resp.Detail)

	resp, err = client.RemovePort(9876)
	require.NoError(t, err)
	assert.Equal(t, int64(ValueRejected), resp.Value)

	resp, err = client.ExternalAddress()
	require.NoError(t, err)
	assert.Equal(t, int64(ValueRejected), resp.Value)
}

func TestClient_InvalidPayload(t *testing.T) {
	_, client := startServer(t, upnp.New(upnp.Config{}))

	_, err := client.AddPort("not-an-address", 8080, 9876)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid local_ip")

	_, err = client.AddPort("192.168.1.50", 0, 9876)
	require.Error(t, err)

	payload, _ := json.Marshal(RemoveRequest{})
	resp, err := client.Send(Request{Command: CmdRemove, Payload: payload})
	require.NoError(t, err)
	assert.False(t, resp.Success)
}

func TestClient_Status(t *testing.T) {
	_, client := startServer(t, upnp.New(upnp.Config{}))

	status, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, "idle", status.State)
	assert.Empty(t, status.Gateway)
}

func TestClient_FullCycle(t *testing.T) {
	igd, err := testutil.NewTestIGD()
	require.NoError(t, err)
	defer igd.Close()

	tr := transport.New(transport.Config{MulticastAddress: igd.SSDPAddr()})
	engine := upnp.New(upnp.Config{Transport: tr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)
	defer tr.Close()

	_, client := startServer(t, engine)

	// Scan and poll until the gateway address comes back.
	var scan *ValueResponse
	require.Eventually(t, func() bool {
		scan, err = client.Scan()
		require.NoError(t, err)
		return scan.Value != 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "127.0.0.1", scan.Address)

	// Add a mapping and wait for the exchange to finish.
	resp, err := client.AddPort("192.168.1.50", 8080, 9876)
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.Value)
	require.Eventually(t, func() bool {
		status, err := client.Status()
		require.NoError(t, err)
		return status.State == "ready"
	}, 5*time.Second, 50*time.Millisecond)
	require.Len(t, igd.Mappings(), 1)

	// Query the external address until it resolves.
	var ext *ValueResponse
	require.Eventually(t, func() bool {
		ext, err = client.ExternalAddress()
		require.NoError(t, err)
		return ext.Value != 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "203.0.113.5", ext.Address)

	// Remove the mapping.
	resp, err = client.RemovePort(9876)
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.Value)
	require.Eventually(t, func() bool {
		return len(igd.Mappings()) == 0
	}, 5*time.Second, 50*time.Millisecond)

	// Begin drops the session; the next add is rejected again.
	require.NoError(t, client.Begin())
	resp, err = client.AddPort("192.168.1.50", 8080, 9876)
	require.NoError(t, err)
	assert.Equal(t, int64(ValueRejected), resp.Value)
}
