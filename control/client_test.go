package control

import (
	"bufio"
	"context"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeControlPort accepts one connection, expects an AUTHENTICATE
// command, replies 250 OK, then replies to each subsequent line it
// receives with the canned block supplied in order.
func fakeControlPort(t *testing.T, blocks [][]string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		rd := bufio.NewReader(conn)
		rd.ReadString('\n') // AUTHENTICATE ...
		conn.Write([]byte("250 OK\r\n"))

		for _, blk := range blocks {
			rd.ReadString('\n') // one ADD_ONION/DEL_ONION line (ignored)
			for _, line := range blk {
				conn.Write([]byte(line + "\r\n"))
			}
		}
	}()
	return ln.Addr().String()
}

func TestAuthenticateAndAddOnionCorrelation(t *testing.T) {
	addr := fakeControlPort(t, [][]string{
		{"250-ServiceID=abc123xyz", "250-PrivateKey=ED25519-V3:deadbeef", "250 OK"},
	})

	dir := t.TempDir()
	cookie := make([]byte, 32)
	_, err := rand.Read(cookie)
	require.NoError(t, err)
	cookiePath := filepath.Join(dir, "control_auth_cookie")
	require.NoError(t, os.WriteFile(cookiePath, cookie, 0o600))

	c := New(nil)
	require.NoError(t, c.Connect(addr))
	defer c.Close()

	require.NoError(t, c.Authenticate(cookiePath))
	require.Equal(t, Ready, c.State())

	blocks, err := c.IssueBatch(context.Background(), []string{BuildAddOnionNew(8080)})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.True(t, blocks[0].OK)
	require.Equal(t, "abc123xyz.onion", blocks[0].ServiceID)
	require.Equal(t, "ED25519-V3:deadbeef", blocks[0].PrivateKey)
	require.True(t, blocks[0].HadPrivateKey)
}

func TestIssueBatchPreservesFIFOOrder(t *testing.T) {
	addr := fakeControlPort(t, [][]string{
		{"250-ServiceID=first", "250 OK"},
		{"250-ServiceID=second", "250 OK"},
		{"250-ServiceID=third", "250 OK"},
	})

	dir := t.TempDir()
	cookie := make([]byte, 32)
	cookiePath := filepath.Join(dir, "control_auth_cookie")
	require.NoError(t, os.WriteFile(cookiePath, cookie, 0o600))

	c := New(nil)
	require.NoError(t, c.Connect(addr))
	defer c.Close()
	require.NoError(t, c.Authenticate(cookiePath))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	blocks, err := c.IssueBatch(ctx, []string{
		BuildAddOnionNew(1),
		BuildAddOnionNew(2),
		BuildAddOnionNew(3),
	})
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	require.Equal(t, "first.onion", blocks[0].ServiceID)
	require.Equal(t, "second.onion", blocks[1].ServiceID)
	require.Equal(t, "third.onion", blocks[2].ServiceID)
}

func TestAuthenticateRejectsNonOK(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte("515 Authentication failed\r\n"))
	}()

	dir := t.TempDir()
	cookiePath := filepath.Join(dir, "control_auth_cookie")
	require.NoError(t, os.WriteFile(cookiePath, []byte("notacookie"), 0o600))

	c := New(nil)
	require.NoError(t, c.Connect(ln.Addr().String()))
	defer c.Close()

	err = c.Authenticate(cookiePath)
	require.Error(t, err)
	require.Equal(t, Disconnected, c.State())
}
