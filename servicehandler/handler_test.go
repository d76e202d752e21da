package servicehandler

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEchoHandlerServesAndRecordsRequests(t *testing.T) {
	h := EchoFactory{}.Create("")
	require.True(t, h.Start(0))
	defer h.Close()
	require.NotZero(t, h.Port())

	h.SetBoundOnion("abc123.onion")

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/hello", h.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case ev := <-h.Requests():
		require.Equal(t, "abc123.onion", ev.Onion)
		require.Equal(t, "/hello", ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("request event was not delivered")
	}
}

func TestEchoHandlerStartRejectsPortCollision(t *testing.T) {
	h1 := EchoFactory{}.Create("")
	require.True(t, h1.Start(0))
	defer h1.Close()

	h2 := EchoFactory{}.Create("")
	require.False(t, h2.Start(h1.Port()))
}
