//go:build integration

package integration

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mbocsi/dmxlink/app"
	"github.com/mbocsi/dmxlink/client"
	"github.com/mbocsi/dmxlink/clock"
	"github.com/mbocsi/dmxlink/logging"
	"github.com/mbocsi/dmxlink/scene"
	"github.com/mbocsi/dmxlink/server"
)

func startBackend(t *testing.T, token string) (*server.Backend, *httptest.Server) {
	t.Helper()
	t.Cleanup(logging.Suppressed())

	b := server.NewBackend(server.Options{Token: token})
	srv := httptest.NewServer(b.Routes())
	t.Cleanup(func() {
		_ = b.Shutdown()
		srv.Close()
	})
	return b, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newApp(t *testing.T, fallback *client.RESTClient) *app.App {
	t.Helper()
	opts := app.Options{
		Scheduler:  clock.NewManualScheduler(),
		AckTimeout: 2 * time.Second,
		Fixtures: []scene.Fixture{{
			ID:       "par-1",
			Name:     "Front PAR",
			Universe: 0,
			Channels: []scene.Channel{{Number: 1, Name: "dimmer"}, {Number: 2, Name: "red"}},
		}},
	}
	if fallback != nil {
		opts.Fallback = fallback
	}
	a := app.New(opts)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func channelValue(a *app.App, number int) int {
	for _, f := range a.Scenes.Store().Snapshot() {
		for _, ch := range f.Channels {
			if ch.Number == number {
				return ch.Value
			}
		}
	}
	return -1
}
