package main

import (
	"context"
	"net/http"
	"testing"
	"time"
)

type recordingDrainer struct {
	called chan struct{}
}

func (d *recordingDrainer) Shutdown(ctx context.Context) error {
	close(d.called)
	return nil
}

func TestRunServerDrainsOnShutdown(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	live := &recordingDrainer{called: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- runServer(ctx, srv, live)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("runServer err: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServer did not return after cancel")
	}

	select {
	case <-live.called:
	default:
		t.Fatal("websocket connections were not drained")
	}
}
