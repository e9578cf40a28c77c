package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"scenefit/internal/domain"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func hubServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		hub.Attach(r.URL.Query().Get("owner"), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, owner string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?owner=" + owner
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubDeliversOnlyToTheOwner(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := hubServer(t, hub)

	conn1 := dial(t, srv, "owner-1")
	conn2 := dial(t, srv, "owner-2")

	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount("owner-1") == 0 || hub.ConnectionCount("owner-2") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connections never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := hub.Publish(context.Background(), Event{
		Type:        EventTypeGenerationUpdate,
		OwnerID:     "owner-1",
		JobID:       "job-1",
		State:       domain.JobStateCompleted,
		ArtifactRef: "artifacts/job-1.png",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn1.ReadMessage()
	if err != nil {
		t.Fatalf("owner-1 read: %v", err)
	}
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.JobID != "job-1" || event.State != domain.JobStateCompleted {
		t.Fatalf("event = %+v, want completed job-1", event)
	}

	// The other owner must not see it.
	_ = conn2.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := conn2.ReadMessage(); err == nil {
		t.Fatalf("owner-2 received an event meant for owner-1")
	}
}

func TestHubSupportsMultipleConnectionsPerOwner(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := hubServer(t, hub)

	conns := []*websocket.Conn{dial(t, srv, "owner-1"), dial(t, srv, "owner-1")}

	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount("owner-1") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 connections, have %d", hub.ConnectionCount("owner-1"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Publish(context.Background(), Event{Type: EventTypeGenerationUpdate, OwnerID: "owner-1", JobID: "job-1", State: domain.JobStateProcessing}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, conn := range conns {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("connection %d read: %v", i, err)
		}
	}
}

func TestPublishDuringDisconnectDoesNotPanic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := hubServer(t, hub)

	const owners = 4
	conns := make([]*websocket.Conn, owners)
	for i := range conns {
		conns[i] = dial(t, srv, "owner-1")
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount("owner-1") < owners {
		if time.Now().After(deadline) {
			t.Fatalf("connections never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Hammer Publish while every connection drops out from under it. The
	// write pumps close via their done signal; a send must never land on a
	// closed channel.
	stop := make(chan struct{})
	published := make(chan struct{})
	go func() {
		defer close(published)
		for {
			select {
			case <-stop:
				return
			default:
				_ = hub.Publish(context.Background(), Event{
					Type:    EventTypeGenerationUpdate,
					OwnerID: "owner-1",
					JobID:   "job-1",
					State:   domain.JobStateProcessing,
				})
			}
		}
	}()

	for _, conn := range conns {
		_ = conn.Close()
	}
	deadline = time.Now().Add(2 * time.Second)
	for hub.ConnectionCount("owner-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connections never detached, have %d", hub.ConnectionCount("owner-1"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(stop)
	<-published

	// Detached clients are skipped silently.
	if err := hub.Publish(context.Background(), Event{Type: EventTypeGenerationUpdate, OwnerID: "owner-1", JobID: "job-1", State: domain.JobStateCompleted}); err != nil {
		t.Fatalf("publish after detach: %v", err)
	}
}

func TestEventFromJobSnapshotsTerminalFields(t *testing.T) {
	job := &domain.Job{
		ID:      "job-1",
		OwnerID: "owner-1",
		State:   domain.JobStateFailed,
		Error:   &domain.JobError{Code: domain.ErrCodePollTimeout, Message: "too slow"},
	}
	event := EventFromJob(job)
	if event.ErrorCode != domain.ErrCodePollTimeout || event.State != domain.JobStateFailed {
		t.Fatalf("event = %+v, want failed with poll timeout code", event)
	}

	job = &domain.Job{
		ID:      "job-2",
		OwnerID: "owner-1",
		State:   domain.JobStateCompleted,
		Result:  &domain.JobResult{ArtifactRef: "artifacts/job-2.png", Degraded: true},
	}
	event = EventFromJob(job)
	if event.ArtifactRef != "artifacts/job-2.png" || !event.Degraded {
		t.Fatalf("event = %+v, want degraded artifact snapshot", event)
	}
}
