package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dohr-michael/runloopd/internal/runloop"
)

func TestSource_HandleBuildsTask(t *testing.T) {
	s := NewSource("orders")

	tasks, err := s.Handle(nil, runloop.NewPortMessage("orders", requestBody{
		TaskType: "trigger:webhook",
		Payload:  map[string]any{"order_id": "123"},
	}))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(tasks))
	}
	if tasks[0].TaskType != "trigger:webhook" {
		t.Errorf("TaskType = %q, want trigger:webhook", tasks[0].TaskType)
	}
	if tasks[0].Source != runloop.TaskSourceWebhook {
		t.Errorf("Source = %v, want TaskSourceWebhook", tasks[0].Source)
	}
}

func TestSource_HandleIgnoresUnrelatedPayload(t *testing.T) {
	s := NewSource("orders")
	tasks, err := s.Handle(nil, runloop.NewPortMessage("orders", "not-a-request-body"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if tasks != nil {
		t.Errorf("tasks = %v, want nil", tasks)
	}
}

func TestRouter_AcceptsAndForwards(t *testing.T) {
	src := NewSource("orders")
	receiver := runloop.NewSource1Receiver(src, 4)

	router := Router(receiver, "orders")
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(`{"task_type":"trigger:webhook","payload":{"order_id":"1"}}`))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	select {
	case msg := <-receiver.Chan():
		body, ok := msg.Payload.(requestBody)
		if !ok || body.TaskType != "trigger:webhook" {
			t.Errorf("forwarded payload = %#v", msg.Payload)
		}
	default:
		t.Fatal("expected a message to be forwarded to the receiver")
	}
}

func TestRouter_RejectsMissingTaskType(t *testing.T) {
	src := NewSource("orders")
	receiver := runloop.NewSource1Receiver(src, 4)
	router := Router(receiver, "orders")

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(`{"payload":{}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
