package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/swarmguard/taskmesh/internal/model"
)

func TestDispatchReturnsResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Task-ID") != "t1" {
			t.Errorf("expected X-Task-ID header, got %q", r.Header.Get("X-Task-ID"))
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(time.Second)
	out, err := d.Dispatch(context.Background(),
		model.Task{ID: "t1", Kind: "chat"},
		model.Worker{ID: "w1"},
		model.Provider{ID: "p1", Endpoint: srv.URL},
	)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(string(out), "ok") {
		t.Fatalf("unexpected response body: %s", out)
	}
}

func TestDispatchErrorsOnHTTPFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(time.Second)
	_, err := d.Dispatch(context.Background(),
		model.Task{ID: "t2"},
		model.Worker{ID: "w1"},
		model.Provider{ID: "p1", Endpoint: srv.URL},
	)
	if err == nil {
		t.Fatalf("expected error for 500 response")
	}
	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected a *DispatchError, got %T", err)
	}
	if de.Kind != model.ErrorKindTransientProvider {
		t.Fatalf("expected 500 classified transient, got %s", de.Kind)
	}
}

func TestDispatchClassifies4xxAsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(time.Second)
	_, err := d.Dispatch(context.Background(),
		model.Task{ID: "t3"},
		model.Worker{ID: "w1"},
		model.Provider{ID: "p1", Endpoint: srv.URL},
	)
	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected a *DispatchError, got %T", err)
	}
	if de.Kind != model.ErrorKindPermanentProvider {
		t.Fatalf("expected 400 classified permanent, got %s", de.Kind)
	}
}

func TestDispatchClassifiesNetworkErrorAsTransient(t *testing.T) {
	d := NewHTTPDispatcher(50 * time.Millisecond)
	_, err := d.Dispatch(context.Background(),
		model.Task{ID: "t4"},
		model.Worker{ID: "w1"},
		model.Provider{ID: "p1", Endpoint: "http://127.0.0.1:1"},
	)
	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected a *DispatchError, got %T", err)
	}
	if de.Kind != model.ErrorKindTransientProvider {
		t.Fatalf("expected network error classified transient, got %s", de.Kind)
	}
}
