package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/httpapi/handlers"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/registry"
	"collabSync/backend/internal/router"
	"collabSync/backend/internal/transport/broadcast"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(t *testing.T) (*gin.Engine, *registry.Registry) {
	t.Helper()
	rt := router.New(nil, broadcast.NewBus().Endpoint(), router.Options{})
	rt.Start()
	reg := registry.New(rt, registry.Options{})
	t.Cleanup(func() {
		reg.Close()
		rt.Stop()
	})
	docs := &handlers.Documents{
		Registry: reg,
		Factory:  func(context.Context, string) (crdt.Document, error) { return crdt.NewOpSet(), nil },
	}
	return NewEngine(Deps{Registry: reg, Documents: docs, NetworkUp: func() bool { return false }}), reg
}

func do(t *testing.T, e *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func TestHealthzAndMetrics(t *testing.T) {
	e, _ := newEngine(t)
	w := do(t, e, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"ok":true,"sessions":0,"network":false}`, w.Body.String())

	w = do(t, e, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "collab_sync_sessions_created_total")
}

func TestDocumentsLifecycle(t *testing.T) {
	e, reg := newEngine(t)
	id := uuid.NewString()

	w := do(t, e, http.MethodPost, "/documents", gin.H{"docId": id, "kind": "Document"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, e, http.MethodPut, "/documents/"+id+"/fields/title", gin.H{"value": "draft"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, e, http.MethodGet, "/documents/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Kind   protocol.Kind     `json:"kind"`
		State  string            `json:"state"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, protocol.KindDocument, got.Kind)
	require.Equal(t, "syncing", got.State)
	require.Equal(t, map[string]string{"title": "draft"}, got.Fields)

	w = do(t, e, http.MethodGet, "/debug/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), id)

	w = do(t, e, http.MethodDelete, "/documents/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, ok := reg.Lookup(id)
	require.False(t, ok)

	w = do(t, e, http.MethodGet, "/documents/"+id, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDocumentsRejectsBadInput(t *testing.T) {
	e, _ := newEngine(t)
	w := do(t, e, http.MethodPost, "/documents", gin.H{"docId": "nope", "kind": "document"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "INVALID_DOCUMENT_ID")

	w = do(t, e, http.MethodPost, "/documents", gin.H{"docId": uuid.NewString(), "kind": "spreadsheet"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "UNKNOWN_DOCUMENT_KIND")
}

func TestDocumentsWaitTimesOut(t *testing.T) {
	rt := router.New(nil, nil, router.Options{})
	reg := registry.New(rt, registry.Options{})
	defer reg.Close()
	docs := &handlers.Documents{
		Registry:    reg,
		Factory:     func(context.Context, string) (crdt.Document, error) { return crdt.NewOpSet(), nil },
		WaitTimeout: 20 * time.Millisecond,
	}
	e := NewEngine(Deps{Registry: reg, Documents: docs})
	id := uuid.NewString()
	require.Equal(t, http.StatusOK, do(t, e, http.MethodPost, "/documents", gin.H{"docId": id, "kind": "folder"}).Code)

	w := do(t, e, http.MethodGet, "/documents/"+id+"?wait=1", nil)
	require.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestDocumentsCloseStaleGeneration(t *testing.T) {
	e, reg := newEngine(t)
	id := uuid.NewString()
	open := func() uint64 {
		w := do(t, e, http.MethodPost, "/documents", gin.H{"docId": id, "kind": "document"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var got struct {
			Generation uint64 `json:"generation"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		return got.Generation
	}

	first := open()
	s, ok := reg.Lookup(id)
	require.True(t, ok)
	s.Document().Destroy()
	second := open()
	require.NotEqual(t, first, second)

	w := do(t, e, http.MethodDelete, fmt.Sprintf("/documents/%s?generation=%d", id, first), nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "STALE_GENERATION")
	require.Equal(t, 1, reg.Refs(id))

	w = do(t, e, http.MethodDelete, "/documents/"+id+"?generation=x", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, e, http.MethodDelete, fmt.Sprintf("/documents/%s?generation=%d", id, second), nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, ok = reg.Lookup(id)
	require.False(t, ok)
}
