package platformclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgelink/syncengine/internal/syncengine/domain"
	"github.com/bridgelink/syncengine/internal/syncengine/transformer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*WhatsAppClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewWhatsAppClient(Config{
		APIBaseURL:    server.URL,
		PhoneNumberID: "12345",
		AccessToken:   "token-abc",
		MediaDir:      t.TempDir(),
	}, server.Client(), testLogger())
	return client, server
}

func TestSendSuccess(t *testing.T) {
	var gotAuth string
	var gotBody transformer.SendPayload
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/12345/messages", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"messages": []map[string]string{{"id": "wamid.new"}}})
	})

	payload := &transformer.SendPayload{
		MessagingProduct: "whatsapp",
		To:               "15551230001",
		Type:             "text",
		Text:             &transformer.WireText{Body: "hi"},
	}
	id, err := client.Send(context.Background(), "15551230001", payload)
	require.NoError(t, err)
	assert.Equal(t, "wamid.new", id)
	assert.Equal(t, "Bearer token-abc", gotAuth)
	assert.Equal(t, "hi", gotBody.Text.Body)
}

func TestSendClassifiesServerErrorTransient(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := client.Send(context.Background(), "155", &transformer.SendPayload{})
	assert.ErrorIs(t, err, domain.ErrTransientDelivery)
	assert.True(t, IsTransient(err))
}

func TestSendClassifiesRateLimitTransient(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := client.Send(context.Background(), "155", &transformer.SendPayload{})
	assert.ErrorIs(t, err, domain.ErrTransientDelivery)
}

func TestSendClassifiesClientErrorPermanent(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "invalid recipient", "code": 131026}})
	})
	_, err := client.Send(context.Background(), "155", &transformer.SendPayload{})
	assert.ErrorIs(t, err, domain.ErrPermanentDelivery)
	assert.Contains(t, err.Error(), "invalid recipient")
	assert.False(t, IsTransient(err))
}

func TestSendNetworkFailureTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // connection refused from here on
	client := NewWhatsAppClient(Config{APIBaseURL: server.URL, PhoneNumberID: "1"}, nil, testLogger())

	_, err := client.Send(context.Background(), "155", &transformer.SendPayload{})
	assert.ErrorIs(t, err, domain.ErrTransientDelivery)
}

func TestFetchDownloadsMedia(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-abc", r.Header.Get("Authorization"))
		w.Write([]byte("image-bytes"))
	})
	mux.HandleFunc("/media-9", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"url": server.URL + "/blob", "mime_type": "image/jpeg"})
	})

	client := NewWhatsAppClient(Config{
		APIBaseURL:  server.URL,
		AccessToken: "token-abc",
		MediaDir:    t.TempDir(),
	}, server.Client(), testLogger())

	path, err := client.Fetch(context.Background(), "media-9", "image/jpeg")
	require.NoError(t, err)
	assert.Contains(t, path, ".jpg")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))
}

func TestUploadMedia(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "photo.png")
	require.NoError(t, os.WriteFile(file, []byte("png-bytes"), 0o644))

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/12345/media", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whatsapp", r.FormValue("messaging_product"))
		assert.Equal(t, "image/png", r.FormValue("type"))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "photo.png", header.Filename)
		json.NewEncoder(w).Encode(map[string]string{"id": "media-42"})
	})

	id, err := client.Upload(context.Background(), file, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "media-42", id)
}

func TestUploadMissingFilePermanent(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := client.Upload(context.Background(), "/does/not/exist.png", "image/png")
	assert.ErrorIs(t, err, domain.ErrPermanentDelivery)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".jpg", extensionFor("image/jpeg"))
	assert.Equal(t, ".pdf", extensionFor("application/pdf"))
	assert.Equal(t, ".bin", extensionFor("application/x-unknown"))
}
