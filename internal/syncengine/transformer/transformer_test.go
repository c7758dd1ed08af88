package transformer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgelink/syncengine/internal/syncengine/domain"
)

const sampleWebhook = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "entry-1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "contacts": [{"profile": {"name": "Ada"}, "wa_id": "15551230001"}],
        "messages": [
          {"id": "wamid.text", "from": "15551230001", "timestamp": "1740830400", "type": "text",
           "text": {"body": "hello there"}},
          {"id": "wamid.img", "from": "15551230001", "timestamp": "1740830401", "type": "image",
           "image": {"id": "media-9", "mime_type": "image/jpeg", "caption": "beach"}}
        ],
        "statuses": [
          {"id": "wamid.out", "status": "delivered", "timestamp": "1740830402", "recipient_id": "15551230001"}
        ]
      }
    }]
  }]
}`

func TestParseWebhook(t *testing.T) {
	records, callbacks, err := ParseWebhook([]byte(sampleWebhook))
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Len(t, callbacks, 1)

	text := records[0]
	assert.Equal(t, "wamid.text", text.ExternalMessageID)
	assert.Equal(t, "15551230001", text.From)
	assert.Equal(t, "Ada", text.ContactName)
	assert.Equal(t, time.Unix(1740830400, 0).UTC(), text.Timestamp)
	assert.Equal(t, domain.ContentKindText, text.Content.Kind)
	assert.Equal(t, "hello there", text.Content.Text)

	image := records[1]
	require.Equal(t, domain.ContentKindMedia, image.Content.Kind)
	assert.Equal(t, domain.MediaKindImage, image.Content.Media.Kind)
	assert.Equal(t, MediaURIPrefix+"media-9", image.Content.Media.URI)
	assert.Equal(t, "image/jpeg", image.Content.Media.MimeType)
	assert.Equal(t, "beach", image.Content.Media.Caption)

	cb := callbacks[0]
	assert.Equal(t, "wamid.out", cb.ExternalMessageID)
	assert.Equal(t, "delivered", cb.Status)
}

func TestParseWebhookMalformed(t *testing.T) {
	_, _, err := ParseWebhook([]byte(`{"entry": "nope"`))
	assert.Error(t, err)
}

func TestParseWebhookIgnoresOtherFields(t *testing.T) {
	payload := `{"object":"whatsapp_business_account","entry":[{"id":"e","changes":[{"field":"account_update","value":{}}]}]}`
	records, callbacks, err := ParseWebhook([]byte(payload))
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, callbacks)
}

func TestParseWebhookUnsupportedTypeFallsBackToText(t *testing.T) {
	payload := `{"object":"whatsapp_business_account","entry":[{"id":"e","changes":[{"field":"messages","value":{
      "messages":[{"id":"wamid.x","from":"155","timestamp":"1740830400","type":"sticker"}]}}]}]}`
	records, _, err := ParseWebhook([]byte(payload))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ContentKindText, records[0].Content.Kind)
	assert.Equal(t, "[unsupported message type: sticker]", records[0].Content.Text)
}

func TestParseWebhookLocation(t *testing.T) {
	payload := `{"object":"whatsapp_business_account","entry":[{"id":"e","changes":[{"field":"messages","value":{
      "messages":[{"id":"wamid.loc","from":"155","timestamp":"1740830400","type":"location",
        "location":{"latitude":51.5,"longitude":-0.12,"name":"Office","address":"1 Main St"}}]}}]}]}`
	records, _, err := ParseWebhook([]byte(payload))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, domain.ContentKindLocation, records[0].Content.Kind)
	assert.Equal(t, 51.5, records[0].Content.Location.Lat)
	assert.Equal(t, "Office, 1 Main St", records[0].Content.Location.Address)
}

type fakeFetcher struct {
	fetched map[string]string
	err     error
}

func (f *fakeFetcher) Fetch(ctx context.Context, mediaID, mimeType string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	path := "/media/" + mediaID
	if f.fetched == nil {
		f.fetched = make(map[string]string)
	}
	f.fetched[mediaID] = mimeType
	return path, nil
}

type fakeUploader struct {
	uploaded []string
	err      error
}

func (u *fakeUploader) Upload(ctx context.Context, uri, mimeType string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	u.uploaded = append(u.uploaded, uri)
	return "uploaded-1", nil
}

func TestResolveInboundMedia(t *testing.T) {
	fetcher := &fakeFetcher{}
	tr := New(fetcher, nil)

	msg := domain.NewExternalMessage("conv-1",
		domain.MediaContent(domain.Media{Kind: domain.MediaKindImage, URI: MediaURIPrefix + "media-9", MimeType: "image/jpeg"}),
		"wamid.1", time.Now().UTC())

	require.NoError(t, tr.ResolveInboundMedia(context.Background(), msg))
	assert.Equal(t, "/media/media-9", msg.Content.Media.URI)
	assert.Equal(t, "image/jpeg", fetcher.fetched["media-9"])
}

func TestResolveInboundMediaNoopForResolvedURI(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("should not be called")}
	tr := New(fetcher, nil)

	msg := domain.NewExternalMessage("conv-1",
		domain.MediaContent(domain.Media{Kind: domain.MediaKindImage, URI: "/media/local.jpg", MimeType: "image/jpeg"}),
		"wamid.1", time.Now().UTC())
	require.NoError(t, tr.ResolveInboundMedia(context.Background(), msg))

	text := domain.NewExternalMessage("conv-1", domain.TextContent("hi"), "wamid.2", time.Now().UTC())
	require.NoError(t, tr.ResolveInboundMedia(context.Background(), text))
}

func TestToPlatformText(t *testing.T) {
	tr := New(nil, &fakeUploader{})
	msg := domain.NewLocalMessage("conv-1", domain.TextContent("hello"))

	payload, err := tr.ToPlatform(context.Background(), msg, "15551230001")
	require.NoError(t, err)
	assert.Equal(t, "whatsapp", payload.MessagingProduct)
	assert.Equal(t, "15551230001", payload.To)
	assert.Equal(t, "text", payload.Type)
	require.NotNil(t, payload.Text)
	assert.Equal(t, "hello", payload.Text.Body)
}

func TestToPlatformUploadsLocalMedia(t *testing.T) {
	uploader := &fakeUploader{}
	tr := New(nil, uploader)

	msg := domain.NewLocalMessage("conv-1", domain.MediaContent(domain.Media{
		Kind: domain.MediaKindDocument, URI: "/docs/contract.pdf", MimeType: "application/pdf", Filename: "contract.pdf",
	}))

	payload, err := tr.ToPlatform(context.Background(), msg, "155")
	require.NoError(t, err)
	assert.Equal(t, "document", payload.Type)
	require.NotNil(t, payload.Document)
	assert.Equal(t, "uploaded-1", payload.Document.ID)
	assert.Equal(t, []string{"/docs/contract.pdf"}, uploader.uploaded)
}

func TestToPlatformReusesPlatformMediaReference(t *testing.T) {
	uploader := &fakeUploader{err: errors.New("should not upload")}
	tr := New(nil, uploader)

	msg := domain.NewLocalMessage("conv-1", domain.MediaContent(domain.Media{
		Kind: domain.MediaKindImage, URI: MediaURIPrefix + "media-7", MimeType: "image/jpeg",
	}))

	payload, err := tr.ToPlatform(context.Background(), msg, "155")
	require.NoError(t, err)
	require.NotNil(t, payload.Image)
	assert.Equal(t, "media-7", payload.Image.ID)
}

func TestToPlatformLocation(t *testing.T) {
	tr := New(nil, nil)
	msg := domain.NewLocalMessage("conv-1", domain.LocationContent(domain.Location{Lat: 1.5, Lon: 2.5, Address: "x"}))

	payload, err := tr.ToPlatform(context.Background(), msg, "155")
	require.NoError(t, err)
	assert.Equal(t, "location", payload.Type)
	require.NotNil(t, payload.Location)
	assert.Equal(t, 1.5, payload.Location.Latitude)
}

func TestToPlatformUploadFailure(t *testing.T) {
	uploader := &fakeUploader{err: errors.New("boom")}
	tr := New(nil, uploader)

	msg := domain.NewLocalMessage("conv-1", domain.MediaContent(domain.Media{
		Kind: domain.MediaKindImage, URI: "/img.jpg", MimeType: "image/jpeg",
	}))
	_, err := tr.ToPlatform(context.Background(), msg, "155")
	assert.Error(t, err)
}
