// Package transformer converts between the platform-agnostic unified
// message model and the WhatsApp wire format. Mapping is pure and
// stateless except for media resolution, which goes through the injected
// blob-store collaborator.
package transformer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bridgelink/syncengine/internal/syncengine/domain"
)

// MediaURIPrefix marks a media URI that still references a platform blob
// and needs downloading before it is locally addressable.
const MediaURIPrefix = "whatsapp://media/"

// MediaFetcher downloads a platform media blob and returns a locally
// addressable URI.
type MediaFetcher interface {
	Fetch(ctx context.Context, mediaID, mimeType string) (string, error)
}

// MediaUploader uploads a locally addressable blob and returns the
// platform media reference to send with.
type MediaUploader interface {
	Upload(ctx context.Context, uri, mimeType string) (string, error)
}

// InboundRecord is one platform-native message extracted from a webhook
// delivery, carrying everything needed to build a unified message.
type InboundRecord struct {
	ExternalMessageID string
	From              string
	ContactName       string
	Timestamp         time.Time
	Content           domain.Content
}

// StatusCallback is one delivery receipt extracted from a webhook.
type StatusCallback struct {
	ExternalMessageID string
	Status            string
	Timestamp         time.Time
}

type Transformer struct {
	fetcher  MediaFetcher
	uploader MediaUploader
}

func New(fetcher MediaFetcher, uploader MediaUploader) *Transformer {
	return &Transformer{fetcher: fetcher, uploader: uploader}
}

// ParseWebhook extracts message records and status callbacks from a raw
// webhook delivery. A single delivery may batch multiple of each.
func ParseWebhook(raw []byte) ([]InboundRecord, []StatusCallback, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, fmt.Errorf("malformed webhook payload: %w", err)
	}

	var (
		records   []InboundRecord
		callbacks []StatusCallback
	)
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			names := contactNames(change.Value.Contacts)
			for _, wire := range change.Value.Messages {
				records = append(records, InboundRecord{
					ExternalMessageID: wire.ID,
					From:              wire.From,
					ContactName:       names[wire.From],
					Timestamp:         unixTimestamp(wire.Timestamp),
					Content:           contentFromWire(wire),
				})
			}
			for _, st := range change.Value.Statuses {
				callbacks = append(callbacks, StatusCallback{
					ExternalMessageID: st.ID,
					Status:            st.Status,
					Timestamp:         unixTimestamp(st.Timestamp),
				})
			}
		}
	}
	return records, callbacks, nil
}

func contactNames(contacts []WireContact) map[string]string {
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		if c.Profile.Name != "" {
			names[c.WaID] = c.Profile.Name
		}
	}
	return names
}

func unixTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

// contentFromWire maps a platform message onto the unified tagged variant.
// Unsupported platform types degrade to a text placeholder rather than
// failing the pipeline.
func contentFromWire(wire WireMessage) domain.Content {
	switch wire.Type {
	case "text":
		if wire.Text != nil {
			return domain.TextContent(wire.Text.Body)
		}
	case "image":
		if wire.Image != nil {
			return mediaContent(domain.MediaKindImage, wire.Image)
		}
	case "audio":
		if wire.Audio != nil {
			return mediaContent(domain.MediaKindAudio, wire.Audio)
		}
	case "video":
		if wire.Video != nil {
			return mediaContent(domain.MediaKindVideo, wire.Video)
		}
	case "document":
		if wire.Document != nil {
			return mediaContent(domain.MediaKindDocument, wire.Document)
		}
	case "location":
		if wire.Location != nil {
			return domain.LocationContent(domain.Location{
				Lat:     wire.Location.Latitude,
				Lon:     wire.Location.Longitude,
				Address: locationAddress(wire.Location),
			})
		}
	}
	return domain.TextContent(fmt.Sprintf("[unsupported message type: %s]", wire.Type))
}

func mediaContent(kind domain.MediaKind, wire *WireMedia) domain.Content {
	return domain.MediaContent(domain.Media{
		Kind:     kind,
		URI:      MediaURIPrefix + wire.ID,
		MimeType: wire.MimeType,
		Filename: wire.Filename,
		Caption:  wire.Caption,
	})
}

func locationAddress(wire *WireLocation) string {
	switch {
	case wire.Name != "" && wire.Address != "":
		return wire.Name + ", " + wire.Address
	case wire.Name != "":
		return wire.Name
	default:
		return wire.Address
	}
}

// ResolveInboundMedia downloads the platform blob referenced by the
// message's media URI and rewrites it to a locally addressable one. No-op
// for non-media content or already-resolved URIs. This is the inbound
// worker's suspension point.
func (t *Transformer) ResolveInboundMedia(ctx context.Context, msg *domain.UnifiedMessage) error {
	if msg.Content.Kind != domain.ContentKindMedia {
		return nil
	}
	uri := msg.Content.Media.URI
	if !strings.HasPrefix(uri, MediaURIPrefix) {
		return nil
	}
	mediaID := strings.TrimPrefix(uri, MediaURIPrefix)
	localURI, err := t.fetcher.Fetch(ctx, mediaID, msg.Content.Media.MimeType)
	if err != nil {
		return fmt.Errorf("resolve inbound media %s: %w", mediaID, err)
	}
	msg.Content.Media.URI = localURI
	return nil
}

// ToPlatform builds the outbound send payload for a unified message. Media
// content is uploaded to the platform first (local URI -> media reference);
// that upload is the outbound path's pre-send suspension point.
func (t *Transformer) ToPlatform(ctx context.Context, msg *domain.UnifiedMessage, recipient string) (*SendPayload, error) {
	payload := &SendPayload{
		MessagingProduct: "whatsapp",
		To:               recipient,
	}

	switch msg.Content.Kind {
	case domain.ContentKindText:
		payload.Type = "text"
		payload.Text = &WireText{Body: msg.Content.Text}

	case domain.ContentKindMedia:
		media := msg.Content.Media
		mediaID := ""
		if strings.HasPrefix(media.URI, MediaURIPrefix) {
			mediaID = strings.TrimPrefix(media.URI, MediaURIPrefix)
		} else {
			uploaded, err := t.uploader.Upload(ctx, media.URI, media.MimeType)
			if err != nil {
				return nil, fmt.Errorf("upload media for message %s: %w", msg.ID, err)
			}
			mediaID = uploaded
		}
		wire := &WireMedia{ID: mediaID, MimeType: media.MimeType, Caption: media.Caption, Filename: media.Filename}
		switch media.Kind {
		case domain.MediaKindImage:
			payload.Type = "image"
			payload.Image = wire
		case domain.MediaKindAudio:
			payload.Type = "audio"
			payload.Audio = wire
		case domain.MediaKindVideo:
			payload.Type = "video"
			payload.Video = wire
		case domain.MediaKindDocument:
			payload.Type = "document"
			payload.Document = wire
		default:
			return nil, fmt.Errorf("%w: media kind %q", domain.ErrInvalidContent, media.Kind)
		}

	case domain.ContentKindLocation:
		payload.Type = "location"
		payload.Location = &WireLocation{
			Latitude:  msg.Content.Location.Lat,
			Longitude: msg.Content.Location.Lon,
			Address:   msg.Content.Location.Address,
		}

	default:
		return nil, fmt.Errorf("%w: content kind %q", domain.ErrInvalidContent, msg.Content.Kind)
	}

	return payload, nil
}
