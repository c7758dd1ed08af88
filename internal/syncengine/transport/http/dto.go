package http

import (
	"time"

	"github.com/bridgelink/syncengine/internal/syncengine/domain"
)

// SendMessageRequest is the DTO for POST /api/v1/messages.
type SendMessageRequest struct {
	ConversationID string         `json:"conversation_id" validate:"required,uuid"`
	Priority       string         `json:"priority" validate:"omitempty,oneof=high normal low"`
	Content        MessageContent `json:"content" validate:"required"`
}

// MessageContent is the wire shape of unified content. Exactly one of the
// payload fields matches the kind.
type MessageContent struct {
	Kind     string           `json:"kind" validate:"required,oneof=text media location"`
	Text     string           `json:"text,omitempty"`
	Media    *MediaPayload    `json:"media,omitempty"`
	Location *LocationPayload `json:"location,omitempty"`
}

type MediaPayload struct {
	Kind     string `json:"kind" validate:"omitempty,oneof=image audio video document"`
	URI      string `json:"uri"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// SendMessageResponse is returned with 202: the message is persisted and
// queued, not yet delivered.
type SendMessageResponse struct {
	MessageID      string        `json:"message_id"`
	ConversationID string        `json:"conversation_id"`
	Status         domain.Status `json:"status"`
}

// MessageResponse is one conversation entry for GET responses.
type MessageResponse struct {
	ID                string                `json:"id"`
	ConversationID    string                `json:"conversation_id"`
	Content           MessageContent        `json:"content"`
	OriginPlatform    domain.Platform       `json:"origin_platform"`
	ExternalMessageID *string               `json:"external_message_id,omitempty"`
	Status            domain.Status         `json:"status"`
	StatusHistory     []domain.StatusChange `json:"status_history,omitempty"`
	Metadata          map[string]any        `json:"metadata,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

type ConversationResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
}

type GenericErrorResponse struct {
	Error string `json:"error"`
}

func contentToDomain(c MessageContent) domain.Content {
	switch c.Kind {
	case "media":
		media := domain.Media{}
		if c.Media != nil {
			media = domain.Media{
				Kind:     domain.MediaKind(c.Media.Kind),
				URI:      c.Media.URI,
				MimeType: c.Media.MimeType,
				Filename: c.Media.Filename,
				Caption:  c.Media.Caption,
			}
		}
		return domain.MediaContent(media)
	case "location":
		loc := domain.Location{}
		if c.Location != nil {
			loc = domain.Location{
				Lat:     c.Location.Latitude,
				Lon:     c.Location.Longitude,
				Address: c.Location.Address,
			}
		}
		return domain.LocationContent(loc)
	default:
		return domain.TextContent(c.Text)
	}
}

func contentFromDomain(c domain.Content) MessageContent {
	out := MessageContent{Kind: string(c.Kind)}
	switch c.Kind {
	case domain.ContentKindText:
		out.Text = c.Text
	case domain.ContentKindMedia:
		if c.Media != nil {
			out.Media = &MediaPayload{
				Kind:     string(c.Media.Kind),
				URI:      c.Media.URI,
				MimeType: c.Media.MimeType,
				Filename: c.Media.Filename,
				Caption:  c.Media.Caption,
			}
		}
	case domain.ContentKindLocation:
		if c.Location != nil {
			out.Location = &LocationPayload{
				Latitude:  c.Location.Lat,
				Longitude: c.Location.Lon,
				Address:   c.Location.Address,
			}
		}
	}
	return out
}

func messageToResponse(m *domain.UnifiedMessage) MessageResponse {
	return MessageResponse{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		Content:           contentFromDomain(m.Content),
		OriginPlatform:    m.OriginPlatform,
		ExternalMessageID: m.ExternalMessageID,
		Status:            m.Status,
		StatusHistory:     m.StatusHistory,
		Metadata:          m.Metadata,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}
