package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContentKind tags the content variant of a message.
type ContentKind string

const (
	ContentKindText     ContentKind = "text"
	ContentKindMedia    ContentKind = "media"
	ContentKindLocation ContentKind = "location"
)

// MediaKind distinguishes media payload families.
type MediaKind string

const (
	MediaKindImage    MediaKind = "image"
	MediaKindAudio    MediaKind = "audio"
	MediaKindVideo    MediaKind = "video"
	MediaKindDocument MediaKind = "document"
)

// Media describes a blob reference. URI is either a platform media
// reference (whatsapp://media/<id>) or a locally addressable path once the
// blob has been resolved.
type Media struct {
	Kind     MediaKind `json:"kind"`
	URI      string    `json:"uri"`
	MimeType string    `json:"mime_type"`
	Filename string    `json:"filename,omitempty"`
	Caption  string    `json:"caption,omitempty"`
}

// Location is a geographic point with an optional human-readable address.
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address,omitempty"`
}

// Content is the tagged variant carried by a UnifiedMessage. Exactly one
// of Text, Media, Location is populated, selected by Kind.
type Content struct {
	Kind     ContentKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	Media    *Media      `json:"media,omitempty"`
	Location *Location   `json:"location,omitempty"`
}

func TextContent(text string) Content {
	return Content{Kind: ContentKindText, Text: text}
}

func MediaContent(m Media) Content {
	return Content{Kind: ContentKindMedia, Media: &m}
}

func LocationContent(l Location) Content {
	return Content{Kind: ContentKindLocation, Location: &l}
}

// Validate checks the variant is well formed. Malformed content is rejected
// synchronously at creation time and never enqueued.
func (c Content) Validate() error {
	switch c.Kind {
	case ContentKindText:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: empty text body", ErrInvalidContent)
		}
		if c.Media != nil || c.Location != nil {
			return fmt.Errorf("%w: text content carries extra variants", ErrInvalidContent)
		}
	case ContentKindMedia:
		if c.Media == nil {
			return fmt.Errorf("%w: media content missing media payload", ErrInvalidContent)
		}
		if c.Media.URI == "" {
			return fmt.Errorf("%w: media content missing uri", ErrInvalidContent)
		}
		switch c.Media.Kind {
		case MediaKindImage, MediaKindAudio, MediaKindVideo, MediaKindDocument:
		default:
			return fmt.Errorf("%w: unknown media kind %q", ErrInvalidContent, c.Media.Kind)
		}
	case ContentKindLocation:
		if c.Location == nil {
			return fmt.Errorf("%w: location content missing location payload", ErrInvalidContent)
		}
		if c.Location.Lat < -90 || c.Location.Lat > 90 || c.Location.Lon < -180 || c.Location.Lon > 180 {
			return fmt.Errorf("%w: location out of range", ErrInvalidContent)
		}
	default:
		return fmt.Errorf("%w: unknown content kind %q", ErrInvalidContent, c.Kind)
	}
	return nil
}

// Equal reports whether two contents are byte-for-byte identical in their
// canonical encoding. Used by the conflict resolver's deduplicate rule.
func (c Content) Equal(other Content) bool {
	a, errA := json.Marshal(c)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// Summary renders a short human-readable form of the content, used when a
// text message is merged with a media or location complement.
func (c Content) Summary() string {
	switch c.Kind {
	case ContentKindText:
		return c.Text
	case ContentKindMedia:
		if c.Media.Caption != "" {
			return fmt.Sprintf("[%s: %s] %s", c.Media.Kind, c.Media.URI, c.Media.Caption)
		}
		return fmt.Sprintf("[%s: %s]", c.Media.Kind, c.Media.URI)
	case ContentKindLocation:
		if c.Location.Address != "" {
			return fmt.Sprintf("[location: %s (%f,%f)]", c.Location.Address, c.Location.Lat, c.Location.Lon)
		}
		return fmt.Sprintf("[location: %f,%f]", c.Location.Lat, c.Location.Lon)
	}
	return ""
}
