package transformer

// WhatsApp Business webhook and send-call wire shapes. Signature
// verification happens upstream; payloads arriving here are trusted JSON.

type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

type WebhookChange struct {
	Field string             `json:"field"`
	Value WebhookChangeValue `json:"value"`
}

type WebhookChangeValue struct {
	MessagingProduct string        `json:"messaging_product"`
	Contacts         []WireContact `json:"contacts,omitempty"`
	Messages         []WireMessage `json:"messages,omitempty"`
	Statuses         []WireStatus  `json:"statuses,omitempty"`
}

type WireContact struct {
	Profile WireProfile `json:"profile"`
	WaID    string      `json:"wa_id"`
}

type WireProfile struct {
	Name string `json:"name"`
}

type WireMessage struct {
	ID        string        `json:"id"`
	From      string        `json:"from"`
	Timestamp string        `json:"timestamp"`
	Type      string        `json:"type"`
	Text      *WireText     `json:"text,omitempty"`
	Image     *WireMedia    `json:"image,omitempty"`
	Audio     *WireMedia    `json:"audio,omitempty"`
	Video     *WireMedia    `json:"video,omitempty"`
	Document  *WireMedia    `json:"document,omitempty"`
	Location  *WireLocation `json:"location,omitempty"`
}

type WireText struct {
	Body string `json:"body"`
}

type WireMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	Link     string `json:"link,omitempty"`
}

type WireLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// WireStatus is one delivery receipt from the statuses array.
type WireStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id,omitempty"`
}

// SendPayload is the body of an outbound send call.
type SendPayload struct {
	MessagingProduct string        `json:"messaging_product"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *WireText     `json:"text,omitempty"`
	Image            *WireMedia    `json:"image,omitempty"`
	Audio            *WireMedia    `json:"audio,omitempty"`
	Video            *WireMedia    `json:"video,omitempty"`
	Document         *WireMedia    `json:"document,omitempty"`
	Location         *WireLocation `json:"location,omitempty"`
}
