package models

// InteractionKind is the DOM event type of an interaction record.
type InteractionKind string

const (
	KindClick       InteractionKind = "click"
	KindDblClick    InteractionKind = "dblclick"
	KindContextMenu InteractionKind = "contextmenu"
	KindKeyDown     InteractionKind = "keydown"
	KindKeyUp       InteractionKind = "keyup"
	KindInput       InteractionKind = "input"
	KindChange      InteractionKind = "change"
	KindSubmit      InteractionKind = "submit"
	KindFocus       InteractionKind = "focus"
	KindBlur        InteractionKind = "blur"
	KindPointerDown InteractionKind = "pointerdown"
	KindPointerUp   InteractionKind = "pointerup"
	KindTouchStart  InteractionKind = "touchstart"
	KindTouchEnd    InteractionKind = "touchend"
	KindScroll      InteractionKind = "scroll"
	KindMouseMove   InteractionKind = "mousemove"
)

// CapturedKinds are the kinds subscribed at document level, each with its
// own throttle. Mousemove is handled separately because it is sampled.
var CapturedKinds = []InteractionKind{
	KindClick, KindDblClick, KindContextMenu, KindKeyDown, KindKeyUp,
	KindInput, KindChange, KindSubmit, KindFocus, KindBlur,
	KindPointerDown, KindPointerUp, KindTouchStart, KindTouchEnd, KindScroll,
}

// ValidKind reports whether k is a known interaction kind.
func ValidKind(k InteractionKind) bool {
	if k == KindMouseMove {
		return true
	}
	for _, c := range CapturedKinds {
		if c == k {
			return true
		}
	}
	return false
}

// Transport identifies which network capability produced a record.
type Transport string

const (
	TransportXHR       Transport = "xhr"
	TransportFetch     Transport = "fetch"
	TransportWSSend    Transport = "ws_send"
	TransportWSMessage Transport = "ws_message"
	TransportBeacon    Transport = "beacon"
)

// RedactedMarker replaces every sensitive value.
const RedactedMarker = "[REDACTED]"

// Event is an interaction record. TS is epoch milliseconds at observation.
type Event struct {
	ID       string          `json:"id"`
	TS       int64           `json:"ts"`
	Type     InteractionKind `json:"type"`
	Selector string          `json:"selector,omitempty"`
	Tag      string          `json:"tag,omitempty"`
	Value    string          `json:"value,omitempty"` // always the redaction marker when set
	X        *float64        `json:"x,omitempty"`     // sampled mousemove only
	Y        *float64        `json:"y,omitempty"`
}

// NetworkRecord is one observed request, response or socket frame.
type NetworkRecord struct {
	ID              string    `json:"id"`
	TS              int64     `json:"ts"`
	Type            Transport `json:"type"`
	Method          string    `json:"method,omitempty"`
	URL             string    `json:"url"`
	Status          int       `json:"status,omitempty"`
	Duration        int64     `json:"duration,omitempty"` // milliseconds
	ResponsePreview string    `json:"responsePreview,omitempty"`
	Data            any       `json:"data,omitempty"` // redacted outgoing payload
	Error           string    `json:"error,omitempty"`
}

// MutationEntry summarises one raw mutation record.
type MutationEntry struct {
	Type    string `json:"type"` // childList|attributes
	Target  string `json:"target"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
	Attr    string `json:"attr,omitempty"`
}

// MutationSummary is one throttled observer delivery.
type MutationSummary struct {
	ID      string          `json:"id"`
	TS      int64           `json:"ts"`
	Summary []MutationEntry `json:"summary"`
}

// CorrelationLink refers to records by id only.
type CorrelationLink struct {
	EventID string  `json:"eventId"`
	NetID   string  `json:"netId"`
	Score   float64 `json:"score"`
}

// Schema is the running aggregate for one endpoint.
type Schema struct {
	Count  int            `json:"count"`
	Params map[string]int `json:"params"`
}

// Finding is a coarse heuristic result.
type Finding struct {
	Type  string `json:"type"`
	Desc  string `json:"desc"`
	TS    int64  `json:"ts"`
	Count int    `json:"count"`
}

// Buffer holds the contents of the three ring buffers.
type Buffer struct {
	Events    []Event           `json:"events"`
	Network   []NetworkRecord   `json:"network"`
	Mutations []MutationSummary `json:"mutations"`
}

type ExportMeta struct {
	URL string `json:"url"`
	TS  int64  `json:"ts"`
}

// Export is the serialised session document. It is also the replay trace.
type Export struct {
	Meta   ExportMeta `json:"meta"`
	Buffer Buffer     `json:"buffer"`
}

// Batch carries externally captured interaction events.
type Batch struct {
	Events []Event `json:"events"`
}
