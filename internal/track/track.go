// Package track models the opaque tracks peers hand to the server and the
// process-wide registry that holds them while they are playable.
//
// A track arrives as one JSON object in a requestTrack reply. The server
// only ever interprets two fields, both of which it assigns itself: id and
// url. Everything else is client metadata passed through untouched, except
// for the transient data field carrying the payload, which is kept
// server-side and stripped from every peer-visible copy.
package track

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrNoData reports a track whose payload was never provided, e.g. when a
// client promised a track by reference only.
var ErrNoData = errors.New("track: no payload data")

// defaultContentType is served when the payload is bare base64 with no
// data-URI envelope naming a MIME type.
const defaultContentType = "audio/mpeg"

// Track is one playable track. ID and URL are server-assigned. Data holds
// the raw payload string exactly as the client sent it (a data URI or bare
// base64) and never leaves the server. Meta carries all remaining
// client-supplied fields verbatim.
type Track struct {
	ID   string
	URL  string
	Data string
	Meta map[string]json.RawMessage

	public json.RawMessage
}

// Mint builds a Track from the raw track object of a requestTrack reply.
// It assigns a fresh id, derives the url from base (which must end in "/"),
// splits off the data field, and precomputes the peer-visible form.
// Client-supplied id or url fields are discarded.
func Mint(base string, reply json.RawMessage) (*Track, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(reply, &fields); err != nil {
		return nil, fmt.Errorf("track: decode reply: %w", err)
	}
	if fields == nil {
		return nil, errors.New("track: reply track is null")
	}

	t := &Track{
		ID:   uuid.New().String(),
		Meta: fields,
	}
	t.URL = base + "tracks/" + t.ID

	if raw, ok := fields["data"]; ok {
		if err := json.Unmarshal(raw, &t.Data); err != nil {
			return nil, fmt.Errorf("track: data field: %w", err)
		}
		delete(fields, "data")
	}
	delete(fields, "id")
	delete(fields, "url")

	pub := make(map[string]json.RawMessage, len(fields)+2)
	for k, v := range fields {
		pub[k] = v
	}
	idJSON, err := json.Marshal(t.ID)
	if err != nil {
		return nil, fmt.Errorf("track: encode id: %w", err)
	}
	urlJSON, err := json.Marshal(t.URL)
	if err != nil {
		return nil, fmt.Errorf("track: encode url: %w", err)
	}
	pub["id"] = idJSON
	pub["url"] = urlJSON

	t.public, err = json.Marshal(pub)
	if err != nil {
		return nil, fmt.Errorf("track: encode public form: %w", err)
	}
	return t, nil
}

// Public returns the peer-visible JSON for this track: the client metadata
// plus the assigned id and url, with the data field removed. The returned
// value is precomputed at mint time and safe for concurrent use.
func (t *Track) Public() json.RawMessage {
	return t.public
}

// Payload decodes the stored payload and reports its MIME type. Supported
// encodings are base64 data URIs ("data:audio/ogg;base64,...") and bare
// base64, which is served as audio/mpeg.
func (t *Track) Payload() ([]byte, string, error) {
	data := t.Data
	if data == "" {
		return nil, "", ErrNoData
	}

	contentType := defaultContentType
	if rest, ok := strings.CutPrefix(data, "data:"); ok {
		mediatype, b64, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", errors.New("track: malformed data uri")
		}
		mediatype, isB64 := strings.CutSuffix(mediatype, ";base64")
		if !isB64 {
			return nil, "", errors.New("track: unsupported data uri encoding")
		}
		if mediatype != "" {
			contentType = mediatype
		}
		data = b64
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", fmt.Errorf("track: decode payload: %w", err)
	}
	return raw, contentType, nil
}
