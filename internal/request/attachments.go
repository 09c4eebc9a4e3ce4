package request

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// DecodedAttachment is a named binary blob with its declared media type.
// Content is never sniffed.
type DecodedAttachment struct {
	Name      string
	MediaType string
	Content   []byte
}

// Decoder converts data-URI attachments into decoded blobs while enforcing
// size ceilings. Pure: no side effects.
type Decoder struct {
	MaxAttachmentBytes int64
	MaxTotalBytes      int64
}

// NewDecoder builds a Decoder with the given ceilings. Zero values disable
// the respective limit.
func NewDecoder(maxPer, maxTotal int64) *Decoder {
	return &Decoder{MaxAttachmentBytes: maxPer, MaxTotalBytes: maxTotal}
}

// Decode parses every attachment. The first malformed, oversized, or
// duplicate-named attachment fails the batch with ErrAttachment naming it.
func (d *Decoder) Decode(attachments []Attachment) ([]DecodedAttachment, error) {
	decoded := make([]DecodedAttachment, 0, len(attachments))
	seen := make(map[string]struct{}, len(attachments))
	var total int64

	for _, a := range attachments {
		if a.Name == "" {
			return nil, fmt.Errorf("%w: attachment with empty name", ErrAttachment)
		}
		if _, dup := seen[a.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate attachment name %q", ErrAttachment, a.Name)
		}
		seen[a.Name] = struct{}{}

		mediaType, content, err := decodeDataURI(a.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAttachment, a.Name, err)
		}
		if d.MaxAttachmentBytes > 0 && int64(len(content)) > d.MaxAttachmentBytes {
			return nil, fmt.Errorf("%w: %s exceeds size limit of %d bytes", ErrAttachment, a.Name, d.MaxAttachmentBytes)
		}
		total += int64(len(content))
		if d.MaxTotalBytes > 0 && total > d.MaxTotalBytes {
			return nil, fmt.Errorf("%w: %s pushes total size past %d bytes", ErrAttachment, a.Name, d.MaxTotalBytes)
		}

		decoded = append(decoded, DecodedAttachment{
			Name:      a.Name,
			MediaType: mediaType,
			Content:   content,
		})
	}
	return decoded, nil
}

// decodeDataURI parses an RFC 2397 data URI in either its base64 or
// percent-encoded form.
func decodeDataURI(uri string) (mediaType string, content []byte, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URI")
	}
	header, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("missing comma separator")
	}

	isBase64 := false
	if enc, found := strings.CutSuffix(header, ";base64"); found {
		isBase64 = true
		header = enc
	}
	mediaType = header
	if mediaType == "" {
		mediaType = "text/plain;charset=US-ASCII"
	}

	if isBase64 {
		content, err = base64.StdEncoding.DecodeString(data)
		if err != nil {
			return "", nil, fmt.Errorf("bad base64 payload: %v", err)
		}
		return mediaType, content, nil
	}

	text, err := url.PathUnescape(data)
	if err != nil {
		return "", nil, fmt.Errorf("bad percent encoding: %v", err)
	}
	return mediaType, []byte(text), nil
}
