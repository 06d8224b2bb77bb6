package telephony

import (
	"encoding/xml"
	"fmt"
)

// voiceResponse is the call-control markup document returned to the provider
// when an answered call fetches instructions. The only instruction this
// service issues is connecting the call's media to our stream endpoint.
type voiceResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect *connectVerb `xml:"Connect,omitempty"`
}

type connectVerb struct {
	Stream *streamNoun `xml:"Stream"`
}

type streamNoun struct {
	URL string `xml:"url,attr"`
}

// StreamMarkup renders the markup that connects a call's media stream to the
// given WebSocket URL
func StreamMarkup(wsURL string) (string, error) {
	doc := voiceResponse{
		Connect: &connectVerb{
			Stream: &streamNoun{URL: wsURL},
		},
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to render stream markup: %w", err)
	}
	return xml.Header + string(out), nil
}
