// Package protocol implements the JSON envelope codecs for both sides of the
// bridge: the telephony media-stream protocol (discriminant field "event") and
// the conversational agent protocol (discriminant field "type"). Decoding
// produces tagged event values; unknown discriminants decode to an Other
// variant so new remote event types never break the relay.
package protocol
