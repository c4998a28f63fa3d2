package wire

import "bytes"

// AwarenessEntry is one client's slice of an AWARENESS update: its clock
// (monotonically increasing per client) and its JSON-encoded state, or a
// nil State to signal the client went offline.
type AwarenessEntry struct {
	ClientID uint64
	Clock    uint64
	State    []byte // JSON; nil means "removed"
}

// EncodeAwareness builds the body of an AWARENESS frame: varuint(count)
// followed by count repetitions of (clientID, clock, lengthPrefixed(state)).
// An empty state encodes as a zero-length payload, matching y-protocols'
// awareness update format.
func EncodeAwareness(entries []AwarenessEntry) []byte {
	buf := new(bytes.Buffer)
	PutUvarint(buf, uint64(len(entries)))
	for _, e := range entries {
		PutUvarint(buf, e.ClientID)
		PutUvarint(buf, e.Clock)
		EncodeLengthPrefixed(buf, e.State)
	}
	return buf.Bytes()
}

// DecodeAwareness parses the body of an AWARENESS frame.
func DecodeAwareness(body []byte) ([]AwarenessEntry, error) {
	r := bytes.NewReader(body)
	count, err := ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	entries := make([]AwarenessEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		clientID, err := ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		clock, err := ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		state, err := DecodeLengthPrefixed(r)
		if err != nil {
			return nil, err
		}
		if len(state) == 0 {
			state = nil
		}
		entries = append(entries, AwarenessEntry{ClientID: clientID, Clock: clock, State: state})
	}
	return entries, nil
}

// EncodeQueryAwareness builds the (empty) body of a QUERY_AWARENESS frame.
func EncodeQueryAwareness() []byte {
	return []byte{}
}

// EncodeSyncStatus builds the body of a SYNC_STATUS heartbeat frame: a
// varuint-length-prefixed inner payload holding a single varuint sequence
// number the peer is expected to echo back.
func EncodeSyncStatus(seq uint64) []byte {
	inner := new(bytes.Buffer)
	PutUvarint(inner, seq)
	buf := new(bytes.Buffer)
	EncodeLengthPrefixed(buf, inner.Bytes())
	return buf.Bytes()
}

// DecodeSyncStatus parses the body of a SYNC_STATUS frame.
func DecodeSyncStatus(body []byte) (uint64, error) {
	inner, err := DecodeLengthPrefixed(bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	return ReadUvarint(bytes.NewReader(inner))
}
