package wire

import "bytes"

// EncodeSyncStep1 builds the body of a SYNC frame announcing the sender's
// state vector: varuint(SyncStepStep1) || lengthPrefixed(stateVector).
func EncodeSyncStep1(stateVector []byte) []byte {
	buf := new(bytes.Buffer)
	PutUvarint(buf, uint64(SyncStepStep1))
	EncodeLengthPrefixed(buf, stateVector)
	return buf.Bytes()
}

// EncodeSyncStep2 builds the body of a SYNC frame carrying the update a
// peer needs to catch up to the sender's state.
func EncodeSyncStep2(update []byte) []byte {
	buf := new(bytes.Buffer)
	PutUvarint(buf, uint64(SyncStepStep2))
	EncodeLengthPrefixed(buf, update)
	return buf.Bytes()
}

// EncodeSyncUpdate builds the body of a SYNC frame carrying an incremental
// document update generated by a local transaction.
func EncodeSyncUpdate(update []byte) []byte {
	buf := new(bytes.Buffer)
	PutUvarint(buf, uint64(SyncStepUpdate))
	EncodeLengthPrefixed(buf, update)
	return buf.Bytes()
}

// SyncMessage is a decoded SYNC-frame body.
type SyncMessage struct {
	Step SyncStep
	// Payload is the state vector for Step1, or the update bytes for
	// Step2/Update.
	Payload []byte
}

// DecodeSyncMessage parses the body of a SYNC frame.
func DecodeSyncMessage(body []byte) (SyncMessage, error) {
	r := bytes.NewReader(body)
	step, err := ReadUvarint(r)
	if err != nil {
		return SyncMessage{}, err
	}
	payload, err := DecodeLengthPrefixed(r)
	if err != nil {
		return SyncMessage{}, err
	}
	return SyncMessage{Step: SyncStep(step), Payload: payload}, nil
}
