package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Message framing: every JSON message on a stream is prefixed with its
// length as 4-byte big-endian. Raw block payloads are not framed; their size
// is announced by the preceding offer.

// WriteFrame writes a length-prefixed message.
func WriteFrame(w io.Writer, data []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadFrame reads a length-prefixed message, rejecting frames above max.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > max {
		return nil, fmt.Errorf("frame of %d bytes exceeds the %d byte limit", n, max)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteJSON marshals v and writes it as one frame.
func WriteJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadJSON reads one frame and unmarshals it into v.
func ReadJSON(r io.Reader, max uint32, v any) error {
	data, err := ReadFrame(r, max)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
