package speech

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// protocolVersion of the recognizer's binary framing.
const protocolVersion = 0b0001

// MessageType is the high nibble of the second header byte.
type MessageType uint8

const (
	FullClientRequest  MessageType = 0b0001
	AudioOnlyRequest   MessageType = 0b0010
	FullServerResponse MessageType = 0b1001
	ErrorMessage       MessageType = 0b1111
)

// MessageFlags describe the optional sequence field.
type MessageFlags uint8

const (
	NoSequenceNumber       MessageFlags = 0b0000
	PositiveSequenceNumber MessageFlags = 0b0001
	LastPacketNoSequence   MessageFlags = 0b0010
	NegativeSequenceNumber MessageFlags = 0b0011
)

// SerializationMethod of the payload.
type SerializationMethod uint8

const (
	NoSerialization   SerializationMethod = 0b0000
	JSONSerialization SerializationMethod = 0b0001
)

// CompressionMethod of the payload.
type CompressionMethod uint8

const (
	NoCompression   CompressionMethod = 0b0000
	GzipCompression CompressionMethod = 0b0001
)

// Header is the fixed 4-byte frame header: version|size, type|flags,
// serialization|compression, reserved.
type Header struct {
	HeaderSize          uint8
	MessageType         MessageType
	MessageFlags        MessageFlags
	SerializationMethod SerializationMethod
	CompressionMethod   CompressionMethod
}

// Frame is one protocol message.
type Frame struct {
	Header    Header
	Sequence  int32
	ErrorCode uint32
	Payload   []byte
}

func newHeader(msgType MessageType, flags MessageFlags, serialization SerializationMethod, compression CompressionMethod) Header {
	return Header{
		HeaderSize:          0b0001,
		MessageType:         msgType,
		MessageFlags:        flags,
		SerializationMethod: serialization,
		CompressionMethod:   compression,
	}
}

func (h Header) encode() []byte {
	return []byte{
		(protocolVersion << 4) | h.HeaderSize,
		(uint8(h.MessageType) << 4) | uint8(h.MessageFlags),
		(uint8(h.SerializationMethod) << 4) | uint8(h.CompressionMethod),
		0x00,
	}
}

func decodeHeader(data []byte) (Header, error) {
	if len(data) < 4 {
		return Header{}, fmt.Errorf("header data too short: got %d, need 4", len(data))
	}
	if version := (data[0] >> 4) & 0x0F; version != protocolVersion {
		return Header{}, fmt.Errorf("unsupported protocol version: %d", version)
	}
	return Header{
		HeaderSize:          data[0] & 0x0F,
		MessageType:         MessageType((data[1] >> 4) & 0x0F),
		MessageFlags:        MessageFlags(data[1] & 0x0F),
		SerializationMethod: SerializationMethod((data[2] >> 4) & 0x0F),
		CompressionMethod:   CompressionMethod(data[2] & 0x0F),
	}, nil
}

func (f *Frame) hasSequence() bool {
	switch f.Header.MessageFlags {
	case PositiveSequenceNumber, NegativeSequenceNumber:
		return true
	default:
		return false
	}
}

// IsLast reports whether the frame closes the stream.
func (f *Frame) IsLast() bool {
	switch f.Header.MessageFlags {
	case LastPacketNoSequence, NegativeSequenceNumber:
		return true
	default:
		return f.Sequence < 0
	}
}

// Encode serializes the frame.
func (f *Frame) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 12+len(f.Payload)))
	buf.Write(f.Header.encode())

	var word [4]byte
	if f.hasSequence() {
		binary.BigEndian.PutUint32(word[:], uint32(f.Sequence))
		buf.Write(word[:])
	}
	if f.Header.MessageType == ErrorMessage {
		binary.BigEndian.PutUint32(word[:], f.ErrorCode)
		buf.Write(word[:])
	}

	binary.BigEndian.PutUint32(word[:], uint32(len(f.Payload)))
	buf.Write(word[:])
	buf.Write(f.Payload)
	return buf.Bytes()
}

// DecodeFrame reads one frame from r.
func DecodeFrame(r io.Reader) (*Frame, error) {
	raw := make([]byte, 4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	header, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}

	// skip header extensions
	if extra := int(header.HeaderSize)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("failed to read extended header: %w", err)
		}
	}

	frame := &Frame{Header: header}
	if frame.hasSequence() {
		var seq int32
		if err := binary.Read(r, binary.BigEndian, &seq); err != nil {
			return nil, fmt.Errorf("failed to read sequence: %w", err)
		}
		frame.Sequence = seq
	}
	if header.MessageType == ErrorMessage {
		if err := binary.Read(r, binary.BigEndian, &frame.ErrorCode); err != nil {
			return nil, fmt.Errorf("failed to read error code: %w", err)
		}
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("failed to read payload size: %w", err)
	}
	if size > 0 {
		frame.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, frame.Payload); err != nil {
			return nil, fmt.Errorf("failed to read payload (expected %d bytes): %w", size, err)
		}
	}
	return frame, nil
}

// newFullClientRequest frames the gzip JSON request that opens a stream.
func newFullClientRequest(payload []byte) *Frame {
	return &Frame{
		Header:  newHeader(FullClientRequest, NoSequenceNumber, JSONSerialization, GzipCompression),
		Payload: payload,
	}
}

// newAudioRequest frames an audio chunk; the last chunk carries a negated sequence.
func newAudioRequest(chunk []byte, sequence int32, last bool) *Frame {
	flags := PositiveSequenceNumber
	if last {
		flags = NegativeSequenceNumber
		sequence = -sequence
	}
	return &Frame{
		Header:   newHeader(AudioOnlyRequest, flags, NoSerialization, GzipCompression),
		Sequence: sequence,
		Payload:  chunk,
	}
}
