// Package ipc implements the length-prefixed msgpack framing used by pinned
// execution streams: one session, one connection, many request/response
// pairs multiplexed as frames.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/corral/types"
)

const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// MaxChunkSize is the maximum artifact chunk size (8 MiB raw bytes).
	MaxChunkSize = 8 * 1024 * 1024
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// Frame type discriminants.
const (
	ArtifactChunkType  = "artifact_chunk"
	StreamRequestType  = "stream_request"
	StreamResponseType = "stream_response"
)

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether this error should terminate the stream: partial
// and oversized frames are unrecoverable, decode errors are not (the
// connection can keep going).
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError reports whether err is a fatal *FrameError.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameDecoder decodes length-prefixed msgpack frames from a stream.
type FrameDecoder struct {
	reader io.Reader
}

// NewFrameDecoder wraps r with a bufio.Reader if it isn't already buffered,
// to reduce syscall overhead on unbuffered sources (OS pipes, raw sockets).
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &FrameDecoder{reader: br}
}

// ReadFrame reads a single frame from the stream and returns its raw
// msgpack-encoded payload.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read payload", Err: err}
	}

	return payload, nil
}

// probeFrameType extracts the "type" field from a msgpack map without fully
// unmarshaling the payload.
func probeFrameType(payload []byte) (string, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return "", err
	}
	for range n {
		key, err := dec.DecodeString()
		if err != nil {
			return "", err
		}
		if key == "type" {
			return dec.DecodeString()
		}
		if err := dec.Skip(); err != nil {
			return "", err
		}
	}
	return "", errors.New("missing type field")
}

// DecodeFrame decodes a payload and returns a typed frame, discriminating on
// the "type" field: "artifact_chunk", "stream_request", "stream_response",
// or falling back to a telemetry event.
func DecodeFrame(payload []byte) (any, error) {
	frameType, err := probeFrameType(payload)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode frame type", Err: err}
	}

	switch frameType {
	case ArtifactChunkType:
		return DecodeArtifactChunk(payload)
	case StreamRequestType:
		return DecodeStreamRequest(payload)
	case StreamResponseType:
		return DecodeStreamResponse(payload)
	default:
		return DecodeExecutionEvent(payload)
	}
}

// DecodeExecutionEvent decodes a payload as a telemetry ExecutionEvent.
func DecodeExecutionEvent(payload []byte) (*types.ExecutionEvent, error) {
	var event types.ExecutionEvent
	if err := msgpack.Unmarshal(payload, &event); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode execution event", Err: err}
	}
	return &event, nil
}

// DecodeArtifactChunk decodes a payload as an ArtifactChunkFrame.
func DecodeArtifactChunk(payload []byte) (*types.ArtifactChunkFrame, error) {
	var chunk types.ArtifactChunkFrame
	if err := msgpack.Unmarshal(payload, &chunk); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode artifact chunk", Err: err}
	}
	return &chunk, nil
}

// StreamRequestFrame is one client message on a pinned execution stream.
type StreamRequestFrame struct {
	Type    string                 `msgpack:"type"`
	Request types.ExecutionRequest `msgpack:"request"`
}

// StreamResponseFrame is the dispatcher's reply to one StreamRequestFrame.
type StreamResponseFrame struct {
	Type   string                 `msgpack:"type"`
	Result *types.ExecutionResult `msgpack:"result,omitempty"`
	Error  string                 `msgpack:"error,omitempty"`
}

// DecodeStreamRequest decodes a payload as a StreamRequestFrame.
func DecodeStreamRequest(payload []byte) (*StreamRequestFrame, error) {
	var frame StreamRequestFrame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode stream request", Err: err}
	}
	return &frame, nil
}

// DecodeStreamResponse decodes a payload as a StreamResponseFrame.
func DecodeStreamResponse(payload []byte) (*StreamResponseFrame, error) {
	var frame StreamResponseFrame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode stream response", Err: err}
	}
	return &frame, nil
}

// EncodeFrame encodes a payload with a 4-byte big-endian length prefix.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf
}

// EncodeStreamResponse encodes a StreamResponseFrame as a length-prefixed
// msgpack frame.
func EncodeStreamResponse(resp *StreamResponseFrame) ([]byte, error) {
	resp.Type = StreamResponseType
	payload, err := msgpack.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stream response: %w", err)
	}
	return EncodeFrame(payload), nil
}

// EncodeStreamRequest encodes a StreamRequestFrame as a length-prefixed
// msgpack frame.
func EncodeStreamRequest(req *StreamRequestFrame) ([]byte, error) {
	req.Type = StreamRequestType
	payload, err := msgpack.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stream request: %w", err)
	}
	return EncodeFrame(payload), nil
}
