package network

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeMeta           = "meta"
	TypeEncryptionMeta = "encryption-meta"
	TypeChunk          = "chunk"
	TypeEnd            = "end"
	TypeChat           = "chat"
	TypeClipboard      = "clipboard"
	TypePing           = "ping"
	TypePong           = "pong"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrInvalidMessage indicates a frame that does not decode into a valid message.
	ErrInvalidMessage = errors.New("network: invalid message")
)

// Message is one wire message. The concrete types below are the whole set.
type Message interface {
	MessageType() string
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Meta announces a file. ResumeOffset is the byte the sender starts from.
type Meta struct {
	Type         string `json:"type"`
	Username     string `json:"username"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Mime         string `json:"mime"`
	IsEncrypted  bool   `json:"isEncrypted"`
	TransferID   string `json:"transferId"`
	ResumeOffset int64  `json:"resumeOffset"`
}

// EncryptionMeta precedes Meta for encrypted files and carries what the
// receiver needs to decrypt after reassembly.
type EncryptionMeta struct {
	Type         string `json:"type"`
	Salt         string `json:"salt"`
	IV           string `json:"iv"`
	OriginalMime string `json:"originalMime"`
	OriginalName string `json:"originalName"`
}

// Chunk carries one slice of file bytes. Data is base64 on the wire.
type Chunk struct {
	Type       string `json:"type"`
	Data       []byte `json:"data"`
	ChunkIndex int    `json:"chunkIndex"`
}

// End follows the last chunk.
type End struct {
	Type string `json:"type"`
}

// Chat is a text message routed to the chat collaborator.
type Chat struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	IsEncrypted bool   `json:"isEncrypted"`
}

// Clipboard is shared clipboard content.
type Clipboard struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Ping is a keep-alive probe consumed by framed channels.
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Pong answers Ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func (Meta) MessageType() string           { return TypeMeta }
func (EncryptionMeta) MessageType() string { return TypeEncryptionMeta }
func (Chunk) MessageType() string          { return TypeChunk }
func (End) MessageType() string            { return TypeEnd }
func (Chat) MessageType() string           { return TypeChat }
func (Clipboard) MessageType() string      { return TypeClipboard }
func (Ping) MessageType() string           { return TypePing }
func (Pong) MessageType() string           { return TypePong }

// Encode marshals a message with its type tag filled in.
func Encode(message Message) ([]byte, error) {
	var tagged any
	switch m := message.(type) {
	case Meta:
		m.Type = TypeMeta
		tagged = m
	case EncryptionMeta:
		m.Type = TypeEncryptionMeta
		tagged = m
	case Chunk:
		m.Type = TypeChunk
		tagged = m
	case End:
		m.Type = TypeEnd
		tagged = m
	case Chat:
		m.Type = TypeChat
		tagged = m
	case Clipboard:
		m.Type = TypeClipboard
		tagged = m
	case Ping:
		m.Type = TypePing
		tagged = m
	case Pong:
		m.Type = TypePong
		tagged = m
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidMessageType, message)
	}

	payload, err := json.Marshal(tagged)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// Decode parses and validates one payload.
func Decode(payload []byte) (Message, error) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case TypeMeta:
		var m Meta
		if err := unmarshalMessage(payload, &m); err != nil {
			return nil, err
		}
		if m.Name == "" {
			return nil, fmt.Errorf("%w: meta without name", ErrInvalidMessage)
		}
		if m.Size < 0 {
			return nil, fmt.Errorf("%w: meta size %d", ErrInvalidMessage, m.Size)
		}
		if m.ResumeOffset < 0 || m.ResumeOffset > m.Size {
			return nil, fmt.Errorf("%w: meta resume offset %d outside [0,%d]", ErrInvalidMessage, m.ResumeOffset, m.Size)
		}
		return m, nil
	case TypeEncryptionMeta:
		var m EncryptionMeta
		if err := unmarshalMessage(payload, &m); err != nil {
			return nil, err
		}
		if m.Salt == "" || m.IV == "" {
			return nil, fmt.Errorf("%w: encryption-meta without salt or iv", ErrInvalidMessage)
		}
		return m, nil
	case TypeChunk:
		var m Chunk
		if err := unmarshalMessage(payload, &m); err != nil {
			return nil, err
		}
		if m.ChunkIndex < 0 {
			return nil, fmt.Errorf("%w: chunk index %d", ErrInvalidMessage, m.ChunkIndex)
		}
		return m, nil
	case TypeEnd:
		return End{Type: TypeEnd}, nil
	case TypeChat:
		var m Chat
		if err := unmarshalMessage(payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeClipboard:
		var m Clipboard
		if err := unmarshalMessage(payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypePing:
		var m Ping
		if err := unmarshalMessage(payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypePong:
		var m Pong
		if err := unmarshalMessage(payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, msgType)
	}
}

func unmarshalMessage(payload []byte, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("%w: decode envelope: %v", ErrInvalidMessage, err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameIdle waits at most idle for a frame to start. Once its first
// byte has arrived the rest of the frame is read without a deadline, since
// abandoning a partly read frame would leave the stream misaligned. A
// stalled peer is caught by the keep-alive closing the connection.
func ReadFrameIdle(conn net.Conn, idle time.Duration) ([]byte, error) {
	var first [1]byte
	if idle > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}
	if _, err := io.ReadFull(conn, first[:]); err != nil {
		return nil, err
	}
	if idle > 0 {
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, fmt.Errorf("clear read deadline: %w", err)
		}
	}
	return ReadFrame(io.MultiReader(bytes.NewReader(first[:]), conn))
}
