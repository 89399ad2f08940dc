package models

import "fmt"

// Direction tells which side of the link a transfer state belongs to.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Validate rejects unknown directions.
func (d Direction) Validate() error {
	switch d {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", string(d))
	}
}

// TransferState is the resume bookkeeping for one file transfer.
type TransferState struct {
	TransferID       string    `json:"transfer_id"`
	FileName         string    `json:"file_name"`
	FileSize         int64     `json:"file_size"`
	MimeType         string    `json:"mime_type"`
	BytesTransferred int64     `json:"bytes_transferred"`
	PeerID           string    `json:"peer_id"`
	Direction        Direction `json:"direction"`
	Timestamp        int64     `json:"timestamp"`
	Encrypted        bool      `json:"encrypted"`
	Chunks           []int     `json:"chunks,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate shared chunk slices.
func (s TransferState) Clone() TransferState {
	out := s
	if s.Chunks != nil {
		out.Chunks = append([]int(nil), s.Chunks...)
	}
	return out
}

// Matches reports whether the state describes the same file on the same link.
func (s TransferState) Matches(fileName string, fileSize int64, peerID string, direction Direction) bool {
	return s.FileName == fileName &&
		s.FileSize == fileSize &&
		s.PeerID == peerID &&
		s.Direction == direction
}
