package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"filedrop/crypto"
	"filedrop/models"
	"filedrop/network"
	"filedrop/resume"
)

// SenderState is the position of a Sender in its state machine.
type SenderState string

const (
	SenderIdle        SenderState = "idle"
	SenderNegotiating SenderState = "negotiating"
	SenderMetaSent    SenderState = "meta_sent"
	SenderStreaming   SenderState = "streaming"
	SenderEnded       SenderState = "ended"
)

// Checkpointer is consulted before every chunk. It blocks while paused and
// returns an error once the transfer is cancelled.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// SourceFile is the random-access reader a Sender chunks from.
type SourceFile interface {
	io.ReaderAt
	io.Closer
}

// SenderOptions configures a Sender.
type SenderOptions struct {
	Channel   network.Channel
	Resume    *resume.Store
	ChunkSize int
	// ResumeRewind is subtracted from the recorded offset before resuming.
	// Zero means DefaultResumeRewind; negative resumes at the recorded offset.
	ResumeRewind int64
	Username     string
	PeerID       string
	Logger       *logrus.Entry
	Clock        Clock
	Open         func(path string) (SourceFile, error)
}

func (o SenderOptions) withDefaults() SenderOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ResumeRewind == 0 {
		o.ResumeRewind = DefaultResumeRewind
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.Open == nil {
		o.Open = func(path string) (SourceFile, error) {
			file, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			return file, nil
		}
	}
	return o
}

// SendRequest describes one file to send.
type SendRequest struct {
	File       models.FileRef
	Encrypted  bool
	Passphrase string
	Token      Checkpointer
	OnProgress func(Progress)
}

// SendResult summarizes a finished send.
type SendResult struct {
	TransferID  string
	ResumedFrom int64
	BytesSent   int64
}

// Sender streams files over one channel. A Sender handles one file at a
// time; Send calls on the same Sender must not overlap.
type Sender struct {
	opts   SenderOptions
	logger *logrus.Entry

	mu    sync.Mutex
	state SenderState
}

// NewSender builds a sender around opts.Channel.
func NewSender(opts SenderOptions) *Sender {
	opts = opts.withDefaults()
	return &Sender{
		opts:   opts,
		logger: opts.Logger.WithField("component", "sender"),
		state:  SenderIdle,
	}
}

// State returns the current state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sender) setState(state SenderState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// outgoing is the byte source actually put on the wire.
type outgoing struct {
	source    io.ReaderAt
	closer    io.Closer
	name      string
	size      int64
	mime      string
	encrypted bool
	encMeta   network.EncryptionMeta
}

// Send runs one file through negotiation and streaming. Errors wrap ErrRead,
// crypto.ErrEncryption, ErrChannel, the token's cancellation error or a
// context error.
func (s *Sender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"file_name": req.File.Name,
		"peer_id":   s.opts.PeerID,
	})

	if err := s.checkpoint(ctx, req.Token); err != nil {
		return SendResult{}, err
	}

	s.setState(SenderNegotiating)
	out, err := s.prepare(req)
	if err != nil {
		return SendResult{}, err
	}
	defer func() {
		if out.closer != nil {
			_ = out.closer.Close()
		}
	}()

	transferID, offset := s.negotiate(out, logger)
	logger = logger.WithField("transfer_id", transferID)
	result := SendResult{TransferID: transferID, ResumedFrom: offset}

	if out.encrypted {
		if err := s.opts.Channel.Send(ctx, out.encMeta); err != nil {
			return result, channelError("send encryption-meta", err)
		}
	}
	meta := network.Meta{
		Username:     s.opts.Username,
		Name:         out.name,
		Size:         out.size,
		Mime:         out.mime,
		IsEncrypted:  out.encrypted,
		TransferID:   transferID,
		ResumeOffset: offset,
	}
	if err := s.opts.Channel.Send(ctx, meta); err != nil {
		return result, channelError("send meta", err)
	}
	s.setState(SenderMetaSent)
	if offset > 0 {
		logger.WithField("offset", offset).Info("resuming transfer")
	}

	if out.size > 0 {
		s.setState(SenderStreaming)
		sent, err := s.stream(ctx, req, out, transferID, offset, logger)
		result.BytesSent = sent
		if err != nil {
			return result, err
		}
	}

	if err := s.opts.Channel.Send(ctx, network.End{}); err != nil {
		return result, channelError("send end", err)
	}
	s.setState(SenderEnded)
	s.removeState(transferID, logger)

	if out.size == 0 && req.OnProgress != nil {
		req.OnProgress(Progress{TransferID: transferID, FileName: out.name, Percent: 100, ChunkIndex: resume.NoChunk})
	}
	logger.WithField("bytes_sent", result.BytesSent).Info("transfer sent")
	return result, nil
}

func (s *Sender) prepare(req SendRequest) (*outgoing, error) {
	file, err := s.opts.Open(req.File.Path)
	if err != nil {
		return nil, readError(fmt.Errorf("open %q: %w", req.File.Path, err))
	}

	mimeType := req.File.MimeType
	if mimeType == "" {
		mimeType = models.MimeTypeFor(req.File.Name)
	}

	if !req.Encrypted {
		return &outgoing{
			source: file,
			closer: file,
			name:   req.File.Name,
			size:   req.File.Size,
			mime:   mimeType,
		}, nil
	}

	defer file.Close()
	plaintext, err := io.ReadAll(io.NewSectionReader(file, 0, req.File.Size))
	if err != nil {
		return nil, readError(fmt.Errorf("read %q: %w", req.File.Path, err))
	}
	payload, err := crypto.Encrypt(plaintext, req.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("encrypt %q: %w", req.File.Name, err)
	}

	return &outgoing{
		source:    bytes.NewReader(payload.Ciphertext),
		name:      req.File.Name,
		size:      int64(len(payload.Ciphertext)),
		mime:      models.DefaultMimeType,
		encrypted: true,
		encMeta: network.EncryptionMeta{
			Salt:         payload.Salt,
			IV:           payload.IV,
			OriginalMime: mimeType,
			OriginalName: req.File.Name,
		},
	}, nil
}

// negotiate picks the transfer id and starting offset. Encrypted sends never
// resume because each attempt produces different ciphertext.
func (s *Sender) negotiate(out *outgoing, logger *logrus.Entry) (string, int64) {
	store := s.opts.Resume
	if store == nil {
		return uuid.NewString(), 0
	}

	if existing, ok := store.FindMatching(out.name, out.size, s.opts.PeerID, models.DirectionSend); ok {
		if !out.encrypted && !existing.Encrypted {
			return existing.TransferID, s.resumeOffset(existing.BytesTransferred)
		}
		s.removeState(existing.TransferID, logger)
	}

	state, err := store.Create(out.name, out.size, out.mime, s.opts.PeerID, models.DirectionSend, out.encrypted)
	if err != nil {
		logger.WithError(err).Warn("resume state unavailable, sending without resume")
		return uuid.NewString(), 0
	}
	return state.TransferID, 0
}

// resumeOffset backs off from the recorded offset by the rewind window and
// aligns down to a chunk boundary.
func (s *Sender) resumeOffset(recorded int64) int64 {
	offset := recorded
	if s.opts.ResumeRewind > 0 {
		offset -= s.opts.ResumeRewind
	}
	if offset <= 0 {
		return 0
	}
	chunk := int64(s.opts.ChunkSize)
	return offset / chunk * chunk
}

func (s *Sender) stream(ctx context.Context, req SendRequest, out *outgoing, transferID string, offset int64, logger *logrus.Entry) (int64, error) {
	chunkSize := int64(s.opts.ChunkSize)
	chunkIndex := int(offset / chunkSize)
	start := s.opts.Clock.Now()
	buffer := make([]byte, chunkSize)
	var sent int64

	for position := offset; position < out.size; chunkIndex++ {
		if err := s.checkpoint(ctx, req.Token); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.removeState(transferID, logger)
			}
			return sent, err
		}

		length := chunkSize
		if remaining := out.size - position; remaining < length {
			length = remaining
		}
		n, err := out.source.ReadAt(buffer[:length], position)
		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
			s.removeState(transferID, logger)
			return sent, readError(fmt.Errorf("read chunk %d at offset %d: %w", chunkIndex, position, err))
		}

		data := append([]byte(nil), buffer[:n]...)
		if err := s.opts.Channel.Send(ctx, network.Chunk{Data: data, ChunkIndex: chunkIndex}); err != nil {
			return sent, channelError(fmt.Sprintf("send chunk %d", chunkIndex), err)
		}

		position += int64(n)
		sent += int64(n)
		if s.opts.Resume != nil {
			if err := s.opts.Resume.UpdateProgress(transferID, position, resume.NoChunk); err != nil {
				logger.WithError(err).Debug("record send progress failed")
			}
		}
		if req.OnProgress != nil {
			req.OnProgress(Progress{
				TransferID:       transferID,
				FileName:         out.name,
				BytesTransferred: position,
				Total:            out.size,
				Percent:          percent(position, out.size),
				Speed:            speed(sent, start, s.opts.Clock.Now()),
				ChunkIndex:       chunkIndex,
			})
		}
	}
	return sent, nil
}

func (s *Sender) checkpoint(ctx context.Context, token Checkpointer) error {
	if token == nil {
		return ctx.Err()
	}
	return token.Checkpoint(ctx)
}

func (s *Sender) removeState(transferID string, logger *logrus.Entry) {
	if s.opts.Resume == nil {
		return
	}
	if err := s.opts.Resume.Remove(transferID); err != nil {
		logger.WithError(err).Warn("remove resume state failed")
	}
}
