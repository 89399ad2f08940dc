package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"filedrop/crypto"
	"filedrop/models"
	"filedrop/network"
	"filedrop/resume"
)

// ReceiverState is the position of a Receiver in its state machine.
type ReceiverState string

const (
	ReceiverIdle                   ReceiverState = "idle"
	ReceiverAwaitingMeta           ReceiverState = "awaiting_meta"
	ReceiverAwaitingEncryptionMeta ReceiverState = "awaiting_encryption_meta"
	ReceiverReceiving              ReceiverState = "receiving"
	ReceiverReassembling           ReceiverState = "reassembling"
	ReceiverDone                   ReceiverState = "done"
)

// ReceivedFile is a completely reassembled (and, if needed, decrypted) file.
type ReceivedFile struct {
	TransferID string
	Name       string
	MimeType   string
	Size       int64
	Data       []byte
	Encrypted  bool
	Username   string
}

// PendingDecrypt describes ciphertext held until a passphrase arrives.
type PendingDecrypt struct {
	TransferID string
	Name       string
	MimeType   string
	Size       int64
	Username   string
}

// ReceiverOptions configures a Receiver. Callbacks run on the goroutine
// that feeds messages in and must not block for long.
type ReceiverOptions struct {
	Resume *resume.Store
	PeerID string
	Logger *logrus.Entry
	Clock  Clock

	OnMetaReceived     func(network.Meta)
	OnChunkReceived    func(Progress)
	OnTransferComplete func(ReceivedFile)
	OnDecryptNeeded    func(PendingDecrypt)
	OnChat             func(network.Chat)
	OnClipboard        func(network.Clipboard)
}

func (o ReceiverOptions) withDefaults() ReceiverOptions {
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	return o
}

// incoming is the file currently being reassembled.
type incoming struct {
	meta      network.Meta
	chunks    [][]byte
	received  int64
	session   int64
	startedAt time.Time
	stateID   string
}

// truncate drops everything past offset so a sender that rewound can
// overwrite the tail it is about to resend.
func (in *incoming) truncate(offset int64) {
	var kept int64
	for i, chunk := range in.chunks {
		if kept+int64(len(chunk)) <= offset {
			kept += int64(len(chunk))
			continue
		}
		if head := offset - kept; head > 0 {
			in.chunks[i] = chunk[:head]
			i++
		}
		clear(in.chunks[i:])
		in.chunks = in.chunks[:i]
		break
	}
	in.received = offset
}

// held is a reassembled ciphertext waiting for Decrypt.
type held struct {
	meta    network.Meta
	encMeta network.EncryptionMeta
	data    []byte
}

// Receiver reassembles files from a message stream. It survives a channel
// drop: calling Run again with a new channel continues the same file when
// the sender resumes at the byte count already held.
type Receiver struct {
	opts   ReceiverOptions
	logger *logrus.Entry

	mu      sync.Mutex
	state   ReceiverState
	encMeta *network.EncryptionMeta
	current *incoming
	pending *held
}

// NewReceiver builds an idle receiver.
func NewReceiver(opts ReceiverOptions) *Receiver {
	opts = opts.withDefaults()
	return &Receiver{
		opts:   opts,
		logger: opts.Logger.WithField("component", "receiver"),
		state:  ReceiverIdle,
	}
}

// State returns the current state.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// InProgress reports whether a file is partially received.
func (r *Receiver) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// CurrentTransferID returns the id of the partially received file, if any.
func (r *Receiver) CurrentTransferID() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return "", false
	}
	return r.current.meta.TransferID, true
}

// Run feeds messages from ch into Handle until the channel closes or ctx
// ends. Bad frames and out-of-order messages are logged and skipped. A
// channel that closes mid-file yields ErrChannel; between files it yields nil.
func (r *Receiver) Run(ctx context.Context, ch network.Channel) error {
	r.mu.Lock()
	if r.state == ReceiverIdle || r.state == ReceiverDone {
		r.state = ReceiverAwaitingMeta
	}
	r.mu.Unlock()

	for {
		msg, err := ch.Receive(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if isDecodeError(err) {
				r.logger.WithError(err).Warn("dropping undecodable frame")
				continue
			}
			if r.InProgress() {
				return channelError("receive", err)
			}
			if errors.Is(err, network.ErrChannelClosed) {
				return nil
			}
			return channelError("receive", err)
		}

		if err := r.Handle(msg); err != nil {
			if errors.Is(err, ErrValidation) {
				r.logger.WithError(err).Warn("dropping protocol message")
				continue
			}
			return err
		}
	}
}

// Handle advances the state machine by one message. It returns an error
// wrapping ErrValidation for messages that do not fit the current state;
// the receiver stays usable afterwards.
func (r *Receiver) Handle(msg network.Message) error {
	switch m := msg.(type) {
	case network.EncryptionMeta:
		r.handleEncryptionMeta(m)
		return nil
	case network.Meta:
		return r.handleMeta(m)
	case network.Chunk:
		return r.handleChunk(m)
	case network.End:
		return r.handleEnd()
	case network.Chat:
		if r.opts.OnChat != nil {
			r.opts.OnChat(m)
		}
		return nil
	case network.Clipboard:
		if r.opts.OnClipboard != nil {
			r.opts.OnClipboard(m)
		}
		return nil
	case network.Ping, network.Pong:
		return nil
	default:
		return validationError("unexpected message %T", msg)
	}
}

func (r *Receiver) handleEncryptionMeta(m network.EncryptionMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cached := m
	r.encMeta = &cached
	if r.state == ReceiverAwaitingEncryptionMeta {
		r.state = ReceiverReceiving
	}
}

func (r *Receiver) handleMeta(m network.Meta) error {
	r.mu.Lock()

	logger := r.logger.WithFields(logrus.Fields{
		"transfer_id": m.TransferID,
		"file_name":   m.Name,
		"peer_id":     r.opts.PeerID,
	})

	now := r.opts.Clock.Now()
	if cur := r.current; cur != nil && m.ResumeOffset > 0 && cur.meta.TransferID == m.TransferID && cur.received >= m.ResumeOffset {
		logger.WithFields(logrus.Fields{
			"offset":  m.ResumeOffset,
			"trimmed": cur.received - m.ResumeOffset,
		}).Info("continuing partial file")
		cur.truncate(m.ResumeOffset)
		cur.meta = m
		cur.session = 0
		cur.startedAt = now
	} else {
		if r.current != nil {
			r.discardStateLocked(r.current, logger)
		}
		r.current = &incoming{
			meta:      m,
			startedAt: now,
			stateID:   r.registerStateLocked(m, logger),
		}
		if m.ResumeOffset > 0 {
			logger.WithField("offset", m.ResumeOffset).Warn("sender resumed from an offset this receiver does not hold")
		}
	}

	if m.IsEncrypted && r.encMeta == nil {
		r.state = ReceiverAwaitingEncryptionMeta
	} else {
		r.state = ReceiverReceiving
	}
	r.mu.Unlock()

	if r.opts.OnMetaReceived != nil {
		r.opts.OnMetaReceived(m)
	}
	return nil
}

func (r *Receiver) registerStateLocked(m network.Meta, logger *logrus.Entry) string {
	store := r.opts.Resume
	if store == nil {
		return ""
	}
	if stale, ok := store.FindMatching(m.Name, m.Size, r.opts.PeerID, models.DirectionReceive); ok {
		if err := store.Remove(stale.TransferID); err != nil {
			logger.WithError(err).Warn("remove stale receive state failed")
		}
	}
	state, err := store.Create(m.Name, m.Size, m.Mime, r.opts.PeerID, models.DirectionReceive, m.IsEncrypted)
	if err != nil {
		logger.WithError(err).Warn("resume state unavailable for incoming file")
		return ""
	}
	return state.TransferID
}

func (r *Receiver) discardStateLocked(cur *incoming, logger *logrus.Entry) {
	if r.opts.Resume == nil || cur.stateID == "" {
		return
	}
	if err := r.opts.Resume.Remove(cur.stateID); err != nil {
		logger.WithError(err).Warn("remove receive state failed")
	}
}

func (r *Receiver) handleChunk(m network.Chunk) error {
	r.mu.Lock()
	cur := r.current
	if cur == nil {
		r.mu.Unlock()
		return validationError("chunk %d before meta", m.ChunkIndex)
	}
	if cur.received+int64(len(m.Data)) > cur.meta.Size {
		r.mu.Unlock()
		return validationError("chunk %d overflows declared size %d", m.ChunkIndex, cur.meta.Size)
	}

	cur.chunks = append(cur.chunks, m.Data)
	cur.received += int64(len(m.Data))
	cur.session += int64(len(m.Data))
	now := r.opts.Clock.Now()
	progress := Progress{
		TransferID:       cur.meta.TransferID,
		FileName:         cur.meta.Name,
		BytesTransferred: cur.received,
		Total:            cur.meta.Size,
		Percent:          percent(cur.received, cur.meta.Size),
		Speed:            speed(cur.session, cur.startedAt, now),
		ChunkIndex:       m.ChunkIndex,
	}
	stateID := cur.stateID
	r.mu.Unlock()

	if r.opts.Resume != nil && stateID != "" {
		if err := r.opts.Resume.UpdateProgress(stateID, progress.BytesTransferred, m.ChunkIndex); err != nil {
			r.logger.WithError(err).WithField("chunk_index", m.ChunkIndex).Debug("record receive progress failed")
		}
	}
	if r.opts.OnChunkReceived != nil {
		r.opts.OnChunkReceived(progress)
	}
	return nil
}

func (r *Receiver) handleEnd() error {
	r.mu.Lock()
	cur := r.current
	if cur == nil {
		r.mu.Unlock()
		return validationError("end before meta")
	}

	r.current = nil
	r.state = ReceiverReassembling
	logger := r.logger.WithFields(logrus.Fields{
		"transfer_id": cur.meta.TransferID,
		"file_name":   cur.meta.Name,
	})
	r.discardStateLocked(cur, logger)

	if cur.received != cur.meta.Size {
		r.state = ReceiverAwaitingMeta
		r.encMeta = nil
		r.mu.Unlock()
		return validationError("file %q ended at %d of %d bytes", cur.meta.Name, cur.received, cur.meta.Size)
	}

	data := make([]byte, 0, cur.received)
	for _, chunk := range cur.chunks {
		data = append(data, chunk...)
	}

	encMeta := r.encMeta
	r.encMeta = nil
	if cur.meta.IsEncrypted {
		if encMeta == nil {
			r.state = ReceiverAwaitingMeta
			r.mu.Unlock()
			return validationError("encrypted file %q arrived without encryption-meta", cur.meta.Name)
		}
		r.pending = &held{meta: cur.meta, encMeta: *encMeta, data: data}
		r.state = ReceiverDone
		r.mu.Unlock()

		r.reportFinalProgress(cur)
		logger.Info("encrypted file received, awaiting passphrase")
		if r.opts.OnDecryptNeeded != nil {
			r.opts.OnDecryptNeeded(PendingDecrypt{
				TransferID: cur.meta.TransferID,
				Name:       encMeta.OriginalName,
				MimeType:   encMeta.OriginalMime,
				Size:       cur.meta.Size,
				Username:   cur.meta.Username,
			})
		}
		return nil
	}

	r.state = ReceiverDone
	r.mu.Unlock()

	r.reportFinalProgress(cur)
	logger.WithField("bytes", len(data)).Info("file received")
	if r.opts.OnTransferComplete != nil {
		r.opts.OnTransferComplete(ReceivedFile{
			TransferID: cur.meta.TransferID,
			Name:       cur.meta.Name,
			MimeType:   cur.meta.Mime,
			Size:       int64(len(data)),
			Data:       data,
			Username:   cur.meta.Username,
		})
	}
	return nil
}

func (r *Receiver) reportFinalProgress(cur *incoming) {
	if r.opts.OnChunkReceived == nil {
		return
	}
	r.opts.OnChunkReceived(Progress{
		TransferID:       cur.meta.TransferID,
		FileName:         cur.meta.Name,
		BytesTransferred: cur.received,
		Total:            cur.meta.Size,
		Percent:          100,
		Speed:            speed(cur.session, cur.startedAt, r.opts.Clock.Now()),
		ChunkIndex:       resume.NoChunk,
	})
}

// Pending returns the ciphertext description awaiting Decrypt, if any.
func (r *Receiver) Pending() (PendingDecrypt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return PendingDecrypt{}, false
	}
	return PendingDecrypt{
		TransferID: r.pending.meta.TransferID,
		Name:       r.pending.encMeta.OriginalName,
		MimeType:   r.pending.encMeta.OriginalMime,
		Size:       r.pending.meta.Size,
		Username:   r.pending.meta.Username,
	}, true
}

// Decrypt opens the held ciphertext. On failure the ciphertext is kept so
// the caller can retry with another passphrase.
func (r *Receiver) Decrypt(passphrase string) (ReceivedFile, error) {
	r.mu.Lock()
	pending := r.pending
	r.mu.Unlock()
	if pending == nil {
		return ReceivedFile{}, ErrNothingToDecrypt
	}

	plaintext, err := crypto.Decrypt(&crypto.EncryptedPayload{
		Ciphertext: pending.data,
		Salt:       pending.encMeta.Salt,
		IV:         pending.encMeta.IV,
		FileName:   pending.encMeta.OriginalName,
		MimeType:   pending.encMeta.OriginalMime,
	}, passphrase)
	if err != nil {
		r.logger.WithField("transfer_id", pending.meta.TransferID).Warn("decryption failed")
		return ReceivedFile{}, err
	}

	r.mu.Lock()
	if r.pending == pending {
		r.pending = nil
	}
	r.mu.Unlock()

	mimeType := pending.encMeta.OriginalMime
	if mimeType == "" {
		mimeType = models.MimeTypeFor(pending.encMeta.OriginalName)
	}
	file := ReceivedFile{
		TransferID: pending.meta.TransferID,
		Name:       pending.encMeta.OriginalName,
		MimeType:   mimeType,
		Size:       int64(len(plaintext)),
		Data:       plaintext,
		Encrypted:  true,
		Username:   pending.meta.Username,
	}
	if r.opts.OnTransferComplete != nil {
		r.opts.OnTransferComplete(file)
	}
	return file, nil
}
