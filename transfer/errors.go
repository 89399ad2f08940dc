package transfer

import (
	"errors"
	"fmt"

	"filedrop/network"
)

var (
	// ErrRead indicates local file I/O failed while chunking. The file is
	// abandoned and its resume state discarded.
	ErrRead = errors.New("transfer: read failed")
	// ErrChannel indicates the channel broke mid-transfer. Resume state is kept.
	ErrChannel = errors.New("transfer: channel failed")
	// ErrValidation indicates a malformed or out-of-order protocol message.
	ErrValidation = errors.New("transfer: invalid protocol message")
	// ErrNothingToDecrypt is returned by Receiver.Decrypt without a held ciphertext.
	ErrNothingToDecrypt = errors.New("transfer: no encrypted file awaiting decryption")
)

func readError(err error) error {
	return fmt.Errorf("%w: %w", ErrRead, err)
}

func channelError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrChannel, op, err)
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// isDecodeError reports whether a Receive error came from a bad frame
// rather than a broken channel.
func isDecodeError(err error) bool {
	return errors.Is(err, network.ErrInvalidMessage) || errors.Is(err, network.ErrInvalidMessageType)
}
