package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"filedrop/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenInDir(t.TempDir(), Options{CheckpointInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

// savePartialUpload stores an outgoing half-sent PDF for peer "nas".
func savePartialUpload(t *testing.T, store *Store, id string, updatedAt time.Time) models.TransferState {
	t.Helper()

	state := models.TransferState{
		TransferID:       id,
		FileName:         "invoice-" + id + ".pdf",
		FileSize:         40960,
		MimeType:         "application/pdf",
		BytesTransferred: 16384,
		PeerID:           "nas",
		Direction:        models.DirectionSend,
		Timestamp:        updatedAt.UnixMilli(),
	}
	require.NoError(t, store.SaveTransferState(state), "save %s", id)
	return state
}
