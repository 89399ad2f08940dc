package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"filedrop/models"
)

// SaveTransferState inserts or updates one transfer state row. Chunk indices
// are written separately through AddTransferChunk.
func (s *Store) SaveTransferState(state models.TransferState) error {
	if state.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if state.FileName == "" {
		return errors.New("file_name is required")
	}
	if state.FileSize < 0 {
		return errors.New("file_size must be >= 0")
	}
	if state.BytesTransferred < 0 || state.BytesTransferred > state.FileSize {
		return fmt.Errorf("bytes_transferred %d out of range [0,%d]", state.BytesTransferred, state.FileSize)
	}
	if err := state.Direction.Validate(); err != nil {
		return err
	}
	if state.Timestamp == 0 {
		state.Timestamp = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_states (
			transfer_id,
			file_name,
			file_size,
			mime_type,
			bytes_transferred,
			peer_id,
			direction,
			encrypted,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			bytes_transferred = excluded.bytes_transferred,
			mime_type = excluded.mime_type,
			encrypted = excluded.encrypted,
			updated_at = excluded.updated_at`,
		state.TransferID,
		state.FileName,
		state.FileSize,
		state.MimeType,
		state.BytesTransferred,
		state.PeerID,
		string(state.Direction),
		sqlBool(state.Encrypted),
		state.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert transfer state %q: %w", state.TransferID, err)
	}
	return nil
}

// AddTransferChunk records one received chunk index. Re-adding an index is a no-op.
func (s *Store) AddTransferChunk(transferID string, chunkIndex int) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if chunkIndex < 0 {
		return errors.New("chunk_index must be >= 0")
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO transfer_chunks (transfer_id, chunk_index) VALUES (?, ?)`,
		transferID,
		chunkIndex,
	)
	if err != nil {
		return fmt.Errorf("insert transfer chunk %q/%d: %w", transferID, chunkIndex, err)
	}
	return nil
}

// GetTransferState fetches one transfer state with its sorted chunk indices.
func (s *Store) GetTransferState(transferID string) (*models.TransferState, error) {
	if transferID == "" {
		return nil, errors.New("transfer_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			file_name,
			file_size,
			mime_type,
			bytes_transferred,
			peer_id,
			direction,
			encrypted,
			updated_at
		FROM transfer_states
		WHERE transfer_id = ?`,
		transferID,
	)

	state, err := scanTransferState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer state %q: %w", transferID, err)
	}

	chunks, err := s.listTransferChunks(transferID)
	if err != nil {
		return nil, err
	}
	state.Chunks = chunks
	return state, nil
}

// ListTransferStates returns every persisted transfer state, newest first.
func (s *Store) ListTransferStates() ([]models.TransferState, error) {
	rows, err := s.db.Query(
		`SELECT
			transfer_id,
			file_name,
			file_size,
			mime_type,
			bytes_transferred,
			peer_id,
			direction,
			encrypted,
			updated_at
		FROM transfer_states
		ORDER BY updated_at DESC, transfer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfer states: %w", err)
	}

	states := make([]models.TransferState, 0)
	for rows.Next() {
		state, scanErr := scanTransferState(rows)
		if scanErr != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan transfer state row: %w", scanErr)
		}
		states = append(states, *state)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate transfer state rows: %w", err)
	}
	_ = rows.Close()

	for i := range states {
		chunks, err := s.listTransferChunks(states[i].TransferID)
		if err != nil {
			return nil, err
		}
		states[i].Chunks = chunks
	}
	return states, nil
}

// DeleteTransferState removes one transfer state and its chunk rows.
func (s *Store) DeleteTransferState(transferID string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}

	if _, err := s.db.Exec(`DELETE FROM transfer_states WHERE transfer_id = ?`, transferID); err != nil {
		return fmt.Errorf("delete transfer state %q: %w", transferID, err)
	}
	return nil
}

// DeleteTransferStatesOlderThan removes states last touched before cutoff (unix millis).
func (s *Store) DeleteTransferStatesOlderThan(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM transfer_states WHERE updated_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune transfer states: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer state prune: %w", err)
	}
	return rowsAffected, nil
}

func (s *Store) listTransferChunks(transferID string) ([]int, error) {
	rows, err := s.db.Query(
		`SELECT chunk_index FROM transfer_chunks WHERE transfer_id = ? ORDER BY chunk_index`,
		transferID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfer chunks %q: %w", transferID, err)
	}
	defer rows.Close()

	var chunks []int
	for rows.Next() {
		var index int
		if err := rows.Scan(&index); err != nil {
			return nil, fmt.Errorf("scan transfer chunk row: %w", err)
		}
		chunks = append(chunks, index)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer chunk rows: %w", err)
	}
	return chunks, nil
}

func scanTransferState(row rowScanner) (*models.TransferState, error) {
	var (
		state     models.TransferState
		direction string
		encrypted int
	)
	if err := row.Scan(
		&state.TransferID,
		&state.FileName,
		&state.FileSize,
		&state.MimeType,
		&state.BytesTransferred,
		&state.PeerID,
		&direction,
		&encrypted,
		&state.Timestamp,
	); err != nil {
		return nil, err
	}
	state.Direction = models.Direction(direction)
	state.Encrypted = encrypted != 0
	return &state, nil
}
