package store

import (
	"context"

	"github.com/forest6511/offline/internal/chunked"
)

// LoadChunks returns the stored ranges for a resource ordered by offset.
func (s *Store) LoadChunks(ctx context.Context, key string) ([]chunked.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT start_offset, end_offset, data FROM chunks
		WHERE resource_key = ? ORDER BY start_offset`, key)
	if err != nil {
		return nil, storageErr("load chunks", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []chunked.Chunk
	for rows.Next() {
		var c chunked.Chunk
		if err := rows.Scan(&c.Start, &c.End, &c.Data); err != nil {
			return nil, storageErr("scan chunk", err)
		}
		chunks = append(chunks, c)
	}

	return chunks, storageErr("load chunks", rows.Err())
}

// SaveChunk stores a range, replacing any range with the same start offset.
func (s *Store) SaveChunk(ctx context.Context, key string, c chunked.Chunk) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO chunks (resource_key, start_offset, end_offset, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resource_key, start_offset) DO UPDATE SET
			end_offset = excluded.end_offset,
			data = excluded.data`, key, c.Start, c.End, c.Data)
	return storageErr("save chunk", err)
}

// DeleteChunks drops all stored ranges for a resource.
func (s *Store) DeleteChunks(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE resource_key = ?`, key)
	return storageErr("delete chunks", err)
}

// ChunkBytes is the payload size held in resumable chunk state.
func (s *Store) ChunkBytes(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(data)), 0) FROM chunks`).Scan(&n)
	return n, storageErr("sum chunk bytes", err)
}

// ResourceChunkBytes is the payload size held for one resource.
func (s *Store) ResourceChunkBytes(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(data)), 0) FROM chunks
		WHERE resource_key = ?`, key).Scan(&n)
	return n, storageErr("sum resource chunk bytes", err)
}

var _ chunked.ChunkStore = (*Store)(nil)
