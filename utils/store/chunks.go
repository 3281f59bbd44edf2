package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/psd-ai/studio/utils/knowledge"
)

// SQLChunkSource loads document chunks for knowledge retrieval from the
// document_chunks table. Embeddings are stored as JSON float arrays.
type SQLChunkSource struct {
	da DataAccess
}

// NewSQLChunkSource creates a chunk source over the given data access
func NewSQLChunkSource(da DataAccess) *SQLChunkSource {
	return &SQLChunkSource{da: da}
}

// ListChunks returns all chunks belonging to the given repositories
func (s *SQLChunkSource) ListChunks(ctx context.Context, repositoryIDs []string) ([]knowledge.Chunk, error) {
	if len(repositoryIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(repositoryIDs))
	params := make([]interface{}, len(repositoryIDs))
	for i, id := range repositoryIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		params[i] = id
	}

	query := fmt.Sprintf(
		`SELECT repository_id, content, embedding FROM document_chunks
		 WHERE repository_id IN (%s)`, strings.Join(placeholders, ", "))
	rows, err := s.da.ExecuteSQL(ctx, query, params...)
	if err != nil {
		return nil, err
	}

	chunks := make([]knowledge.Chunk, 0, len(rows))
	for _, row := range rows {
		repoID := str(row["repository_id"])
		content := str(row["content"])
		chunk := knowledge.Chunk{
			ID:           knowledge.ChunkID(repoID, content),
			RepositoryID: repoID,
			Content:      content,
		}
		if raw := str(row["embedding"]); raw != "" && raw != "null" {
			if err := json.Unmarshal([]byte(raw), &chunk.Embedding); err != nil {
				return nil, fmt.Errorf("bad embedding for chunk in %s: %w", repoID, err)
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
