package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/storage"
	apperrors "github.com/learningtapestry/ssdn-sub000/internal/platform/errors"
)

const connectionColumns = `endpoint, local_role, external_role, is_consumer, is_provider,
input_streams, output_streams, peer_metadata, created_at, updated_at`

// Get returns the connection stored for endpoint.
func (s *ConnectionStore) Get(ctx context.Context, endpoint string) (storage.Connection, error) {
	if err := ctx.Err(); err != nil {
		return storage.Connection{}, err
	}
	if err := s.store.ready(); err != nil {
		return storage.Connection{}, err
	}
	row := s.store.sqlDB.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE endpoint = ?`, endpoint)
	conn, err := scanConnection(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Connection{}, apperrors.WithMetadata(apperrors.CodeConnectionNotFound,
			"connection not found", map[string]string{"endpoint": endpoint})
	}
	if err != nil {
		return storage.Connection{}, fmt.Errorf("get connection %s: %w", endpoint, err)
	}
	return conn, nil
}

// Put upserts conn keyed by endpoint. The first write fixes CreatedAt;
// every write refreshes UpdatedAt.
func (s *ConnectionStore) Put(ctx context.Context, conn storage.Connection) (storage.Connection, error) {
	if err := ctx.Err(); err != nil {
		return storage.Connection{}, err
	}
	if err := s.store.ready(); err != nil {
		return storage.Connection{}, err
	}
	if strings.TrimSpace(conn.Endpoint) == "" {
		return storage.Connection{}, fmt.Errorf("endpoint is required")
	}

	localRole, err := marshalJSON(conn.LocalRole)
	if err != nil {
		return storage.Connection{}, err
	}
	externalRole, err := marshalJSON(conn.ExternalRole)
	if err != nil {
		return storage.Connection{}, err
	}
	inputStreams, err := marshalJSON(conn.InputStreams)
	if err != nil {
		return storage.Connection{}, err
	}
	outputStreams, err := marshalJSON(conn.OutputStreams)
	if err != nil {
		return storage.Connection{}, err
	}
	peerMetadata, err := marshalJSON(conn.PeerMetadata)
	if err != nil {
		return storage.Connection{}, err
	}

	now := toMillis(s.store.clock())
	_, err = s.store.sqlDB.ExecContext(ctx,
		`INSERT INTO connections (
		   endpoint, local_role, external_role, is_consumer, is_provider,
		   input_streams, output_streams, peer_metadata, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		   local_role = excluded.local_role,
		   external_role = excluded.external_role,
		   is_consumer = excluded.is_consumer,
		   is_provider = excluded.is_provider,
		   input_streams = excluded.input_streams,
		   output_streams = excluded.output_streams,
		   peer_metadata = excluded.peer_metadata,
		   updated_at = MAX(excluded.updated_at, connections.updated_at + 1)`,
		conn.Endpoint, localRole, externalRole,
		boolToInt(conn.IsConsumer), boolToInt(conn.IsProvider),
		inputStreams, outputStreams, peerMetadata, now, now)
	if err != nil {
		return storage.Connection{}, fmt.Errorf("put connection %s: %w", conn.Endpoint, err)
	}
	return s.Get(ctx, conn.Endpoint)
}

// FindAllWithOutputStreams returns every connection carrying at least one
// output stream.
func (s *ConnectionStore) FindAllWithOutputStreams(ctx context.Context) ([]storage.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.store.ready(); err != nil {
		return nil, err
	}
	rows, err := s.store.sqlDB.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE output_streams <> '[]' ORDER BY endpoint`)
	if err != nil {
		return nil, fmt.Errorf("find connections with output streams: %w", err)
	}
	defer rows.Close()

	var conns []storage.Connection
	for rows.Next() {
		conn, err := scanConnection(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return conns, nil
}

func scanConnection(scan func(dest ...any) error) (storage.Connection, error) {
	var conn storage.Connection
	var localRole, externalRole, inputStreams, outputStreams, peerMetadata string
	var isConsumer, isProvider int
	var createdAt, updatedAt int64
	err := scan(&conn.Endpoint, &localRole, &externalRole, &isConsumer, &isProvider,
		&inputStreams, &outputStreams, &peerMetadata, &createdAt, &updatedAt)
	if err != nil {
		return storage.Connection{}, err
	}
	if err := unmarshalJSON(localRole, &conn.LocalRole); err != nil {
		return storage.Connection{}, err
	}
	if err := unmarshalJSON(externalRole, &conn.ExternalRole); err != nil {
		return storage.Connection{}, err
	}
	if err := unmarshalJSON(inputStreams, &conn.InputStreams); err != nil {
		return storage.Connection{}, err
	}
	if err := unmarshalJSON(outputStreams, &conn.OutputStreams); err != nil {
		return storage.Connection{}, err
	}
	if err := unmarshalJSON(peerMetadata, &conn.PeerMetadata); err != nil {
		return storage.Connection{}, err
	}
	conn.IsConsumer = isConsumer != 0
	conn.IsProvider = isProvider != 0
	conn.CreatedAt = fromMillis(createdAt)
	conn.UpdatedAt = fromMillis(updatedAt)
	return conn, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
