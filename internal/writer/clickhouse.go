package writer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/ding113/claude-code-hub/internal/model"
)

const insertMessageRequests = `INSERT INTO message_requests (
	id, key_id, user_id, session_id, provider_id, provider_name,
	model, billed_model, format, streaming, status_code,
	input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
	cost_usd, duration_ms, client_aborted, chain, created_at
)`

// ClickHouseSink streams message_request batches into ClickHouse for the
// analytics surface. The operational source of truth stays in Postgres; this
// sink is additive and safe to disable.
type ClickHouseSink struct {
	conn driver.Conn
}

// OpenClickHouse connects and verifies the analytics store.
func OpenClickHouse(ctx context.Context, addr, database, username, password string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("writer: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("writer: clickhouse ping: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, rows []*model.MessageRequest) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, insertMessageRequests)
	if err != nil {
		return fmt.Errorf("writer: prepare batch: %w", err)
	}
	for _, r := range rows {
		chain, err := json.Marshal(r.Chain)
		if err != nil {
			chain = []byte("[]")
		}
		if err := batch.Append(
			r.ID, r.KeyID, r.UserID, r.SessionID, r.ProviderID, r.ProviderName,
			r.Model, r.BilledModel, string(r.Format), r.Streaming, uint16(r.StatusCode),
			uint32(r.Usage.InputTokens), uint32(r.Usage.OutputTokens),
			uint32(r.Usage.CacheCreationTokens), uint32(r.Usage.CacheReadTokens),
			r.CostUSD, r.DurationMs, r.ClientAborted, string(chain), r.CreatedAt,
		); err != nil {
			return fmt.Errorf("writer: batch append: %w", err)
		}
	}
	return batch.Send()
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }
