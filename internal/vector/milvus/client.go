// Package milvus persists log embeddings so batch clustering can pull
// an analysis window without re-embedding (and re-paying for) logs the
// real-time path already processed.
package milvus

import (
	"context"
	"fmt"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/pkg/logger"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// LogEmbedding is one stored vector plus the structured fields the
// clustering engine needs.
type LogEmbedding struct {
	LogID     string
	Embedding []float32
	Level     string
	Service   string
	Timestamp time.Time
}

func NewClient(endpoint, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(
		context.Background(),
		endpoint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) CreateCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Log embeddings for batch clustering",
		Fields: []*entity.Field{
			{
				Name:       "log_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     "level",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "16",
				},
			},
			{
				Name:     "service",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     "timestamp",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := embeddingIndex()
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}

	err = m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = m.client.LoadCollection(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))

	return nil
}

// embeddingIndex builds the ANN index applied to the embedding field.
// IVF_FLAT with L2 matches how the vectors are compared during
// clustering.
func embeddingIndex() (entity.Index, error) {
	return entity.NewIndexIvfFlat(entity.L2, 1024)
}

func (m *Client) Insert(ctx context.Context, embeddings []LogEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	logIDs := make([]string, len(embeddings))
	vectors := make([][]float32, len(embeddings))
	levels := make([]string, len(embeddings))
	services := make([]string, len(embeddings))
	timestamps := make([]int64, len(embeddings))

	for i, e := range embeddings {
		logIDs[i] = e.LogID
		vectors[i] = e.Embedding
		levels[i] = e.Level
		services[i] = e.Service
		timestamps[i] = e.Timestamp.Unix()
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("log_id", logIDs),
		entity.NewColumnFloatVector("embedding", m.vectorDim, vectors),
		entity.NewColumnVarChar("level", levels),
		entity.NewColumnVarChar("service", services),
		entity.NewColumnInt64("timestamp", timestamps),
	)
	if err != nil {
		return fmt.Errorf("failed to insert embeddings: %w", err)
	}

	logger.Debug("Embeddings inserted into vector DB", zap.Int("count", len(embeddings)))

	return nil
}

// FetchWindow returns stored embeddings whose timestamp falls at or
// after since, capped at limit rows.
func (m *Client) FetchWindow(ctx context.Context, since time.Time, limit int) ([]LogEmbedding, error) {
	expr := fmt.Sprintf("timestamp >= %d", since.Unix())

	result, err := m.client.Query(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"log_id", "embedding", "level", "service", "timestamp"},
		client.WithLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}

	var (
		logIDCol   *entity.ColumnVarChar
		vectorCol  *entity.ColumnFloatVector
		levelCol   *entity.ColumnVarChar
		serviceCol *entity.ColumnVarChar
		tsCol      *entity.ColumnInt64
	)

	for _, col := range result {
		switch col.Name() {
		case "log_id":
			logIDCol = col.(*entity.ColumnVarChar)
		case "embedding":
			vectorCol = col.(*entity.ColumnFloatVector)
		case "level":
			levelCol = col.(*entity.ColumnVarChar)
		case "service":
			serviceCol = col.(*entity.ColumnVarChar)
		case "timestamp":
			tsCol = col.(*entity.ColumnInt64)
		}
	}

	if logIDCol == nil || vectorCol == nil {
		return nil, fmt.Errorf("query result missing expected columns")
	}

	embeddings := make([]LogEmbedding, 0, logIDCol.Len())
	for i := 0; i < logIDCol.Len(); i++ {
		logID, err := logIDCol.ValueByIdx(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read log_id: %w", err)
		}

		e := LogEmbedding{
			LogID:     logID,
			Embedding: vectorCol.Data()[i],
		}
		if levelCol != nil {
			e.Level, _ = levelCol.ValueByIdx(i)
		}
		if serviceCol != nil {
			e.Service, _ = serviceCol.ValueByIdx(i)
		}
		if tsCol != nil {
			ts, _ := tsCol.ValueByIdx(i)
			e.Timestamp = time.Unix(ts, 0).UTC()
		}

		embeddings = append(embeddings, e)
	}

	logger.Info("Embedding window fetched",
		zap.Int("count", len(embeddings)),
		zap.Time("since", since),
	)

	return embeddings, nil
}
