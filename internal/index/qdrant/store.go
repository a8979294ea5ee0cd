// Package qdrant implements ingest.IndexStore on a Qdrant collection over
// gRPC. Points are keyed by chunk id so upserts are idempotent.
package qdrant

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

const defaultVectorDimension = 1024

// Payload keys stored with every point.
const (
	keyDocumentID    = "document_id"
	keyCategory      = "category"
	keyArticleNumber = "article_number"
	keyArticleTitle  = "article_title"
	keyChapter       = "chapter"
	keyChunkIndex    = "chunk_index"
	keyText          = "text"
	keyTitle         = "document_title"
	keyNumber        = "document_number"
)

// Config holds the Qdrant connection settings.
type Config struct {
	Host            string
	Port            int
	Collection      string
	APIKey          string
	UseTLS          bool
	VectorDimension int
}

// Store is a Qdrant backed index store.
type Store struct {
	conn            *grpc.ClientConn
	points          pb.PointsClient
	collections     pb.CollectionsClient
	collection      string
	vectorDimension int
}

func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// New dials Qdrant. TLS is used when an API key is set or UseTLS is true.
func New(cfg Config) (*Store, error) {
	if cfg.Collection == "" {
		return nil, errors.New("qdrant collection is required")
	}
	var opts []grpc.DialOption
	if cfg.UseTLS || cfg.APIKey != "" {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant: %w", err)
	}
	s := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), cfg)
	s.conn = conn
	return s, nil
}

// NewWithClients builds a Store on existing gRPC clients.
func NewWithClients(points pb.PointsClient, collections pb.CollectionsClient, cfg Config) *Store {
	dim := cfg.VectorDimension
	if dim <= 0 {
		dim = defaultVectorDimension
	}
	return &Store{
		points:          points,
		collections:     collections,
		collection:      cfg.Collection,
		vectorDimension: dim,
	}
}

// Close closes the gRPC connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close qdrant connection: %w", err)
	}
	return nil
}

// EnsureCollection creates the collection with cosine distance when it does
// not exist, and rejects an existing collection of another dimension.
func (s *Store) EnsureCollection(ctx context.Context) error {
	info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok && size != uint64(s.vectorDimension) {
			return fmt.Errorf("collection %s has vector size %d, expected %d", s.collection, size, s.vectorDimension)
		}
		return nil
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(s.vectorDimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	for _, field := range []string{keyCategory, keyDocumentID} {
		if _, err := s.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
		}); err != nil {
			return fmt.Errorf("create %s index: %w", field, err)
		}
	}
	return nil
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	vectors := info.GetConfig().GetParams().GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}
	if single := vectors.GetParams(); single != nil && single.GetSize() > 0 {
		return single.GetSize(), true
	}
	for _, params := range vectors.GetParamsMap().GetMap() {
		if params.GetSize() > 0 {
			return params.GetSize(), true
		}
	}
	return 0, false
}

// Upsert writes the chunks and waits for the write to be applied.
func (s *Store) Upsert(ctx context.Context, chunks []ingest.IndexedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Vector) != s.vectorDimension {
			return fmt.Errorf("chunk %s: vector size %d, expected %d", c.Chunk.ID, len(c.Vector), s.vectorDimension)
		}
		points = append(points, &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: c.Chunk.ID}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: c.Vector}},
			},
			Payload: map[string]*pb.Value{
				keyDocumentID:    stringValue(c.Chunk.DocumentID),
				keyCategory:      stringValue(c.Category),
				keyArticleNumber: intValue(c.Chunk.ArticleNumber),
				keyArticleTitle:  stringValue(c.Chunk.ArticleTitle),
				keyChapter:       stringValue(c.Chunk.Chapter),
				keyChunkIndex:    intValue(c.Chunk.ChunkIndex),
				keyText:          stringValue(c.Chunk.Text),
				keyTitle:         stringValue(c.Title),
				keyNumber:        stringValue(c.Number),
			},
		})
	}
	wait := true
	if _, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("upsert %d points: %w", len(points), err)
	}
	return nil
}

// Count returns the exact number of points of a document.
func (s *Store) Count(ctx context.Context, documentID string) (int, error) {
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: s.collection,
		Filter:         buildFilter(ingest.SearchFilters{DocumentID: documentID}),
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("count points of %s: %w", documentID, err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// DeleteDocument removes every point of a document.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: buildFilter(ingest.SearchFilters{DocumentID: documentID}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete points of %s: %w", documentID, err)
	}
	return nil
}

// Search performs a cosine similarity search.
func (s *Store) Search(ctx context.Context, vector []float32, topK int, filters ingest.SearchFilters) ([]ingest.ScoredChunk, error) {
	if topK <= 0 {
		topK = 5
	}
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		Filter:         buildFilter(filters),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	results := make([]ingest.ScoredChunk, 0, len(resp.GetResult()))
	for _, scored := range resp.GetResult() {
		payload := scored.GetPayload()
		results = append(results, ingest.ScoredChunk{
			ChunkID:       scored.GetId().GetUuid(),
			DocumentID:    payload[keyDocumentID].GetStringValue(),
			Category:      payload[keyCategory].GetStringValue(),
			ArticleNumber: int(payload[keyArticleNumber].GetIntegerValue()),
			ArticleTitle:  payload[keyArticleTitle].GetStringValue(),
			Text:          payload[keyText].GetStringValue(),
			Score:         scored.GetScore(),
		})
	}
	return results, nil
}

func buildFilter(filters ingest.SearchFilters) *pb.Filter {
	var conditions []*pb.Condition
	if filters.Category != "" {
		conditions = append(conditions, keywordCondition(keyCategory, filters.Category))
	}
	if filters.DocumentID != "" {
		conditions = append(conditions, keywordCondition(keyDocumentID, filters.DocumentID))
	}
	if len(conditions) == 0 {
		return nil
	}
	return &pb.Filter{Must: conditions}
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func stringValue(v string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
}

func intValue(v int) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(v)}}
}
