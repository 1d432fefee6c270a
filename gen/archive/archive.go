// 包 archive 归档终态任务。JobState 在结算后销毁，归档是它唯一的落地形态，
// 供客服排查与离线分析使用。
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/headshotflow/gen"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
)

// Document 归档文档。
type Document struct {
	JobID      string        `bson:"job_id"`
	AccountID  string        `bson:"account_id"`
	Outcome    string        `bson:"outcome"`
	Provider   string        `bson:"provider,omitempty"`
	SpendMicro int64         `bson:"spend_micro_usd"`
	Attempts   []AttemptDoc  `bson:"attempts"`
	AssetURLs  []string      `bson:"asset_urls,omitempty"`
	Error      string        `bson:"error,omitempty"`
	CreatedAt  time.Time     `bson:"created_at"`
	ArchivedAt time.Time     `bson:"archived_at"`
}

// AttemptDoc 归档中的单次尝试。
type AttemptDoc struct {
	Provider  string `bson:"provider"`
	Outcome   string `bson:"outcome,omitempty"`
	LatencyMS int64  `bson:"latency_ms"`
	CostMicro int64  `bson:"cost_micro_usd"`
}

func toDocument(job *gen.JobSnapshot) Document {
	doc := Document{
		JobID:      job.ID,
		AccountID:  job.Request.AccountID,
		Outcome:    string(job.Outcome),
		Provider:   job.Provider,
		SpendMicro: int64(job.Spend),
		CreatedAt:  job.CreatedAt,
		ArchivedAt: time.Now(),
	}
	if job.Err != nil {
		doc.Error = job.Err.Error()
	}
	for _, a := range job.Attempts {
		doc.Attempts = append(doc.Attempts, AttemptDoc{
			Provider:  a.Provider,
			Outcome:   string(a.Outcome),
			LatencyMS: a.Latency.Milliseconds(),
			CostMicro: int64(a.Cost),
		})
	}
	for _, asset := range job.Assets {
		if asset.URL != "" {
			doc.AssetURLs = append(doc.AssetURLs, asset.URL)
		}
	}
	return doc
}

// MongoStore 基于 MongoDB 的归档实现。
type MongoStore struct {
	col    *mongo.Collection
	logger *zap.Logger
}

// NewMongoStore 创建 MongoDB 归档。
func NewMongoStore(client *mongo.Client, database, collection string, logger *zap.Logger) *MongoStore {
	if collection == "" {
		collection = "gen_jobs"
	}
	return &MongoStore{
		col:    client.Database(database).Collection(collection),
		logger: logger,
	}
}

// Archive 实现 gen.Archiver。
func (s *MongoStore) Archive(ctx context.Context, job *gen.JobSnapshot) error {
	if _, err := s.col.InsertOne(ctx, toDocument(job)); err != nil {
		return fmt.Errorf("archive job %s: %w", job.ID, err)
	}
	s.logger.Debug("job archived",
		zap.String("job_id", job.ID),
		zap.String("outcome", string(job.Outcome)),
	)
	return nil
}

// MemoryStore 基于内存的归档实现（单实例与测试）。
type MemoryStore struct {
	mu   sync.Mutex
	docs []Document
}

// NewMemoryStore 创建内存归档。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Archive 实现 gen.Archiver。
func (s *MemoryStore) Archive(_ context.Context, job *gen.JobSnapshot) error {
	s.mu.Lock()
	s.docs = append(s.docs, toDocument(job))
	s.mu.Unlock()
	return nil
}

// Documents 返回已归档文档的副本。
func (s *MemoryStore) Documents() []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Document, len(s.docs))
	copy(out, s.docs)
	return out
}
