// Package milvus implements the vector provider on a managed Milvus
// deployment, for installations that outgrow the embedded index.
package milvus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/kailas-cloud/knowd/internal/domain"
	"github.com/kailas-cloud/knowd/internal/vector"
)

// Compile-time check: Provider implements vector.Provider.
var _ vector.Provider = (*Provider)(nil)

const (
	fieldID      = "id"
	fieldVector  = "vector"
	fieldContent = "content"

	maxIDLength      = "128"
	maxVarCharLength = "65535"

	// HNSW build and search parameters, tuned for recall over speed at
	// the collection sizes this service sees.
	hnswM        = 8
	hnswEfBuild  = 64
	hnswEfSearch = 64
)

// scalarFields are the metadata attributes mirrored into every
// collection, filterable via boolean expressions.
var scalarFields = []string{
	vector.MetaDocumentID,
	vector.MetaOwnerID,
	vector.MetaTitle,
	vector.MetaDocType,
	vector.MetaTags,
}

// Config holds Milvus connection settings.
type Config struct {
	Address      string
	Username     string
	Password     string
	Database     string
	InitAttempts int
	InitBackoff  time.Duration

	// CallTimeout bounds every server round-trip so a stalled backend
	// cannot hold a request open indefinitely.
	CallTimeout time.Duration
}

// Provider talks to a Milvus deployment over gRPC. Collections use a
// varchar primary key so document ids map directly onto entries, and
// upserts converge repeated writes for the same id.
type Provider struct {
	cfg Config
	cli client.Client
}

// New creates a Milvus provider. Initialize must be called before any
// other operation.
func New(cfg Config) *Provider {
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.InitAttempts <= 0 {
		cfg.InitAttempts = 5
	}
	if cfg.InitBackoff <= 0 {
		cfg.InitBackoff = 500 * time.Millisecond
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.cfg.CallTimeout)
}

// Initialize connects to Milvus, retrying with exponential backoff to
// cover deployments where the service starts after this process.
func (p *Provider) Initialize(ctx context.Context) error {
	err := vector.InitRetry(ctx, p.cfg.InitAttempts, p.cfg.InitBackoff, func(ctx context.Context) error {
		cli, err := client.NewClient(ctx, client.Config{
			Address:  p.cfg.Address,
			DBName:   p.cfg.Database,
			Username: p.cfg.Username,
			Password: p.cfg.Password,
		})
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		p.cli = cli
		return nil
	})
	if err != nil {
		return fmt.Errorf("initialize milvus at %s: %w: %w", p.cfg.Address, err, domain.ErrBackendUnavailable)
	}
	return nil
}

// CreateCollection is idempotent: an existing collection is loaded as
// is, a missing one is created with an HNSW cosine index and loaded.
func (p *Provider) CreateCollection(ctx context.Context, name string, dim int) error {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	has, err := p.cli.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, backendErr(err))
	}
	if !has {
		fields := []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{"max_length": maxIDLength},
			},
		}
		for _, f := range scalarFields {
			fields = append(fields, &entity.Field{
				Name:       f,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": maxVarCharLength},
			})
		}
		fields = append(fields,
			&entity.Field{
				Name:       fieldContent,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": maxVarCharLength},
			},
			&entity.Field{
				Name:       fieldVector,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(dim)},
			},
		)

		schema := &entity.Schema{
			CollectionName: name,
			Description:    "knowledge document embeddings",
			Fields:         fields,
		}
		if err := p.cli.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("create collection %s: %w", name, backendErr(err))
		}

		index, err := entity.NewIndexHNSW(entity.COSINE, hnswM, hnswEfBuild)
		if err != nil {
			return fmt.Errorf("build index spec: %w", err)
		}
		if err := p.cli.CreateIndex(ctx, name, fieldVector, index, false); err != nil {
			return fmt.Errorf("create index on %s: %w", name, backendErr(err))
		}
	}

	if err := p.cli.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("load collection %s: %w", name, backendErr(err))
	}
	return nil
}

// Upsert writes records by primary key; repeated upserts with the same
// id converge to the latest content.
func (p *Provider) Upsert(ctx context.Context, collection string, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	ids := make([]string, len(records))
	contents := make([]string, len(records))
	vectors := make([][]float32, len(records))
	scalars := make(map[string][]string, len(scalarFields))
	for _, f := range scalarFields {
		scalars[f] = make([]string, len(records))
	}

	dim := len(records[0].Vector)
	for i, r := range records {
		if len(r.Vector) != dim {
			return fmt.Errorf("record %s: got dimension %d, want %d: %w", r.ID, len(r.Vector), dim, domain.ErrVectorDimMismatch)
		}
		ids[i] = r.ID
		contents[i] = r.Content
		vectors[i] = r.Vector
		for _, f := range scalarFields {
			scalars[f][i] = r.Metadata[f]
		}
	}

	cols := []entity.Column{entity.NewColumnVarChar(fieldID, ids)}
	for _, f := range scalarFields {
		cols = append(cols, entity.NewColumnVarChar(f, scalars[f]))
	}
	cols = append(cols,
		entity.NewColumnVarChar(fieldContent, contents),
		entity.NewColumnFloatVector(fieldVector, dim, vectors),
	)

	if _, err := p.cli.Upsert(ctx, collection, "", cols...); err != nil {
		return fmt.Errorf("upsert %d records into %s: %w", len(records), collection, backendErr(err))
	}
	return nil
}

// Search runs a cosine similarity query with server-side filters and
// returns matches on the canonical [0,1] score scale.
func (p *Provider) Search(ctx context.Context, collection string, query []float32, limit int, f vector.Filter) ([]vector.Match, error) {
	if limit <= 0 {
		return []vector.Match{}, nil
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	sp, err := entity.NewIndexHNSWSearchParam(hnswEfSearch)
	if err != nil {
		return nil, fmt.Errorf("build search param: %w", err)
	}

	output := append([]string{fieldContent}, scalarFields...)
	results, err := p.cli.Search(
		ctx,
		collection,
		nil,
		filterExpr(f),
		output,
		[]entity.Vector{entity.FloatVector(query)},
		fieldVector,
		entity.COSINE,
		limit,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, backendErr(err))
	}
	if len(results) == 0 {
		return []vector.Match{}, nil
	}

	res := results[0]
	if res.Err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, backendErr(res.Err))
	}
	if res.ResultCount == 0 {
		return []vector.Match{}, nil
	}

	ids := varCharData(res.IDs)
	fields := make(map[string][]string, len(res.Fields))
	for _, col := range res.Fields {
		fields[col.Name()] = varCharData(col)
	}

	matches := make([]vector.Match, 0, res.ResultCount)
	for i := 0; i < res.ResultCount && i < len(ids); i++ {
		meta := make(map[string]string, len(scalarFields))
		for _, name := range scalarFields {
			if vals := fields[name]; i < len(vals) {
				meta[name] = vals[i]
			}
		}
		var content string
		if vals := fields[fieldContent]; i < len(vals) {
			content = vals[i]
		}
		var score float64
		if i < len(res.Scores) {
			// COSINE similarity already lands on the canonical scale.
			score = vector.ClampScore(float64(res.Scores[i]))
		}
		matches = append(matches, vector.Match{
			ID:       ids[i],
			Score:    score,
			Content:  content,
			Metadata: meta,
		})
	}
	return matches, nil
}

// Delete removes entries by primary key. Absent ids are a no-op.
func (p *Provider) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	expr := fmt.Sprintf("%s in [%s]", fieldID, quoteList(ids))
	if err := p.cli.Delete(ctx, collection, "", expr); err != nil {
		return fmt.Errorf("delete %d ids from %s: %w", len(ids), collection, backendErr(err))
	}
	return nil
}

// Count returns the collection row count from server statistics.
func (p *Provider) Count(ctx context.Context, collection string) (int64, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	if err := p.cli.Flush(ctx, collection, false); err != nil {
		return 0, fmt.Errorf("flush %s: %w", collection, backendErr(err))
	}
	stats, err := p.cli.GetCollectionStatistics(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("statistics for %s: %w", collection, backendErr(err))
	}
	n, err := strconv.ParseInt(stats["row_count"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse row_count %q: %w", stats["row_count"], err)
	}
	return n, nil
}

// ListIDs returns the ids of the owner's entries, for the cross-store
// reconciliation scan.
func (p *Provider) ListIDs(ctx context.Context, collection, owner string) ([]string, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	expr := ""
	if owner != "" {
		expr = fmt.Sprintf("%s == %s", vector.MetaOwnerID, quote(owner))
	}
	cols, err := p.cli.Query(ctx, collection, nil, expr, []string{fieldID})
	if err != nil {
		return nil, fmt.Errorf("query ids in %s: %w", collection, backendErr(err))
	}
	for _, col := range cols {
		if col.Name() == fieldID {
			return varCharData(col), nil
		}
	}
	return []string{}, nil
}

// Health verifies the server is reachable.
func (p *Provider) Health(ctx context.Context) error {
	if p.cli == nil {
		return fmt.Errorf("milvus client not initialized: %w", domain.ErrBackendUnavailable)
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	if _, err := p.cli.ListCollections(ctx); err != nil {
		return fmt.Errorf("list collections: %w", backendErr(err))
	}
	return nil
}

// Close releases the gRPC connection.
func (p *Provider) Close() error {
	if p.cli == nil {
		return nil
	}
	return p.cli.Close()
}

func filterExpr(f vector.Filter) string {
	var clauses []string
	if f.Owner != "" {
		clauses = append(clauses, fmt.Sprintf("%s == %s", vector.MetaOwnerID, quote(f.Owner)))
	}
	if f.DocType != "" {
		clauses = append(clauses, fmt.Sprintf("%s == %s", vector.MetaDocType, quote(f.DocType)))
	}
	return strings.Join(clauses, " && ")
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func quoteList(vals []string) string {
	quoted := make([]string, len(vals))
	for i, v := range vals {
		quoted[i] = quote(v)
	}
	return strings.Join(quoted, ", ")
}

func varCharData(col entity.Column) []string {
	if c, ok := col.(*entity.ColumnVarChar); ok {
		return c.Data()
	}
	return nil
}

func backendErr(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
}
