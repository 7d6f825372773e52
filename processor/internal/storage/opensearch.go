package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/telhawk-triage/common/config"
	"github.com/telhawk-systems/telhawk-triage/common/database"
	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

const (
	defaultPageSize   = 100
	maxPageSize       = 10000
	scrollPageSize    = 1000
	retryOnConflict   = 5
	bulkRefreshPolicy = "wait_for"
)

// OpenSearchIndex implements Index on OpenSearch, one index per case.
type OpenSearchIndex struct {
	client  *opensearch.Client
	cfg     config.OpenSearchConfig
	logger  *logging.Logger
	ensured sync.Map // index name -> struct{}
}

// NewOpenSearchIndex creates the client. It does not contact the cluster; use
// Ping for readiness.
func NewOpenSearchIndex(cfg config.OpenSearchConfig, logger *logging.Logger) (*OpenSearchIndex, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "telhawk-triage"
	}

	return &OpenSearchIndex{client: client, cfg: cfg, logger: logger}, nil
}

func (o *OpenSearchIndex) indexName(caseID int64) string {
	return IndexName(o.cfg.IndexPrefix, caseID)
}

// EnsureIndex creates the case index with its mappings if it does not exist.
func (o *OpenSearchIndex) EnsureIndex(ctx context.Context, caseID int64) error {
	name := o.indexName(caseID)
	if _, ok := o.ensured.Load(name); ok {
		return nil
	}

	exists, err := o.client.Indices.Exists([]string{name}, o.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", name, err)
	}
	exists.Body.Close()

	if exists.StatusCode == http.StatusNotFound {
		body, err := json.Marshal(map[string]interface{}{
			"settings": map[string]interface{}{
				"number_of_shards":   max(o.cfg.ShardCount, 1),
				"number_of_replicas": o.cfg.ReplicaCount,
				"refresh_interval":   refreshInterval(o.cfg.RefreshInterval),
			},
			"mappings": indexMappings(),
		})
		if err != nil {
			return err
		}

		res, err := o.client.Indices.Create(name,
			o.client.Indices.Create.WithContext(ctx),
			o.client.Indices.Create.WithBody(bytes.NewReader(body)),
		)
		if err != nil {
			return fmt.Errorf("create index %s: %w", name, err)
		}
		defer res.Body.Close()

		if res.IsError() {
			raw, _ := io.ReadAll(res.Body)
			// A concurrent worker may have created it first
			if !strings.Contains(string(raw), "resource_already_exists_exception") {
				return fmt.Errorf("create index %s: %s - %s", name, res.Status(), string(raw))
			}
		} else {
			o.logger.Info("Created case index", logging.Index(name), logging.CaseID(caseID))
		}
	} else if exists.IsError() {
		return fmt.Errorf("check index %s: %s", name, exists.Status())
	}

	o.ensured.Store(name, struct{}{})
	return nil
}

// BulkIndex writes events with action "index" and their deterministic ID, so
// re-indexing the same content overwrites instead of duplicating.
func (o *OpenSearchIndex) BulkIndex(ctx context.Context, caseID, fileID int64, events []*models.NormalizedEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	bi, err := o.newBulkIndexer(caseID)
	if err != nil {
		return 0, err
	}

	failures := &bulkFailures{}
	for _, ev := range events {
		if ev.CaseID != caseID || ev.FileID != fileID {
			return 0, fmt.Errorf("%w: event %s is case %d file %d", ErrForeignEvent, ev.ID, ev.CaseID, ev.FileID)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: ev.ID,
			Body:       bytes.NewReader(data),
			OnFailure:  failures.record,
		})
		if err != nil {
			return 0, fmt.Errorf("add to bulk indexer: %w", err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return 0, fmt.Errorf("bulk indexer close: %w", err)
	}
	stats := bi.Stats()
	if err := failures.err(stats.NumFailed); err != nil {
		return int(stats.NumIndexed), err
	}
	return int(stats.NumIndexed), nil
}

// DeleteByFile removes every document of one file.
func (o *OpenSearchIndex) DeleteByFile(ctx context.Context, caseID, fileID int64) (int64, error) {
	return o.DeleteByFiles(ctx, caseID, []int64{fileID})
}

// DeleteByFiles removes every document of the given files in one request.
func (o *OpenSearchIndex) DeleteByFiles(ctx context.Context, caseID int64, fileIDs []int64) (int64, error) {
	if len(fileIDs) == 0 {
		return 0, nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	body, err := json.Marshal(map[string]interface{}{"query": fileFilter(caseID, fileIDs)})
	if err != nil {
		return 0, err
	}

	res, err := o.client.DeleteByQuery(
		[]string{o.indexName(caseID)},
		bytes.NewReader(body),
		o.client.DeleteByQuery.WithContext(ctx),
		o.client.DeleteByQuery.WithConflicts("proceed"),
		o.client.DeleteByQuery.WithRefresh(true),
		o.client.DeleteByQuery.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return 0, fmt.Errorf("delete by query: %w", err)
	}

	var out struct {
		Deleted  int64             `json:"deleted"`
		Failures []json.RawMessage `json:"failures"`
	}
	if err := decodeResponse(res, &out); err != nil {
		return 0, fmt.Errorf("delete by query: %w", err)
	}
	if len(out.Failures) > 0 {
		return out.Deleted, fmt.Errorf("delete by query: %d failures: %s", len(out.Failures), out.Failures[0])
	}
	return out.Deleted, nil
}

// UpdateFlags applies scripted partial updates. The script reads the stored
// document, so concurrent rule and IOC patches compose.
func (o *OpenSearchIndex) UpdateFlags(ctx context.Context, caseID int64, patches []models.FlagPatch) error {
	if len(patches) == 0 {
		return nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	bi, err := o.newBulkIndexer(caseID)
	if err != nil {
		return err
	}

	retries := retryOnConflict
	failures := &bulkFailures{}
	for _, p := range patches {
		flag, list := p.Kind.Fields()
		data, err := json.Marshal(map[string]interface{}{
			"script": map[string]interface{}{
				"lang":   "painless",
				"source": mergeFlagsScript,
				"params": map[string]interface{}{
					"flag":   flag,
					"list":   list,
					"values": p.Values,
				},
			},
		})
		if err != nil {
			return err
		}
		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:          "update",
			DocumentID:      p.DocumentID,
			RetryOnConflict: &retries,
			Body:            bytes.NewReader(data),
			OnFailure:       failures.record,
		})
		if err != nil {
			return fmt.Errorf("add to bulk indexer: %w", err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("bulk indexer close: %w", err)
	}
	return failures.err(bi.Stats().NumFailed)
}

// ResetFlags clears one overlay on all documents of a file.
func (o *OpenSearchIndex) ResetFlags(ctx context.Context, caseID, fileID int64, kind models.FlagKind) error {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	flag, list := kind.Fields()
	body, err := json.Marshal(map[string]interface{}{
		"query": fileFilter(caseID, []int64{fileID}),
		"script": map[string]interface{}{
			"lang":   "painless",
			"source": resetFlagsScript,
			"params": map[string]interface{}{"flag": flag, "list": list},
		},
	})
	if err != nil {
		return err
	}

	res, err := o.client.UpdateByQuery(
		[]string{o.indexName(caseID)},
		o.client.UpdateByQuery.WithContext(ctx),
		o.client.UpdateByQuery.WithBody(bytes.NewReader(body)),
		o.client.UpdateByQuery.WithRefresh(true),
		o.client.UpdateByQuery.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return fmt.Errorf("update by query: %w", err)
	}

	var out struct {
		Updated  int64             `json:"updated"`
		Failures []json.RawMessage `json:"failures"`
	}
	if err := decodeResponse(res, &out); err != nil {
		return fmt.Errorf("update by query: %w", err)
	}
	if len(out.Failures) > 0 {
		return fmt.Errorf("update by query: %d failures: %s", len(out.Failures), out.Failures[0])
	}
	return nil
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string          `json:"_id"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (r *searchResponse) events() ([]*models.NormalizedEvent, error) {
	out := make([]*models.NormalizedEvent, 0, len(r.Hits.Hits))
	for _, hit := range r.Hits.Hits {
		dec := json.NewDecoder(bytes.NewReader(hit.Source))
		dec.UseNumber()
		ev := &models.NormalizedEvent{}
		if err := dec.Decode(ev); err != nil {
			return nil, fmt.Errorf("decode hit %s: %w", hit.ID, err)
		}
		if ev.ID == "" {
			ev.ID = hit.ID
		}
		out = append(out, ev)
	}
	return out, nil
}

// Search returns one page of matching events with the exact total.
func (o *OpenSearchIndex) Search(ctx context.Context, q models.EventQuery) (*models.EventPage, error) {
	if err := validate(q); err != nil {
		return nil, err
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	size := q.Size
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]interface{}{
		"query": buildQuery(q),
		"sort":  searchSort,
	}); err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	res, err := o.client.Search(
		o.client.Search.WithContext(ctx),
		o.client.Search.WithIndex(o.indexName(q.CaseID)),
		o.client.Search.WithBody(&buf),
		o.client.Search.WithSize(size),
		o.client.Search.WithFrom(q.Offset),
		o.client.Search.WithTrackTotalHits(true),
		o.client.Search.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}

	var sr searchResponse
	if err := decodeResponse(res, &sr); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	events, err := sr.events()
	if err != nil {
		return nil, err
	}
	return &models.EventPage{Total: sr.Hits.Total.Value, Events: events}, nil
}

// Scroll walks the scroll API until exhausted, then clears the scroll context.
func (o *OpenSearchIndex) Scroll(ctx context.Context, q models.EventQuery, fn func(*models.NormalizedEvent) error) error {
	if err := validate(q); err != nil {
		return err
	}
	keepAlive := o.cfg.ScrollKeepAlive
	if keepAlive <= 0 {
		keepAlive = 2 * time.Minute
	}
	size := q.Size
	if size <= 0 || size > maxPageSize {
		size = scrollPageSize
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]interface{}{"query": buildQuery(q)}); err != nil {
		return fmt.Errorf("encode query: %w", err)
	}

	res, err := o.client.Search(
		o.client.Search.WithContext(ctx),
		o.client.Search.WithIndex(o.indexName(q.CaseID)),
		o.client.Search.WithBody(&buf),
		o.client.Search.WithSize(size),
		o.client.Search.WithScroll(keepAlive),
		o.client.Search.WithSort("_doc"),
		o.client.Search.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return fmt.Errorf("scroll search: %w", err)
	}

	var scrollID string
	defer func() {
		if scrollID != "" {
			o.clearScroll(scrollID)
		}
	}()

	for {
		var sr searchResponse
		if err := decodeResponse(res, &sr); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		if sr.ScrollID != "" {
			scrollID = sr.ScrollID
		}
		if len(sr.Hits.Hits) == 0 {
			return nil
		}

		events, err := sr.events()
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := fn(ev); err != nil {
				return err
			}
		}
		if scrollID == "" {
			return nil
		}

		res, err = o.client.Scroll(
			o.client.Scroll.WithContext(ctx),
			o.client.Scroll.WithScrollID(scrollID),
			o.client.Scroll.WithScroll(keepAlive),
		)
		if err != nil {
			return fmt.Errorf("scroll next: %w", err)
		}
	}
}

func (o *OpenSearchIndex) clearScroll(id string) {
	ctx, cancel := database.QueryContext(context.Background())
	defer cancel()

	res, err := o.client.ClearScroll(
		o.client.ClearScroll.WithContext(ctx),
		o.client.ClearScroll.WithScrollID(id),
	)
	if err != nil {
		o.logger.Warn("Failed to clear scroll", logging.Error(err))
		return
	}
	res.Body.Close()
}

// Count returns the number of documents of one file, hidden included.
func (o *OpenSearchIndex) Count(ctx context.Context, caseID, fileID int64) (int64, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	body, err := json.Marshal(map[string]interface{}{"query": fileFilter(caseID, []int64{fileID})})
	if err != nil {
		return 0, err
	}

	res, err := o.client.Count(
		o.client.Count.WithContext(ctx),
		o.client.Count.WithIndex(o.indexName(caseID)),
		o.client.Count.WithBody(bytes.NewReader(body)),
		o.client.Count.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return 0, fmt.Errorf("count request: %w", err)
	}

	var out struct {
		Count int64 `json:"count"`
	}
	if err := decodeResponse(res, &out); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return out.Count, nil
}

// Ping checks that the cluster answers.
func (o *OpenSearchIndex) Ping(ctx context.Context) error {
	res, err := o.client.Info(o.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to opensearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}
	return nil
}

func (o *OpenSearchIndex) newBulkIndexer(caseID int64) (opensearchutil.BulkIndexer, error) {
	workers := o.cfg.BulkWorkers
	if workers <= 0 {
		workers = 1
	}
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     o.client,
		Index:      o.indexName(caseID),
		NumWorkers: workers,
		FlushBytes: o.cfg.FlushBytes,
		Refresh:    bulkRefreshPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk indexer: %w", err)
	}
	return bi, nil
}

// bulkFailures collects item failures reported from bulk indexer workers.
type bulkFailures struct {
	mu        sync.Mutex
	rejected  []string
	transient int
	first     string
}

func (b *bulkFailures) record(_ context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err != nil, res.Status == http.StatusTooManyRequests, res.Status >= http.StatusInternalServerError:
		b.transient++
	default:
		b.rejected = append(b.rejected, item.DocumentID)
	}
	if b.first != "" {
		return
	}
	if err != nil {
		b.first = fmt.Sprintf("%s: %v", item.DocumentID, err)
	} else {
		b.first = fmt.Sprintf("%s: %s: %s", item.DocumentID, res.Error.Type, res.Error.Reason)
	}
}

func (b *bulkFailures) err(failed uint64) error {
	if failed == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return &BulkItemError{Rejected: b.rejected, Transient: b.transient, First: b.first}
}

// decodeResponse closes the body and decodes a successful JSON response.
func decodeResponse(res *opensearchapi.Response, v interface{}) error {
	defer res.Body.Close()
	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return errors.New(res.Status() + " - " + string(raw))
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func refreshInterval(v string) string {
	if v == "" {
		return "1s"
	}
	return v
}

var _ Index = (*OpenSearchIndex)(nil)
