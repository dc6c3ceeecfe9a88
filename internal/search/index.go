// Package search keeps a full-text index of submissions in Elasticsearch.
// The index is a lookup aid only: hits are ids that callers reload from the
// store, and every query carries the caller's partner filter.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"partner-portal/internal/common/logger"
	"partner-portal/internal/models"
)

var (
	ErrSearchQueryFailed = errors.New("SEARCH_QUERY_FAILED")
	ErrIndexFailed       = errors.New("INDEX_FAILED")
)

const indexMapping = `{
  "mappings": {
    "properties": {
      "id":               {"type": "keyword"},
      "deliverable_id":   {"type": "keyword"},
      "partner_id":       {"type": "keyword"},
      "status":           {"type": "keyword"},
      "file_ref":         {"type": "text"},
      "link_ref":         {"type": "text"},
      "notes":            {"type": "text"},
      "review_notes":     {"type": "text"},
      "rejection_reason": {"type": "text"},
      "submitted_by":     {"type": "keyword"},
      "created_at":       {"type": "date"}
    }
  }
}`

type document struct {
	ID              string    `json:"id"`
	DeliverableID   string    `json:"deliverable_id"`
	PartnerID       string    `json:"partner_id"`
	Status          string    `json:"status"`
	FileRef         string    `json:"file_ref,omitempty"`
	LinkRef         string    `json:"link_ref,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	ReviewNotes     string    `json:"review_notes,omitempty"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	SubmittedBy     string    `json:"submitted_by"`
	CreatedAt       time.Time `json:"created_at"`
}

// Hit is one search match.
type Hit struct {
	SubmissionID string  `json:"submissionId"`
	PartnerID    string  `json:"partnerId"`
	Score        float64 `json:"score"`
}

// Indexer is the write side used by the submission service.
type Indexer interface {
	IndexSubmission(ctx context.Context, s models.Submission) error
}

type SubmissionIndex struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewSubmissionIndex(client *elasticsearch.Client, index string, log logger.Logger) *SubmissionIndex {
	if index == "" {
		index = "portal-submissions"
	}
	return &SubmissionIndex{
		client: client,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"component": "search", "index": index}),
	}
}

// EnsureIndex creates the index with its mapping when it does not exist.
func (x *SubmissionIndex) EnsureIndex(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{x.index}}.Do(ctx, x.client)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexFailed, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	res, err = esapi.IndicesCreateRequest{Index: x.index, Body: strings.NewReader(indexMapping)}.Do(ctx, x.client)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexFailed, err)
	}
	defer res.Body.Close()
	if res.IsError() && !strings.Contains(res.String(), "resource_already_exists_exception") {
		return fmt.Errorf("%w: create index: %s", ErrIndexFailed, res.String())
	}
	x.logger.Info("search index created", nil)
	return nil
}

// IndexSubmission upserts the submission document by id.
func (x *SubmissionIndex) IndexSubmission(ctx context.Context, s models.Submission) error {
	body, err := json.Marshal(document{
		ID:              s.ID,
		DeliverableID:   s.DeliverableID,
		PartnerID:       s.PartnerID,
		Status:          string(s.Status),
		FileRef:         s.FileRef,
		LinkRef:         s.LinkRef,
		Notes:           s.Notes,
		ReviewNotes:     s.ReviewNotes,
		RejectionReason: s.RejectionReason,
		SubmittedBy:     s.SubmittedBy,
		CreatedAt:       s.CreatedAt,
	})
	if err != nil {
		return err
	}
	res, err := esapi.IndexRequest{
		Index:      x.index,
		DocumentID: s.ID,
		Body:       bytes.NewReader(body),
	}.Do(ctx, x.client)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexFailed, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w: %s", ErrIndexFailed, res.String())
	}
	return nil
}

// BuildQuery returns the search body for text within the filter's scope.
// The filter must already be intersected with the caller's scope.
func BuildQuery(text string, f models.SubmissionFilter) map[string]interface{} {
	var filters []interface{}
	if !f.AllPartners {
		filters = append(filters, map[string]interface{}{
			"terms": map[string]interface{}{"partner_id": f.PartnerIDs},
		})
	}
	if f.DeliverableID != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"deliverable_id": f.DeliverableID},
		})
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			statuses = append(statuses, string(s))
		}
		filters = append(filters, map[string]interface{}{
			"terms": map[string]interface{}{"status": statuses},
		})
	}

	boolQuery := map[string]interface{}{}
	if strings.TrimSpace(text) != "" {
		boolQuery["must"] = []interface{}{
			map[string]interface{}{
				"multi_match": map[string]interface{}{
					"query":  text,
					"fields": []string{"notes^2", "review_notes", "rejection_reason", "file_ref", "link_ref"},
				},
			},
		}
	}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	}

	size := f.Limit
	if size <= 0 || size > 100 {
		size = 20
	}
	return map[string]interface{}{
		"query": map[string]interface{}{"bool": boolQuery},
		"size":  size,
		"sort":  []interface{}{"_score", map[string]interface{}{"created_at": "desc"}},
	}
}

// Search runs a scoped full-text query. An empty, non-All scope matches
// nothing and never reaches Elasticsearch.
func (x *SubmissionIndex) Search(ctx context.Context, text string, f models.SubmissionFilter) ([]Hit, int64, error) {
	if !f.AllPartners && len(f.PartnerIDs) == 0 {
		return nil, 0, nil
	}

	body, err := json.Marshal(BuildQuery(text, f))
	if err != nil {
		return nil, 0, err
	}
	res, err := x.client.Search(
		x.client.Search.WithContext(ctx),
		x.client.Search.WithIndex(x.index),
		x.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrSearchQueryFailed, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, 0, fmt.Errorf("%w: %s", ErrSearchQueryFailed, res.String())
	}

	var r struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID     string   `json:"_id"`
				Score  *float64 `json:"_score"`
				Source document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return nil, 0, fmt.Errorf("%w: decode: %v", ErrSearchQueryFailed, err)
	}

	hits := make([]Hit, 0, len(r.Hits.Hits))
	for _, h := range r.Hits.Hits {
		hit := Hit{SubmissionID: h.ID, PartnerID: h.Source.PartnerID}
		if h.Score != nil {
			hit.Score = *h.Score
		}
		hits = append(hits, hit)
	}
	return hits, r.Hits.Total.Value, nil
}
