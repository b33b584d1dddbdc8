// Package elastic wraps the go-elasticsearch v8 client with the handful of
// index and bulk operations the indexer needs. Every call decodes the
// response body and converts non-2xx statuses into errors wrapping
// errors.ErrTransport.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/errors"
)

// Client issues requests against one Elasticsearch cluster.
type Client struct {
	es     *elasticsearch.Client
	logger *slog.Logger
}

// New creates a Client. Transport-level retries are disabled; bulk retry is
// owned by the caller.
func New(cfg config.ElasticConfig) (*Client, error) {
	return NewWithTransport(cfg, nil)
}

// NewWithTransport creates a Client that sends requests through rt. A nil rt
// uses the library default.
func NewWithTransport(cfg config.ElasticConfig, rt http.RoundTripper) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    rt,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	return &Client{
		es:     es,
		logger: slog.Default().With("component", "elastic"),
	}, nil
}

// ErrorCause is the error object the engine attaches to failed operations.
type ErrorCause struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// BulkItem is the per-document result of a bulk request.
type BulkItem struct {
	Index  string      `json:"_index"`
	ID     string      `json:"_id"`
	Status int         `json:"status"`
	Error  *ErrorCause `json:"error,omitempty"`
}

// BulkResponse is the decoded body of a bulk request.
type BulkResponse struct {
	Took   int                   `json:"took"`
	Errors bool                  `json:"errors"`
	Items  []map[string]BulkItem `json:"items"`
}

// Failed returns the items carrying an error, in request order.
func (r *BulkResponse) Failed() []BulkItem {
	var failed []BulkItem
	for _, entry := range r.Items {
		for _, item := range entry {
			if item.Error != nil {
				failed = append(failed, item)
			}
		}
	}
	return failed
}

// ClusterHealth is the decoded body of the cluster health API.
type ClusterHealth struct {
	ClusterName         string `json:"cluster_name"`
	Status              string `json:"status"`
	NumberOfNodes       int    `json:"number_of_nodes"`
	ActiveShards        int    `json:"active_shards"`
	UnassignedShards    int    `json:"unassigned_shards"`
	ActivePrimaryShards int    `json:"active_primary_shards"`
}

// IndexInfo is one row of the cat indices API.
type IndexInfo struct {
	Health    string `json:"health"`
	Status    string `json:"status"`
	Index     string `json:"index"`
	UUID      string `json:"uuid"`
	Primaries string `json:"pri"`
	Replicas  string `json:"rep"`
	DocsCount string `json:"docs.count"`
	StoreSize string `json:"store.size"`
}

// IndexExists reports whether index exists.
func (c *Client) IndexExists(ctx context.Context, index string) (bool, error) {
	res, err := esapi.IndicesExistsRequest{Index: []string{index}}.Do(ctx, c.es)
	if err != nil {
		return false, fmt.Errorf("%w: checking index %s: %v", apperrors.ErrTransport, index, err)
	}
	defer drain(res)
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: checking index %s: status %d", apperrors.ErrTransport, index, res.StatusCode)
	}
}

// CreateIndex creates index with the given settings and mappings body.
func (c *Client) CreateIndex(ctx context.Context, index string, body []byte) error {
	res, err := esapi.IndicesCreateRequest{
		Index: index,
		Body:  bytes.NewReader(body),
	}.Do(ctx, c.es)
	if err := check(res, err, "creating index "+index); err != nil {
		return err
	}
	defer drain(res)
	c.logger.Info("index created", "index", index)
	return nil
}

// DeleteIndex deletes index.
func (c *Client) DeleteIndex(ctx context.Context, index string) error {
	res, err := esapi.IndicesDeleteRequest{Index: []string{index}}.Do(ctx, c.es)
	if err := check(res, err, "deleting index "+index); err != nil {
		return err
	}
	defer drain(res)
	c.logger.Info("index deleted", "index", index)
	return nil
}

// Refresh makes every indexed document of index searchable.
func (c *Client) Refresh(ctx context.Context, index string) error {
	res, err := esapi.IndicesRefreshRequest{Index: []string{index}}.Do(ctx, c.es)
	if err := check(res, err, "refreshing index "+index); err != nil {
		return err
	}
	defer drain(res)
	return nil
}

// Bulk sends an NDJSON bulk body with refresh disabled. A 200 response whose
// items carry errors is returned without error; the caller inspects Errors.
func (c *Client) Bulk(ctx context.Context, body []byte) (*BulkResponse, error) {
	res, err := esapi.BulkRequest{
		Body:    bytes.NewReader(body),
		Refresh: "false",
	}.Do(ctx, c.es)
	if err := check(res, err, "bulk request"); err != nil {
		return nil, err
	}
	defer drain(res)
	var out BulkResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding bulk response: %v", apperrors.ErrTransport, err)
	}
	return &out, nil
}

// ClusterHealth returns the cluster health summary.
func (c *Client) ClusterHealth(ctx context.Context) (*ClusterHealth, error) {
	res, err := esapi.ClusterHealthRequest{}.Do(ctx, c.es)
	if err := check(res, err, "cluster health"); err != nil {
		return nil, err
	}
	defer drain(res)
	var out ClusterHealth
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding cluster health: %v", apperrors.ErrTransport, err)
	}
	return &out, nil
}

// ListIndices returns one row per index in the cluster.
func (c *Client) ListIndices(ctx context.Context) ([]IndexInfo, error) {
	res, err := esapi.CatIndicesRequest{Format: "json"}.Do(ctx, c.es)
	if err := check(res, err, "listing indices"); err != nil {
		return nil, err
	}
	defer drain(res)
	var out []IndexInfo
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding index list: %v", apperrors.ErrTransport, err)
	}
	return out, nil
}

// Ping reports whether the cluster answers.
func (c *Client) Ping(ctx context.Context) error {
	res, err := esapi.PingRequest{}.Do(ctx, c.es)
	if err := check(res, err, "ping"); err != nil {
		return err
	}
	drain(res)
	return nil
}

func check(res *esapi.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrTransport, op, err)
	}
	if res.IsError() {
		defer drain(res)
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%w: %s: status %d: %s", apperrors.ErrTransport, op, res.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

func drain(res *esapi.Response) {
	if res == nil || res.Body == nil {
		return
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}
