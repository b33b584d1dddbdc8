// Package lifecycle prepares the target index before ingestion, refreshes it
// once afterwards and answers the health action.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/elastic"
	apperrors "github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/health"
)

// Action selects what a run does.
type Action string

const (
	ActionHealth Action = "health"
	ActionIndex  Action = "index"
	ActionExtend Action = "extend"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionHealth, ActionIndex, ActionExtend:
		return a, nil
	default:
		return "", apperrors.Newf(apperrors.ErrInvalidInput, apperrors.ExitUsage,
			"unknown action %q (want health, index or extend)", s)
	}
}

// Ingests reports whether the action streams a dump.
func (a Action) Ingests() bool {
	return a == ActionIndex || a == ActionExtend
}

// Engine is the index administration surface of the search engine.
type Engine interface {
	IndexExists(ctx context.Context, index string) (bool, error)
	CreateIndex(ctx context.Context, index string, body []byte) error
	DeleteIndex(ctx context.Context, index string) error
	Refresh(ctx context.Context, index string) error
	ClusterHealth(ctx context.Context) (*elastic.ClusterHealth, error)
	ListIndices(ctx context.Context) ([]elastic.IndexInfo, error)
}

// Schema holds the settings and mapping documents forwarded verbatim to the
// create-index call.
type Schema struct {
	Settings json.RawMessage
	Mappings json.RawMessage
}

// LoadSchema reads the settings and mapping documents from disk.
func LoadSchema(settingsPath, mappingPath string) (Schema, error) {
	settings, err := readJSON(settingsPath)
	if err != nil {
		return Schema{}, err
	}
	mappings, err := readJSON(mappingPath)
	if err != nil {
		return Schema{}, err
	}
	return Schema{Settings: settings, Mappings: mappings}, nil
}

func readJSON(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, apperrors.ExitUsage, "reading schema %s: %v", path, err)
	}
	if !json.Valid(data) {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, apperrors.ExitUsage, "schema %s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}

// Body renders the create-index request body.
func (s Schema) Body() ([]byte, error) {
	body := map[string]json.RawMessage{}
	if len(s.Settings) > 0 {
		body["settings"] = s.Settings
	}
	if len(s.Mappings) > 0 {
		body["mappings"] = s.Mappings
	}
	return json.Marshal(body)
}

// Manager drives the index through absent, created and refreshed states.
type Manager struct {
	engine Engine
	index  string
	schema Schema
	logger *slog.Logger
}

func NewManager(engine Engine, index string, schema Schema) *Manager {
	return &Manager{
		engine: engine,
		index:  index,
		schema: schema,
		logger: slog.Default().With("component", "lifecycle", "index", index),
	}
}

// Prepare leaves the index in the created state. The index action always
// starts from an empty index; extend keeps an existing one untouched. It
// reports whether the index was (re)created.
func (m *Manager) Prepare(ctx context.Context, action Action) (bool, error) {
	if !action.Ingests() {
		return false, apperrors.Newf(apperrors.ErrInvalidInput, apperrors.ExitUsage, "action %s does not prepare an index", action)
	}
	exists, err := m.engine.IndexExists(ctx, m.index)
	if err != nil {
		return false, err
	}
	if exists && action == ActionExtend {
		m.logger.Info("extending existing index")
		return false, nil
	}
	if exists {
		m.logger.Info("deleting existing index")
		if err := m.engine.DeleteIndex(ctx, m.index); err != nil {
			return false, err
		}
	}
	body, err := m.schema.Body()
	if err != nil {
		return false, fmt.Errorf("encoding index schema: %w", err)
	}
	if err := m.engine.CreateIndex(ctx, m.index, body); err != nil {
		return false, err
	}
	return true, nil
}

// Refresh makes the documents bulk-indexed during the run searchable.
func (m *Manager) Refresh(ctx context.Context) error {
	if err := m.engine.Refresh(ctx, m.index); err != nil {
		return err
	}
	m.logger.Info("index refreshed")
	return nil
}

// HealthCheck probes cluster health and lists the indices present: green is
// up, yellow is degraded, anything else is down.
func (m *Manager) HealthCheck() health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		ch, err := m.engine.ClusterHealth(ctx)
		if err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		result := health.ComponentHealth{
			Message: fmt.Sprintf("cluster %s is %s (%d nodes, %d active shards)",
				ch.ClusterName, ch.Status, ch.NumberOfNodes, ch.ActiveShards),
		}
		switch ch.Status {
		case "green":
			result.Status = health.StatusUp
		case "yellow":
			result.Status = health.StatusDegraded
		default:
			result.Status = health.StatusDown
		}

		indices, err := m.engine.ListIndices(ctx)
		if err != nil {
			m.logger.Warn("listing indices failed", "error", err)
			return result
		}
		for _, idx := range indices {
			m.logger.Info("index",
				"name", idx.Index,
				"health", idx.Health,
				"status", idx.Status,
				"uuid", idx.UUID,
				"primaries", idx.Primaries,
				"replicas", idx.Replicas,
				"docs", idx.DocsCount,
			)
		}
		result.Details = indices
		return result
	}
}
