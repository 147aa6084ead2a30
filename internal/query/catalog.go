// internal/query/catalog.go
package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github-knowledge-store/internal/database"
	custom_errors "github-knowledge-store/internal/errors"
)

// Version identifies the catalog contract. Any change to an operation's input or output shape
// bumps it.
const Version = "v1"

// Parameter types as they appear in descriptors.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeObject  = "object"
)

// Param describes one input field of an operation.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
	Minimum     *int   `json:"minimum,omitempty"`
	Maximum     *int   `json:"maximum,omitempty"`
}

// Descriptor is the published contract of an operation.
type Descriptor struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
}

type operation struct {
	desc Descriptor
	run  func(ctx context.Context, raw json.RawMessage) (any, error)
}

// Catalog is the fixed set of read-only operations over the store.
type Catalog struct {
	store  database.Querier
	logger *slog.Logger
	now    func() time.Time
	ops    map[string]operation
}

// NewCatalog builds the catalog over store.
func NewCatalog(store database.Querier, logger *slog.Logger) *Catalog {
	c := &Catalog{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		ops:    make(map[string]operation),
	}
	register(c, listRepositoriesDesc, c.listRepositories)
	register(c, repositoryOverviewDesc, c.getRepositoryOverview)
	register(c, signalsQueryDesc, c.queryRepositoriesBySignals)
	register(c, activityRankDesc, c.rankRepositoriesByActivity)
	register(c, metricsDesc, c.aggregateRepoMetrics)
	register(c, commitTimelineDesc, c.getCommitTimeline)
	register(c, readmeSearchDesc, c.searchReadmes)
	return c
}

// register binds a typed handler to its descriptor. Input is strictly decoded into In before
// the handler runs, so handlers never see malformed input.
func register[In any, Out any](c *Catalog, desc Descriptor, fn func(ctx context.Context, in In) (Out, error)) {
	c.ops[desc.Name] = operation{
		desc: desc,
		run: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in In
			if err := decodeInput(raw, desc, &in); err != nil {
				return nil, err
			}
			return fn(ctx, in)
		},
	}
}

// Describe lists every operation, sorted by name.
func (c *Catalog) Describe() []Descriptor {
	out := make([]Descriptor, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, op.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute validates input against the named operation's schema and runs it.
func (c *Catalog) Execute(ctx context.Context, name string, input json.RawMessage) (any, error) {
	op, ok := c.ops[name]
	if !ok {
		return nil, &custom_errors.UnknownOperationError{Name: name}
	}
	start := time.Now()
	out, err := op.run(ctx, input)
	if err != nil {
		c.logger.Debug("Query failed", "operation", name, "error", err)
		return nil, err
	}
	c.logger.Debug("Query executed", "operation", name, "duration", time.Since(start).String())
	return out, nil
}
