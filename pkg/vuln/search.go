// Package vuln cross-references fingerprinted (name, version) pairs against
// the local vulnerability catalog. Lookups are cached for the process
// lifetime; hit/access counters are sampled on an interval.
package vuln

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/cuemby/nscan/pkg/log"
	"github.com/cuemby/nscan/pkg/metrics"
	"github.com/cuemby/nscan/pkg/types"
)

// maxResults bounds one catalog lookup.
const maxResults = 100

// Search resolves vulnerability ids for a service name and version.
type Search struct {
	coll   *mongo.Collection
	logger zerolog.Logger

	mu     sync.Mutex
	cache  map[string][]string
	hits   uint64
	access uint64
}

// NewSearch builds a searcher over the named catalog collection.
func NewSearch(db *mongo.Database, collection string) *Search {
	return &Search{
		coll:   db.Collection(collection),
		cache:  make(map[string][]string),
		logger: log.WithComponent("vuln-search"),
	}
}

// StartStatsLogger logs cache hit rates every interval until ctx ends.
func (s *Search) StartStatsLogger(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				hits, access := s.hits, s.access
				s.mu.Unlock()
				if access == 0 {
					continue
				}
				s.logger.Info().
					Uint64("access", access).
					Uint64("hits", hits).
					Float64("hit_rate", float64(hits)/float64(access)).
					Msg("Vulnerability cache stats")
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Search returns the catalog ids matching the service name and version.
// Results are cached; catalog errors propagate to the caller.
func (s *Search) Search(ctx context.Context, name, version string) ([]string, error) {
	key := name + "@" + version

	s.mu.Lock()
	s.access++
	if ids, ok := s.cache[key]; ok {
		s.hits++
		s.mu.Unlock()
		metrics.VulnCacheHits.Inc()
		return ids, nil
	}
	s.mu.Unlock()
	metrics.VulnCacheMisses.Inc()

	filter := bson.M{"title": bson.M{
		"$regex":   regexp.QuoteMeta(name),
		"$options": "i",
	}}
	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query vulnerability catalog: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) && len(ids) < maxResults {
		var entry types.VulnInfo
		if err := cursor.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode catalog entry: %w", err)
		}
		if version != "" && !strings.Contains(entry.Title, version) {
			continue
		}
		ids = append(ids, entry.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vulnerability catalog: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}

	s.mu.Lock()
	s.cache[key] = ids
	s.mu.Unlock()
	return ids, nil
}

// SearchAll fills the vulnerability list of every service in the map.
// Lookup failures are logged and leave the service's list empty.
func (s *Search) SearchAll(ctx context.Context, services map[string]types.ServiceAnalyseResult) {
	for name, service := range services {
		ids, err := s.Search(ctx, service.Name, service.Version)
		if err != nil {
			s.logger.Error().Err(err).
				Str("service", service.Name).
				Str("version", service.Version).
				Msg("Failed to search vulnerability catalog")
			continue
		}
		service.Vulns = ids
		services[name] = service
	}
}
