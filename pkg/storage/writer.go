// Package storage is the result write-path. Scan outcomes merge into host
// records with a single atomic upsert per batch, keyed by the 32-bit integer
// address; analysis records are keyed by the textual address and upserted one
// category at a time.
package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuemby/nscan/pkg/address"
	"github.com/cuemby/nscan/pkg/metrics"
	"github.com/cuemby/nscan/pkg/types"
)

// ResultWriter persists scan and analysis records. Write failures surface to
// the callers, which own the retry policy.
type ResultWriter struct {
	scans    *mongo.Collection
	analysis *mongo.Collection
}

// NewResultWriter builds a writer over the scan and analysis collections.
func NewResultWriter(db *mongo.Database, scanCollection, analyseCollection string) *ResultWriter {
	return &ResultWriter{
		scans:    db.Collection(scanCollection),
		analysis: db.Collection(analyseCollection),
	}
}

// scanUpdate assembles the single update document applying a batch of probe
// outcomes to one host record: one $set for identity and freshness, one $inc
// per protocol success counter, one $push per protocol attempt list.
func scanUpdate(addr string, addrInt uint32, now time.Time, outcomes []types.ProbeOutcome) bson.D {
	set := bson.D{
		{Key: "addr", Value: addr},
		{Key: "addr_int", Value: int64(addrInt)},
		{Key: "last_update", Value: now},
	}

	inc := bson.D{}
	push := bson.D{}
	attemptsByKey := make(map[string][]types.ScanAttempt)
	keyOrder := []string{}
	for _, outcome := range outcomes {
		if _, seen := attemptsByKey[outcome.Key]; !seen {
			keyOrder = append(keyOrder, outcome.Key)
		}
		attemptsByKey[outcome.Key] = append(attemptsByKey[outcome.Key], outcome.Attempt)
	}
	for _, key := range keyOrder {
		attempts := attemptsByKey[key]
		success := 0
		for _, a := range attempts {
			if a.OK() {
				success++
			}
		}
		inc = append(inc, bson.E{Key: "scan." + key + ".success", Value: success})
		push = append(push, bson.E{
			Key:   "scan." + key + ".results",
			Value: bson.D{{Key: "$each", Value: attempts}},
		})
	}

	update := bson.D{{Key: "$set", Value: set}}
	if len(inc) > 0 {
		update = append(update, bson.E{Key: "$inc", Value: inc})
	}
	if len(push) > 0 {
		update = append(update, bson.E{Key: "$push", Value: push})
	}
	return update
}

// SaveScan records a single probe outcome for addr.
func (w *ResultWriter) SaveScan(ctx context.Context, addr string, outcome types.ProbeOutcome) error {
	return w.SaveScanBatch(ctx, addr, []types.ProbeOutcome{outcome})
}

// SaveScanBatch merges all of one address's probe outcomes for a scan cycle
// into the host record with one atomic upsert. Empty batches write nothing.
func (w *ResultWriter) SaveScanBatch(ctx context.Context, addr string, outcomes []types.ProbeOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	addrInt, err := address.ToInt(addr)
	if err != nil {
		return err
	}
	filter := bson.D{{Key: "addr_int", Value: int64(addrInt)}}
	update := scanUpdate(addr, addrInt, time.Now().UTC(), outcomes)
	_, err = w.scans.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save scan results for %s: %w", addr, err)
	}
	metrics.ScanRecordsWritten.Inc()
	return nil
}

// SaveAnalyse upserts one category of a host's analysis record.
func (w *ResultWriter) SaveAnalyse(ctx context.Context, addr, category string, services map[string]types.ServiceAnalyseResult) error {
	addrInt, err := address.ToInt(addr)
	if err != nil {
		return err
	}
	filter := bson.D{{Key: "addr", Value: addr}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "addr", Value: addr},
		{Key: "addr_int", Value: int64(addrInt)},
		{Key: "last_update", Value: time.Now().UTC()},
		{Key: category, Value: services},
	}}}
	_, err = w.analysis.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save analysis for %s: %w", addr, err)
	}
	metrics.AnalyseRecordsWritten.Inc()
	return nil
}

// SaveAnalyseAll upserts the web, ftp and ssh categories of a host's
// analysis record in one update.
func (w *ResultWriter) SaveAnalyseAll(ctx context.Context, addr string, web, ftp, ssh map[string]types.ServiceAnalyseResult) error {
	addrInt, err := address.ToInt(addr)
	if err != nil {
		return err
	}
	filter := bson.D{{Key: "addr", Value: addr}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "addr", Value: addr},
		{Key: "addr_int", Value: int64(addrInt)},
		{Key: "last_update", Value: time.Now().UTC()},
		{Key: "web", Value: web},
		{Key: "ftp", Value: ftp},
		{Key: "ssh", Value: ssh},
	}}}
	_, err = w.analysis.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save analysis for %s: %w", addr, err)
	}
	metrics.AnalyseRecordsWritten.Inc()
	return nil
}

// FindScanRecord loads a host's scan record by address.
func (w *ResultWriter) FindScanRecord(ctx context.Context, addr string) (*types.NetScanRecord, error) {
	var record types.NetScanRecord
	err := w.scans.FindOne(ctx, bson.D{{Key: "addr", Value: addr}}).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("scan record of %s not found", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scan record of %s: %w", addr, err)
	}
	return &record, nil
}
