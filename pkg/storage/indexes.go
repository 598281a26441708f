package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates the required indexes on the scan, analysis and
// vulnerability catalog collections. Index creation is idempotent.
func EnsureIndexes(ctx context.Context, db *mongo.Database, scanCollection, analyseCollection, vulnCollection string) error {
	unique := options.Index().SetUnique(true)

	scanIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "addr", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "addr_int", Value: 1}}, Options: unique},
		// Maintained by aggregation queries outside the scan path.
		{Keys: bson.D{{Key: "any_available", Value: 1}}},
	}
	if _, err := db.Collection(scanCollection).Indexes().CreateMany(ctx, scanIndexes); err != nil {
		return fmt.Errorf("failed to create scan indexes: %w", err)
	}

	analyseIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "addr", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "addr_int", Value: 1}}, Options: unique},
	}
	if _, err := db.Collection(analyseCollection).Indexes().CreateMany(ctx, analyseIndexes); err != nil {
		return fmt.Errorf("failed to create analysis indexes: %w", err)
	}

	if vulnCollection != "" {
		vulnIndexes := []mongo.IndexModel{
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: unique},
		}
		if _, err := db.Collection(vulnCollection).Indexes().CreateMany(ctx, vulnIndexes); err != nil {
			return fmt.Errorf("failed to create catalog indexes: %w", err)
		}
	}
	return nil
}
