package syncer

import (
	"context"

	"hindsight/internal/analytics"
	"hindsight/internal/model"
)

// AnalyticsReplica adapts the analytical store to the synchronizer,
// bridge, and validator interfaces.
type AnalyticsReplica struct {
	Store *analytics.Store
}

func (r *AnalyticsReplica) Apply(ctx context.Context, in *model.DualWriteIntent) error {
	return r.Store.Apply(ctx, in)
}

func (r *AnalyticsReplica) GetRow(ctx context.Context, table, primaryKey string) (*Row, error) {
	row, err := r.Store.GetRow(ctx, table, primaryKey)
	if err != nil || row == nil {
		return nil, err
	}
	return &Row{PayloadHash: row.PayloadHash, SubmittedAt: row.SubmittedAt, Deleted: row.Deleted}, nil
}

func (r *AnalyticsReplica) CountRows(ctx context.Context, table string) (int64, error) {
	return r.Store.CountRows(ctx, table)
}

func (r *AnalyticsReplica) HashesFor(ctx context.Context, table string, keys []string) (map[string]string, error) {
	return r.Store.HashesFor(ctx, table, keys)
}

func (r *AnalyticsReplica) SampleLiveKeys(ctx context.Context, table string, limit int) ([]string, error) {
	return r.Store.SampleLiveKeys(ctx, table, limit)
}
