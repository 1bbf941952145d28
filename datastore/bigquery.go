package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/bigquery"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
)

type BigQueryConfig struct {
	ProjectID string `mapstructure:"projectID"`
	// Location is the location jobs run in, such as "EU". Empty lets
	// BigQuery decide.
	Location string `mapstructure:"location"`
}

// BigQuery runs statements as BigQuery query jobs and waits for them to
// finish. Query returns the number of rows a DML statement affected.
type BigQuery struct {
	client   *bigquery.Client
	location string
	log      *slog.Logger
}

func NewBigQuery(ctx context.Context, cfg BigQueryConfig, log *slog.Logger) (*BigQuery, error) {
	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = bigquery.DetectProjectID
	}
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	return &BigQuery{client: client, location: cfg.Location, log: log}, nil
}

func (b *BigQuery) Query(ctx context.Context, sql string) (any, error) {
	q := b.client.Query(sql)
	q.Location = b.location
	job, err := q.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("running query: %w", describeBigQueryError(err))
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for job %s: %w", job.ID(), describeBigQueryError(err))
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID(), describeBigQueryError(err))
	}

	if status.Statistics != nil {
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			return qs.NumDMLAffectedRows, nil
		}
	}
	return int64(0), nil
}

func (b *BigQuery) Close() error {
	return b.client.Close()
}

// bigQueryError adds the reason BigQuery gave for a failure to the error
// text.
type bigQueryError struct {
	reason string
	err    error
}

func (e *bigQueryError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *bigQueryError) Unwrap() error { return e.err }

func describeBigQueryError(err error) error {
	if apiErr, ok := apierror.FromError(err); ok && apiErr.Reason() != "" {
		return &bigQueryError{reason: apiErr.Reason(), err: err}
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) && len(gErr.Errors) > 0 && gErr.Errors[0].Reason != "" {
		return &bigQueryError{reason: gErr.Errors[0].Reason, err: err}
	}
	var bqErr *bigquery.Error
	if errors.As(err, &bqErr) && bqErr.Reason != "" {
		return &bigQueryError{reason: bqErr.Reason, err: err}
	}
	return err
}
