package loader

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Datastore runs SQL against the sink database.
type Datastore interface {
	Query(ctx context.Context, sql string) (any, error)
}

// ObjectStore stores staged artifacts.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
}

// ObjectDeleter is implemented by object stores that can remove artifacts
// once they have been loaded.
type ObjectDeleter interface {
	Delete(ctx context.Context, key string) error
}

// Sink turns a batch into the stages that commit it.
type Sink interface {
	// Format is the row format the sink expects in a batch.
	Format() Format
	// Plan builds the stages that commit b to table. fields is nil when the
	// loader took its field count from the first row.
	Plan(table string, fields []string, b Batch) Plan
}

// InsertSink commits each batch with a single multi-row INSERT statement.
type InsertSink struct {
	Datastore      Datastore
	Quoting        Quoting
	ArrayDelimiter string
}

func (s *InsertSink) Format() Format {
	return SQLFormat{Quoting: s.Quoting, ArrayDelimiter: s.ArrayDelimiter}
}

func (s *InsertSink) Plan(table string, fields []string, b Batch) Plan {
	var sb strings.Builder
	writeInsertPrefix(&sb, table, fields)
	sb.Write(s.Format().Join(b.Data))
	stmt := sb.String()

	return Plan{
		Statement: stmt,
		Steps: []Step{{
			Stage: StageCommit,
			Do: func(ctx context.Context) (any, error) {
				return s.Datastore.Query(ctx, stmt)
			},
		}},
	}
}

// writeInsertPrefix writes "insert into table (fields) values ". The field
// list is left out when fields is empty.
func writeInsertPrefix(sb *strings.Builder, table string, fields []string) {
	sb.WriteString("insert into ")
	sb.WriteString(table)
	if len(fields) > 0 {
		sb.WriteString(" (")
		for i, f := range fields {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(formatField(f))
		}
		sb.WriteByte(')')
	}
	sb.WriteString(" values ")
}

// formatField makes a column name safe to use unquoted.
func formatField(f string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, f)
}

const (
	defaultScheme    = "s3"
	defaultExtension = "log"
)

// StagedSink uploads each batch as a delimited text file and then loads it
// with a warehouse COPY statement.
type StagedSink struct {
	Store     ObjectStore
	Datastore Datastore
	// Bucket is "bucket" or "bucket/key/prefix".
	Bucket string
	// Scheme is the artifact URI scheme. Defaults to s3.
	Scheme string
	// Credentials is placed verbatim in the CREDENTIALS clause.
	Credentials    string
	Delimiter      byte
	ArrayDelimiter string
	// Extension is the artifact file extension, without the dot. Defaults to
	// log.
	Extension string
	// Cleanup deletes the artifact after a successful COPY if Store supports
	// deletion.
	Cleanup bool

	bucket    string
	keyPrefix string
	host      string
	pid       int
	now       func() time.Time
	newID     func() string
}

// NewStagedSink validates s and fills in defaults.
func NewStagedSink(s StagedSink) (*StagedSink, error) {
	if s.Store == nil {
		return nil, fmt.Errorf("%w: object store", ErrMissingParameter)
	}
	if s.Datastore == nil {
		return nil, fmt.Errorf("%w: datastore", ErrMissingParameter)
	}
	if s.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket", ErrMissingParameter)
	}
	if s.Scheme == "" {
		s.Scheme = defaultScheme
	}
	if s.Delimiter == 0 {
		s.Delimiter = DefaultDelimiter
	}
	if s.Delimiter == '\\' || s.Delimiter == '\n' || s.Delimiter == '\r' {
		return nil, fmt.Errorf("%w: delimiter %q", ErrInvalidConfiguration, s.Delimiter)
	}
	if s.ArrayDelimiter == "" {
		s.ArrayDelimiter = DefaultArrayDelimiter
	}
	s.Extension = strings.TrimPrefix(s.Extension, ".")
	if s.Extension == "" {
		s.Extension = defaultExtension
	}

	s.bucket, s.keyPrefix, _ = strings.Cut(strings.Trim(s.Bucket, "/"), "/")
	s.host, _ = os.Hostname()
	if s.host == "" {
		s.host = "localhost"
	}
	s.pid = os.Getpid()
	s.now = time.Now
	s.newID = uuid.NewString
	return &s, nil
}

// AWSCredentials builds a CREDENTIALS string from an access key pair.
func AWSCredentials(accessKeyID, secretAccessKey string) string {
	return "aws_access_key_id=" + accessKeyID + ";aws_secret_access_key=" + secretAccessKey
}

func (s *StagedSink) Format() Format {
	return TextFormat{Delimiter: s.Delimiter, ArrayDelimiter: s.ArrayDelimiter}
}

// key names the artifact for one flush of table.
func (s *StagedSink) key(table string) string {
	name := table + "-" + s.host + "-" + strconv.Itoa(s.pid) + "-" +
		strconv.FormatInt(s.now().UnixMilli(), 10) + "-" + s.newID() + "." + s.Extension
	if s.keyPrefix == "" {
		return name
	}
	return s.keyPrefix + "/" + name
}

func (s *StagedSink) copyStatement(table string, fields []string, key string) string {
	var sb strings.Builder
	sb.WriteString("COPY ")
	sb.WriteString(table)
	if len(fields) > 0 {
		sb.WriteString(" (")
		for i, f := range fields {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(formatField(f))
		}
		sb.WriteByte(')')
	}
	sb.WriteString(" FROM '")
	sb.WriteString(quoteInner(s.Scheme + "://" + s.bucket + "/" + key))
	sb.WriteString("' CREDENTIALS '")
	sb.WriteString(quoteInner(s.Credentials))
	sb.WriteString("' ESCAPE")
	if s.Delimiter != DefaultDelimiter {
		sb.WriteString(" DELIMITER '")
		sb.WriteString(quoteInner(string(s.Delimiter)))
		sb.WriteByte('\'')
	}
	return sb.String()
}

func quoteInner(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func (s *StagedSink) Plan(table string, fields []string, b Batch) Plan {
	key := s.key(table)
	stmt := s.copyStatement(table, fields, key)
	format := s.Format()

	steps := []Step{
		{
			Stage: StageUpload,
			Do: func(ctx context.Context) (any, error) {
				if err := s.Store.Put(ctx, key, format.Join(b.Data)); err != nil {
					return nil, fmt.Errorf("uploading %s: %w", key, err)
				}
				return nil, nil
			},
		},
		{
			Stage: StageCommit,
			Do: func(ctx context.Context) (any, error) {
				return s.Datastore.Query(ctx, stmt)
			},
		},
	}
	if d, ok := s.Store.(ObjectDeleter); ok && s.Cleanup {
		// The rows are committed by now, so a failed delete only leaves an
		// artifact behind.
		steps = append(steps, Step{
			Stage:      StageCleanup,
			BestEffort: true,
			Do: func(ctx context.Context) (any, error) {
				if err := d.Delete(ctx, key); err != nil {
					return nil, fmt.Errorf("deleting %s: %w", key, err)
				}
				return nil, nil
			},
		})
	}

	return Plan{Key: key, Statement: stmt, Steps: steps}
}
