package client_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/philpearl/bulkload/client"
	"github.com/philpearl/bulkload/datastore"
	"github.com/philpearl/bulkload/loader"
	"github.com/philpearl/bulkload/protocol"
	"github.com/philpearl/bulkload/server"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"
)

func startServer(t *testing.T, build loader.Builder) (*server.Server, *loader.Set) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	set := loader.NewSet(build)

	s, err := server.New("localhost:0", log, noop.Meter{}, set)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("starting server: %s", err)
	}
	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Errorf("stopping server: %s", err)
		}
		set.Close()
		set.Wait()
	})
	return s, set
}

func developmentBuilder(ds *datastore.Development) loader.Builder {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return func(ctx context.Context, table string, fields []string) (*loader.Loader, error) {
		cfg := loader.DefaultConfig()
		cfg.Table = table
		cfg.Fields = fields
		cfg.Threshold = 100
		return loader.New(ctx, cfg, &loader.InsertSink{Datastore: ds}, log, noop.Meter{})
	}
}

func TestClient(t *testing.T) {
	var ds datastore.Development
	s, set := startServer(t, developmentBuilder(&ds))

	cli, err := client.New(s.Addr().String(), &protocol.ConnectionDescriptor{
		Table:  "things",
		Fields: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("creating client: %s", err)
	}

	ctx := context.Background()
	var eg errgroup.Group
	for j := 0; j < 10; j++ {
		eg.Go(func() error {
			for i := 0; i < 100; i++ {
				if err := cli.Publish(ctx, []any{i, "two"}); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		t.Fatalf("publishing: %s", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("closing client: %s", err)
	}

	// Every row is acknowledged, so every row is in a buffer or a flush.
	set.FlushAll()
	set.Wait()

	var rows int
	for _, q := range ds.Queries() {
		if !strings.HasPrefix(q, "insert into things (a,b) values ") {
			t.Fatalf("unexpected statement %q", q)
		}
		rows += strings.Count(q, ",'two')")
	}
	if rows != 1000 {
		t.Errorf("wrong number of rows: %d", rows)
	}

	if err := cli.Publish(ctx, []any{1, "x"}); !errors.Is(err, client.ErrClosed) {
		t.Errorf("publish after close: %v", err)
	}
}

func TestClientRejectedRow(t *testing.T) {
	var ds datastore.Development
	s, set := startServer(t, developmentBuilder(&ds))

	cli, err := client.New(s.Addr().String(), &protocol.ConnectionDescriptor{
		Table:  "things",
		Fields: []string{"a", "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	ctx := context.Background()
	err = cli.Publish(ctx, []any{1})
	var rowErr *client.RowError
	if !errors.As(err, &rowErr) {
		t.Fatalf("got %v, want a RowError", err)
	}
	if !strings.Contains(rowErr.Reason, "field count mismatch") {
		t.Errorf("unexpected reason %q", rowErr.Reason)
	}

	// The connection is still good.
	if err := cli.Publish(ctx, []any{1, "ok"}); err != nil {
		t.Fatal(err)
	}
	set.FlushAll()
	set.Wait()
	if got := ds.Queries(); len(got) != 1 || got[0] != "insert into things (a,b) values (1,'ok')" {
		t.Errorf("unexpected statements %q", got)
	}
}

func TestClientUnsupportedValue(t *testing.T) {
	var ds datastore.Development
	s, _ := startServer(t, developmentBuilder(&ds))

	cli, err := client.New(s.Addr().String(), &protocol.ConnectionDescriptor{Table: "things"})
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	if err := cli.Publish(context.Background(), []any{struct{}{}}); !errors.Is(err, protocol.ErrUnsupportedType) {
		t.Fatalf("got %v", err)
	}
	if err := cli.Publish(context.Background(), []any{"fine"}); err != nil {
		t.Fatal(err)
	}
}

func TestClientRefused(t *testing.T) {
	s, _ := startServer(t, func(ctx context.Context, table string, fields []string) (*loader.Loader, error) {
		return nil, errors.New("no such table")
	})

	cli, err := client.New(s.Addr().String(), &protocol.ConnectionDescriptor{Table: "missing"})
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	if err := cli.Publish(context.Background(), []any{1}); err == nil {
		t.Fatal("expected an error")
	}
}

func TestNewClientNeedsTable(t *testing.T) {
	if _, err := client.New("localhost:1", &protocol.ConnectionDescriptor{}); err == nil {
		t.Fatal("expected an error")
	}
}
