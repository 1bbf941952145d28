// Command bulkloadtest publishes generated rows to a bulkload server and
// reports how long it took.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/philpearl/bulkload/client"
	"github.com/philpearl/bulkload/protocol"
	"github.com/spf13/cobra"
	"github.com/unravelin/null"
	"golang.org/x/sync/errgroup"
)

type opt struct {
	table string

	addr       string
	msgCount   int
	goRoutines int
}

func (o *opt) registerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.table, "table", "", "table to load into")
	cmd.Flags().StringVar(&o.addr, "addr", "localhost:8123", "address to connect to")
	cmd.Flags().IntVar(&o.msgCount, "msg-count", 10, "number of rows each go routine sends")
	cmd.Flags().IntVar(&o.goRoutines, "go-routines", 1, "number of go routines to use")
}

func (o *opt) validate() error {
	if o.table == "" {
		return fmt.Errorf("table is required")
	}
	if o.msgCount < 1 || o.goRoutines < 1 {
		return fmt.Errorf("msg-count and go-routines must be positive")
	}
	return nil
}

func main() {
	var o opt
	cmd := &cobra.Command{
		Use:          "bulkloadtest",
		Short:        "Publish test rows to a bulkload server.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context())
		},
	}
	o.registerFlags(cmd)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// testFields are the columns testRow fills.
var testFields = []string{"name", "age", "is_a_rabbit", "time"}

func testRow(i int) []any {
	age := null.Int{}
	if i%10 != 0 {
		age = null.IntFrom(int64(i % 90))
	}
	return []any{
		fmt.Sprintf("name|%d", i),
		age,
		i%7 == 0,
		time.Now(),
	}
}

func (o *opt) run(ctx context.Context) error {
	if err := o.validate(); err != nil {
		return fmt.Errorf("validating options: %w", err)
	}

	desc := protocol.ConnectionDescriptor{
		Table:  o.table,
		Fields: testFields,
	}

	cli, err := client.New(o.addr, &desc)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	defer cli.Close()

	var eg errgroup.Group

	start := time.Now()
	defer func() {
		fmt.Printf("Time taken: %s\n", time.Since(start))
	}()
	for g := 0; g < o.goRoutines; g++ {
		g := g
		eg.Go(func() error {
			for i := 0; i < o.msgCount; i++ {
				if err := cli.Publish(ctx, testRow(g*o.msgCount+i)); err != nil {
					return fmt.Errorf("publishing (%d): %w", i, err)
				}
			}
			return nil
		})
	}

	return eg.Wait()
}
