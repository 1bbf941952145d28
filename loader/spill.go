package loader

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/philpearl/plenc"
)

// SpillDescriptor records what a spilled batch was destined for.
type SpillDescriptor struct {
	Table  string   `plenc:"1"`
	Fields []string `plenc:"2"`
	// Attempts is how many times the batch had been retried when it was
	// spilled.
	Attempts int `plenc:"3"`
}

// DiskSpiller keeps batches that could not be flushed on local disk so they
// can be replayed later. Each batch is a directory of three files:
//
//	<dir>/<table>/<id>/descriptor
//	<dir>/<table>/<id>/data
//	<dir>/<table>/<id>/lengths
//
// lengths is written last, by rename, so a batch without it is incomplete.
type DiskSpiller struct {
	Dir string
	log *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	watched  map[*Loader]struct{}
}

func NewDiskSpiller(dir string, log *slog.Logger) (*DiskSpiller, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: spill directory", ErrMissingParameter)
	}
	if log == nil {
		return nil, fmt.Errorf("%w: logger", ErrMissingParameter)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("making spill directory: %w", err)
	}
	return &DiskSpiller{
		Dir:      dir,
		log:      log,
		inflight: make(map[string]struct{}),
		watched:  make(map[*Loader]struct{}),
	}, nil
}

// Spill writes the batch of a failed operation to disk.
func (d *DiskSpiller) Spill(op *FlushOperation) error {
	if op.Batch.Origin != "" {
		// Still on disk from before. The next Replay picks it up again.
		d.log.LogAttrs(context.Background(), slog.LevelDebug, "replayed batch left in place", slog.String("dir", op.Batch.Origin))
		return nil
	}
	return d.Write(op.Batch, SpillDescriptor{
		Table:    op.Table,
		Fields:   op.owner.cfg.Fields,
		Attempts: op.Attempt,
	})
}

func tableDirName(table string) string {
	return strings.NewReplacer("/", "_", `\`, "_").Replace(table)
}

// Write stores b under a new directory for desc.Table.
func (d *DiskSpiller) Write(b Batch, desc SpillDescriptor) error {
	bufDir := filepath.Join(d.Dir, tableDirName(desc.Table), uuid.NewString())
	if err := os.MkdirAll(bufDir, 0o755); err != nil {
		return fmt.Errorf("making batch directory: %w", err)
	}

	data, err := plenc.Marshal(nil, &desc)
	if err != nil {
		return fmt.Errorf("marshalling descriptor: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bufDir, "descriptor"), data, 0o644); err != nil {
		return fmt.Errorf("writing descriptor: %w", err)
	}

	data = make([]byte, 0, b.Length)
	lbuf := make([]byte, 4*len(b.Data))
	for i, row := range b.Data {
		data = append(data, row...)
		binary.BigEndian.PutUint32(lbuf[i*4:], uint32(len(row)))
	}
	if err := os.WriteFile(filepath.Join(bufDir, "data"), data, 0o644); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}

	lengthsName := filepath.Join(bufDir, "lengths")
	lengthsNameNew := lengthsName + ".new"
	if err := os.WriteFile(lengthsNameNew, lbuf, 0o644); err != nil {
		return fmt.Errorf("writing lengths: %w", err)
	}
	if err := os.Rename(lengthsNameNew, lengthsName); err != nil {
		return fmt.Errorf("renaming lengths: %w", err)
	}
	return nil
}

// readSpilled loads one spilled batch. It returns fs.ErrNotExist if the batch is
// not complete.
func readSpilled(bufDir string) (Batch, SpillDescriptor, error) {
	var desc SpillDescriptor
	// lengths is written last so read it first.
	lbuf, err := os.ReadFile(filepath.Join(bufDir, "lengths"))
	if err != nil {
		return Batch{}, desc, fmt.Errorf("reading lengths: %w", err)
	}
	ddata, err := os.ReadFile(filepath.Join(bufDir, "descriptor"))
	if err != nil {
		return Batch{}, desc, fmt.Errorf("reading descriptor: %w", err)
	}
	if err := plenc.Unmarshal(ddata, &desc); err != nil {
		return Batch{}, desc, fmt.Errorf("unmarshalling descriptor: %w", err)
	}
	dbuf, err := os.ReadFile(filepath.Join(bufDir, "data"))
	if err != nil {
		return Batch{}, desc, fmt.Errorf("reading data: %w", err)
	}
	if len(lbuf)%4 != 0 {
		return Batch{}, desc, fmt.Errorf("lengths file has %d bytes, not a multiple of 4", len(lbuf))
	}

	b := Batch{Data: make([][]byte, len(lbuf)/4), Length: len(dbuf)}
	for i := range b.Data {
		l := binary.BigEndian.Uint32(lbuf[i*4:])
		if int(l) > len(dbuf) {
			return Batch{}, desc, fmt.Errorf("row %d length %d overruns data", i, l)
		}
		b.Data[i] = dbuf[:l:l]
		dbuf = dbuf[l:]
	}
	if len(dbuf) != 0 {
		return Batch{}, desc, fmt.Errorf("%d bytes of data not covered by lengths", len(dbuf))
	}
	return b, desc, nil
}

// Replay resubmits every complete spilled batch for l's table and returns how
// many it started. A batch's directory is removed once a flush of it
// succeeds, including a retry; a batch that fails stays on disk for the next
// Replay. Batches spilled for a different column list are left alone.
func (d *DiskSpiller) Replay(ctx context.Context, l *Loader) (int, error) {
	tableDir := filepath.Join(d.Dir, tableDirName(l.Table()))
	entries, err := os.ReadDir(tableDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading table directory: %w", err)
	}

	var count int
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		bufDir := filepath.Join(tableDir, id)
		if !d.claim(bufDir) {
			continue
		}

		b, desc, err := readSpilled(bufDir)
		if err != nil {
			d.unclaim(bufDir)
			if !errors.Is(err, fs.ErrNotExist) {
				d.log.LogAttrs(ctx, slog.LevelError, "reading spilled batch", slog.Any("error", err), slog.String("dir", bufDir))
			}
			continue
		}
		if !slices.Equal(desc.Fields, l.cfg.Fields) {
			d.unclaim(bufDir)
			continue
		}

		d.watch(l)
		b.Origin = bufDir
		l.Resubmit(b, 0)
		count++
	}
	return count, nil
}

// watch listens to l's results once, so a replayed batch is removed from
// disk whichever attempt finally loads it.
func (d *DiskSpiller) watch(l *Loader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.watched[l]; ok {
		return
	}
	d.watched[l] = struct{}{}
	l.OnFlush(d.replayed)
}

func (d *DiskSpiller) replayed(res Result) {
	bufDir := res.Op.Batch.Origin
	if bufDir == "" {
		return
	}
	defer d.unclaim(bufDir)
	if res.Err != nil {
		return
	}
	if err := os.RemoveAll(bufDir); err != nil {
		d.log.LogAttrs(context.Background(), slog.LevelError, "removing replayed batch", slog.Any("error", err), slog.String("dir", bufDir))
	}
}

func (d *DiskSpiller) claim(bufDir string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[bufDir]; ok {
		return false
	}
	d.inflight[bufDir] = struct{}{}
	return true
}

func (d *DiskSpiller) unclaim(bufDir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, bufDir)
}
