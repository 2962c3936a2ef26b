package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Voornaamenachternaam/keysift/internal/config"
	"github.com/Voornaamenachternaam/keysift/internal/export"
	"github.com/Voornaamenachternaam/keysift/internal/report"
	"github.com/Voornaamenachternaam/keysift/internal/scan"
	"github.com/Voornaamenachternaam/keysift/internal/source"
	"github.com/Voornaamenachternaam/keysift/internal/workerpool"
)

// runner scans the input files of one run.
type runner struct {
	cfg config.Config
	log *logrus.Logger
	rep *report.Reporter
	// exp is nil unless keys are exported.
	exp *export.Exporter
}

type fileResult struct {
	name  string
	stats scan.Stats
	err   error
}

// run scans files on cfg.Workers workers. A file that cannot be opened or
// read is logged and skipped; only cancellation makes run fail.
func (r *runner) run(ctx context.Context, files []string) error {
	opts, err := r.cfg.ScanOptions(r.log)
	if err != nil {
		return err
	}
	if _, err := scan.New(opts); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	wp := workerpool.NewWorkerPool(workerpool.Config{
		WorkerCount: min(r.cfg.Workers, len(files)),
	}, func() *scan.Scanner {
		s, err := scan.New(opts)
		if err != nil {
			panic(err) // opts were accepted above
		}
		return s
	})
	defer wp.Close()

	start := time.Now()
	room := wp.CreateRoom(len(files))
	for _, name := range files {
		name := name
		err := room.NewTaskWaitForFreeSlot(func(s *scan.Scanner) any {
			return r.scanFile(ctx, s, name)
		})
		if err != nil {
			return fmt.Errorf("queueing %s: %w", name, err)
		}
	}

	var total scan.Stats
	failed := 0
	for _, res := range room.Collect() {
		fr := res.(fileResult)
		total.Bytes += fr.stats.Bytes
		total.Found += fr.stats.Found
		total.Reconstructed += fr.stats.Reconstructed
		if fr.err != nil {
			failed++
		}
	}
	fields := logrus.Fields{
		"files":         len(files),
		"failed":        failed,
		"bytes":         total.Bytes,
		"found":         total.Found,
		"reconstructed": total.Reconstructed,
		"took":          time.Since(start).Round(time.Millisecond).String(),
	}
	if r.exp != nil {
		fields["exported"] = r.exp.Count()
	}
	r.log.WithFields(fields).Info("run complete")

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("interrupted: %w", err)
	}
	return nil
}

// scanFile scans one input with the worker's scanner.
func (r *runner) scanFile(ctx context.Context, s *scan.Scanner, name string) fileResult {
	res := fileResult{name: name}
	flog := r.log.WithField("file", name)
	if err := ctx.Err(); err != nil {
		res.err = err
		return res
	}

	in, err := source.Open(name, r.cfg.Decompress)
	if err != nil {
		flog.Errorf("opening input failed: %v", err)
		res.err = err
		return res
	}
	defer func(in *source.Input) {
		if cerr := in.Close(); cerr != nil {
			flog.Warnf("close error: %v", cerr)
		}
	}(in)

	if err := r.rep.Searching(in.Name, in.Format); err != nil {
		flog.Errorf("writing report failed: %v", err)
	}

	sinks := scan.Sinks{r.rep}
	if r.exp != nil {
		sinks = append(sinks, scan.SinkFunc(r.exportFinding))
	}

	start := time.Now()
	res.stats, err = s.Scan(ctx, in.Name, in, sinks)
	flog.WithFields(logrus.Fields{
		"format":        string(in.Format),
		"bytes":         res.stats.Bytes,
		"windows":       res.stats.Windows,
		"filtered":      res.stats.Filtered,
		"validated":     res.stats.Validated,
		"found":         res.stats.Found,
		"reconstructed": res.stats.Reconstructed,
		"took":          time.Since(start).Round(time.Millisecond).String(),
	}).Info("scan finished")
	if err != nil {
		res.err = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			flog.Warn("scan interrupted")
		} else {
			flog.Errorf("scan failed: %v", err)
		}
	}
	return res
}

func (r *runner) exportFinding(f scan.Finding) error {
	key := f.Key()
	defer export.ZeroBytes(key)
	if _, err := r.exp.Export(key); err != nil {
		return fmt.Errorf("key export failed: %w", err)
	}
	return nil
}
