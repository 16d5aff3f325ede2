// Command logtable is a small maintenance CLI for a disk-backed table:
// point reads and writes, removes, topic scans and cache statistics.
//
// Usage:
//
//	logtable [-config logtable.yaml] get <topic> <key>
//	logtable [-config logtable.yaml] put <topic> <key> <value> [timestamp]
//	logtable [-config logtable.yaml] del <topic> <key>
//	logtable [-config logtable.yaml] scan <topic> [offset]
//	logtable [-config logtable.yaml] time <timestamp>
//	logtable [-config logtable.yaml] stats <topic>
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/hupe1980/logtable"
	"github.com/hupe1980/logtable/config"
	"github.com/hupe1980/logtable/logengine"
	"github.com/hupe1980/logtable/resource"
)

func main() {
	configPath := flag.String("config", "", "configuration file (default: ./logtable.yaml)")
	flag.Parse()

	if err := run(*configPath, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "logtable:", err)
		os.Exit(1)
	}
}

func run(configPath string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command (get, put, del, scan, time, stats)")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	engine, err := logengine.OpenDisk(cfg.DataDir, func(o *logengine.DiskOptions) {
		o.SyncWrites = cfg.SyncWrites
		if cfg.IOLimitBytesPerSec > 0 || cfg.MaxConcurrentFetches > 0 {
			o.Controller = resource.NewController(resource.Config{
				IOLimitBytesPerSec:   cfg.IOLimitBytesPerSec,
				MaxConcurrentFetches: cfg.MaxConcurrentFetches,
			})
		}
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	opts := []logtable.Option{
		logtable.WithCacheSize(cfg.CacheSize),
		logtable.WithCompression(cfg.CompressionCodec()),
		logtable.WithLogger(logtable.NewTextLogger(parseLevel(cfg.LogLevel))),
	}
	if cfg.FetchMaxBytes > 0 {
		opts = append(opts, logtable.WithFetchMaxBytes(cfg.FetchMaxBytes))
	}
	if cfg.TimeToKey {
		opts = append(opts, logtable.WithTimeToKey())
	}

	tbl, err := logtable.New(engine, cfg.Topics, opts...)
	if err != nil {
		return err
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "get":
		return doGet(tbl, rest)
	case "put":
		return doPut(tbl, rest)
	case "del":
		return doDel(tbl, rest)
	case "scan":
		return doScan(tbl, rest)
	case "time":
		return doTime(tbl, rest)
	case "stats":
		return doStats(tbl, rest)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func doGet(tbl *logtable.Table, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: get <topic> <key>")
	}
	ent, ok, err := tbl.Read([]byte(args[1]), args[0], false)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("(absent)")
		return nil
	}
	fmt.Printf("%s\t(timestamp %d)\n", ent.Value, ent.Timestamp)
	return nil
}

func doPut(tbl *logtable.Table, args []string) error {
	if len(args) != 3 && len(args) != 4 {
		return fmt.Errorf("usage: put <topic> <key> <value> [timestamp]")
	}
	ts := int64(-1)
	if len(args) == 4 {
		v, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", args[3], err)
		}
		ts = v
	}
	n, err := tbl.Write([]logtable.KV{{Key: []byte(args[1]), Value: []byte(args[2]), Timestamp: ts}}, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d record(s)\n", n)
	return nil
}

func doDel(tbl *logtable.Table, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: del <topic> <key>")
	}
	n, err := tbl.Remove([][]byte{[]byte(args[1])}, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("removed, %d tombstone(s)\n", n)
	return nil
}

func doScan(tbl *logtable.Table, args []string) error {
	if len(args) != 1 && len(args) != 2 {
		return fmt.Errorf("usage: scan <topic> [offset]")
	}
	from := int64(0)
	if len(args) == 2 {
		v, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid offset %q: %w", args[1], err)
		}
		from = v
	}
	return tbl.IterateOver(from, args[0], func(r logengine.Record) error {
		value := "(tombstone)"
		if r.HasValue {
			value = string(r.Value)
		}
		fmt.Printf("%d\t%s\t%s\t%d\n", r.Offset, r.Key, value, r.Timestamp)
		return nil
	})
}

func doTime(tbl *logtable.Table, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: time <timestamp>")
	}
	ts, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", args[0], err)
	}
	key, ok := tbl.GetKeyByTime(ts)
	if !ok {
		fmt.Println("(absent)")
		return nil
	}
	fmt.Printf("%s\n", key)
	return nil
}

func doStats(tbl *logtable.Table, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: stats <topic>")
	}
	hit, err := tbl.HitRate(args[0])
	if err != nil {
		return err
	}
	reads, err := tbl.ReadCount(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("index entries: %d\n", tbl.IndexSize())
	fmt.Printf("cache reads:   %d\n", reads)
	fmt.Printf("cache hitrate: %.2f\n", hit)
	return nil
}
