package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"sensorpipe-go/internal/output"
)

func main() {
	var (
		path  = flag.String("path", "", "Path to rawlog .bin file")
		limit = flag.Int("limit", 1, "Number of records to dump (0 for all)")
	)
	flag.Parse()

	if *path == "" {
		fatal("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		fatal("open rawlog", "err", err)
	}
	defer f.Close()

	reader, err := output.NewRawLogReader(f)
	if err != nil {
		fatal("read rawlog header", "path", *path, "err", err)
	}

	for count := 0; *limit <= 0 || count < *limit; count++ {
		rec, err := reader.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			fatal("read record", "record", count, "err", err)
		}
		if len(rec.Payload) == 0 {
			slog.Info("empty payload", "record", count)
			continue
		}

		var decoded any
		if err := cbor.Unmarshal(rec.Payload, &decoded); err != nil {
			slog.Warn("CBOR decode error", "record", count, "err", err)
			continue
		}

		pretty, err := json.MarshalIndent(output.NormalizeJSONValue(decoded), "", "  ")
		if err != nil {
			slog.Warn("JSON encode error", "record", count, "err", err)
			continue
		}

		slog.Info("record", "index", count, "received", rec.Received.Format(time.RFC3339Nano), "size", len(rec.Payload))
		fmt.Println(string(pretty))
	}
}

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}
