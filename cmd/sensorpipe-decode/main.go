package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"sensorpipe-go/internal/frames"
	"sensorpipe-go/internal/ingest"
	"sensorpipe-go/internal/processing"
	"sensorpipe-go/internal/types"
)

func main() {
	path := flag.String("path", "", "Path to CBOR file or directory")
	limit := flag.Int("limit", 5, "Max number of frame messages to summarize")
	flag.Parse()

	if *path == "" {
		slog.Error("missing -path")
		os.Exit(1)
	}

	files, err := listFiles(*path)
	if err != nil {
		slog.Error("list files", "err", err)
		os.Exit(1)
	}

	// Capacity 1: only the frame currently being summarised is kept.
	store, err := frames.NewStore(1)
	if err != nil {
		slog.Error("frame store", "err", err)
		os.Exit(1)
	}

	perStream := map[types.StreamKind]int{}
	var frameCount, metaCount, rejected int

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			slog.Warn("read failed", "file", file, "err", err)
			continue
		}

		msg, err := ingest.DecodeMessage(data)
		if err != nil {
			slog.Warn("decode failed", "file", file, "err", err)
			continue
		}

		if msg.Type != "frame" {
			metaCount++
			fmt.Printf("%s: %s (%d fields)\n", file, msg.Type, len(msg.Meta))
			continue
		}

		frame, err := store.Ingest(msg.Stream, msg.Pixels, msg.Info)
		if err != nil {
			rejected++
			fmt.Printf("%s: rejected %s frame: %v\n", file, msg.Stream, err)
			continue
		}
		frameCount++
		perStream[frame.Kind]++
		if frameCount <= *limit {
			s := processing.Summarize(frame)
			fmt.Printf("frame: %s\n", file)
			fmt.Printf("  stream: %s %dx%d %s\n", frame.Kind, frame.Width, frame.Height, frame.Format)
			fmt.Printf("  timestamp: %d sequence: %d exposure: %d\n", frame.Info.Timestamp, frame.Info.Sequence, frame.Info.Exposure)
			fmt.Printf("  valid: %d/%d saturated: %d mean: %.1f\n", s.Valid, s.Pixels, s.Saturated, s.Mean)
		}
	}

	fmt.Printf("summary: frames=%d meta=%d rejected=%d", frameCount, metaCount, rejected)
	for _, kind := range types.Streams {
		fmt.Printf(" %s=%d", kind, perStream[kind])
	}
	fmt.Println()
}

func listFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) == ".cbor" {
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
