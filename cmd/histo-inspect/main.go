/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Command histo-inspect prints the state of a live histogram segment and
// probes how many symbols a ring of its capacity admits.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/markrussinovich/shmhisto/internal/config"
	"github.com/markrussinovich/shmhisto/internal/shm"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	dir := flag.String("dir", "", "Segment directory (default from config)")
	keyFlag := flag.String("key", "", "Segment key in hex (default derived from config)")
	probe := flag.Bool("probe", false, "Probe a scratch ring of the same capacity")
	timeout := flag.Duration("timeout", time.Second, "How long to wait for the segment to become ready")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dir == "" {
		*dir = shm.ResolveDir(cfg.ShmDir)
	}

	var key shm.Key
	if *keyFlag != "" {
		k, err := strconv.ParseUint(*keyFlag, 16, 32)
		if err != nil {
			log.Fatalf("Bad -key %q: %v", *keyFlag, err)
		}
		key = shm.Key(k)
	} else {
		key, err = shm.DeriveKey(cfg.KeyPath, cfg.SegmentProjectID())
		if err != nil {
			log.Fatalf("Failed to derive segment key: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	seg, err := shm.Open(ctx, *dir, key)
	if err != nil {
		log.Fatalf("Failed to open segment: %v", err)
	}
	defer seg.Close()

	report(os.Stdout, seg)
	if *probe {
		if err := probeCapacity(os.Stdout, seg.Capacity()); err != nil {
			log.Fatalf("Probe failed: %v", err)
		}
	}
}

// report prints the header and ring cursors of seg.
func report(w io.Writer, seg *shm.Segment) {
	st := seg.Ring().State()

	fmt.Fprintf(w, "=== Segment Details ===\n")
	fmt.Fprintf(w, "Path: %s\n", seg.Path)
	fmt.Fprintf(w, "Total memory size: %d bytes\n", len(seg.Mem))
	fmt.Fprintf(w, "Version: %d\n", seg.H.Version())
	fmt.Fprintf(w, "Run ID: %s\n", seg.RunID())
	fmt.Fprintf(w, "Creator PID: %d\n", seg.H.CreatorPID())
	fmt.Fprintf(w, "Ready: %t\n", seg.H.Ready())
	fmt.Fprintf(w, "Closed: %t\n", seg.H.Closed())

	fmt.Fprintf(w, "\n=== Ring State ===\n")
	fmt.Fprintf(w, "Capacity: %d slots (%d usable)\n", st.Capacity, st.Capacity-1)
	fmt.Fprintf(w, "Write cursor: %d\n", st.WriteCursor)
	fmt.Fprintf(w, "Read cursor: %d\n", st.ReadCursor)
	fmt.Fprintf(w, "Occupancy: %d\n", st.Occupancy)
	fmt.Fprintf(w, "Free: %d\n", st.Free)
}

// probeCapacity fills a private ring of the given capacity one symbol at a
// time and reports where it stops admitting writes.
func probeCapacity(w io.Writer, capacity int) error {
	ring, err := shm.NewRing(capacity)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\n=== Backpressure Test ===\n")
	written := 0
	for ring.AvailableToWrite() > 0 {
		ring.WriteOne('A')
		written++
	}
	fmt.Fprintf(w, "Admitted %d of %d slots before backpressure\n", written, capacity)

	drained := 0
	for ring.AvailableToRead() > 0 {
		ring.ReadOne()
		drained++
	}
	fmt.Fprintf(w, "Drained %d symbols, free again: %d\n", drained, ring.AvailableToWrite())
	return nil
}
