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

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Key identifies a shared resource. It is derived from a well-known path and
// a one-byte project identifier, so independent processes agree on it without
// exchanging anything.
type Key uint32

// String returns the key as eight hex digits.
func (k Key) String() string {
	return fmt.Sprintf("%08x", uint32(k))
}

// DeriveKey combines the project id with the device and inode numbers of path
// using the System V ftok layout: proj<<24 | dev&0xff<<16 | ino&0xffff.
func DeriveKey(path string, proj byte) (Key, error) {
	if proj == 0 {
		return 0, fmt.Errorf("derive key for %s: project id must be non-zero", path)
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("derive key: stat %s: %w", path, err)
	}
	k := uint32(proj)<<24 | (uint32(st.Dev)&0xff)<<16 | uint32(st.Ino)&0xffff
	return Key(k), nil
}

// File name prefixes for the two shared resources.
const (
	SegmentPrefix = "histo_seg_"
	GatePrefix    = "histo_gate_"
)

// ResolveDir returns dir when set, /dev/shm when it exists, and the system
// temporary directory otherwise.
func ResolveDir(dir string) string {
	if dir != "" {
		return dir
	}
	if isDevShmAvailable() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// ResourcePath returns the backing file path for a resource.
func ResourcePath(dir, prefix string, key Key) string {
	return filepath.Join(ResolveDir(dir), prefix+key.String())
}

// isDevShmAvailable checks if /dev/shm is available
func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}
