// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package testutil helps write tests.
//
// Tests that open databases put them under TempDir or MkDir. Call TestMain
// from the package's main_test.go so those directories are removed when
// every test passed, and kept for a look when one failed:
//
//	func TestMain(m *testing.M) {
//		testutil.TestMain(m)
//	}
package testutil

import (
	"flag"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	log "github.com/golang/glog"
)

var (
	dirOnce  sync.Once
	procDir  string // Ours alone within the process.
	madeBase string // Set if we made the parent of procDir.
)

// TempDir returns a directory only this test process uses.
func TempDir() string {
	dirOnce.Do(func() {
		base := os.Getenv("TMPDIR")
		if base == "" {
			// "*.test" is ignored by git.
			wd, err := os.Getwd()
			if err != nil {
				log.Fatalf("testutil: no working dir: %s", err)
			}
			base = filepath.Join(wd, time.Now().Format("20060102.150405.test"))
			if err := os.MkdirAll(base, 0755); err != nil {
				log.Fatalf("testutil: creating %s: %s", base, err)
			}
			madeBase = base
		}
		dir, err := os.MkdirTemp(base, filepath.Base(os.Args[0]))
		if err != nil {
			log.Fatalf("testutil: creating temp dir: %s", err)
		}
		procDir = dir
	})
	return procDir
}

// MkDir makes a directory under TempDir for one test. Databases the test
// opens there are the test's to close.
func MkDir(t testing.TB, prefix string) string {
	dir, err := os.MkdirTemp(TempDir(), prefix)
	if err != nil {
		t.Fatalf("couldn't create a dir for %s: %s", t.Name(), err)
	}
	return dir
}

// TestMain runs the tests of a package and removes TempDir if they all
// passed.
func TestMain(m *testing.M) {
	flag.Parse()
	code := m.Run()
	if code == 0 {
		if procDir != "" {
			os.RemoveAll(procDir)
		}
		if madeBase != "" {
			os.Remove(madeBase)
		}
	}
	log.Flush()
	os.Exit(code)
}
