// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package carbonconf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	raw := []byte(`{"local_data_dir": "/var/lib/carbon", "replication_factor": 2}`)
	if err := Validate(bytes.NewReader(raw)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	raw := []byte(`{"replication_factor": 2}`)
	if err := Validate(bytes.NewReader(raw)); err == nil {
		t.Error("expected an error for a config missing local_data_dir")
	}
}

func TestValidateRejectsWrongType(t *testing.T) {
	raw := []byte(`{"local_data_dir": "/x", "replication_factor": "two"}`)
	if err := Validate(bytes.NewReader(raw)); err == nil {
		t.Error("expected an error for a non-integer replication_factor")
	}
}

func TestInitLoadsFileOverDefaults(t *testing.T) {
	saved := Keys
	defer func() { Keys = saved }()

	dir := t.TempDir()
	path := filepath.Join(dir, "carbon.json")
	content := []byte(`{
		"local_data_dir": "/data/carbon",
		"replication_factor": 3,
		"max_cache_size": 500000,
		"data_dirs": ["/data/a", "/data/b"]
	}`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	Init(path)

	if Keys.LocalDataDir != "/data/carbon" {
		t.Errorf("got LocalDataDir=%q", Keys.LocalDataDir)
	}
	if Keys.ReplicationFactor != 3 {
		t.Errorf("got ReplicationFactor=%d", Keys.ReplicationFactor)
	}
	if Keys.MaxCacheSize != 500000 {
		t.Errorf("got MaxCacheSize=%d", Keys.MaxCacheSize)
	}
	if len(Keys.DataDirs) != 2 || Keys.DataDirs[0] != "/data/a" {
		t.Errorf("got DataDirs=%v", Keys.DataDirs)
	}
	// Fields absent from the file keep their Keys-singleton defaults.
	if Keys.CacheQueryPort != saved.CacheQueryPort {
		t.Errorf("got CacheQueryPort=%d, want default %d", Keys.CacheQueryPort, saved.CacheQueryPort)
	}
}

func TestInitToleratesMissingFile(t *testing.T) {
	saved := Keys
	defer func() { Keys = saved }()

	Init(filepath.Join(t.TempDir(), "does-not-exist.json"))

	if Keys.MaxCacheSize != saved.MaxCacheSize || Keys.ReplicationFactor != saved.ReplicationFactor {
		t.Errorf("expected Keys to remain at defaults when the file is absent, got %+v", Keys)
	}
}

func TestValidateRejectsUnknownStorageEngine(t *testing.T) {
	raw := []byte(`{"local_data_dir": "/x", "replication_factor": 1, "storage_engine": "tape"}`)
	if err := Validate(bytes.NewReader(raw)); err == nil {
		t.Error("expected an error for an unrecognized storage_engine value")
	}
}

func TestInitLoadsS3EngineFields(t *testing.T) {
	saved := Keys
	defer func() { Keys = saved }()

	dir := t.TempDir()
	path := filepath.Join(dir, "carbon.json")
	content := []byte(`{
		"local_data_dir": "/data/carbon",
		"replication_factor": 1,
		"storage_engine": "s3",
		"s3_bucket": "carbon-metrics",
		"s3_region": "us-west-2"
	}`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	Init(path)

	if Keys.StorageEngine != "s3" {
		t.Errorf("got StorageEngine=%q, want %q", Keys.StorageEngine, "s3")
	}
	if Keys.S3Bucket != "carbon-metrics" {
		t.Errorf("got S3Bucket=%q", Keys.S3Bucket)
	}
	if Keys.S3Region != "us-west-2" {
		t.Errorf("got S3Region=%q", Keys.S3Region)
	}
}

func TestDurationUnmarshalsSecondsToDuration(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte("2.5")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Duration().Seconds() != 2.5 {
		t.Errorf("got %v seconds, want 2.5", d.Duration().Seconds())
	}
}
