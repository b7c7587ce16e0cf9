// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package carbonconf loads and validates the daemon configuration file
// (spec.md §6). It follows the teacher's two-piece config idiom: an
// embedded JSON Schema compiled via santhosh-tekuri/jsonschema/v5 (see
// pkg/schema's embedFS loader), and a package-level Keys singleton filled
// in by Init, matching internal/config's pattern of defaulted fields plus
// a fatal-on-invalid-file Init call.
package carbonconf

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/carbonio/carbon/pkg/clog"
)

//go:embed schema.json
var schemaFS embed.FS

func load(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFS.Open(u.Path)
}

func init() {
	jsonschema.Loaders["embedFS"] = load
}

// Config holds every recognized configuration key from spec.md §6.
// Durations and sizes are given teacher-idiom defaults by Init when the
// corresponding JSON field is absent; required fields are enforced by the
// embedded schema.
type Config struct {
	MaxCacheSize               int      `json:"max_cache_size"`
	MaxUpdatesPerSecond        int      `json:"max_updates_per_second"`
	ReplicationFactor          int      `json:"replication_factor"`
	CacheQueryPort             int      `json:"cache_query_port"`
	LineReceiverPort           int      `json:"line_receiver_port"`
	PickleReceiverPort         int      `json:"pickle_receiver_port"`
	LocalDataDir               string   `json:"local_data_dir"`
	RemoteFindTimeout          Duration `json:"remote_find_timeout"`
	RemoteFetchTimeout         Duration `json:"remote_fetch_timeout"`
	RemoteRetryDelay           Duration `json:"remote_retry_delay"`
	FindCacheDuration          Duration `json:"find_cache_duration"`
	RemoteReaderCacheSizeLimit int      `json:"remote_reader_cache_size_limit"`
	FindTolerance              Duration `json:"find_tolerance"`
	DataDirs                   []string `json:"data_dirs"`
	ClusterServers             []string `json:"cluster_servers"`
	CarbonlinkHosts            []string `json:"carbonlink_hosts"`
	CarbonlinkTimeout          Duration `json:"carbonlink_timeout"`
	LogUpdates                 bool     `json:"log_updates"`
	StorageEngine              string   `json:"storage_engine"`
	S3Bucket                   string   `json:"s3_bucket"`
	S3Endpoint                 string   `json:"s3_endpoint"`
	S3Region                   string   `json:"s3_region"`
	S3AccessKey                string   `json:"s3_access_key"`
	S3SecretKey                string   `json:"s3_secret_key"`
	S3UsePathStyle             bool     `json:"s3_use_path_style"`
}

// Duration is a float64 of seconds on the wire (matching spec.md's
// *_TIMEOUT/*_DELAY/*_DURATION keys), decoded into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Seconds())
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Keys is the process-wide configuration singleton, populated by Init.
// Defaults mirror spec.md §6's stated defaults for optional keys.
var Keys Config = Config{
	MaxCacheSize:               1000000,
	MaxUpdatesPerSecond:        1000,
	ReplicationFactor:          1,
	CacheQueryPort:             7002,
	LineReceiverPort:           2003,
	PickleReceiverPort:         2004,
	RemoteFindTimeout:          Duration(3 * time.Second),
	RemoteFetchTimeout:         Duration(6 * time.Second),
	RemoteRetryDelay:           Duration(60 * time.Second),
	FindCacheDuration:          Duration(300 * time.Second),
	RemoteReaderCacheSizeLimit: 1000,
	FindTolerance:              Duration(2 * time.Second),
	CarbonlinkTimeout:          Duration(100 * time.Millisecond),
	StorageEngine:              "file",
}

// Init reads and validates the config file at path, then decodes it over
// Keys's defaults. A missing file is tolerated (defaults stand); a present
// but invalid file is fatal, matching internal/config.Init's behavior.
func Init(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			clog.Warnf("carbonconf: no config file at %q, using defaults", path)
			return
		}
		clog.Abortf("carbonconf: reading %q: %v", path, err)
	}

	if err := Validate(bytes.NewReader(raw)); err != nil {
		clog.Abortf("carbonconf: %q failed schema validation: %v", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		clog.Abortf("carbonconf: decoding %q: %v", path, err)
	}

	if Keys.LocalDataDir == "" {
		clog.Abort("carbonconf: local_data_dir is required")
	}
	if Keys.ReplicationFactor < 1 {
		clog.Abort("carbonconf: replication_factor must be >= 1")
	}
	if Keys.StorageEngine == "s3" && Keys.S3Bucket == "" {
		clog.Abort("carbonconf: s3_bucket is required when storage_engine is \"s3\"")
	}
}

// Validate checks raw JSON bytes against the embedded configuration
// schema, without touching the Keys singleton. Exported so callers (and
// tests) can validate a candidate file before committing to it.
func Validate(r *bytes.Reader) error {
	s, err := jsonschema.Compile("embedFS://schema.json")
	if err != nil {
		return fmt.Errorf("compiling embedded schema: %w", err)
	}

	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return fmt.Errorf("decoding config JSON: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return err
	}
	return nil
}
