package s3

import (
	"testing"

	rtest "github.com/strata-backup/strata/internal/test"
)

func newTestConfig(cfg Config) Config {
	if cfg.Connections == 0 {
		cfg.Connections = 5
	}
	return cfg
}

var configTests = []struct {
	s   string
	cfg Config
}{
	{"s3://eu-central-1/bucketname", newTestConfig(Config{
		Endpoint: "eu-central-1",
		Bucket:   "bucketname",
	})},
	{"s3://eu-central-1/bucketname/prefix/directory", newTestConfig(Config{
		Endpoint: "eu-central-1",
		Bucket:   "bucketname",
		Prefix:   "prefix/directory",
	})},
	{"s3:eu-central-1/foobar", newTestConfig(Config{
		Endpoint: "eu-central-1",
		Bucket:   "foobar",
	})},
	{"s3:eu-central-1/foobar/prefix/directory", newTestConfig(Config{
		Endpoint: "eu-central-1",
		Bucket:   "foobar",
		Prefix:   "prefix/directory",
	})},
	{"s3:https://hostname:9999/foobar", newTestConfig(Config{
		Endpoint: "hostname:9999",
		Bucket:   "foobar",
	})},
	{"s3:http://hostname:9999/foobar", newTestConfig(Config{
		Endpoint: "hostname:9999",
		Bucket:   "foobar",
		UseHTTP:  true,
	})},
	{"s3:http://hostname:9999/bucket/prefix/directory", newTestConfig(Config{
		Endpoint: "hostname:9999",
		Bucket:   "bucket",
		Prefix:   "prefix/directory",
		UseHTTP:  true,
	})},
}

func TestParseConfig(t *testing.T) {
	for _, test := range configTests {
		t.Run(test.s, func(t *testing.T) {
			cfg, err := ParseConfig(test.s)
			rtest.OK(t, err)
			rtest.Equals(t, test.cfg, *cfg)
		})
	}
}

func TestParseError(t *testing.T) {
	for _, s := range []string{"s3://", "s3:///", "s3:////", "gs://bucket"} {
		_, err := ParseConfig(s)
		if err == nil {
			t.Errorf("expected %q to result in an error", s)
		}
	}
}
