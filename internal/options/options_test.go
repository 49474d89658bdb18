package options

import (
	"testing"
	"time"

	rtest "github.com/strata-backup/strata/internal/test"
)

type testConfig struct {
	Name        string        `option:"name" help:"a name"`
	Count       int           `option:"count" help:"a counter"`
	Connections uint          `option:"connections" help:"concurrency limit"`
	Verbose     bool          `option:"verbose" help:"be verbose"`
	Timeout     time.Duration `option:"timeout" help:"a timeout"`
	ignored     string
}

func TestOptionsApply(t *testing.T) {
	opts, err := Splice([]string{
		"name=foo",
		"count=5",
		"connections=3",
		"verbose=true",
		"timeout=10m",
	})
	rtest.OK(t, err)

	var cfg testConfig
	rtest.OK(t, opts.Apply("test", &cfg))

	rtest.Equals(t, "foo", cfg.Name)
	rtest.Equals(t, 5, cfg.Count)
	rtest.Equals(t, uint(3), cfg.Connections)
	rtest.Equals(t, true, cfg.Verbose)
	rtest.Equals(t, 10*time.Minute, cfg.Timeout)
	rtest.Equals(t, "", cfg.ignored)
}

func TestOptionsApplyInvalid(t *testing.T) {
	var cfg testConfig

	err := Options{"unknown": "value"}.Apply("test", &cfg)
	rtest.Assert(t, err != nil, "expected error for unknown option, got nil")

	err = Options{"count": "foo"}.Apply("test", &cfg)
	rtest.Assert(t, err != nil, "expected error for invalid int, got nil")
}

func TestSpliceInvalid(t *testing.T) {
	_, err := Splice([]string{"no-equals-sign"})
	rtest.Assert(t, err != nil, "expected error for malformed option, got nil")
}

func TestExtract(t *testing.T) {
	o := Options{"local.connections": "5", "rest.timeout": "1m"}
	sub := o.Extract("local")
	rtest.Equals(t, Options{"connections": "5"}, sub)
}

func TestSecretString(t *testing.T) {
	s := NewSecretString("geheim")
	rtest.Equals(t, "**redacted**", s.String())
	rtest.Equals(t, "geheim", s.Unwrap())

	var empty SecretString
	rtest.Equals(t, "", empty.String())
	rtest.Equals(t, "", empty.Unwrap())
}
