package test

import (
	"os"
)

var (
	TestPassword          = getStringVar("STRATA_TEST_PASSWORD", "geheim")
	TestTempDir           = getStringVar("STRATA_TEST_TMPDIR", "")
	TestS3Server          = getStringVar("STRATA_TEST_S3_SERVER", "")
	TestRESTServer        = getStringVar("STRATA_TEST_REST_SERVER", "")
	BenchArchiveDirectory = getStringVar("STRATA_BENCH_DIR", ".")
)

func getStringVar(name, defaultValue string) string {
	if e := os.Getenv(name); e != "" {
		return e
	}

	return defaultValue
}
