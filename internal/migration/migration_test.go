package migration

import (
	"io/fs"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	sub, err := Source()
	require.NoError(t, err)

	names, err := fs.Glob(sub, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)
	sort.Strings(names)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %s", name)
		}
	}
	assert.Equal(t, ups, downs)
}

func TestSchemaCarriesBillingConstraints(t *testing.T) {
	sub, err := Source()
	require.NoError(t, err)

	var schema strings.Builder
	err = fs.WalkDir(sub, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return err
		}
		body, err := fs.ReadFile(sub, path)
		if err != nil {
			return err
		}
		schema.Write(body)
		return nil
	})
	require.NoError(t, err)

	for _, want := range []string{
		"CONSTRAINT ux_usage_ledger_entries_job UNIQUE (job_id)",
		"CONSTRAINT ux_usage_allowances_org_period UNIQUE (org_id, period_start)",
		"CONSTRAINT ux_rollover_grants_origin UNIQUE (origin_allowance_id)",
		"CHECK (status IN ('processing', 'completed', 'failed'))",
		"BEFORE UPDATE OR DELETE ON usage_ledger_entries",
		"ADD COLUMN IF NOT EXISTS started_at TIMESTAMPTZ",
	} {
		assert.Contains(t, schema.String(), want)
	}
}
