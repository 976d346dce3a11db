//go:build integration

package sqlstore

import (
	"context"
	"fmt"
	"testing"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/goliatone/go-snapshot/pkg/state"
	"github.com/goliatone/go-snapshot/pkg/state/statetest"
)

func TestPostgresContract(t *testing.T) {
	ctx := context.Background()
	pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("snapshot"),
		tcpostgres.WithUsername("snapshot"),
		tcpostgres.WithPassword("snapshot"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("skip: cannot start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	tables := 0
	statetest.Run(t, func(t *testing.T) state.Store {
		tables++
		st, err := Open(ctx, dsn, WithTable(fmt.Sprintf("records_%d", tables)))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = st.Close() })
		if err := st.Migrate(ctx); err != nil {
			t.Fatal(err)
		}
		if st.Dialect() != "postgres" {
			t.Fatalf("unexpected dialect %q", st.Dialect())
		}
		return st
	})
}
