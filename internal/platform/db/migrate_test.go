package db

import (
	"io/fs"
	"strings"
	"testing"
)

func TestPgx5URL(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "postgres://u:p@localhost:5432/ledger?sslmode=disable", want: "pgx5://u:p@localhost:5432/ledger?sslmode=disable"},
		{in: "postgresql://localhost/ledger", want: "pgx5://localhost/ledger"},
		{in: "pgx5://localhost/ledger", want: "pgx5://localhost/ledger"},
		{in: "mysql://localhost/ledger", wantErr: true},
		{in: "://bad", wantErr: true},
	}
	for _, tc := range cases {
		got, err := pgx5URL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.in, got, tc.want)
		}
	}
}

func TestMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Fatalf("expected paired migrations, got %d up and %d down", ups, downs)
	}
}
