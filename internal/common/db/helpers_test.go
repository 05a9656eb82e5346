package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
)

func TestUniqueViolation(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("exec failed: %w", &mysql.MySQLError{
		Number:  1062,
		Message: "Duplicate entry 'u1-q1' for key 'user_progress.uk_user_question'",
	})
	key, ok := UniqueViolation(err)
	if !ok {
		t.Fatalf("expected duplicate detection")
	}
	if key != "user_progress.uk_user_question" {
		t.Fatalf("unexpected key: %s", key)
	}
	if _, ok := UniqueViolation(fmt.Errorf("other")); ok {
		t.Fatalf("plain error is not a duplicate")
	}
}

func TestIsRetryableTxError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want bool
	}{
		{&mysql.MySQLError{Number: 1213}, true},
		{fmt.Errorf("wrap: %w", &mysql.MySQLError{Number: 1205}), true},
		{&mysql.MySQLError{Number: 1062}, false},
		{fmt.Errorf("plain"), false},
	}
	for _, tc := range cases {
		if got := IsRetryableTxError(tc.err); got != tc.want {
			t.Fatalf("%v: expected %v, got %v", tc.err, tc.want, got)
		}
	}
}

func TestNormalizeDSNForcesParseTimeAndUTC(t *testing.T) {
	t.Parallel()
	dsn, err := normalizeDSN("judge:pw@tcp(db:3306)/codecompete?loc=Local", 3*time.Second)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("parse normalized dsn: %v", err)
	}
	if !cfg.ParseTime || cfg.Loc != time.UTC || cfg.Timeout != 3*time.Second || cfg.DBName != "codecompete" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, err := normalizeDSN("not a dsn", time.Second); err == nil {
		t.Fatalf("expected invalid dsn error")
	}
}
