package pgkv

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsLockNotAvailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"lock error", &pgconn.PgError{Code: lockNotAvailable}, true},
		{"other pg error", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isLockNotAvailable(tt.err); got != tt.want {
				t.Errorf("isLockNotAvailable() = %v, want %v", got, tt.want)
			}
		})
	}
}
