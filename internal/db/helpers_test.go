package db

import (
	"testing"

	"github.com/pgvector/pgvector-go"
)

func vecOf(t *testing.T, dim int) pgvector.Vector {
	t.Helper()
	return pgvector.NewVector(make([]float32, dim))
}
