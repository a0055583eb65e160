package migrate

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	applied map[string]string
	order   []string
	failOn  string
}

func (f *fakeTarget) EnsureTable(ctx context.Context) error { return nil }

func (f *fakeTarget) Applied(ctx context.Context, name string) (bool, error) {
	_, ok := f.applied[name]
	return ok, nil
}

func (f *fakeTarget) Apply(ctx context.Context, name, upSQL string, at time.Time) error {
	if name == f.failOn {
		return errors.New("syntax error")
	}
	f.applied[name] = upSQL
	f.order = append(f.order, name)
	return nil
}

func TestApply_OrderAndIdempotence(t *testing.T) {
	fsys := fstest.MapFS{
		"002_second.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE b (id TEXT);\n-- +migrate Down\nDROP TABLE b;")},
		"001_first.sql":  {Data: []byte("CREATE TABLE a (id TEXT);")},
		"README.md":      {Data: []byte("not a migration")},
	}
	target := &fakeTarget{applied: map[string]string{}}

	require.NoError(t, Apply(context.Background(), target, fsys))
	assert.Equal(t, []string{"001_first.sql", "002_second.sql"}, target.order)
	assert.Equal(t, "\nCREATE TABLE b (id TEXT);\n", target.applied["002_second.sql"])

	require.NoError(t, Apply(context.Background(), target, fsys))
	assert.Len(t, target.order, 2, "second run must not reapply")
}

func TestApply_StopsOnFailure(t *testing.T) {
	fsys := fstest.MapFS{
		"001_ok.sql":  {Data: []byte("SELECT 1;")},
		"002_bad.sql": {Data: []byte("SELEC 1;")},
		"003_ok.sql":  {Data: []byte("SELECT 1;")},
	}
	target := &fakeTarget{applied: map[string]string{}, failOn: "002_bad.sql"}

	err := Apply(context.Background(), target, fsys)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "002_bad.sql")
	assert.Equal(t, []string{"001_ok.sql"}, target.order)
}

func TestExtractUp(t *testing.T) {
	assert.Equal(t, "plain", ExtractUp("plain"))
	assert.Equal(t, "\nup\n", ExtractUp("-- +migrate Up\nup\n-- +migrate Down\ndown"))
	assert.Equal(t, "\nonly up", ExtractUp("-- +migrate Up\nonly up"))
}
