package csvfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cases.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const cases = "Case ID,Subject,Symptom\nA,no power,\nB,\"noise, loud\",\nC,crash,OLD\n"

func TestFile_Read(t *testing.T) {
	ctx := context.Background()
	f, err := Open(writeFile(t, cases), 0)
	require.NoError(t, err)

	header, err := f.ReadHeader(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"Case ID", "Subject", "Symptom"}, header)

	n, err := f.RowCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	rows, err := f.ReadRows(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "noise, loud", rows[0][1])

	rows, err = f.ReadRows(ctx, 5, 10)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestFile_FindRowByKeySeesExternalEdits(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, cases)
	f, err := Open(path, 0)
	require.NoError(t, err)

	row, err := f.FindRowByKey(ctx, "Case ID", "C")
	require.NoError(t, err)
	require.Equal(t, 2, row)

	require.NoError(t, os.WriteFile(path, []byte("Case ID,Subject,Symptom\nX,new,\n"+cases[len("Case ID,Subject,Symptom\n"):]), 0o644))
	row, err = f.FindRowByKey(ctx, "Case ID", "C")
	require.NoError(t, err)
	require.Equal(t, 3, row)

	_, err = f.FindRowByKey(ctx, "Case ID", "Z")
	require.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestFile_FindRowByKeyIgnoresPadding(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, "Case ID,Subject,Symptom\nA,x,\n\" B \",y,\n")
	f, err := Open(path, 0)
	require.NoError(t, err)

	row, err := f.FindRowByKey(ctx, "Case ID", "B")
	require.NoError(t, err)
	require.Equal(t, 1, row)

	row, err = f.FindRowByKey(ctx, "Case ID", " A ")
	require.NoError(t, err)
	require.Equal(t, 0, row)
}

func TestFile_WriteRange(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, cases)
	f, err := Open(path, 0)
	require.NoError(t, err)

	require.NoError(t, f.WriteRange(ctx, 0, []string{"Symptom"}, [][]string{{"S1"}, {"S2"}, {""}}))
	require.NoError(t, f.WriteCell(ctx, 1, "Subject", "quiet"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "Case ID,Subject,Symptom\nA,no power,S1\nB,quiet,S2\nC,crash,OLD\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file must not be left behind")
}

func TestFile_WriteErrors(t *testing.T) {
	ctx := context.Background()
	f, err := Open(writeFile(t, cases), 0)
	require.NoError(t, err)

	require.ErrorIs(t, f.WriteCell(ctx, 3, "Symptom", "x"), storage.ErrRowOutOfRange)
	require.ErrorIs(t, f.WriteCell(ctx, 0, "Nope", "x"), storage.ErrColumnNotFound)
}

func TestFile_Semicolon(t *testing.T) {
	f, err := Open(writeFile(t, "Case ID;Subject\nA;x\n"), ';')
	require.NoError(t, err)
	header, err := f.ReadHeader(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"Case ID", "Subject"}, header)
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.csv"), 0)
	require.Error(t, err)
}
