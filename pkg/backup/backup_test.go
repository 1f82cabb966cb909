package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatnest/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArchiver(t *testing.T) (*Archiver, string) {
	t.Helper()
	dir := t.TempDir()
	storage, err := NewFileStorage(dir)
	require.NoError(t, err)
	return NewArchiver(storage), dir
}

func TestArchiver_SaveAndLoad(t *testing.T) {
	archiver, dir := newTestArchiver(t)

	in := &Archive{
		Profile: &domain.Profile{ID: "nest-111", Name: "Ada"},
		Chats:   []domain.ChatSession{{ID: "nest-222", Name: "Bob"}},
		Messages: []domain.Message{
			{ID: "m1", ChatID: "nest-222", SenderID: "nest-111", Text: "hi", Timestamp: 1},
		},
	}

	name, err := archiver.Save(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, IsArchiveName(name), name)
	assert.FileExists(t, filepath.Join(dir, name))

	out, err := archiver.Load(context.Background(), name)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, out.Version)
	assert.False(t, out.CreatedAt.IsZero())
	assert.Equal(t, in.Profile, out.Profile)
	assert.Equal(t, in.Chats, out.Chats)
	assert.Equal(t, in.Messages, out.Messages)
}

func TestArchiver_ListNewestFirst(t *testing.T) {
	archiver, _ := newTestArchiver(t)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var names []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		archiver.now = func() time.Time { return at }
		name, err := archiver.Save(context.Background(), &Archive{})
		require.NoError(t, err)
		names = append(names, name)
	}

	listed, err := archiver.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{names[2], names[1], names[0]}, listed)

	latest, err := archiver.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, names[2], latest)
}

func TestArchiver_LatestWithoutArchives(t *testing.T) {
	archiver, _ := newTestArchiver(t)

	_, err := archiver.Latest(context.Background())
	assert.ErrorIs(t, err, domain.ErrChatNotFound)
}

func TestArchiver_RejectsUnknownVersion(t *testing.T) {
	archiver, dir := newTestArchiver(t)

	name := "chatnest-future.json"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`{"version":"99","chats":[]}`), 0600))

	_, err := archiver.Load(context.Background(), name)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestArchiver_Delete(t *testing.T) {
	archiver, dir := newTestArchiver(t)

	name, err := archiver.Save(context.Background(), &Archive{})
	require.NoError(t, err)
	require.NoError(t, archiver.Delete(context.Background(), name))

	_, err = os.Stat(filepath.Join(dir, name))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStorage(t *testing.T) {
	storage, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, storage.Save(ctx, "test.txt", strings.NewReader("test data")))

	loaded, err := storage.Load(ctx, "test.txt")
	require.NoError(t, err)
	loaded.Close()

	files, err := storage.List(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"test.txt"}, files)

	require.NoError(t, storage.Delete(ctx, "test.txt"))
}

func TestFileStorage_RejectsPathEscape(t *testing.T) {
	storage, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "../x.json", "a/b.json", ".hidden"} {
		err := storage.Save(context.Background(), name, strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}
