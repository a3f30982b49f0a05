package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOPML = `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <head><title>Subscriptions</title></head>
  <body>
    <outline text="Tech">
      <outline type="rss" text="Feed A" xmlUrl="https://example.com/a.xml"/>
    </outline>
    <outline type="rss" text="Feed B" xmlUrl="https://example.com/b.xml"/>
    <outline type="rss" text="Bad" xmlUrl="ftp://example.com/bad.xml"/>
  </body>
</opml>`

func TestImportOPML(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")
	env.insertFeed(t, "https://example.com/a.xml")
	env.insertFeed(t, "https://example.com/b.xml")

	opmlService := NewOPMLService(env.subscriptions)

	result, err := opmlService.ImportOPML(context.Background(), userID, []byte(testOPML))
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalFeeds)
	assert.Equal(t, 2, result.ImportedFeeds)
	assert.Len(t, result.Errors, 1)

	delta, err := env.subscriptions.GetSubscriptions(userID, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://example.com/a.xml", "https://example.com/b.xml"}, delta.Add)

	// Importing again skips everything.
	result, err = opmlService.ImportOPML(context.Background(), userID, []byte(testOPML))
	require.NoError(t, err)
	assert.Equal(t, 0, result.ImportedFeeds)
	assert.Equal(t, 2, result.SkippedFeeds)
}

func TestExportOPML(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")
	env.insertFeed(t, "https://example.com/a.xml")

	_, err := env.subscriptions.ApplyChanges(context.Background(), userID,
		[]string{"https://example.com/a.xml"}, nil)
	require.NoError(t, err)

	user, err := env.auth.GetUserByID(userID)
	require.NoError(t, err)

	opmlService := NewOPMLService(env.subscriptions)
	data, err := opmlService.ExportOPML(user)
	require.NoError(t, err)

	out := string(data)
	assert.True(t, strings.HasPrefix(out, "<?xml"))
	assert.Contains(t, out, `xmlUrl="https://example.com/a.xml"`)
	assert.Contains(t, out, "alice")
}

func TestImportOPMLRejectsGarbage(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")

	opmlService := NewOPMLService(env.subscriptions)
	_, err := opmlService.ImportOPML(context.Background(), userID, []byte("not xml"))
	assert.Error(t, err)
}
