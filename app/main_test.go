package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/jpub/app/dashboard"
	"github.com/umputun/jpub/app/feed"
	"github.com/umputun/jpub/app/notify"
)

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>All all builds</title>
  <id>urn:jenkins</id>
  <updated>2024-01-02T09:00:00Z</updated>
  <entry>
    <title>build-42 17 (stable)</title>
    <link type="text/html" href="http://x/42" rel="alternate"/>
    <id>tag:build-42:17</id>
    <updated>2024-01-01T10:00:00Z</updated>
  </entry>
  <entry>
    <title>deploy 3 (broken since build #2)</title>
    <link type="text/html" href="http://x/deploy/3" rel="alternate"/>
    <id>tag:deploy:3</id>
    <updated>2024-01-02T09:00:00Z</updated>
  </entry>
  <entry>
    <title>docs 5 (stable)</title>
    <link type="text/html" href="http://x/docs/5" rel="alternate"/>
    <id>tag:docs:5</id>
    <updated>not-a-date</updated>
  </entry>
</feed>`

func resetOpts(t *testing.T) {
	t.Helper()
	opts = options{}
	opts.LogLevel = "info"
	opts.LogOutput = "-"
	opts.Title = "Build Status"
	opts.Timeout = 5 * time.Second
	opts.Repeater.Attempts = 1
	opts.Repeater.Duration = time.Millisecond
	opts.Repeater.Factor = 1
	t.Cleanup(func() { log.Setup(log.Out(os.Stdout)) })
}

func Test_run(t *testing.T) {
	resetOpts(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(testFeed))
	}))
	defer ts.Close()

	opts.Args.FeedURL = ts.URL
	opts.Output = t.TempDir()
	opts.DB = filepath.Join(t.TempDir(), "jenkins.db")

	require.NoError(t, run(context.Background()))
	for _, name := range []string{"index.html", "ok.png", "fail.png"} {
		assert.FileExists(t, filepath.Join(opts.Output, name))
	}
	assert.FileExists(t, opts.DB)

	page, err := os.ReadFile(filepath.Join(opts.Output, "index.html"))
	require.NoError(t, err)
	body := string(page)
	assert.Contains(t, body, `<a href="http://x/42">build-42</a>`)
	assert.Less(t, strings.Index(body, ">deploy<"), strings.Index(body, ">build-42<"))
	assert.NotContains(t, body, ">docs<")

	// second run keeps operator icons and rewrites the page
	require.NoError(t, os.WriteFile(filepath.Join(opts.Output, "ok.png"), []byte("mine"), 0o600))
	require.NoError(t, run(context.Background()))
	data, err := os.ReadFile(filepath.Join(opts.Output, "ok.png"))
	require.NoError(t, err)
	assert.Equal(t, "mine", string(data))
}

func Test_runOutputDirMissing(t *testing.T) {
	resetOpts(t)
	base := t.TempDir()
	opts.Args.FeedURL = "http://127.0.0.1:1/rss"
	opts.Output = filepath.Join(base, "dashboard")
	opts.DB = filepath.Join(base, "jenkins.db")

	err := run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, dashboard.ErrOutputDirMissing)

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries, "no files written anywhere")
}

func Test_runInvalidFeedURL(t *testing.T) {
	for _, u := range []string{"not-a-url", "ftp://example.com/rss", "http://"} {
		t.Run(u, func(t *testing.T) {
			resetOpts(t)
			base := t.TempDir()
			opts.Args.FeedURL = u
			opts.Output = t.TempDir()
			opts.DB = filepath.Join(base, "jenkins.db")

			err := run(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, errConfig)
			assert.NoFileExists(t, opts.DB)

			entries, err := os.ReadDir(base)
			require.NoError(t, err)
			assert.Empty(t, entries, "no store files")
			entries, err = os.ReadDir(opts.Output)
			require.NoError(t, err)
			assert.Empty(t, entries, "no dashboard files")
		})
	}
}

func Test_runFeedUnavailable(t *testing.T) {
	resetOpts(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	opts.Args.FeedURL = ts.URL
	opts.Output = t.TempDir()
	opts.DB = filepath.Join(t.TempDir(), "jenkins.db")

	err := run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, feed.ErrFeedUnavailable)
	assert.NoFileExists(t, filepath.Join(opts.Output, "index.html"))
}

func Test_makeHostName(t *testing.T) {
	resetOpts(t)
	opts.Notify.HostName = "test"
	assert.Equal(t, "test", makeHostName())

	opts.Notify.HostName = ""
	exp, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, exp, makeHostName())
}

func Test_makeNotifier(t *testing.T) {
	resetOpts(t)
	opts.Notify.ToEmails = []string{"test@example.com"}
	assert.Nil(t, makeNotifier(), "nothing enabled")

	opts.Notify.EnabledFailure = true
	opts.Notify.ToEmails = nil

	notif := makeNotifier()
	assert.True(t, notif == nil, "untyped nil interface")

	opts.Notify.ToEmails = []string{"test@example.com"}
	opts.Notify.HostName = "ci1"
	notif = makeNotifier()
	require.NotNil(t, notif)
	svc, ok := notif.(*notify.Service)
	require.True(t, ok)
	assert.True(t, svc.OnFailure)
	assert.False(t, svc.OnRecovery)
	assert.Equal(t, "ci1", svc.HostName)
}

func Test_makeFeedReader(t *testing.T) {
	resetOpts(t)
	opts.Args.FeedURL = "http://example.com/rssAll"
	opts.Timeout = 7 * time.Second
	opts.Repeater.Attempts = 0

	r := makeFeedReader()
	assert.Equal(t, "http://example.com/rssAll", r.URL)
	assert.Equal(t, 7*time.Second, r.Timeout)
	assert.NotNil(t, r.Repeater)
}

func Test_setupLogsStdout(t *testing.T) {
	resetOpts(t)
	out, err := setupLogs()
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, out)
}

func Test_setupLogsToFile(t *testing.T) {
	resetOpts(t)
	fname := filepath.Join(t.TempDir(), "jpub.log")
	opts.LogOutput = fname
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7

	out, err := setupLogs()
	require.NoError(t, err)
	require.IsType(t, &lumberjack.Logger{}, out)
	logger := out.(*lumberjack.Logger)
	assert.Equal(t, fname, logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)

	log.Printf("[INFO] something happened")
	require.NoError(t, logger.Close())
	data, err := os.ReadFile(fname)
	require.NoError(t, err)
	assert.Contains(t, string(data), "something happened")
	assert.Contains(t, string(data), "[INFO]")
}

func Test_setupLogsCritical(t *testing.T) {
	resetOpts(t)
	fname := filepath.Join(t.TempDir(), "jpub.log")
	opts.LogOutput = fname
	opts.LogLevel = "critical"

	out, err := setupLogs()
	require.NoError(t, err)
	log.Printf("[INFO] info message")
	log.Printf("[ERROR] error message")
	require.NoError(t, out.(*lumberjack.Logger).Close())

	data, err := os.ReadFile(fname)
	if err != nil {
		require.ErrorIs(t, err, os.ErrNotExist, "nothing written at critical level")
		return
	}
	assert.NotContains(t, string(data), "info message")
	assert.NotContains(t, string(data), "error message")
}

func Test_setupLogsBadLevel(t *testing.T) {
	resetOpts(t)
	opts.LogLevel = "loud"
	_, err := setupLogs()
	require.Error(t, err)
}

func Test_levelFilter(t *testing.T) {
	lines := []string{
		"2024/01/02 10:00:00.000 [DEBUG] debug line\n",
		"2024/01/02 10:00:00.000 [INFO]  info line\n",
		"2024/01/02 10:00:00.000 [WARN]  warn line with [INFO] inside\n",
		"2024/01/02 10:00:00.000 [ERROR] error line\n",
		"2024/01/02 10:00:00.000 [PANIC] panic line\n",
	}
	tbl := []struct {
		level string
		exp   []string
	}{
		{"debug", lines},
		{"info", lines},
		{"warning", lines[2:]},
		{"error", lines[3:]},
		{"critical", lines[4:]},
	}

	for _, tt := range tbl {
		t.Run(tt.level, func(t *testing.T) {
			buf := bytes.Buffer{}
			w := newLevelFilter(&buf, tt.level)
			for _, l := range lines {
				n, err := w.Write([]byte(l))
				require.NoError(t, err)
				assert.Equal(t, len(l), n)
			}
			assert.Equal(t, strings.Join(tt.exp, ""), buf.String())
		})
	}
}
