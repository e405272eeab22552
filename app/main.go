package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/jpub/app/dashboard"
	"github.com/umputun/jpub/app/feed"
	"github.com/umputun/jpub/app/notify"
	"github.com/umputun/jpub/app/persistence"
	"github.com/umputun/jpub/app/service"
)

type options struct {
	Args struct {
		FeedURL string `positional-arg-name:"feed-url" description:"build server feed (atom or rss) url"`
	} `positional-args:"yes" required:"yes"`

	LogLevel  string        `long:"log-level" env:"JPUB_LOG_LEVEL" default:"info" choice:"critical" choice:"error" choice:"warning" choice:"info" choice:"debug" description:"log level"`
	LogOutput string        `long:"log-output" env:"JPUB_LOG_OUTPUT" default:"-" description:"log file, - for stdout"`
	Output    string        `short:"o" long:"output" env:"JPUB_OUTPUT" default:"/tmp/dashboard" description:"dashboard directory, must exist"`
	DB        string        `long:"db" env:"JPUB_DB" default:"jenkins.db" description:"status store file"`
	Title     string        `long:"title" env:"JPUB_TITLE" default:"Build Status" description:"dashboard title"`
	Timeout   time.Duration `long:"timeout" env:"JPUB_TIMEOUT" default:"30s" description:"feed fetch timeout"`

	Log struct {
		MaxSize    int  `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in megabytes"`
		MaxBackups int  `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge     int  `long:"max-age" env:"MAX_AGE" default:"0" description:"max days to keep rotated files, 0 to keep all"`
		Compress   bool `long:"compress" env:"COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"JPUB_LOG"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times to try fetching the feed"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"JPUB_REPEATER"`

	Notify struct {
		EnabledFailure  bool          `long:"enabled-failure" env:"ENABLED_FAILURE" description:"notify about failed jobs"`
		EnabledRecovery bool          `long:"enabled-recovery" env:"ENABLED_RECOVERY" description:"notify about recovered jobs"`
		SMTPHost        string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort        int           `long:"smtp-port" env:"SMTP_PORT" default:"25" description:"SMTP port"`
		SMTPUsername    string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword    string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS         bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPTimeout     time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		FromEmail       string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails        []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		Webhooks        []string      `long:"webhook" env:"WEBHOOK" description:"webhook url(s)" env-delim:","`
		Timeout         time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"webhook timeout"`
		HostName        string        `long:"host" env:"HOSTNAME" description:"host name running jpub"`
	} `group:"notify" namespace:"notify" env-namespace:"JPUB_NOTIFY"`
}

var opts options

// errConfig wraps invalid options detected after flags parsing
var errConfig = errors.New("bad configuration")

var revision = "unknown"

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logWriter, err := setupLogs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't setup logs, %v\n", err)
		os.Exit(1)
	}
	log.Printf("[INFO] jpub %s", revision)

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT, SIGINT and SIGTERM

	err = run(ctx)
	cancel()
	if err != nil {
		log.Printf("[ERROR] %v", err)
	}
	if c, ok := logWriter.(io.Closer); ok && logWriter != os.Stdout {
		_ = c.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

// run makes a single publish pass. Feed url and output directory are checked before the store is opened,
// so a misconfigured run doesn't create any files.
func run(ctx context.Context) error {
	if err := feed.ValidateURL(opts.Args.FeedURL); err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	rnd, err := dashboard.New(dashboard.Params{OutputDir: opts.Output, Title: opts.Title})
	if err != nil {
		return err
	}
	if err = rnd.CheckOutput(); err != nil {
		return err
	}

	store, err := persistence.NewSQLiteStore(opts.DB)
	if err != nil {
		return fmt.Errorf("can't open store %s: %w", opts.DB, err)
	}

	pub := service.Publisher{
		Feed:     makeFeedReader(),
		Store:    store,
		Renderer: rnd,
		Notifier: makeNotifier(),
	}
	stats, err := pub.Do(ctx)
	if err != nil {
		return err
	}
	log.Printf("[INFO] completed, %s", stats)
	return nil
}

func makeFeedReader() *feed.Reader {
	attempts := opts.Repeater.Attempts
	if attempts < 1 {
		attempts = 1
	}
	rptr := repeater.New(&strategy.Backoff{Repeats: attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})
	return feed.New(feed.Params{URL: opts.Args.FeedURL, Timeout: opts.Timeout, Repeater: rptr})
}

// makeNotifier returns nil interface if notifications disabled or no destinations set
func makeNotifier() service.Notifier {
	if !opts.Notify.EnabledFailure && !opts.Notify.EnabledRecovery {
		return nil
	}
	svc := notify.NewService(
		notify.Params{
			OnFailure:  opts.Notify.EnabledFailure,
			OnRecovery: opts.Notify.EnabledRecovery,
			HostName:   makeHostName(),
		},
		notify.SendersParams{
			SMTPHost:       opts.Notify.SMTPHost,
			SMTPPort:       opts.Notify.SMTPPort,
			SMTPTLS:        opts.Notify.SMTPTLS,
			SMTPUsername:   opts.Notify.SMTPUsername,
			SMTPPassword:   opts.Notify.SMTPPassword,
			SMTPTimeout:    opts.Notify.SMTPTimeout,
			FromEmail:      opts.Notify.FromEmail,
			ToEmails:       opts.Notify.ToEmails,
			WebhookURLs:    opts.Notify.Webhooks,
			WebhookTimeout: opts.Notify.Timeout,
		},
	)
	if svc == nil {
		log.Printf("[WARN] notifications enabled, but no email or webhook destinations set")
		return nil
	}
	return svc
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// setupLogs configures lgr for --log-level and --log-output and returns the writer used for logs,
// os.Stdout or lumberjack logger
func setupLogs() (io.Writer, error) {
	var out io.Writer = os.Stdout
	if opts.LogOutput != "-" && opts.LogOutput != "" {
		out = &lumberjack.Logger{
			Filename:   opts.LogOutput,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.Compress,
		}
	}

	// errors go to the same writer, lgr copies them to stderr otherwise
	logOpts := []log.Option{log.Msec, log.LevelBraces, log.Out(newLevelFilter(out, opts.LogLevel)), log.Err(io.Discard)}
	switch opts.LogLevel {
	case "debug":
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	case "info", "warning", "error", "critical":
	default:
		return nil, fmt.Errorf("unknown log level %q", opts.LogLevel)
	}
	log.Setup(logOpts...)
	return out, nil
}

// levelFilter drops log lines below the configured level. lgr has no threshold above debug,
// so warning, error and critical are done here. critical keeps only PANIC and FATAL lines.
// Each Write is a single formatted line.
type levelFilter struct {
	out  io.Writer
	skip [][]byte
}

func newLevelFilter(out io.Writer, level string) io.Writer {
	var skip []string
	switch level {
	case "warning":
		skip = []string{"TRACE", "DEBUG", "INFO"}
	case "error":
		skip = []string{"TRACE", "DEBUG", "INFO", "WARN"}
	case "critical":
		skip = []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}
	default:
		return out
	}
	res := &levelFilter{out: out}
	for _, s := range skip {
		res.skip = append(res.skip, []byte("["+s+"]"))
	}
	return res
}

func (f *levelFilter) Write(p []byte) (int, error) {
	head := p
	if len(head) > 40 {
		head = head[:40] // timestamp and level only, message may contain anything
	}
	for _, s := range f.skip {
		if bytes.Contains(head, s) {
			return len(p), nil
		}
	}
	return f.out.Write(p)
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[WARN] interrupted by %v", sig)
			cancel() // terminate on SIGINT and SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
}
