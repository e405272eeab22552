// Package notify delivers job status change reports by email and webhooks
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/jpub/app/persistence"
)

// ChangeKind is the direction of a status change
type ChangeKind int

// change kinds
const (
	ChangeFailed    ChangeKind = iota // was ok (or unknown), now failed
	ChangeRecovered                   // was failed, now ok
)

func (k ChangeKind) String() string {
	if k == ChangeRecovered {
		return "recovered"
	}
	return "failed"
}

// Change is a single job which status changed in the run
type Change struct {
	Kind   ChangeKind
	Record persistence.Record
}

// Params controls which changes are reported
type Params struct {
	OnFailure  bool
	OnRecovery bool
	HostName   string
}

// SendersParams defines destinations and their transport settings
type SendersParams struct {
	SMTPHost     string
	SMTPPort     int
	SMTPTLS      bool
	SMTPUsername string
	SMTPPassword string
	SMTPTimeout  time.Duration
	FromEmail    string
	ToEmails     []string

	WebhookURLs    []string
	WebhookTimeout time.Duration
}

// Sender is a single delivery transport, implemented by go-pkgz/notify clients
type Sender interface {
	Send(ctx context.Context, destination, text string) error
}

// Service sends reports to all configured destinations
type Service struct {
	Params
	email        Sender
	webhook      Sender
	emailDest    string // mailto destination without subject
	webhookDests []string
}

// NewService makes notification service. Returns nil if no destinations defined.
func NewService(p Params, sp SendersParams) *Service {
	if len(sp.ToEmails) == 0 && len(sp.WebhookURLs) == 0 {
		return nil
	}

	res := &Service{Params: p, webhookDests: sp.WebhookURLs}
	if len(sp.ToEmails) > 0 {
		res.email = notify.NewEmail(notify.SMTPParams{
			Host:        sp.SMTPHost,
			Port:        sp.SMTPPort,
			TLS:         sp.SMTPTLS,
			ContentType: "text/html",
			Username:    sp.SMTPUsername,
			Password:    sp.SMTPPassword,
			TimeOut:     sp.SMTPTimeout,
		})
		from := sp.FromEmail
		if from == "" {
			from = "jpub@" + p.HostName
		}
		res.emailDest = "mailto:" + strings.Join(sp.ToEmails, ",") + "?from=" + url.QueryEscape(from)
	}
	if len(sp.WebhookURLs) > 0 {
		res.webhook = notify.NewWebhook(notify.WebhookParams{
			Timeout: sp.WebhookTimeout,
			Headers: []string{"Content-Type:text/plain; charset=utf-8"},
		})
	}
	return res
}

// Filter keeps changes enabled by OnFailure and OnRecovery
func (s *Service) Filter(changes []Change) []Change {
	res := []Change{}
	for _, c := range changes {
		if (c.Kind == ChangeFailed && s.OnFailure) || (c.Kind == ChangeRecovered && s.OnRecovery) {
			res = append(res, c)
		}
	}
	return res
}

// Send delivers report about changes to all destinations concurrently.
// Nothing is sent if no enabled changes left after filtering.
func (s *Service) Send(ctx context.Context, changes []Change, generated time.Time) error {
	changes = s.Filter(changes)
	if len(changes) == 0 {
		log.Printf("[DEBUG] no status changes to report")
		return nil
	}
	subj := s.subject(changes)

	wg := syncs.NewErrSizedGroup(4)
	if s.email != nil {
		html, err := s.MakeReportHTML(changes, generated)
		if err != nil {
			return err
		}
		dest := s.emailDest + "&subject=" + url.QueryEscape(subj)
		wg.Go(func() error {
			if err := s.email.Send(ctx, dest, html); err != nil {
				return fmt.Errorf("failed to send email: %w", err)
			}
			log.Printf("[DEBUG] email report sent, %q", subj)
			return nil
		})
	}
	if s.webhook != nil {
		text := s.MakeReportText(subj, changes)
		for _, dest := range s.webhookDests {
			wg.Go(func() error {
				if err := s.webhook.Send(ctx, dest, text); err != nil {
					return fmt.Errorf("failed to send webhook to %s: %w", dest, err)
				}
				log.Printf("[DEBUG] webhook report sent to %s", dest)
				return nil
			})
		}
	}
	return wg.Wait()
}

func (s *Service) subject(changes []Change) string {
	var failed, recovered int
	for _, c := range changes {
		if c.Kind == ChangeRecovered {
			recovered++
			continue
		}
		failed++
	}
	parts := []string{}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failed))
	}
	if recovered > 0 {
		parts = append(parts, fmt.Sprintf("%d recovered", recovered))
	}
	res := "builds " + strings.Join(parts, ", ")
	if s.HostName != "" {
		res += " on " + s.HostName
	}
	return res
}

// MakeReportText makes plain text report, one line per change
func (s *Service) MakeReportText(subj string, changes []Change) string {
	sb := strings.Builder{}
	sb.WriteString(subj + "\n")
	for _, c := range changes {
		fmt.Fprintf(&sb, "%s: %s #%s %s %s\n", c.Kind, c.Record.Job, c.Record.BuildID, c.Record.Description, c.Record.Link)
	}
	return sb.String()
}

// MakeReportHTML makes html report to be sent by email
func (s *Service) MakeReportHTML(changes []Change, generated time.Time) (string, error) {
	tmpl := `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			.failed {
				color: #882828;
				font-weight: 900;
			}
			.recovered {
				color: #287828;
				font-weight: 900;
			}
		</style>
	</head>

	<body>
		<p>Build status changes{{if .Host}} on <b>{{.Host}}</b>{{end}} at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
		{{range .Changes}}
			<li><span class="{{.Kind}}">{{.Kind}}</span>: <a href="{{.Record.Link}}">{{.Record.Job}}</a> #{{.Record.BuildID}} {{.Record.Description}}</li>
		{{end}}
		</ul>
	</body>
</html>
`

	data := struct {
		Host    string
		TS      time.Time
		Changes []Change
	}{
		Host:    s.HostName,
		TS:      generated,
		Changes: changes,
	}

	t, err := template.New("report").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("can't parse report template: %w", err)
	}
	buf := bytes.Buffer{}
	if err = t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply report template: %w", err)
	}
	return buf.String(), nil
}
