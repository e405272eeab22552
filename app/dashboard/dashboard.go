// Package dashboard renders the static status page with job records into the output directory
package dashboard

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/jpub/app/persistence"
)

//go:embed templates/dashboard.html
var templatesFS embed.FS

//go:embed static/ok.png static/fail.png
var staticFS embed.FS

const (
	okIcon    = "ok.png"
	failIcon  = "fail.png"
	indexFile = "index.html"
)

var (
	// ErrOutputDirMissing returned when the output directory doesn't exist or is not a directory
	ErrOutputDirMissing = errors.New("output directory missing")
	// ErrRender returned when the page template can't be rendered
	ErrRender = errors.New("render error")
)

// Params for New
type Params struct {
	OutputDir string
	Title     string
}

// Renderer writes index.html and icon assets into the output directory
type Renderer struct {
	Params
	tmpl *template.Template
}

// jobView is a single row of the page, all values precomputed
type jobView struct {
	Name        string
	BuildID     string
	Description string
	Link        string
	Icon        string
	Status      string
	Updated     string
	Stale       bool
}

// pageView is the whole page
type pageView struct {
	Title     string
	Generated string
	Jobs      []jobView
}

// New makes a Renderer, template is parsed once
func New(p Params) (*Renderer, error) {
	if p.Title == "" {
		p.Title = "Build Status"
	}
	tmpl, err := template.New("dashboard.html").ParseFS(templatesFS, "templates/dashboard.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse dashboard template: %w", err)
	}
	return &Renderer{Params: p, tmpl: tmpl}, nil
}

// CheckOutput verifies the output directory exists. It is never created here,
// a missing directory is a misconfiguration.
func (r *Renderer) CheckOutput() error {
	fi, err := os.Stat(r.OutputDir)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOutputDirMissing, r.OutputDir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrOutputDirMissing, r.OutputDir)
	}
	return nil
}

// Render makes the page for jobs, in the given order, and writes it as index.html.
// Icons are copied only if missing, so operator-customized icons survive.
func (r *Renderer) Render(jobs []persistence.Record, generated time.Time) error {
	if err := r.CheckOutput(); err != nil {
		return err
	}

	for _, name := range []string{okIcon, failIcon} {
		if err := r.copyAsset(name); err != nil {
			return err
		}
	}

	buf := bytes.Buffer{}
	if err := r.tmpl.Execute(&buf, makePageView(r.Title, jobs, generated)); err != nil {
		return fmt.Errorf("%w: %v", ErrRender, err)
	}

	if err := writeFileAtomic(filepath.Join(r.OutputDir, indexFile), buf.Bytes()); err != nil {
		return err
	}
	log.Printf("[INFO] dashboard generated at %s, %d jobs", filepath.Join(r.OutputDir, indexFile), len(jobs))
	return nil
}

// copyAsset writes embedded static file to the output directory unless it is already there
func (r *Renderer) copyAsset(name string) error {
	data, err := staticFS.ReadFile("static/" + name)
	if err != nil {
		return fmt.Errorf("can't read embedded %s: %w", name, err)
	}

	target := filepath.Join(r.OutputDir, name)
	fh, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint gosec
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			log.Printf("[DEBUG] %s already exists, skipped", target)
			return nil
		}
		return fmt.Errorf("can't create %s: %w", target, err)
	}
	if _, err = fh.Write(data); err != nil {
		_ = fh.Close()
		return fmt.Errorf("can't write %s: %w", target, err)
	}
	if err = fh.Close(); err != nil {
		return fmt.Errorf("can't close %s: %w", target, err)
	}
	log.Printf("[DEBUG] copied %s", target)
	return nil
}

func makePageView(title string, jobs []persistence.Record, generated time.Time) pageView {
	res := pageView{Title: title, Generated: generated.UTC().Format("2006-01-02 15:04:05 MST"), Jobs: make([]jobView, 0, len(jobs))}
	for _, j := range jobs {
		v := jobView{
			Name:        j.Job,
			BuildID:     j.BuildID,
			Description: j.Description,
			Link:        j.Link,
			Updated:     j.UpdatedAt.UTC().Format("2006-01-02 15:04:05"),
			Stale:       j.Stale,
			Icon:        failIcon,
			Status:      "failed",
		}
		if j.OK {
			v.Icon, v.Status = okIcon, "ok"
		}
		res.Jobs = append(res.Jobs, v)
	}
	return res
}

// writeFileAtomic writes to a temp file in the same directory and renames it over the target
func writeFileAtomic(fname string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(fname), ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("can't create temp file for %s: %w", fname, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if _, statErr := os.Stat(tmpName); statErr == nil {
			if rmErr := os.Remove(tmpName); rmErr != nil {
				log.Printf("[WARN] can't remove %s, %v", tmpName, rmErr)
			}
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("can't write %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("can't close %s: %w", tmpName, err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil { //nolint gosec
		return fmt.Errorf("can't chmod %s: %w", tmpName, err)
	}
	if err = os.Rename(tmpName, fname); err != nil {
		return fmt.Errorf("can't rename %s to %s: %w", tmpName, fname, err)
	}
	return nil
}
