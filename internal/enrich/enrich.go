// Low Tide is a self-hosted URL download job service.
// Copyright (C) 2025 Low Tide contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package enrich implements the post-success metadata hook: it fetches
// the job's URL, pulls the page title and OpenGraph tags, downloads the
// og:image into the thumbnails directory, and updates the job row. All
// failures are logged and swallowed; enrichment never changes a job's
// status.
package enrich

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html"

	"lowtide/internal/broker"
	"lowtide/internal/config"
	"lowtide/pkg/models"
)

const (
	fetchTimeout = 10 * time.Second

	// maxHTMLBytes bounds how much of the page is parsed for tags.
	maxHTMLBytes = 2 << 20
	// maxImageBytes bounds the downloaded og:image.
	maxImageBytes = 10 << 20
)

// Store is the persistence surface the enricher needs.
type Store interface {
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	UpdateJobTitle(ctx context.Context, id int64, title string) error
	UpdateJobImagePath(ctx context.Context, id int64, path string) error
	ListJobFiles(ctx context.Context, jobID int64) ([]models.JobFile, error)
}

// Enricher fetches page metadata for successful jobs.
type Enricher struct {
	store  Store
	cfg    *config.Config
	broker *broker.Broker
	client *http.Client
	logger *log.Logger
}

// New builds an enricher. logger may be nil.
func New(st Store, cfg *config.Config, b *broker.Broker, logger *log.Logger) *Enricher {
	return &Enricher{
		store:  st,
		cfg:    cfg,
		broker: b,
		client: &http.Client{Timeout: fetchTimeout},
		logger: logger,
	}
}

// pageMeta is what we manage to scrape out of the page head.
type pageMeta struct {
	title   string
	ogTitle string
	ogImage string
}

// Enrich runs the hook for one job. Safe to call from a detached
// goroutine; it re-reads the job and does nothing unless it is success.
func (e *Enricher) Enrich(ctx context.Context, jobID int64) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.logf("enrich job %d: load: %v", jobID, err)
		return
	}
	if job.Status != models.JobStatusSuccess {
		return
	}

	meta, err := e.fetchMeta(ctx, job.URL)
	if err != nil {
		e.logf("enrich job %d: fetch %s: %v", jobID, job.URL, err)
		return
	}

	mutated := false

	title := meta.ogTitle
	if title == "" {
		title = meta.title
	}
	// Only replace the derived host+path placeholder, never a title that
	// came from somewhere better (artifact filename, earlier enrichment).
	if title != "" && (job.Title == "" || job.Title == models.DeriveTitle(job.URL)) {
		if err := e.store.UpdateJobTitle(ctx, jobID, title); err != nil {
			e.logf("enrich job %d: title: %v", jobID, err)
		} else {
			mutated = true
		}
	}

	if meta.ogImage != "" {
		if rel, err := e.downloadImage(ctx, job, meta.ogImage); err != nil {
			e.logf("enrich job %d: image: %v", jobID, err)
		} else {
			if err := e.store.UpdateJobImagePath(ctx, jobID, rel); err != nil {
				e.logf("enrich job %d: image path: %v", jobID, err)
			} else {
				mutated = true
			}
		}
	}

	if mutated {
		e.publishSnapshot(ctx, jobID)
	}
}

// fetchMeta GETs the page and tokenizes its HTML for title and og tags.
func (e *Enricher) fetchMeta(ctx context.Context, pageURL string) (*pageMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	meta := &pageMeta{}
	tok := html.NewTokenizer(io.LimitReader(resp.Body, maxHTMLBytes))
	for {
		tt := tok.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or malformed input: return whatever was collected.
			return meta, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			t := tok.Token()
			switch t.Data {
			case "title":
				if tt == html.StartTagToken && tok.Next() == html.TextToken {
					meta.title = strings.TrimSpace(tok.Token().Data)
				}
			case "meta":
				prop, content := metaAttrs(t)
				switch prop {
				case "og:title":
					meta.ogTitle = content
				case "og:image":
					meta.ogImage = content
				}
			case "body":
				// Tags of interest live in the head.
				return meta, nil
			}
		}
	}
}

func metaAttrs(t html.Token) (prop, content string) {
	for _, a := range t.Attr {
		switch a.Key {
		case "property", "name":
			if prop == "" {
				prop = a.Val
			}
		case "content":
			content = strings.TrimSpace(a.Val)
		}
	}
	return prop, content
}

// downloadImage fetches imgURL (resolved against the job URL) into the
// thumbnails directory and returns the stored path relative to the data
// root, e.g. "thumbnails/7.jpg".
func (e *Enricher) downloadImage(ctx context.Context, job *models.Job, imgURL string) (string, error) {
	resolved, err := resolveURL(job.URL, imgURL)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return "", err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	ext := imageExt(resp.Header.Get("Content-Type"), resolved)
	dir := e.cfg.ThumbnailDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%d%s", job.ID, ext)
	dst := filepath.Join(dir, name)

	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(f, io.LimitReader(resp.Body, maxImageBytes))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	return path.Join("thumbnails", name), nil
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// imageExt picks a file extension from the content type, falling back to
// the URL path, then to .jpg.
func imageExt(contentType, imgURL string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "image/jpeg":
			return ".jpg"
		case "image/png":
			return ".png"
		case "image/gif":
			return ".gif"
		case "image/webp":
			return ".webp"
		}
	}
	if u, err := url.Parse(imgURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	return ".jpg"
}

func (e *Enricher) publishSnapshot(ctx context.Context, jobID int64) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.logf("enrich job %d: snapshot: %v", jobID, err)
		return
	}
	files, err := e.store.ListJobFiles(ctx, jobID)
	if err != nil {
		e.logf("enrich job %d: snapshot files: %v", jobID, err)
	}
	job.Files = files
	e.broker.PublishSnapshot(job)
}

func (e *Enricher) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}
