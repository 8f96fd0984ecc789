package scrape

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
	"golang.org/x/net/html"

	"github.com/ally-agent/ally/internal/core/domain"
	"github.com/ally-agent/ally/internal/infrastructure/webfetch"
)

var plaintextExtensions = map[string]struct{}{
	".txt":  {},
	".md":   {},
	".log":  {},
	".json": {},
	".xml":  {},
	".yaml": {},
	".yml":  {},
	".html": {},
	".htm":  {},
	".csv":  {},
}

// rejectedExtensions are formats no library in the stack reads reliably.
var rejectedExtensions = map[string]struct{}{
	".docx": {},
	".doc":  {},
	".mobi": {},
}

// Scraper extracts text and provenance metadata from local files. The hash
// and modification date feed ingestion idempotence checks.
type Scraper struct{}

func New() *Scraper { return &Scraper{} }

func (s *Scraper) Scrape(path string) (domain.ScrapedDocument, error) {
	content, err := s.extract(path)
	if err != nil {
		return domain.ScrapedDocument{}, err
	}

	hash, err := s.Hash(path)
	if err != nil {
		return domain.ScrapedDocument{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return domain.ScrapedDocument{}, fmt.Errorf("stat %s: %w", path, err)
	}

	return domain.ScrapedDocument{
		Content: content,
		Meta: domain.ChunkMetadata{
			FilePath: path,
			Hash:     hash,
			ModDate:  info.ModTime().Format(time.RFC3339),
		},
	}, nil
}

// Hash returns the hex sha256 of the file contents.
func (s *Scraper) Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Scraper) extract(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))

	if _, rejected := rejectedExtensions[ext]; rejected {
		return "", domain.WrapError(domain.ErrScrapeFailed, "extract "+path,
			fmt.Errorf("unsupported format %s", ext))
	}

	switch ext {
	case ".pdf":
		return extractPDF(path)
	case ".xlsx":
		return extractXLSX(path)
	case ".epub":
		return extractEPUB(path)
	}

	if _, ok := plaintextExtensions[ext]; ok {
		return extractPlaintext(path)
	}

	// unknown extensions get one chance as text
	text, err := extractPlaintext(path)
	if err != nil {
		return "", domain.WrapError(domain.ErrScrapeFailed, "extract "+path, err)
	}
	return text, nil
}

func extractPlaintext(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(raw) {
		return "", domain.WrapError(domain.ErrScrapeFailed, "read "+path,
			errors.New("binary content in text extension"))
	}
	return strings.TrimSpace(string(raw)), nil
}

func extractPDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", domain.WrapError(domain.ErrScrapeFailed, "open pdf "+path, err)
	}
	defer f.Close()

	textReader, err := reader.GetPlainText()
	if err != nil {
		return "", domain.WrapError(domain.ErrScrapeFailed, "extract pdf "+path, err)
	}
	var b bytes.Buffer
	if _, err := io.Copy(&b, textReader); err != nil {
		return "", domain.WrapError(domain.ErrScrapeFailed, "read pdf "+path, err)
	}
	return strings.TrimSpace(b.String()), nil
}

func extractXLSX(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", domain.WrapError(domain.ErrScrapeFailed, "open xlsx "+path, err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", domain.WrapError(domain.ErrScrapeFailed, "read xlsx sheet "+sheet, err)
		}
		b.WriteString(sheet + "\n")
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t") + "\n")
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// extractEPUB treats the file as the zip of XHTML chapters it is, in archive
// order with a stable sort for reproducibility.
func extractEPUB(path string) (string, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return "", domain.WrapError(domain.ErrScrapeFailed, "open epub "+path, err)
	}
	defer archive.Close()

	var chapters []*zip.File
	for _, file := range archive.File {
		name := strings.ToLower(file.Name)
		if strings.HasSuffix(name, ".xhtml") || strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm") {
			chapters = append(chapters, file)
		}
	}
	sort.Slice(chapters, func(i, j int) bool { return chapters[i].Name < chapters[j].Name })

	var b strings.Builder
	for _, chapter := range chapters {
		rc, err := chapter.Open()
		if err != nil {
			return "", domain.WrapError(domain.ErrScrapeFailed, "open epub chapter "+chapter.Name, err)
		}
		doc, err := html.Parse(rc)
		rc.Close()
		if err != nil {
			return "", domain.WrapError(domain.ErrScrapeFailed, "parse epub chapter "+chapter.Name, err)
		}
		if text := webfetch.ExtractText(doc); text != "" {
			b.WriteString(text + "\n\n")
		}
	}
	return strings.TrimSpace(b.String()), nil
}
