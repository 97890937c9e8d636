package preprocess

import (
	"bytes"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// processPDF splits a PDF into canonical pages. Pages are extracted
// with pdfcpu into a temp directory and grouped by page number from
// the generated filenames, preserving document order.
func (p *Preprocessor) processPDF(data []byte, filename string) ([]Page, error) {
	tempDir, err := os.MkdirTemp("", "idex-pdf-*")
	if err != nil {
		return nil, &DecodeError{Filename: filename, Err: err}
	}
	defer func() { _ = os.RemoveAll(tempDir) }()

	src := filepath.Join(tempDir, "input.pdf")
	if err := os.WriteFile(src, data, 0o600); err != nil {
		return nil, &DecodeError{Filename: filename, Err: err}
	}

	outDir := filepath.Join(tempDir, "pages")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, &DecodeError{Filename: filename, Err: err}
	}
	if err := api.ExtractImagesFile(src, outDir, nil, nil); err != nil {
		return nil, &DecodeError{Filename: filename, Err: err}
	}

	byPage, err := collectPageImages(outDir)
	if err != nil {
		return nil, &DecodeError{Filename: filename, Err: err}
	}
	if len(byPage) == 0 {
		return nil, &EmptyDocumentError{Filename: filename}
	}

	pageNums := make([]int, 0, len(byPage))
	for n := range byPage {
		pageNums = append(pageNums, n)
	}
	sort.Ints(pageNums)

	pages := make([]Page, 0, len(pageNums))
	for i, n := range pageNums {
		pages = append(pages, Page{Index: i, Image: p.normalize(byPage[n])})
	}
	return pages, nil
}

// collectPageImages walks the extraction directory and keeps the first
// image found for each page number.
func collectPageImages(dir string) (map[int]image.Image, error) {
	result := make(map[int]image.Image)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		pageNum, err := parsePageFromFilename(info.Name())
		if err != nil {
			return nil
		}
		if _, have := result[pageNum]; have {
			return nil
		}
		data, err := os.ReadFile(path) //nolint:gosec // G304: temp dir we created
		if err != nil {
			return nil
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil
		}
		result[pageNum] = img
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// parsePageFromFilename extracts the page number from a pdfcpu
// extracted filename such as page_1_image_1.png.
func parsePageFromFilename(filename string) (int, error) {
	if !strings.HasPrefix(filename, "page_") {
		return 0, errors.New("not a page file")
	}
	parts := strings.Split(filename, "_")
	if len(parts) < 2 {
		return 0, errors.New("invalid filename format")
	}
	pageNum, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, errors.New("invalid page number")
	}
	return pageNum, nil
}
