package content

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrNoText is returned when a document parses but carries no text.
var ErrNoText = errors.New("document contains no text")

// ExtractText converts an Office Open XML payload into plain text.
func ExtractText(mediaType string, data []byte) (string, error) {
	var (
		text string
		err  error
	)
	switch NormalizeMIME(mediaType) {
	case MIMEDocx:
		text, err = extractDocx(data)
	case MIMEXlsx:
		text, err = extractXlsx(data)
	case MIMEPptx:
		text, err = extractPptx(data)
	default:
		return "", fmt.Errorf("no extractor for %q", mediaType)
	}
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

func openZipEntry(zr *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("missing %s", name)
}

// extractDocx renders paragraphs one per line and table rows as cells joined by " | ".
func extractDocx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	rc, err := openZipEntry(zr, "word/document.xml")
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()

	var (
		out     strings.Builder
		para    strings.Builder
		cell    []string
		row     []string
		inText  bool
		tblDeep int
	)

	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte('\n')
			case "p":
				para.Reset()
			case "tbl":
				tblDeep++
			case "tr":
				row = row[:0]
			case "tc":
				cell = cell[:0]
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				s := strings.TrimSpace(para.String())
				para.Reset()
				if s == "" {
					continue
				}
				if tblDeep > 0 {
					cell = append(cell, s)
				} else {
					out.WriteString(s)
					out.WriteByte('\n')
				}
			case "tc":
				row = append(row, strings.Join(cell, " "))
			case "tr":
				if len(row) > 0 {
					out.WriteString(strings.Join(row, " | "))
					out.WriteByte('\n')
				}
			case "tbl":
				tblDeep--
			}
		}
	}
	return out.String(), nil
}

// extractXlsx renders every non-empty sheet as a "## name" header followed
// by tab-separated rows.
func extractXlsx(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	var out strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("sheet %q: %w", sheet, err)
		}
		var body strings.Builder
		for _, r := range rows {
			line := strings.TrimRight(strings.Join(r, "\t"), "\t")
			if strings.TrimSpace(line) == "" {
				continue
			}
			body.WriteString(line)
			body.WriteByte('\n')
		}
		if body.Len() == 0 {
			continue
		}
		out.WriteString("## ")
		out.WriteString(sheet)
		out.WriteByte('\n')
		out.WriteString(body.String())
	}
	return out.String(), nil
}

var slidePattern = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// extractPptx renders the text of every slide that has any, in slide order,
// under a "## Slide N" header.
func extractPptx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	type slide struct {
		n int
		f *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		m := slidePattern.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{n: n, f: f})
	}
	if len(slides) == 0 {
		return "", errors.New("no slides")
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	var out strings.Builder
	for _, s := range slides {
		text, err := slideText(s.f)
		if err != nil {
			return "", fmt.Errorf("slide %d: %w", s.n, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		fmt.Fprintf(&out, "## Slide %d\n", s.n)
		out.WriteString(text)
		out.WriteByte('\n')
	}
	return out.String(), nil
}

func slideText(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()

	var (
		lines  []string
		para   strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "p":
				para.Reset()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(para.String()); s != "" {
					lines = append(lines, s)
				}
				para.Reset()
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}
