package content

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/xuri/excelize/v2"
)

// RuleError indicates the rule table could not be loaded or was malformed.
// It is never fatal: the caller logs it and falls back to the built-in
// default templates.
type RuleError struct {
	Source string
	Err    error
}

func (e *RuleError) Error() string { return fmt.Sprintf("content rules %s: %v", e.Source, e.Err) }
func (e *RuleError) Unwrap() error { return e.Err }

// LoadRules loads the spreadsheet rule table. Mode is "local" (read the
// file at path), "remote" (download from url), or "auto" (local file when
// present, remote when a URL is configured, otherwise no rules at all).
func LoadRules(ctx context.Context, mode, path, url string, timeout time.Duration) ([]Rule, error) {
	switch mode {
	case "local":
		return loadLocal(path)
	case "remote":
		return loadRemote(ctx, url, timeout)
	default: // auto
		if _, err := os.Stat(path); err == nil {
			return loadLocal(path)
		}
		if url != "" {
			return loadRemote(ctx, url, timeout)
		}
		return nil, nil
	}
}

func loadLocal(path string) ([]Rule, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, &RuleError{Source: path, Err: err}
	}
	defer f.Close()
	return parseWorkbook(f, path)
}

func loadRemote(ctx context.Context, url string, timeout time.Duration) ([]Rule, error) {
	client := resty.New().SetTimeout(timeout).SetRetryCount(2)
	resp, err := client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, &RuleError{Source: url, Err: err}
	}
	if resp.StatusCode() != 200 {
		return nil, &RuleError{Source: url, Err: fmt.Errorf("unexpected status: %d", resp.StatusCode())}
	}

	f, err := excelize.OpenReader(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, &RuleError{Source: url, Err: err}
	}
	defer f.Close()
	return parseWorkbook(f, url)
}

// parseWorkbook reads the first sheet. The header row names the columns
// (severity, event, template, media, override, in any order); only
// template is mandatory. Rows without a template are skipped.
func parseWorkbook(f *excelize.File, source string) ([]Rule, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &RuleError{Source: source, Err: fmt.Errorf("workbook has no sheets")}
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, &RuleError{Source: source, Err: fmt.Errorf("read rows: %w", err)}
	}
	if len(rows) == 0 {
		return nil, nil
	}

	cols := make(map[string]int)
	for i, name := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	tmplCol, ok := cols["template"]
	if !ok {
		return nil, &RuleError{Source: source, Err: fmt.Errorf("header row has no template column")}
	}

	var rules []Rule
	for _, row := range rows[1:] {
		tmpl := cell(row, tmplCol)
		if tmpl == "" {
			continue
		}
		rules = append(rules, Rule{
			Severity: strings.ToLower(cell(row, col(cols, "severity"))),
			Event:    strings.ToLower(cell(row, col(cols, "event"))),
			Template: tmpl,
			MediaURL: cell(row, col(cols, "media")),
			Override: strings.EqualFold(cell(row, col(cols, "override")), "true"),
		})
	}
	return rules, nil
}

func col(cols map[string]int, name string) int {
	if i, ok := cols[name]; ok {
		return i
	}
	return -1
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
