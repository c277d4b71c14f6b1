// Package export writes listings as CSV, JSON or XLSX.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/listings-cli/internal/model"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatXLSX:
		return f, nil
	default:
		return "", eris.Errorf("export: unknown format %q (valid: csv, json, xlsx)", s)
	}
}

// FormatForPath infers a format from a file extension.
func FormatForPath(path string) (Format, error) {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
}

// ContentType returns the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/csv"
	}
}

// Columns is the ordered tabular layout.
var Columns = []string{
	"Name",
	"Address",
	"Postcode",
	"Phone",
	"Website",
	"Email",
	"Categories",
	"Rating",
	"Review Count",
	"Opening Hours",
	"Latitude",
	"Longitude",
	"Quality Score",
	"Sources",
	"Industry",
	"Location",
	"Company Number",
	"Company Status",
	"Incorporated On",
	"SIC Codes",
}

// Numeric columns written as numbers in XLSX.
const (
	colRating      = 7
	colReviewCount = 8
)

// Row maps a record to its tabular columns.
func Row(r model.MergedRecord) []string {
	var number, status, incorporated, sic string
	if r.Registry != nil {
		number = r.Registry.Number
		status = r.Registry.Status
		incorporated = r.Registry.IncorporatedOn
		sic = strings.Join(r.Registry.SICCodes, "; ")
	}
	return []string{
		r.Name,
		r.Address,
		r.Postcode,
		r.Phone,
		r.Website,
		r.Email,
		strings.Join(r.Categories, "; "),
		formatFloat(r.Rating, 1),
		formatInt(r.ReviewCount),
		r.OpeningHours,
		formatFloat(r.Latitude, 6),
		formatFloat(r.Longitude, 6),
		strconv.FormatFloat(float64(r.Quality), 'f', 3, 64),
		strings.Join(r.Sources, "; "),
		r.Industry,
		r.Location,
		number,
		status,
		incorporated,
		sic,
	}
}

func formatFloat(f *float64, prec int) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', prec, 64)
}

func formatInt(i *int) string {
	if i == nil {
		return ""
	}
	return strconv.Itoa(*i)
}

// Write encodes records to w in the given format.
func Write(w io.Writer, f Format, records []model.MergedRecord) error {
	switch f {
	case FormatCSV:
		return writeCSV(w, records)
	case FormatJSON:
		return writeJSON(w, records)
	case FormatXLSX:
		return writeXLSX(w, records)
	default:
		return eris.Errorf("export: unknown format %q", f)
	}
}

// WriteFile writes records to path, inferring the format from the
// extension when f is empty.
func WriteFile(path string, f Format, records []model.MergedRecord) error {
	if f == "" {
		var err error
		if f, err = FormatForPath(path); err != nil {
			return err
		}
	}
	out, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "export: create file")
	}
	if err := Write(out, f, records); err != nil {
		out.Close() //nolint:errcheck
		return err
	}
	return eris.Wrap(out.Close(), "export: close file")
}

func writeCSV(w io.Writer, records []model.MergedRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, r := range records {
		if err := cw.Write(Row(r)); err != nil {
			return eris.Wrap(err, "export: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

func writeJSON(w io.Writer, records []model.MergedRecord) error {
	if records == nil {
		records = []model.MergedRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(records), "export: encode json")
}

const sheetName = "Listings"

func writeXLSX(w io.Writer, records []model.MergedRecord) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, c := range Columns {
		header.AddCell().SetString(c)
	}
	for _, r := range records {
		row := sheet.AddRow()
		for i, v := range Row(r) {
			cell := row.AddCell()
			switch {
			case i == colRating && r.Rating != nil:
				cell.SetFloat(*r.Rating)
			case i == colReviewCount && r.ReviewCount != nil:
				cell.SetInt(*r.ReviewCount)
			default:
				cell.SetString(v)
			}
		}
	}
	return eris.Wrap(f.Write(w), "export: write xlsx")
}
