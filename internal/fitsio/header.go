// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package fitsio

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
)

const fitsBlockSize = 2880 // FITS header/data unit block size, bytes
const headerLineSize = 80  // FITS header line size, bytes

// Header holds all keyword records of a FITS primary HDU, split by value
// type the way the teacher's reader groups them: typed maps are cheap to
// query (EXPTIME, GAIN, RA, DEC, BAYERPAT, ...) without re-parsing strings.
type Header struct {
	Bools   map[string]bool
	Ints    map[string]int32
	Floats  map[string]float32
	Strings map[string]string
	Dates   map[string]string

	Comments []string
	History  []string
	End      bool
	Length   int32
}

// NewHeader returns a header with initialized, empty maps.
func NewHeader() Header {
	return Header{
		Bools:   make(map[string]bool),
		Ints:    make(map[string]int32),
		Floats:  make(map[string]float32),
		Strings: make(map[string]string),
		Dates:   make(map[string]string),
	}
}

// SetInt, SetFloat and SetString record a caller-supplied header keyword for
// writing, per spec 4.2 "Save FITS from array: write headers supplied by caller".
func (h *Header) SetInt(key string, v int32)      { h.Ints[key] = v }
func (h *Header) SetFloat(key string, v float32)  { h.Floats[key] = v }
func (h *Header) SetString(key string, v string)  { h.Strings[key] = v }

// Clone returns a deep copy of the header's maps and slices.
func (h *Header) Clone() Header {
	out := NewHeader()
	for k, v := range h.Bools {
		out.Bools[k] = v
	}
	for k, v := range h.Ints {
		out.Ints[k] = v
	}
	for k, v := range h.Floats {
		out.Floats[k] = v
	}
	for k, v := range h.Strings {
		out.Strings[k] = v
	}
	for k, v := range h.Dates {
		out.Dates[k] = v
	}
	out.Comments = append([]string(nil), h.Comments...)
	out.History = append([]string(nil), h.History...)
	out.End = h.End
	out.Length = h.Length
	return out
}

// IntOrFloat returns a header value that may have been written as either an
// integer or a float keyword, as FITS writers disagree on which to use for
// e.g. GAIN.
func (h *Header) IntOrFloat(key string) (float32, bool) {
	if v, ok := h.Ints[key]; ok {
		return float32(v), true
	}
	if v, ok := h.Floats[key]; ok {
		return v, true
	}
	return 0, false
}

var headerLineRE = compileHeaderLineRE()

func compileHeaderLineRE() *regexp.Regexp {
	white, whiteOpt := `\s+`, `\s*`
	histLine := "HISTORY" + white + "(?P<H>.*)"
	commLine := "COMMENT" + white + "(?P<C>.*)"
	endLine := "(?P<E>END)" + whiteOpt
	key := "(?P<k>[A-Z0-9_-]+)"
	boo := "(?P<b>[TF])"
	inte := `(?P<i>[+-]?[0-9]+)`
	floa := `(?P<f>[+-]?[0-9]*\.[0-9]*(?:[ED][-+]?[0-9]+)?)`
	stri := `'(?P<s>[^']*)'`
	date := `(?P<d>[0-9]{1,4}-?[012][0-9]-?[0123][0-9]T[012][0-9]:?[0-5][0-9]:?[0-5][0-9].?[0-9]*)`
	val := "(?:" + boo + "|" + inte + "|" + floa + "|" + stri + "|" + date + ")"
	commOpt := "(?:/(?P<c>.*))?"
	keyLine := key + whiteOpt + "=" + whiteOpt + val + whiteOpt + commOpt
	lineRE := "^(?:" + white + "|" + histLine + "|" + commLine + "|" + keyLine + "|" + endLine + ")$"
	return regexp.MustCompile(lineRE)
}

// readHeader consumes 2880-byte blocks from r until the END card, populating h.
func readHeader(r io.Reader, id int) (Header, error) {
	h := NewHeader()
	buf := make([]byte, fitsBlockSize)
	for !h.End {
		n, err := io.ReadFull(r, buf)
		if err != nil || n != fitsBlockSize {
			return h, fmt.Errorf("frame %d: reading FITS header: %w", id, err)
		}
		h.Length += int32(n)
		for line := 0; line < fitsBlockSize/headerLineSize && !h.End; line++ {
			rec := buf[line*headerLineSize : (line+1)*headerLineSize]
			m := headerLineRE.FindSubmatch(rec)
			if m == nil {
				continue // unparsable line, ignored like a blank filler card
			}
			h.applyMatch(headerLineRE.SubexpNames(), m)
		}
	}
	return h, nil
}

func (h *Header) applyMatch(names []string, values [][]byte) {
	key := ""
	for i := 1; i < len(names); i++ {
		if values[i] == nil || len(names[i]) != 1 {
			continue
		}
		switch names[i][0] {
		case 'E':
			h.End = true
		case 'H':
			h.History = append(h.History, string(values[i]))
		case 'C':
			h.Comments = append(h.Comments, string(values[i]))
		case 'k':
			key = string(values[i])
		case 'b':
			if len(values[i]) > 0 {
				h.Bools[key] = values[i][0] == 'T' || values[i][0] == 't'
			}
		case 'i':
			if v, err := strconv.ParseInt(string(values[i]), 10, 64); err == nil {
				h.Ints[key] = int32(v)
			}
		case 'f':
			if v, err := strconv.ParseFloat(string(values[i]), 64); err == nil {
				h.Floats[key] = float32(v)
			}
		case 's':
			h.Strings[key] = string(values[i])
		case 'd':
			h.Dates[key] = string(values[i])
		}
	}
}

// writeHeader serializes ints/floats/strings/bools as FITS 80-column cards,
// padding with blank cards to the next 2880-byte block, per spec 4.2.
func writeHeader(w io.Writer, h Header, bitpix int32, naxisn []int32) error {
	var lines []string
	lines = append(lines, card("SIMPLE", true, ""))
	lines = append(lines, card("BITPIX", bitpix, ""))
	lines = append(lines, card("NAXIS", int32(len(naxisn)), ""))
	for i, n := range naxisn {
		lines = append(lines, card(fmt.Sprintf("NAXIS%d", i+1), n, ""))
	}
	for k, v := range h.Strings {
		lines = append(lines, card(k, v, ""))
	}
	for k, v := range h.Ints {
		lines = append(lines, card(k, v, ""))
	}
	for k, v := range h.Floats {
		lines = append(lines, card(k, v, ""))
	}
	for k, v := range h.Bools {
		lines = append(lines, card(k, v, ""))
	}
	lines = append(lines, fmt.Sprintf("%-80s", "END"))

	blockChars := 0
	for _, l := range lines {
		if _, err := io.WriteString(w, l); err != nil {
			return err
		}
		blockChars += len(l)
	}
	pad := (fitsBlockSize - blockChars%fitsBlockSize) % fitsBlockSize
	if pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}
	return nil
}

func card(key string, value interface{}, comment string) string {
	var v string
	switch t := value.(type) {
	case bool:
		if t {
			v = "T"
		} else {
			v = "F"
		}
	case string:
		v = "'" + t + "'"
	case int32:
		v = strconv.FormatInt(int64(t), 10)
	case float32:
		v = strconv.FormatFloat(float64(t), 'G', 8, 32)
	default:
		v = fmt.Sprintf("%v", t)
	}
	line := fmt.Sprintf("%-8s= %20s", key, v)
	if comment != "" {
		line += " / " + comment
	}
	if len(line) > headerLineSize {
		line = line[:headerLineSize]
	}
	return fmt.Sprintf("%-80s", line)
}
