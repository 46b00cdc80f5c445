// Package highlight applies ANSI terminal styling to the column values
// cdcwatch prints: JSON values get full lexical syntax highlighting,
// other normalized types get a lighter styling pass.
package highlight

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"

	"github.com/rowstream/cdc/event"
)

var (
	jsonLexer     chroma.Lexer
	jsonFormatter chroma.Formatter
	jsonStyle     *chroma.Style
)

func init() {
	jsonLexer = lexers.Get("json")
	jsonFormatter = formatters.Get("terminal256")
	jsonStyle = styles.Get("monokai")
}

// JSON returns s with ANSI terminal syntax highlighting applied, as chroma
// lexes it. On error or empty input, s is returned unchanged.
func JSON(s string) string {
	if s == "" {
		return s
	}

	iterator, err := jsonLexer.Tokenise(nil, s)
	if err != nil {
		return s
	}

	var buf bytes.Buffer
	if err := jsonFormatter.Format(&buf, jsonStyle, iterator); err != nil {
		return s
	}

	return strings.TrimRight(buf.String(), "\n")
}

var (
	nullStyle    = lipgloss.NewStyle().Faint(true).Italic(true)
	numberStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	stringStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("150"))
	bytesStyle   = lipgloss.NewStyle().Faint(true)
	decimalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
)

// Value renders a normalized column value the way cdcwatch's event list
// prints it, styled by its ColumnType.
func Value(v event.Value) string {
	if v.Null {
		return nullStyle.Render("NULL")
	}

	switch v.Type {
	case event.TypeI64:
		return numberStyle.Render(strconv.FormatInt(v.I64, 10))
	case event.TypeU64:
		return numberStyle.Render(strconv.FormatUint(v.U64, 10))
	case event.TypeF64:
		return numberStyle.Render(strconv.FormatFloat(v.F64, 'g', -1, 64))
	case event.TypeDecimal:
		return decimalStyle.Render(v.Decimal)
	case event.TypeBytes:
		return bytesStyle.Render(strconv.Quote(string(v.Bytes)))
	case event.TypeDate, event.TypeTimestamp:
		return stringStyle.Render(v.Time.Format("2006-01-02 15:04:05.999999"))
	case event.TypeTime:
		return stringStyle.Render(v.Str)
	case event.TypeJSON:
		return JSON(string(v.Bytes))
	default:
		return stringStyle.Render(strconv.Quote(v.Str))
	}
}
