// Package ui formats command-line output: status messages, task tables,
// sizes and errors.
package ui

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/types"
)

// Color constants for terminal output.
const (
	ColorReset   = "\033[0m"
	ColorRed     = "\033[31m"
	ColorGreen   = "\033[32m"
	ColorYellow  = "\033[33m"
	ColorBlue    = "\033[34m"
	ColorMagenta = "\033[35m"
	ColorCyan    = "\033[36m"
)

// MessageType selects the prefix and color of a message.
type MessageType int

const (
	MessageInfo MessageType = iota
	MessageSuccess
	MessageWarning
	MessageError
)

// Formatter writes styled output.
type Formatter struct {
	colorEnabled bool
	writer       io.Writer
}

// IsColorSupported reports whether stdout is a color terminal. NO_COLOR
// disables color.
func IsColorSupported() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}

	term := os.Getenv("TERM")
	if term == "" || term == "dumb" {
		return false
	}

	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// NewFormatter creates a formatter writing to stdout.
func NewFormatter() *Formatter {
	return &Formatter{
		colorEnabled: IsColorSupported(),
		writer:       os.Stdout,
	}
}

// WithColor enables or disables color output.
func (f *Formatter) WithColor(enabled bool) *Formatter {
	f.colorEnabled = enabled
	return f
}

// WithWriter sets the output writer.
func (f *Formatter) WithWriter(w io.Writer) *Formatter {
	f.writer = w
	return f
}

// Writer returns the output writer.
func (f *Formatter) Writer() io.Writer {
	return f.writer
}

func (f *Formatter) colorize(color, text string) string {
	if !f.colorEnabled || color == "" {
		return text
	}
	return color + text + ColorReset
}

// FormatMessage renders a message with its type prefix.
func (f *Formatter) FormatMessage(msgType MessageType, format string, args ...interface{}) string {
	message := fmt.Sprintf(format, args...)

	switch msgType {
	case MessageSuccess:
		return f.colorize(ColorGreen, "SUCCESS: "+message)
	case MessageWarning:
		return f.colorize(ColorYellow, "WARNING: "+message)
	case MessageError:
		return f.colorize(ColorRed, "ERROR: "+message)
	default:
		return f.colorize(ColorBlue, "INFO: "+message)
	}
}

// PrintMessage writes a formatted message line.
func (f *Formatter) PrintMessage(msgType MessageType, format string, args ...interface{}) {
	_, _ = fmt.Fprintln(f.writer, f.FormatMessage(msgType, format, args...))
}

// FormatError renders err. A DownloadError gets its code, details and context
// on separate lines.
func (f *Formatter) FormatError(err error) string {
	if err == nil {
		return ""
	}

	var de *errors.DownloadError
	if !stderrors.As(err, &de) {
		return f.colorize(ColorRed, "✗ ERROR: "+err.Error())
	}

	lines := []string{
		f.colorize(ColorRed, "✗ ERROR: "+de.Message),
		f.colorize(ColorYellow, "CODE: "+de.Code.String()),
	}
	if de.Details != "" {
		lines = append(lines, f.colorize(ColorCyan, "DETAILS: "+de.Details))
	}
	if de.TaskID != "" {
		lines = append(lines, f.colorize(ColorBlue, "TASK: "+de.TaskID))
	}
	if de.URL != "" {
		lines = append(lines, f.colorize(ColorBlue, "URL: "+de.URL))
	}
	if de.HTTPStatusCode != 0 {
		lines = append(lines, f.colorize(ColorMagenta, fmt.Sprintf("HTTP STATUS: %d", de.HTTPStatusCode)))
	}
	if de.Underlying != nil {
		lines = append(lines, "CAUSE: "+de.Underlying.Error())
	}

	return strings.Join(lines, "\n")
}

// FormatStatus renders a task status with its icon.
func (f *Formatter) FormatStatus(status types.TaskStatus) string {
	var icon, color string

	switch status {
	case types.StatusPending:
		icon, color = "○", ColorYellow
	case types.StatusDownloading:
		icon, color = "●", ColorBlue
	case types.StatusCompleted:
		icon, color = "✓", ColorGreen
	case types.StatusFailed:
		icon, color = "✗", ColorRed
	case types.StatusPaused:
		icon, color = "⏸", ColorYellow
	default:
		icon = "?"
	}

	return f.colorize(color, icon+" "+string(status))
}

// FormatSize renders a byte count with binary units.
func FormatSize(size int64) string {
	if size < 0 {
		return "unknown"
	}
	if size < 1024 {
		return fmt.Sprintf("%d B", size)
	}

	value := float64(size)
	for _, unit := range []string{"KB", "MB", "GB", "TB"} {
		value /= 1024
		if value < 1024 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
	}
	return fmt.Sprintf("%.1f PB", value/1024)
}

// FormatDuration renders d as "1h 2m 3s", dropping empty leading units.
func FormatDuration(d time.Duration) string {
	seconds := int(d.Round(time.Second) / time.Second)
	if seconds <= 0 {
		return "-"
	}

	hours, minutes, secs := seconds/3600, (seconds%3600)/60, seconds%60

	var parts []string
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if secs > 0 {
		parts = append(parts, fmt.Sprintf("%ds", secs))
	}
	return strings.Join(parts, " ")
}

// TableFormatter lays out rows in padded columns.
type TableFormatter struct {
	Headers   []string
	Rows      [][]string
	formatter *Formatter
}

// NewTableFormatter creates a table with the given headers.
func (f *Formatter) NewTableFormatter(headers []string) *TableFormatter {
	return &TableFormatter{Headers: headers, formatter: f}
}

// AddRow adds a row to the table.
func (tf *TableFormatter) AddRow(row ...string) {
	tf.Rows = append(tf.Rows, row)
}

// Format renders the table. Widths count runes so status icons align.
func (tf *TableFormatter) Format() string {
	if len(tf.Headers) == 0 && len(tf.Rows) == 0 {
		return ""
	}

	widths := make([]int, len(tf.Headers))
	for i, h := range tf.Headers {
		widths[i] = visibleLen(h)
	}
	for _, row := range tf.Rows {
		for i, cell := range row {
			if i < len(widths) && visibleLen(cell) > widths[i] {
				widths[i] = visibleLen(cell)
			}
		}
	}

	lines := make([]string, 0, len(tf.Rows)+2)
	if len(tf.Headers) > 0 {
		lines = append(lines, tf.formatter.colorize(ColorCyan, formatRow(tf.Headers, widths)))

		sep := make([]string, len(widths))
		for i, w := range widths {
			sep[i] = strings.Repeat("-", w)
		}
		lines = append(lines, formatRow(sep, widths))
	}
	for _, row := range tf.Rows {
		lines = append(lines, formatRow(row, widths))
	}

	return strings.Join(lines, "\n")
}

func formatRow(row []string, widths []int) string {
	cells := make([]string, len(row))
	for i, cell := range row {
		if i < len(widths) && i < len(row)-1 {
			cell += strings.Repeat(" ", widths[i]-visibleLen(cell))
		}
		cells[i] = cell
	}
	return strings.Join(cells, " | ")
}

// visibleLen counts runes outside ANSI color sequences.
func visibleLen(s string) int {
	n, inEscape := 0, false
	for _, r := range s {
		switch {
		case r == '\033':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			n++
		}
	}
	return n
}
