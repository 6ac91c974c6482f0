package normalize

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/joseph-ayodele/secateur/constants"
	"github.com/joseph-ayodele/secateur/internal/entity"
)

// Options selects the rows a reduction keeps.
type Options struct {
	Filters   []entity.Filter
	NoHeaders bool
}

// Result describes a finished reduction.
type Result struct {
	Encoding    Encoding
	Dialect     Dialect
	RowsRead    int
	RowsWritten int
}

// Engine filters delimited text in a single streaming pass. Only the
// detection probes are ever held in memory.
type Engine struct {
	EncodingProbe int
	DialectProbe  int
	// Popular is the delimiter tried when sniffing fails.
	Popular rune
	Logger  *slog.Logger
}

// NewEngine returns an Engine using the default probe sizes.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		EncodingProbe: constants.DefaultEncodingProbeBytes,
		DialectProbe:  constants.DefaultDialectProbeBytes,
		Popular:       constants.PopularDelimiter,
		Logger:        logger,
	}
}

const ctxCheckEvery = 1024

// Reduce reads delimited text from src and writes the rows that pass opts to
// dst, using the source's own delimiter and encoding. UTF-8 output starts
// with a byte-order mark.
func (e *Engine) Reduce(ctx context.Context, src io.Reader, dst io.Writer, opts Options) (Result, error) {
	var res Result
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	encProbe := max(e.EncodingProbe, 16)
	raw := bufio.NewReaderSize(src, encProbe)
	prefix, err := raw.Peek(encProbe)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return res, fmt.Errorf("failed to read source: %w", err)
	}
	res.Encoding = DetectEncoding(prefix, len(prefix) == encProbe)
	if res.Encoding == UTF8 && bytes.HasPrefix(prefix, utf8BOM) {
		if _, err := raw.Discard(len(utf8BOM)); err != nil {
			return res, fmt.Errorf("failed to skip byte-order mark: %w", err)
		}
	}

	dialectProbe := max(e.DialectProbe, 16)
	text := bufio.NewReaderSize(decodeReader(raw, res.Encoding), dialectProbe)
	sample, err := text.Peek(dialectProbe)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return res, fmt.Errorf("failed to read source: %w", err)
	}
	res.Dialect = DetectDialect(sample, len(sample) == dialectProbe, e.Popular)
	logger.Debug("detected source format",
		"encoding", res.Encoding,
		"delimiter", string(res.Dialect.Delimiter),
		"sniffed", res.Dialect.Sniffed)

	r := csv.NewReader(text)
	r.Comma = res.Dialect.Delimiter
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	r.TrimLeadingSpace = res.Dialect.SkipInitialSpace

	out := bufio.NewWriter(dst)
	if res.Encoding == UTF8 {
		if _, err := out.Write(utf8BOM); err != nil {
			return res, fmt.Errorf("failed to write byte-order mark: %w", err)
		}
	}
	enc := encodeWriter(out, res.Encoding)
	w := csv.NewWriter(enc)
	w.Comma = res.Dialect.Delimiter

	filter, err := writeHeader(r, w, opts, logger)
	if err != nil {
		return res, err
	}

	var buf []string
	if filter != nil {
		for {
			record, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return res, fmt.Errorf("failed to parse row %d: %w", res.RowsRead+1, err)
			}
			res.RowsRead++
			if res.RowsRead%ctxCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return res, err
				}
			}
			if !filter.match(record) {
				continue
			}
			buf = filter.shape(record, buf)
			if err := w.Write(buf); err != nil {
				return res, fmt.Errorf("failed to write row: %w", err)
			}
			res.RowsWritten++
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return res, fmt.Errorf("failed to write output: %w", err)
	}
	if err := enc.Close(); err != nil {
		return res, fmt.Errorf("failed to encode output: %w", err)
	}
	if err := out.Flush(); err != nil {
		return res, fmt.Errorf("failed to flush output: %w", err)
	}
	return res, nil
}

// writeHeader consumes and emits the header in headered mode and builds the
// row filter. A nil filter means the source had no rows at all.
func writeHeader(r *csv.Reader, w *csv.Writer, opts Options, logger *slog.Logger) (*rowFilter, error) {
	if opts.NoHeaders {
		return newPositionalFilter(opts.Filters), nil
	}
	record, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	header := append([]string(nil), record...)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	for _, f := range opts.Filters {
		found := false
		for _, name := range header {
			if name == f.Column {
				found = true
				break
			}
		}
		if !found {
			logger.Warn("filter column not in header, no rows will match", "column", f.Column)
		}
	}
	return newHeaderedFilter(header, opts.Filters), nil
}
