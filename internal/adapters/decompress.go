package adapters

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"

	"aptsync/internal/types"
)

// decompressedSuffix is appended to the input path for the plain output.
const decompressedSuffix = ".decompressed"

// packagesExtensions is the order Packages variants are tried in; the empty
// extension is the uncompressed file.
var packagesExtensions = []string{"zst", "xz", "lzma", "bz2", "gz", ""}

type DecompressorAdapter struct{}

func NewDecompressorAdapter() DecompressorAdapter {
	return DecompressorAdapter{}
}

func (a DecompressorAdapter) SupportedExtensions() []string {
	return append([]string(nil), packagesExtensions...)
}

// Decompress writes the plain content of inputPath next to it. The input is
// left in place so a failed attempt never touches anything else.
func (a DecompressorAdapter) Decompress(ctx context.Context, inputPath string, ext string) (string, error) {
	if ext == "" {
		return inputPath, nil
	}
	open, ok := codecs[ext]
	if !ok {
		return "", types.NewSyncError(types.FailureUnsupportedExtension, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("unsupported compression").
			WithCause(fmt.Errorf("extension %q", ext)))
	}
	input, err := os.Open(inputPath)
	if err != nil {
		return "", types.NewSyncError(types.FailureDecompression, errbuilder.New().
			WithCode(errbuilder.CodeNotFound).
			WithMsg("failed to open compressed file").
			WithCause(err))
	}
	defer input.Close()

	outputPath := inputPath + decompressedSuffix
	output, err := os.Create(outputPath)
	if err != nil {
		return "", types.NewSyncError(types.FailureDecompression, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to create decompressed file").
			WithCause(err))
	}
	fail := func(kind types.FailureKind, msg string, cause error) (string, error) {
		output.Close()
		_ = os.Remove(outputPath)
		return "", types.NewSyncError(kind, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg(msg).
			WithCause(cause))
	}

	reader, closeReader, err := open(input)
	if err != nil {
		return fail(types.FailureCorruptArchive, "corrupt "+ext+" archive", err)
	}
	defer closeReader()
	if _, err := io.Copy(output, &contextReader{ctx: ctx, reader: reader}); err != nil {
		if ctx.Err() != nil {
			output.Close()
			_ = os.Remove(outputPath)
			return "", contextFailure(ctx, "decompression canceled")
		}
		return fail(types.FailureCorruptArchive, "corrupt "+ext+" archive", err)
	}
	if err := output.Close(); err != nil {
		_ = os.Remove(outputPath)
		return "", types.NewSyncError(types.FailureDecompression, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to write decompressed file").
			WithCause(err))
	}
	log.Ctx(ctx).Debug().Str("path", inputPath).Str("ext", ext).Msg("decompressed")
	return outputPath, nil
}

type openCodec func(io.Reader) (io.Reader, func(), error)

var codecs = map[string]openCodec{
	"zst": func(r io.Reader) (io.Reader, func(), error) {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	},
	"xz": func(r io.Reader) (io.Reader, func(), error) {
		dec, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, func() {}, nil
	},
	"lzma": func(r io.Reader) (io.Reader, func(), error) {
		dec, err := lzma.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, func() {}, nil
	},
	"bz2": func(r io.Reader) (io.Reader, func(), error) {
		return bzip2.NewReader(r), func() {}, nil
	},
	"gz": func(r io.Reader) (io.Reader, func(), error) {
		dec, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, func() { _ = dec.Close() }, nil
	},
}

type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.reader.Read(p)
}
