package ports

import "context"

// DecompressorPort turns a fetched Packages file into its plain form. The
// empty extension is a pass-through that returns inputPath unchanged.
type DecompressorPort interface {
	Decompress(ctx context.Context, inputPath string, ext string) (string, error)
	SupportedExtensions() []string
}
