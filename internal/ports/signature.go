package ports

import "context"

// SignatureVerifierPort checks a detached signature over a data file.
type SignatureVerifierPort interface {
	Verify(ctx context.Context, signaturePath string, dataPath string) (bool, error)
}
