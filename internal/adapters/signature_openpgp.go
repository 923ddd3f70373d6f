package adapters

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"
)

// OpenPGPVerifierAdapter checks detached Release signatures against the
// configured keyrings. Keyrings may be armored or binary.
type OpenPGPVerifierAdapter struct {
	keyring openpgp.EntityList
}

func NewOpenPGPVerifierAdapter(keyringPaths []string) (OpenPGPVerifierAdapter, error) {
	var keyring openpgp.EntityList
	for _, path := range keyringPaths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		entities, err := readKeyRing(path)
		if err != nil {
			return OpenPGPVerifierAdapter{}, err
		}
		keyring = append(keyring, entities...)
	}
	return OpenPGPVerifierAdapter{keyring: keyring}, nil
}

func readKeyRing(path string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeNotFound).
			WithMsg("failed to read keyring").
			WithCause(err)
	}
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		entities, err = openpgp.ReadKeyRing(bytes.NewReader(data))
		if err != nil {
			return nil, errbuilder.New().
				WithCode(errbuilder.CodeInvalidArgument).
				WithMsg("failed to parse keyring " + path).
				WithCause(err)
		}
	}
	return entities, nil
}

func (a OpenPGPVerifierAdapter) Len() int {
	return len(a.keyring)
}

// Verify returns false for a signature that does not check out and an
// error only when the inputs cannot be read at all.
func (a OpenPGPVerifierAdapter) Verify(ctx context.Context, signaturePath string, dataPath string) (bool, error) {
	if len(a.keyring) == 0 {
		return false, errbuilder.New().
			WithCode(errbuilder.CodeFailedPrecondition).
			WithMsg("no trusted keys configured")
	}
	signature, err := os.ReadFile(signaturePath)
	if err != nil {
		return false, errbuilder.New().
			WithCode(errbuilder.CodeNotFound).
			WithMsg("failed to read signature").
			WithCause(err)
	}
	data, err := os.ReadFile(dataPath)
	if err != nil {
		return false, errbuilder.New().
			WithCode(errbuilder.CodeNotFound).
			WithMsg("failed to read signed file").
			WithCause(err)
	}
	if bytes.HasPrefix(bytes.TrimSpace(signature), []byte("-----BEGIN")) {
		_, err = openpgp.CheckArmoredDetachedSignature(a.keyring, bytes.NewReader(data), bytes.NewReader(signature), nil)
	} else {
		_, err = openpgp.CheckDetachedSignature(a.keyring, bytes.NewReader(data), bytes.NewReader(signature), nil)
	}
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("signature", signaturePath).Msg("signature rejected")
		return false, nil
	}
	return true, nil
}
