package dedrm

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/pkg/util"
)

// CommandSeal writes every credential of the pool, plus extra, to a sealed
// key store at out.
func (m *Manager) CommandSeal(out, passphrase string, extra ...credential.Credential) (int, error) {
	if passphrase == "" {
		return 0, errors.InvalidArg("passphrase")
	}
	p := credential.NewPool(extra...)
	p.Merge(m.pool)
	if p.Len() == 0 {
		return 0, errors.InvalidArg("no credentials to seal")
	}
	data, err := credential.Seal(p, passphrase)
	if err != nil {
		return 0, err
	}
	if err := util.WriteFileAtomic(out, data, 0o600); err != nil {
		return 0, errors.WriteOutputFailed(err)
	}
	log.Info().Str("file", out).Int("credentials", p.Len()).Msg("key store sealed")
	return p.Len(), nil
}

// CommandUnseal opens a sealed key store and returns it as a JSON bundle,
// the format .json key files are read in.
func (m *Manager) CommandUnseal(in, passphrase string) ([]byte, error) {
	data, err := os.ReadFile(in)
	if err != nil {
		return nil, errors.ReadFileFailed(in, err)
	}
	p, err := credential.Unseal(data, passphrase)
	if err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(credential.BundleOf(p), "", "  ")
	if err != nil {
		return nil, errors.New(err, errors.KindInternal, "encode bundle")
	}
	return b, nil
}
