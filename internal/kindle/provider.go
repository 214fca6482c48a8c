package kindle

import (
	"github.com/rs/zerolog/log"

	"github.com/sjzar/dedrm/internal/credential"
)

// CandidatePIDs collects every PID the provider can produce for a book:
// explicit PIDs first, then serial PIDs, then device key PIDs. Duplicates
// are dropped and the order is stable.
func CandidatePIDs(prov credential.Provider, meta *BookMeta) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(pids ...string) {
		for _, p := range pids {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}

	for c := range prov.All(credential.KindMobiPID) {
		add(c.Text())
	}
	for c := range prov.All(credential.KindKindleSerial) {
		add(SerialPIDs(c.Text(), meta)...)
	}
	for c := range prov.All(credential.KindKindleDeviceKey) {
		pids, err := K4PIDs(c, meta)
		if err != nil {
			log.Debug().Err(err).Str("key", c.String()).Msg("skip device key")
			continue
		}
		add(pids...)
	}
	return out
}

// UsableKinds are the credential kinds CandidatePIDs draws from.
var UsableKinds = []credential.Kind{
	credential.KindMobiPID,
	credential.KindKindleSerial,
	credential.KindKindleDeviceKey,
}
