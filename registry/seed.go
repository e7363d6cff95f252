package registry

import (
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// SeedConfig is the static bootstrap solver list, mirroring the teacher's
// builders.yaml shape (mevshare/builders.go LoadBuilderConfig) so a chain
// can serve quotes before any solver has dynamically registered.
type SeedConfig struct {
	Solvers []struct {
		ChainID  uint64 `yaml:"chainId"`
		Address  string `yaml:"address"`
		Name     string `yaml:"name"`
		Endpoint string `yaml:"endpoint"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"solvers"`
}

// LoadSeedFile parses a solvers.yaml bootstrap file and upserts its
// entries directly into the chain tables, bypassing signature/bond checks
// since seed entries are operator-trusted, not solver-submitted.
func (r *Registry) LoadSeedFile(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	var cfg SeedConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	registeredAt := r.cfg.Now()
	for _, sv := range cfg.Solvers {
		if sv.Disabled {
			continue
		}
		address := common.HexToAddress(sv.Address)
		chain, ok := r.byChain[sv.ChainID]
		if !ok {
			chain = make(map[common.Address]*record)
			r.byChain[sv.ChainID] = chain
		}
		chain[address] = &record{Address: address, Name: sv.Name, Endpoint: sv.Endpoint, RegisteredAt: registeredAt}
	}
	return nil
}
