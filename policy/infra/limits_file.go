package infra

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"modoboa-policyd/policy/domain"
)

// FileLimitSource lê os limites de um arquivo YAML:
//
//	domains:
//	  test.com: 100
//	accounts:
//	  user@test.com: 20
//	  other@test.com: ~   # ilimitada
type FileLimitSource struct {
	Path string
}

type limitsFile struct {
	Domains  map[string]*int64 `yaml:"domains"`
	Accounts map[string]*int64 `yaml:"accounts"`
}

func (s FileLimitSource) Limits(_ context.Context) ([]domain.Limit, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read limits file %s: %w", s.Path, err)
	}

	var f limitsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse limits file %s: %w", s.Path, err)
	}

	domains, err := collectLimits(f.Domains, domain.KindDomain)
	if err != nil {
		return nil, fmt.Errorf("limits file %s: %w", s.Path, err)
	}
	accounts, err := collectLimits(f.Accounts, domain.KindAccount)
	if err != nil {
		return nil, fmt.Errorf("limits file %s: %w", s.Path, err)
	}
	return append(domains, accounts...), nil
}

func collectLimits(m map[string]*int64, kind domain.Kind) ([]domain.Limit, error) {
	out := make([]domain.Limit, 0, len(m))
	for name, v := range m {
		if v == nil {
			continue
		}
		key := domain.NormalizeKey(name)
		if key == "" {
			continue
		}
		if *v < 0 {
			return nil, fmt.Errorf("negative limit %d for %s", *v, name)
		}
		out = append(out, domain.Limit{Identity: domain.Identity{Key: key, Kind: kind}, Value: *v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Key < out[j].Identity.Key })
	return out, nil
}

// MultiLimitSource concatena fontes; em chave repetida vale a última fonte,
// mantendo a posição da primeira ocorrência.
type MultiLimitSource []domain.LimitSource

func (m MultiLimitSource) Limits(ctx context.Context) ([]domain.Limit, error) {
	var out []domain.Limit
	pos := make(map[domain.Key]int)
	for _, src := range m {
		limits, err := src.Limits(ctx)
		if err != nil {
			return nil, err
		}
		for _, l := range limits {
			if i, ok := pos[l.Identity.Key]; ok {
				out[i] = l
				continue
			}
			pos[l.Identity.Key] = len(out)
			out = append(out, l)
		}
	}
	return out, nil
}
