package gate

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/contentpipe/pkg/config"
)

// NewBuiltinChain builds the chain declared in cfg from the built-in
// scorers. corpus backs the plagiarism gate and may be nil.
func NewBuiltinChain(log logrus.FieldLogger, cfg *config.GatesConfig, corpus *Corpus) (*Chain, error) {
	gates := make([]Gate, 0, len(cfg.Items))

	for _, item := range cfg.Items {
		var scorer Scorer

		switch item.Name {
		case config.GateReadability:
			scorer = Readability{}
		case config.GateRelevance:
			scorer = Relevance{}
		case config.GateSEO:
			scorer = SEO{}
		case config.GatePlagiarism:
			scorer = Plagiarism{Corpus: corpus, MaxOverlap: item.MaxOverlap}
		default:
			return nil, fmt.Errorf("unknown gate %q", item.Name)
		}

		gates = append(gates, Gate{
			Name:      item.Name,
			Threshold: item.Threshold,
			Weight:    item.Weight,
			Mandatory: item.Mandatory,
			Scorer:    scorer,
		})
	}

	return NewChain(log, gates, cfg.Threshold, cfg.TimeoutDuration()), nil
}
