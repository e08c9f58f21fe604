package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lvonguyen/chainwatch/internal/errs"
	"github.com/lvonguyen/chainwatch/internal/threat"
)

// OnChainConfig configures the on-chain analysis adapter, which reads
// flagged-address reports from a chain indexer and applies local heuristics
// to classify them.
type OnChainConfig struct {
	Name        string        `yaml:"name"`
	IndexerURL  string        `yaml:"indexer_url"`
	Network     string        `yaml:"network"`
	Reliability int           `yaml:"reliability"`
	PageLimit   int           `yaml:"page_limit"`
	Timeout     time.Duration `yaml:"timeout"`
}

func DefaultOnChainConfig() OnChainConfig {
	return OnChainConfig{
		Name:        "onchain",
		Network:     "ethereum",
		Reliability: 80,
		PageLimit:   50,
		Timeout:     30 * time.Second,
	}
}

// OnChainAdapter converts indexer flag reports into observations. The
// indexer only flags; threat type, category and severity are decided here
// from the reported behavior counters.
type OnChainAdapter struct {
	cfg    OnChainConfig
	client *http.Client
}

func NewOnChainAdapter(cfg OnChainConfig) (*OnChainAdapter, error) {
	if cfg.IndexerURL == "" {
		return nil, errs.Validation("on-chain adapter requires an indexer url")
	}
	def := DefaultOnChainConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Network == "" {
		cfg.Network = def.Network
	}
	if cfg.Reliability <= 0 {
		cfg.Reliability = def.Reliability
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = def.PageLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &OnChainAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (a *OnChainAdapter) Name() string            { return a.cfg.Name }
func (a *OnChainAdapter) Kind() threat.SourceKind { return threat.SourceOnChain }
func (a *OnChainAdapter) Reliability() int        { return a.cfg.Reliability }

// flagReport is one flagged address as the indexer reports it.
type flagReport struct {
	Address         string   `json:"address"`
	TxHashes        []string `json:"tx_hashes,omitempty"`
	ApprovalDrains  int      `json:"approval_drains"`
	VictimCount     int      `json:"victim_count"`
	LiquidityPulled bool     `json:"liquidity_pulled"`
	SellBlocked     bool     `json:"sell_blocked"`
	MixerHops       int      `json:"mixer_hops"`
	FirstFlagged    string   `json:"first_flagged,omitempty"`
}

type flagPage struct {
	Reports    []flagReport `json:"reports"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

func (a *OnChainAdapter) Fetch(ctx context.Context, cursor string) (*FetchResult, error) {
	q := url.Values{}
	q.Set("network", a.cfg.Network)
	q.Set("limit", fmt.Sprintf("%d", a.cfg.PageLimit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	fullURL := strings.TrimSuffix(a.cfg.IndexerURL, "/") + "/flags?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, errs.Adapter(a.cfg.Name+": building request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "chainwatch/1.0")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errs.Adapter(a.cfg.Name+": fetching flags", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.Adapter(a.cfg.Name+": indexer rejected request",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}

	var page flagPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errs.Adapter(a.cfg.Name+": decoding flag page", err)
	}

	src := sourceFor(a)
	out := &FetchResult{NextCursor: page.NextCursor}
	for _, rep := range page.Reports {
		if rep.Address == "" {
			continue
		}
		out.Observations = append(out.Observations, a.classify(src, rep))
	}
	return out, nil
}

// classify applies the behavior heuristics. Drainer beats rugpull beats
// honeypot beats mixer: the most victim-impacting signal wins.
func (a *OnChainAdapter) classify(src threat.Source, rep flagReport) threat.Observation {
	obs := threat.Observation{
		Source:   src,
		Type:     threat.TypeFraud,
		Category: threat.CategoryFinancial,
		Severity: threat.SeverityMedium,
		Target: threat.Target{
			Type:    threat.TargetAddress,
			Value:   rep.Address,
			Network: a.cfg.Network,
		},
		Tags: []string{"on-chain"},
	}

	switch {
	case rep.ApprovalDrains > 0:
		obs.Type = threat.TypeDrainer
		obs.Category = threat.CategoryFinancial
		obs.Tags = append(obs.Tags, "approval-drain")
		obs.Evidence = fmt.Sprintf("%d approval drains across %d victims", rep.ApprovalDrains, rep.VictimCount)
	case rep.LiquidityPulled:
		obs.Type = threat.TypeRugpull
		obs.Tags = append(obs.Tags, "liquidity-pull")
		obs.Evidence = "liquidity removed after accumulation"
	case rep.SellBlocked:
		obs.Type = threat.TypeHoneypot
		obs.Category = threat.CategoryTechnical
		obs.Evidence = "token contract blocks sells"
	case rep.MixerHops > 0:
		obs.Type = threat.TypeMixer
		obs.Category = threat.CategoryCompliance
		obs.Evidence = fmt.Sprintf("funds routed through %d mixer hops", rep.MixerHops)
	}

	switch {
	case rep.VictimCount >= 50:
		obs.Severity = threat.SeverityCritical
	case rep.VictimCount >= 10:
		obs.Severity = threat.SeverityHigh
	case rep.VictimCount >= 1:
		obs.Severity = threat.SeverityMedium
	default:
		obs.Severity = threat.SeverityLow
	}

	obs.Indicators = append(obs.Indicators, threat.Indicator{
		Type:  threat.IndicatorAddress,
		Value: rep.Address,
	})
	for _, tx := range rep.TxHashes {
		obs.Indicators = append(obs.Indicators, threat.Indicator{
			Type:    threat.IndicatorTxHash,
			Value:   tx,
			Context: "flagged transaction",
		})
	}

	if rep.FirstFlagged != "" {
		if t, err := time.Parse(time.RFC3339, rep.FirstFlagged); err == nil {
			obs.ReportedAt = &t
		}
	}
	return obs
}
