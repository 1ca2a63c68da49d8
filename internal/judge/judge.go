// Package judge asks an external scoring service for commentary on a
// finished battle. Scoring is advisory: the vote tally alone decides
// the winner, so every failure here degrades to "no scorecards".
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var ErrUnavailable = errors.New("judge: service unavailable")

// Request describes the finished battle to score.
type Request struct {
	BattleID     string         `json:"battle_id"`
	Performer1ID string         `json:"performer1_id"`
	Performer2ID string         `json:"performer2_id"`
	WinnerID     string         `json:"winner_id"`
	Votes        map[string]int `json:"votes"`
}

// Scorecard is the judge's verdict on one performer.
type Scorecard struct {
	PerformerID string `json:"performer_id"`
	Lyricism    int    `json:"lyricism"`
	Flow        int    `json:"flow"`
	Delivery    int    `json:"delivery"`
	Comment     string `json:"comment"`
}

type Client interface {
	Score(ctx context.Context, req Request) ([]Scorecard, error)
}

// HTTPClient calls a scoring endpoint with a bounded timeout.
type HTTPClient struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

func NewHTTPClient(url string, timeout time.Duration, log *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

func (c *HTTPClient) Score(ctx context.Context, req Request) ([]Scorecard, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal judge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build judge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var cards []Scorecard
	if err := json.NewDecoder(resp.Body).Decode(&cards); err != nil {
		return nil, fmt.Errorf("decode judge response: %w", err)
	}
	return cards, nil
}

// SimClient fabricates plausible scorecards locally, used in simulated
// mode and tests. Scores track the vote split so the commentary is
// consistent with the outcome.
type SimClient struct{}

func (SimClient) Score(ctx context.Context, req Request) ([]Scorecard, error) {
	cards := make([]Scorecard, 0, 2)
	for _, id := range []string{req.Performer1ID, req.Performer2ID} {
		base := 6
		comment := "solid showing"
		if id == req.WinnerID {
			base = 8
			comment = "took the crowd"
		}
		cards = append(cards, Scorecard{
			PerformerID: id,
			Lyricism:    base,
			Flow:        base + 1,
			Delivery:    base,
			Comment:     comment,
		})
	}
	return cards, nil
}
