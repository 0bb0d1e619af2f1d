package sentiment

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// SourceResult is one source's contribution to the aggregate score.
type SourceResult struct {
	Score     float64            `json:"score"` // in [-1, 1]
	Count     int                `json:"count"` // items scored
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
}

// Source pulls and scores one text stream.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (SourceResult, error)
}

// FearGreedSource reads the alternative.me crypto fear & greed index
// and maps its 0-100 scale onto [-1, 1].
type FearGreedSource struct {
	client *resty.Client
	url    string
}

// NewFearGreedSource creates the index source.
func NewFearGreedSource() *FearGreedSource {
	return &FearGreedSource{
		client: resty.New().SetTimeout(10 * time.Second),
		url:    "https://api.alternative.me/fng/",
	}
}

// Name implements Source.
func (s *FearGreedSource) Name() string { return "fear_greed" }

type fearGreedResponse struct {
	Data []struct {
		Value               string `json:"value"`
		ValueClassification string `json:"value_classification"`
	} `json:"data"`
}

// Fetch implements Source.
func (s *FearGreedSource) Fetch(ctx context.Context) (SourceResult, error) {
	var body fearGreedResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(s.url)
	if err != nil {
		return SourceResult{}, fmt.Errorf("fear/greed fetch: %w", err)
	}
	if resp.StatusCode() != 200 || len(body.Data) == 0 {
		return SourceResult{}, fmt.Errorf("fear/greed fetch: status %d", resp.StatusCode())
	}

	value, err := strconv.ParseFloat(body.Data[0].Value, 64)
	if err != nil {
		return SourceResult{}, fmt.Errorf("fear/greed parse: %w", err)
	}
	// 0 = extreme fear, 100 = extreme greed, 50 = neutral
	score := (value - 50) / 50
	return SourceResult{
		Score: score,
		Count: 1,
		Breakdown: map[string]float64{
			body.Data[0].ValueClassification: score,
		},
	}, nil
}

// headlineItem is a single scored text item from a feed.
type headlineItem struct {
	Title string
}

// KeywordSource scores a headline feed by keyword polarity. It backs
// both the news and forum sources, which differ only in endpoint and
// response shape.
type KeywordSource struct {
	name    string
	client  *resty.Client
	url     string
	extract func(resp *resty.Response) ([]headlineItem, error)
}

// Name implements Source.
func (s *KeywordSource) Name() string { return s.name }

// Fetch implements Source.
func (s *KeywordSource) Fetch(ctx context.Context) (SourceResult, error) {
	resp, err := s.client.R().SetContext(ctx).Get(s.url)
	if err != nil {
		return SourceResult{}, fmt.Errorf("%s fetch: %w", s.name, err)
	}
	if resp.StatusCode() != 200 {
		return SourceResult{}, fmt.Errorf("%s fetch: status %d", s.name, resp.StatusCode())
	}
	items, err := s.extract(resp)
	if err != nil {
		return SourceResult{}, fmt.Errorf("%s parse: %w", s.name, err)
	}
	return ScoreHeadlines(items), nil
}

var bullishWords = []string{
	"surge", "rally", "bull", "breakout", "soar", "gain", "adoption",
	"approve", "record", "upgrade", "partnership", "all-time high",
}

var bearishWords = []string{
	"crash", "dump", "bear", "plunge", "hack", "ban", "lawsuit",
	"sell-off", "fear", "liquidation", "fraud", "collapse",
}

// ScoreHeadlines scores a batch of headlines by keyword polarity.
func ScoreHeadlines(items []headlineItem) SourceResult {
	if len(items) == 0 {
		return SourceResult{}
	}
	breakdown := make(map[string]float64)
	total := 0.0
	for _, item := range items {
		title := strings.ToLower(item.Title)
		score := 0.0
		for _, w := range bullishWords {
			if strings.Contains(title, w) {
				score += 0.5
			}
		}
		for _, w := range bearishWords {
			if strings.Contains(title, w) {
				score -= 0.5
			}
		}
		if score > 1 {
			score = 1
		} else if score < -1 {
			score = -1
		}
		total += score
	}
	avg := total / float64(len(items))
	breakdown["headlines"] = avg
	return SourceResult{Score: avg, Count: len(items), Breakdown: breakdown}
}

type cryptoPanicResponse struct {
	Results []struct {
		Title string `json:"title"`
	} `json:"results"`
}

// NewNewsSource creates a CryptoPanic-backed news source.
func NewNewsSource(apiKey string) *KeywordSource {
	client := resty.New().SetTimeout(10 * time.Second)
	return &KeywordSource{
		name:   "news",
		client: client,
		url:    "https://cryptopanic.com/api/v1/posts/?auth_token=" + apiKey + "&kind=news&public=true",
		extract: func(resp *resty.Response) ([]headlineItem, error) {
			var body cryptoPanicResponse
			if err := unmarshalJSON(resp.Body(), &body); err != nil {
				return nil, err
			}
			items := make([]headlineItem, 0, len(body.Results))
			for _, r := range body.Results {
				items = append(items, headlineItem{Title: r.Title})
			}
			return items, nil
		},
	}
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				Title string `json:"title"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// NewForumSource creates a subreddit headline source.
func NewForumSource(subreddit string) *KeywordSource {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetHeader("User-Agent", "gridbot-sentiment/1.0")
	return &KeywordSource{
		name:   "forum",
		client: client,
		url:    fmt.Sprintf("https://www.reddit.com/r/%s/hot.json?limit=25", subreddit),
		extract: func(resp *resty.Response) ([]headlineItem, error) {
			var body redditListing
			if err := unmarshalJSON(resp.Body(), &body); err != nil {
				return nil, err
			}
			items := make([]headlineItem, 0, len(body.Data.Children))
			for _, c := range body.Data.Children {
				items = append(items, headlineItem{Title: c.Data.Title})
			}
			return items, nil
		},
	}
}
