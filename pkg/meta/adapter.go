package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/insights"
)

const defaultGraphBase = "https://graph.facebook.com/v19.0"

// InsightLevel selects the aggregation level of a pull.
type InsightLevel string

const (
	LevelAd       InsightLevel = "ad"
	LevelAdSet    InsightLevel = "adset"
	LevelCampaign InsightLevel = "campaign"
)

// DateRange is inclusive, YYYY-MM-DD.
type DateRange struct {
	Since string
	Until string
}

// Adapter is the Graph API surface the rest of the system sees.
type Adapter struct {
	oauth      *OAuth
	vault      *Vault
	httpClient *http.Client
	baseURL    string
}

// AdapterOption configures the Adapter.
type AdapterOption func(*Adapter)

// WithBaseURL points the adapter at a different Graph endpoint (tests,
// regional proxies).
func WithBaseURL(u string) AdapterOption {
	return func(a *Adapter) { a.baseURL = u }
}

// WithHTTPClient overrides the default 30 s client.
func WithHTTPClient(c *http.Client) AdapterOption {
	return func(a *Adapter) { a.httpClient = c }
}

func NewAdapter(oauth *OAuth, vault *Vault, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		oauth:      oauth,
		vault:      vault,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultGraphBase,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// graphInsightRow is the wire shape of one insights row. Numbers arrive as
// strings and are parsed here, never downstream.
type graphInsightRow struct {
	AdID        string `json:"ad_id"`
	DateStart   string `json:"date_start"`
	Impressions string `json:"impressions"`
	Clicks      string `json:"clicks"`
	Spend       string `json:"spend"`
	Conversions string `json:"conversions,omitempty"`
}

type graphInsightsResponse struct {
	Data   []graphInsightRow `json:"data"`
	Paging struct {
		Next string `json:"next,omitempty"`
	} `json:"paging"`
}

// FetchInsights pulls ad-level insight rows for the date range. Pagination is
// followed until exhausted.
func (a *Adapter) FetchInsights(ctx context.Context, tenantID, connectionID, accountID string, r DateRange, level InsightLevel) ([]insights.PlatformRow, error) {
	conn, err := a.oauth.connection(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}
	token, err := a.vault.Open(conn.SealedToken)
	if err != nil {
		return nil, err
	}

	q := url.Values{
		"access_token":   {token},
		"level":          {string(level)},
		"fields":         {"ad_id,impressions,clicks,spend,conversions"},
		"time_range":     {fmt.Sprintf(`{"since":"%s","until":"%s"}`, r.Since, r.Until)},
		"time_increment": {"1"},
	}
	next := fmt.Sprintf("%s/act_%s/insights?%s", a.baseURL, accountID, q.Encode())

	var out []insights.PlatformRow
	for next != "" {
		var page graphInsightsResponse
		if err := a.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, row := range page.Data {
			parsed, err := parseRow(row)
			if err != nil {
				return nil, err
			}
			out = append(out, parsed)
		}
		next = page.Paging.Next
	}
	return out, nil
}

func parseRow(row graphInsightRow) (insights.PlatformRow, error) {
	impressions, err := parseCount(row.Impressions)
	if err != nil {
		return insights.PlatformRow{}, fmt.Errorf("meta: impressions %q: %w", row.Impressions, err)
	}
	clicks, err := parseCount(row.Clicks)
	if err != nil {
		return insights.PlatformRow{}, fmt.Errorf("meta: clicks %q: %w", row.Clicks, err)
	}
	spend, err := parseAmount(row.Spend)
	if err != nil {
		return insights.PlatformRow{}, fmt.Errorf("meta: spend %q: %w", row.Spend, err)
	}
	conversions, err := parseCount(row.Conversions)
	if err != nil {
		return insights.PlatformRow{}, fmt.Errorf("meta: conversions %q: %w", row.Conversions, err)
	}
	return insights.PlatformRow{
		PlatformAdID: row.AdID,
		Date:         row.DateStart,
		Impressions:  impressions,
		Clicks:       clicks,
		Spend:        spend,
		Conversions:  conversions,
	}, nil
}

func parseCount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseAmount(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// CampaignSpec is the minimal campaign creation payload.
type CampaignSpec struct {
	Name        string  `json:"name"`
	Objective   string  `json:"objective"`
	DailyBudget float64 `json:"daily_budget,omitempty"`
	Status      string  `json:"status"`
}

// AdSetSpec targets one campaign.
type AdSetSpec struct {
	CampaignID  string  `json:"campaign_id"`
	Name        string  `json:"name"`
	DailyBudget float64 `json:"daily_budget,omitempty"`
	Status      string  `json:"status"`
}

// CreativeSpec wraps one composed banner + copy + link.
type CreativeSpec struct {
	Name        string `json:"name"`
	ImageURL    string `json:"image_url"`
	PrimaryText string `json:"primary_text"`
	Headline    string `json:"headline"`
	LinkURL     string `json:"link_url"` // the bundle's tracking URL
}

// AdSpec binds a creative into an ad set.
type AdSpec struct {
	AdSetID    string `json:"adset_id"`
	CreativeID string `json:"creative_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
}

type createResponse struct {
	ID string `json:"id"`
}

// CreateCampaign creates a campaign and returns the platform id. Auto mode
// only; callers gate on the operation mode.
func (a *Adapter) CreateCampaign(ctx context.Context, tenantID, connectionID, accountID string, spec CampaignSpec) (string, error) {
	return a.create(ctx, tenantID, connectionID, fmt.Sprintf("act_%s/campaigns", accountID), spec)
}

func (a *Adapter) CreateAdSet(ctx context.Context, tenantID, connectionID, accountID string, spec AdSetSpec) (string, error) {
	return a.create(ctx, tenantID, connectionID, fmt.Sprintf("act_%s/adsets", accountID), spec)
}

func (a *Adapter) CreateCreative(ctx context.Context, tenantID, connectionID, accountID string, spec CreativeSpec) (string, error) {
	return a.create(ctx, tenantID, connectionID, fmt.Sprintf("act_%s/adcreatives", accountID), spec)
}

func (a *Adapter) CreateAd(ctx context.Context, tenantID, connectionID, accountID string, spec AdSpec) (string, error) {
	return a.create(ctx, tenantID, connectionID, fmt.Sprintf("act_%s/ads", accountID), spec)
}

func (a *Adapter) create(ctx context.Context, tenantID, connectionID, path string, spec any) (string, error) {
	conn, err := a.oauth.connection(ctx, tenantID, connectionID)
	if err != nil {
		return "", err
	}
	token, err := a.vault.Open(conn.SealedToken)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("meta: encode spec: %w", err)
	}
	endpoint := fmt.Sprintf("%s/%s?access_token=%s", a.baseURL, path, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("meta: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("meta: call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("meta: %s returned %d: %s", path, resp.StatusCode, payload)
	}
	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("meta: decode response: %w", err)
	}
	return created.ID, nil
}

func (a *Adapter) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("meta: request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("meta: call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("meta: insights returned %d: %s", resp.StatusCode, payload)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("meta: decode response: %w", err)
	}
	return nil
}

// GraphExchanger is the production TokenExchanger: code → short-lived token →
// long-lived token.
type GraphExchanger struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	HTTPClient   *http.Client
}

func NewGraphExchanger(clientID, clientSecret string) *GraphExchanger {
	return &GraphExchanger{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		BaseURL:      defaultGraphBase,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (g *GraphExchanger) Exchange(ctx context.Context, code, redirectURI string) (string, time.Time, error) {
	short, _, err := g.tokenCall(ctx, url.Values{
		"client_id":     {g.ClientID},
		"client_secret": {g.ClientSecret},
		"code":          {code},
		"redirect_uri":  {redirectURI},
	})
	if err != nil {
		return "", time.Time{}, err
	}
	// Upgrade to a long-lived token straight away; the short one is never
	// stored.
	long, expiresIn, err := g.tokenCall(ctx, url.Values{
		"grant_type":        {"fb_exchange_token"},
		"client_id":         {g.ClientID},
		"client_secret":     {g.ClientSecret},
		"fb_exchange_token": {short},
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return long, time.Now().Add(time.Duration(expiresIn) * time.Second), nil
}

func (g *GraphExchanger) tokenCall(ctx context.Context, form url.Values) (string, int64, error) {
	endpoint := g.BaseURL + "/oauth/access_token?" + form.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", 0, fmt.Errorf("meta: request: %w", err)
	}
	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("meta: token call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", 0, fmt.Errorf("meta: token endpoint returned %d: %s", resp.StatusCode, payload)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", 0, fmt.Errorf("meta: decode token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", 0, fmt.Errorf("meta: empty access token")
	}
	return tok.AccessToken, tok.ExpiresIn, nil
}
